// Package http exposes the queue's REST surface on echo.
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/idangerous/pushqueue/internal/application"
	"github.com/idangerous/pushqueue/internal/domain"
)

// Handler holds all HTTP handler methods.
type Handler struct {
	sender    *application.Sender
	admin     *application.Admin
	processor *application.Processor
	validate  *validator.Validate
}

// NewHandler creates a new Handler.
func NewHandler(sender *application.Sender, admin *application.Admin, processor *application.Processor) *Handler {
	return &Handler{
		sender:    sender,
		admin:     admin,
		processor: processor,
		validate:  validator.New(),
	}
}

// Health GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// --- Notifications ---

// SendBulk POST /v1/notifications
func (h *Handler) SendBulk(c echo.Context) error {
	var req SendRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	outcome, err := h.sender.EnqueueBulk(c.Request().Context(), req.spec())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if outcome.Duplicate {
		return c.JSON(http.StatusOK, outcome)
	}
	return c.JSON(http.StatusAccepted, outcome)
}

// SendCustomer POST /v1/notifications/customer
func (h *Handler) SendCustomer(c echo.Context) error {
	var req SendCustomerRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	spec := req.spec()
	spec.Filter = nil
	spec.TargetCustomerID = &req.CustomerID

	outcome, err := h.sender.SendToCustomer(c.Request().Context(), spec)
	if err != nil {
		log.Error().Err(err).Int64("customer_id", req.CustomerID).Msg("single send failed")
		return echo.ErrInternalServerError
	}
	return c.JSON(http.StatusOK, outcome)
}

// ListJobs GET /v1/notifications
func (h *Handler) ListJobs(c echo.Context) error {
	status := domain.JobStatus(c.QueryParam("status"))
	switch status {
	case "", domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
	}

	limit := parseIntQuery(c, "limit", 50)
	offset := parseIntQuery(c, "offset", 0)

	jobs, err := h.admin.ListJobs(c.Request().Context(), status, limit, offset)
	if err != nil {
		return echo.ErrInternalServerError
	}
	return c.JSON(http.StatusOK, map[string]any{
		"data":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

// GetJob GET /v1/notifications/:id
func (h *Handler) GetJob(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	job, err := h.admin.GetJob(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return echo.ErrNotFound
		}
		return echo.ErrInternalServerError
	}
	return c.JSON(http.StatusOK, job)
}

// RetryJob POST /v1/notifications/:id/retry
func (h *Handler) RetryJob(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	job, err := h.admin.RetryJob(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return echo.ErrNotFound
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, job)
}

// --- Queue ---

// Process POST /v1/queue/process
func (h *Handler) Process(c echo.Context) error {
	var req ProcessRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	res, err := h.processor.RunBatch(c.Request().Context(), application.BatchOptions{
		Limit:      req.Limit,
		Status:     domain.JobStatus(req.Status),
		ForceRetry: req.ForceRetry,
	})
	if err != nil {
		log.Error().Err(err).Msg("on-demand queue pass failed")
		return echo.ErrInternalServerError
	}
	if res.Skipped {
		return c.JSON(http.StatusConflict, res)
	}
	return c.JSON(http.StatusOK, res)
}

// --- Tokens ---

// RegisterToken POST /v1/tokens
func (h *Handler) RegisterToken(c echo.Context) error {
	var req RegisterTokenRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	tok, err := h.admin.RegisterToken(c.Request().Context(), domain.TokenRegistration{
		Token:         req.Token,
		DeviceType:    domain.DeviceType(req.DeviceType),
		DeviceID:      req.DeviceID,
		DeviceModel:   req.DeviceModel,
		OSVersion:     req.OSVersion,
		AppVersion:    req.AppVersion,
		CustomerID:    req.CustomerID,
		CustomerEmail: req.CustomerEmail,
		StoreID:       req.StoreID,
	})
	if err != nil {
		return echo.ErrInternalServerError
	}
	return c.JSON(http.StatusOK, tok)
}

// UnregisterToken DELETE /v1/tokens
func (h *Handler) UnregisterToken(c echo.Context) error {
	var req UnregisterTokenRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	if err := h.admin.UnregisterToken(c.Request().Context(), req.Token); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return echo.ErrNotFound
		}
		return echo.ErrInternalServerError
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteToken DELETE /v1/tokens/:id
func (h *Handler) DeleteToken(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.admin.DeleteToken(c.Request().Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return echo.ErrNotFound
		}
		return echo.ErrInternalServerError
	}
	return c.NoContent(http.StatusNoContent)
}

// ListTokens GET /v1/tokens
func (h *Handler) ListTokens(c echo.Context) error {
	limit := parseIntQuery(c, "limit", 50)
	offset := parseIntQuery(c, "offset", 0)

	tokens, err := h.admin.ListTokens(c.Request().Context(), limit, offset)
	if err != nil {
		return echo.ErrInternalServerError
	}
	return c.JSON(http.StatusOK, map[string]any{
		"data":   tokens,
		"limit":  limit,
		"offset": offset,
	})
}

// TestSend POST /v1/tokens/test
func (h *Handler) TestSend(c echo.Context) error {
	var req TestSendRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}

	res, err := h.sender.SendToToken(c.Request().Context(), req.Token, domain.PushMessage{
		Title: req.Title,
		Body:  req.Body,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

// --- Stats ---

// GetStats GET /v1/stats
func (h *Handler) GetStats(c echo.Context) error {
	stats, err := h.admin.GetStats(c.Request().Context())
	if err != nil {
		return echo.ErrInternalServerError
	}
	return c.JSON(http.StatusOK, stats)
}

// --- Helpers ---

// bind decodes and validates a request body.
func (h *Handler) bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func parseIntQuery(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
