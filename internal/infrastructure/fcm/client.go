package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/idangerous/pushqueue/internal/domain"
)

const messagesEndpoint = "https://fcm.googleapis.com/v1/projects/%s/messages:send"

// defaultClickAction is what mobile clients expect when a job carries no
// explicit action URL.
const defaultClickAction = "FLUTTER_NOTIFICATION_CLICK"

// TokenPruner removes a device token the gateway declared permanently dead.
type TokenPruner interface {
	DeleteByToken(ctx context.Context, token string) error
}

// Client sends one message per device token over the FCM HTTP v1 API.
// Each token gets a fresh request; no header or connection state leaks
// between sends.
type Client struct {
	endpoint   string
	httpClient *http.Client
	pruner     TokenPruner
}

// NewClient creates a Client for the given Firebase project.
func NewClient(projectID string, pruner TokenPruner) *Client {
	return &Client{
		endpoint:   fmt.Sprintf(messagesEndpoint, projectID),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		pruner:     pruner,
	}
}

// Send delivers msg to a single device token. A gateway rejection of the
// token is reported in the result, never as an error; errors are reserved
// for transport faults. Permanently-invalid tokens are deleted from the
// registry as a side effect.
func (c *Client) Send(ctx context.Context, accessToken, deviceToken string, msg domain.PushMessage) (domain.PushResult, error) {
	if !utf8.ValidString(msg.Title) || !utf8.ValidString(msg.Body) {
		return domain.PushResult{}, fmt.Errorf("notification text is not valid UTF-8")
	}

	body, err := json.Marshal(buildPayload(deviceToken, msg))
	if err != nil {
		return domain.PushResult{}, fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.PushResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.PushResult{}, fmt.Errorf("gateway send: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Name  string `json:"name"`
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&parsed)

	if resp.StatusCode == http.StatusOK && parsed.Name != "" {
		return domain.PushResult{Delivered: true}, nil
	}

	errText := parsed.Error.Message
	if errText == "" {
		errText = "unknown error"
	}

	result := domain.PushResult{ErrorText: errText}
	if tokenInvalid(resp.StatusCode, parsed.Error.Status, errText) {
		// The gateway is authoritative about dead tokens; drop it now
		// rather than waiting for a cleanup pass.
		if err := c.pruner.DeleteByToken(ctx, deviceToken); err != nil {
			log.Error().Err(err).Msg("failed to delete invalid token")
		} else {
			result.TokenPruned = true
			log.Info().Str("status", parsed.Error.Status).Msg("deleted permanently invalid token")
		}
	}
	return result, nil
}

// tokenInvalid classifies permanent invalid-token rejections: 404, or a 400
// whose message or status marks the token itself as bad.
func tokenInvalid(httpStatus int, errStatus, errText string) bool {
	if httpStatus == http.StatusNotFound {
		return true
	}
	if httpStatus != http.StatusBadRequest {
		return false
	}
	if errStatus == "UNREGISTERED" || errStatus == "INVALID_ARGUMENT" {
		return true
	}
	return strings.Contains(strings.ToLower(errText), "invalid")
}

// buildPayload assembles the FCM v1 message body: notification block,
// text-only data payload, and platform blocks. Silent messages suppress
// sound and badge.
func buildPayload(deviceToken string, msg domain.PushMessage) map[string]any {
	category := msg.Category
	if category == "" {
		category = "general"
	}
	clickAction := msg.ActionURL
	if clickAction == "" {
		clickAction = defaultClickAction
	}

	data := map[string]string{
		"notification_type": category,
		"click_action":      clickAction,
	}
	for k, v := range msg.Data {
		data[k] = v
	}

	notification := map[string]any{
		"title": msg.Title,
		"body":  msg.Body,
	}
	if msg.ImageURL != "" {
		notification["image"] = msg.ImageURL
	}

	android := map[string]any{"priority": "high"}
	aps := map[string]any{}
	if msg.Silent {
		aps["content-available"] = 1
	} else {
		android["notification"] = map[string]any{"sound": "default"}
		badge := msg.Badge
		if badge <= 0 {
			badge = 1
		}
		aps["sound"] = "default"
		aps["badge"] = badge
	}

	return map[string]any{
		"message": map[string]any{
			"token":        deviceToken,
			"notification": notification,
			"data":         data,
			"android":      android,
			"apns": map[string]any{
				"payload": map[string]any{"aps": aps},
			},
		},
	}
}
