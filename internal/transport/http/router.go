package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/idangerous/pushqueue/internal/transport/mw"
)

// NewRouter sets up all Echo routes and middleware.
func NewRouter(h *Handler, apiSecret string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
	}))

	// Unauthenticated surface
	e.GET("/health", h.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API — requires the shared secret
	v1 := e.Group("/v1")
	v1.Use(mw.SecretAuth(apiSecret))

	v1.POST("/notifications", h.SendBulk)
	v1.POST("/notifications/customer", h.SendCustomer)
	v1.GET("/notifications", h.ListJobs)
	v1.GET("/notifications/:id", h.GetJob)
	v1.POST("/notifications/:id/retry", h.RetryJob)

	v1.POST("/queue/process", h.Process)

	v1.POST("/tokens", h.RegisterToken)
	v1.DELETE("/tokens", h.UnregisterToken)
	v1.DELETE("/tokens/:id", h.DeleteToken)
	v1.GET("/tokens", h.ListTokens)
	v1.POST("/tokens/test", h.TestSend)

	v1.GET("/stats", h.GetStats)

	return e
}
