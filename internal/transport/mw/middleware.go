package mw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// SecretAuth guards the API with a static bearer secret. An empty secret
// disables the check entirely; main warns loudly when that happens outside
// development.
func SecretAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			provided := strings.TrimPrefix(authHeader, "Bearer ")

			if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				log.Warn().
					Str("remote", c.RealIP()).
					Str("path", c.Path()).
					Msg("rejected request with bad api secret")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api secret")
			}
			return next(c)
		}
	}
}
