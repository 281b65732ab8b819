package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func callWithAuth(t *testing.T, secret, header string) int {
	t.Helper()
	e := echo.New()
	e.GET("/x", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, SecretAuth(secret))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Code
}

func TestSecretAuth(t *testing.T) {
	if code := callWithAuth(t, "s3cret", "Bearer s3cret"); code != http.StatusOK {
		t.Fatalf("valid secret rejected: %d", code)
	}
	if code := callWithAuth(t, "s3cret", "Bearer wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong secret accepted: %d", code)
	}
	if code := callWithAuth(t, "s3cret", ""); code != http.StatusUnauthorized {
		t.Fatalf("missing header accepted: %d", code)
	}
	if code := callWithAuth(t, "s3cret", "Basic s3cret"); code != http.StatusUnauthorized {
		t.Fatalf("non-bearer scheme accepted: %d", code)
	}
}

func TestSecretAuth_DisabledWhenEmpty(t *testing.T) {
	if code := callWithAuth(t, "", ""); code != http.StatusOK {
		t.Fatalf("empty secret should disable auth: %d", code)
	}
}
