package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// TokenHandler serves the client_credentials token endpoint backed by m.
func TokenHandler(m *BackendServiceManager) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp, err := m.HandleTokenRequest(
			c.FormValue("grant_type"),
			c.FormValue("client_assertion_type"),
			c.FormValue("client_assertion"),
		)
		var oe *OAuthError
		if errors.As(err, &oe) {
			status := http.StatusBadRequest
			if oe.Code == "invalid_client" {
				status = http.StatusUnauthorized
			}
			return c.JSON(status, oe)
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "token issuance failed").SetInternal(err)
		}
		c.Response().Header().Set("Cache-Control", "no-store")
		return c.JSON(http.StatusOK, resp)
	}
}

// RequireBearer rejects requests without a valid access token issued by m.
func RequireBearer(m *BackendServiceManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			if err := m.ValidateAccessToken(strings.TrimPrefix(h, "Bearer ")); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token").SetInternal(err)
			}
			return next(c)
		}
	}
}
