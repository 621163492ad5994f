package handler

import (
	"context"
	"net/http"

	"github.com/gantryci/gantry/internal"
	"github.com/gantryci/gantry/internal/store"
	"github.com/labstack/echo/v4"
)

type APIKeyValidator interface {
	GetAPIKeyByValue(ctx context.Context, value string) (*store.APIKey, error)
}

// APIKeyAuth guards the management API. Webhook endpoints use their own
// header and are mounted outside the guarded group.
func APIKeyAuth(apiKeys APIKeyValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			value := c.Request().Header.Get(internal.APIKeyHeader)
			if value == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
			}
			if _, err := apiKeys.GetAPIKeyByValue(c.Request().Context(), value); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}
			return next(c)
		}
	}
}
