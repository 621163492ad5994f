package handler

import (
	"context"
	"net/http"

	"github.com/gantryci/gantry/internal/store"
	"github.com/labstack/echo/v4"
)

type APIKeyServicer interface {
	CreateAPIKey(context.Context) (*store.APIKey, error)
	GetAPIKeyByID(context.Context, int64) (*store.APIKey, error)
	GetAPIKeyByValue(context.Context, string) (*store.APIKey, error)
	DeleteAPIKey(context.Context, int64) error
	ListAPIKeys(context.Context) ([]*store.APIKey, error)
}

func SetupAPIKeyRoutes(g *echo.Group, apiKeyService APIKeyServicer) {
	h := NewAPIKeyHandler(apiKeyService)
	apiKeysGroup := g.Group("/api-keys")
	apiKeysGroup.GET("", h.GetAPIKeys)
	apiKeysGroup.POST("", h.PostAPIKey)
	apiKeysGroup.DELETE("/:id", h.DeleteAPIKey)
}

type APIKeyHandler struct {
	apiKeyService APIKeyServicer
}

func NewAPIKeyHandler(apiKeyService APIKeyServicer) *APIKeyHandler {
	return &APIKeyHandler{apiKeyService}
}

func (h *APIKeyHandler) GetAPIKeys(c echo.Context) error {
	apiKeys, err := h.apiKeyService.ListAPIKeys(c.Request().Context())
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list api keys")
	}
	return c.JSON(http.StatusOK, apiKeys)
}

func (h *APIKeyHandler) PostAPIKey(c echo.Context) error {
	ak, err := h.apiKeyService.CreateAPIKey(c.Request().Context())
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to create api key")
	}
	return c.JSON(http.StatusCreated, ak)
}

func (h *APIKeyHandler) DeleteAPIKey(c echo.Context) error {
	akp := new(APIKeyParams)
	if err := c.Bind(akp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid api key ID")
	}
	if err := h.apiKeyService.DeleteAPIKey(c.Request().Context(), akp.ID); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to delete api key")
	}
	return c.NoContent(http.StatusNoContent)
}
