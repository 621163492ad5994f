package handler

import (
	"net/http"

	"github.com/gantryci/gantry/internal/service"
	"github.com/gantryci/gantry/internal/store"
	"github.com/labstack/echo/v4"
)

func SetupCredentialRoutes(g *echo.Group, credentialService service.CredentialServicer) {
	h := NewCredentialHandler(credentialService)
	credentialsGroup := g.Group("/credentials")
	credentialsGroup.GET("", h.GetCredentials)
	credentialsGroup.POST("", h.PostCredential)
	credentialsGroup.PATCH("/:credential_id", h.PatchCredential)
	credentialsGroup.DELETE("/:credential_id", h.DeleteCredential)
}

type CredentialHandler struct {
	credentialService service.CredentialServicer
}

func NewCredentialHandler(credentialService service.CredentialServicer) *CredentialHandler {
	return &CredentialHandler{credentialService}
}

// credentialResponse never carries key material back out.
type credentialResponse struct {
	CredentialID int64  `json:"credential_id"`
	Username     string `json:"username"`
	Description  string `json:"description"`
}

func toCredentialResponse(c *store.Credential) credentialResponse {
	return credentialResponse{
		CredentialID: c.CredentialID,
		Username:     c.Username,
		Description:  c.Description,
	}
}

func (h *CredentialHandler) GetCredentials(c echo.Context) error {
	credentials, err := h.credentialService.ListCredentials(c.Request().Context())
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list credentials")
	}
	out := make([]credentialResponse, len(credentials))
	for i, cred := range credentials {
		out[i] = toCredentialResponse(cred)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *CredentialHandler) PostCredential(c echo.Context) error {
	cp := new(CredentialParams)
	if err := c.Bind(cp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid credential data")
	}
	if cp.Username == "" || cp.SSHPrivateKey == "" {
		return newError(nil, http.StatusBadRequest, "username and ssh_private_key are required")
	}

	cred, err := h.credentialService.CreateCredential(
		c.Request().Context(),
		cp.Username,
		cp.Description,
		cp.SSHPrivateKey,
	)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to create credential")
	}
	return c.JSON(http.StatusCreated, toCredentialResponse(cred))
}

func (h *CredentialHandler) PatchCredential(c echo.Context) error {
	cp := new(CredentialParams)
	if err := c.Bind(cp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid credential data")
	}
	if err := h.credentialService.UpdateCredential(
		c.Request().Context(),
		cp.CredentialID,
		cp.Username,
		cp.Description,
	); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to update credential")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *CredentialHandler) DeleteCredential(c echo.Context) error {
	cp := new(CredentialParams)
	if err := c.Bind(cp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid credential ID")
	}
	if err := h.credentialService.DeleteCredential(
		c.Request().Context(), cp.CredentialID,
	); err != nil {
		if isForeignKeyConstraintError(err) {
			return newError(err, http.StatusConflict, "credential is still used by an agent")
		}
		return newError(err, http.StatusInternalServerError, "unable to delete credential")
	}
	return c.NoContent(http.StatusNoContent)
}
