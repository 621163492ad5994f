package handler

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gantryci/gantry/internal/service"
	"github.com/labstack/echo/v4"
)

func SetupAgentRoutes(g *echo.Group, agentService service.AgentServicer) {
	h := NewAgentHandler(agentService)
	agentsGroup := g.Group("/agents")
	agentsGroup.GET("", h.GetAgents)
	agentsGroup.POST("", h.PostAgent)
	agentsGroup.GET("/:agent_id", h.GetAgent)
	agentsGroup.PATCH("/:agent_id", h.PatchAgent)
	agentsGroup.DELETE("/:agent_id", h.DeleteAgent)
	agentsGroup.POST("/:agent_id/test-connection", h.PostTestAgentConnection)
}

type AgentHandler struct {
	agentService service.AgentServicer
}

func NewAgentHandler(agentService service.AgentServicer) *AgentHandler {
	return &AgentHandler{agentService}
}

func (h *AgentHandler) GetAgents(c echo.Context) error {
	agents, err := h.agentService.ListAgents(c.Request().Context())
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list agents")
	}
	return c.JSON(http.StatusOK, agents)
}

func (h *AgentHandler) GetAgent(c echo.Context) error {
	ap := new(AgentParams)
	if err := c.Bind(ap); err != nil {
		return newError(err, http.StatusBadRequest, "invalid agent ID")
	}
	a, err := h.agentService.GetAgentByID(c.Request().Context(), ap.AgentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "agent not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read agent")
	}
	return c.JSON(http.StatusOK, a)
}

func (h *AgentHandler) PostAgent(c echo.Context) error {
	ap := new(AgentParams)
	if err := c.Bind(ap); err != nil {
		return newError(err, http.StatusBadRequest, "invalid agent data")
	}
	if ap.Name == "" || ap.Workspace == "" {
		return newError(nil, http.StatusBadRequest, "name and workspace are required")
	}
	if ap.OSType == "" {
		ap.OSType = "unix"
	}

	a, err := h.agentService.CreateAgent(
		c.Request().Context(),
		ap.AgentCredentialID,
		ap.Name,
		ap.Hostname,
		ap.Workspace,
		ap.Description,
		ap.OSType,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return newError(err, http.StatusConflict, "agent name already in use")
		}
		return newError(err, http.StatusInternalServerError, "unable to create agent")
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *AgentHandler) PatchAgent(c echo.Context) error {
	ap := new(AgentParams)
	if err := c.Bind(ap); err != nil {
		return newError(err, http.StatusBadRequest, "invalid agent data")
	}

	if err := h.agentService.UpdateAgent(
		c.Request().Context(),
		ap.AgentID,
		ap.AgentCredentialID,
		ap.Name,
		ap.Hostname,
		ap.Workspace,
		ap.Description,
		ap.OSType,
	); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to update agent")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AgentHandler) DeleteAgent(c echo.Context) error {
	ap := new(AgentParams)
	if err := c.Bind(ap); err != nil {
		return newError(err, http.StatusBadRequest, "invalid agent ID")
	}
	if err := h.agentService.DeleteAgent(c.Request().Context(), ap.AgentID); err != nil {
		if isForeignKeyConstraintError(err) {
			return newError(err, http.StatusConflict, "agent is still used by a pipeline")
		}
		return newError(err, http.StatusInternalServerError, "unable to delete agent")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AgentHandler) PostTestAgentConnection(c echo.Context) error {
	ap := new(AgentParams)
	if err := c.Bind(ap); err != nil {
		return newError(err, http.StatusBadRequest, "invalid agent ID")
	}
	if err := h.agentService.TestAgentConnection(c.Request().Context(), ap.AgentID); err != nil {
		return newError(err, http.StatusBadGateway, "unable to connect to agent")
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "connection ok"})
}
