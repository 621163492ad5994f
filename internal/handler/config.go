package handler

import (
	"net/http"

	"github.com/gantryci/gantry/internal"
	"github.com/labstack/echo/v4"
)

func SetupConfigRoutes(g *echo.Group) {
	g.GET("/config", GetConfig)
	g.PUT("/config", PutConfig)
}

func GetConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, internal.Config)
}

// PutConfig replaces the server configuration. Running queues keep the
// settings they were built with; changes apply to queues created afterwards.
func PutConfig(c echo.Context) error {
	cp := new(ConfigParams)
	if err := c.Bind(cp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid config data")
	}
	if cp.QueueSize < 1 || cp.JobTimeoutMinutes < 1 {
		return newError(nil, http.StatusBadRequest,
			"queue_size and job_timeout_minutes must be positive")
	}

	config := &internal.Configuration{
		QueueSize:          cp.QueueSize,
		JobTimeoutMinutes:  cp.JobTimeoutMinutes,
		CoverageServiceURL: cp.CoverageServiceURL,
		CoverageFailClosed: cp.CoverageFailClosed,
	}
	if err := internal.UpdateConfiguration(config); err != nil {
		return newError(err, http.StatusInternalServerError,
			"unable to update configuration file")
	}
	return c.JSON(http.StatusOK, internal.Config)
}
