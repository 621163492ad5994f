package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gantryci/gantry/internal"
	"github.com/gantryci/gantry/internal/service"
	"github.com/gantryci/gantry/internal/trigger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const maxRunsPerPage int64 = 10

func SetupPipelineRoutes(
	e *echo.Echo,
	g *echo.Group,
	pipelineService service.PipelineServicer,
	apiKeyService APIKeyValidator,
) {
	h := NewPipelineHandler(pipelineService)

	// forge webhooks authenticate with their own header, outside the
	// API-key group
	e.POST(
		"/hooks/pipelines/:pipeline_id",
		h.PostWebhookEvent,
		WebhookKeyAuth(apiKeyService),
	)

	pipelinesGroup := g.Group("/pipelines")
	pipelinesGroup.GET("", h.GetPipelines)
	pipelinesGroup.POST("", h.PostPipeline)
	pipelinesGroup.GET("/:pipeline_id", h.GetPipeline)
	pipelinesGroup.PATCH("/:pipeline_id", h.PatchPipeline)
	pipelinesGroup.DELETE("/:pipeline_id", h.DeletePipeline)
	pipelinesGroup.PATCH("/:pipeline_id/schedule", h.PatchPipelineSchedule)
	pipelinesGroup.POST("/:pipeline_id/dispatch", h.PostDispatch)
	pipelinesGroup.GET("/:pipeline_id/runs", h.GetPipelineRuns)
	pipelinesGroup.GET("/:pipeline_id/runs/latest", h.GetLatestPipelineRuns)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id", h.GetPipelineRun)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id/jobs", h.GetPipelineRunJobs)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id/output", h.GetPipelineRunOutput)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id/output/sse", h.GetPipelineRunOutputSSE)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id/status/sse", h.GetPipelineRunStatusSSE)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id/artifacts", h.GetPipelineRunArtifacts)
	pipelinesGroup.POST("/:pipeline_id/runs/:run_id/cancel", h.PostCancelPipelineRun)
	pipelinesGroup.DELETE("/:pipeline_id/runs/:run_id", h.DeletePipelineRun)
}

// WebhookKeyAuth validates the webhook trigger header against stored API
// keys.
func WebhookKeyAuth(apiKeys APIKeyValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			value := c.Request().Header.Get(internal.WebhookTriggerKeyHeader)
			if value == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing webhook key")
			}
			if _, err := apiKeys.GetAPIKeyByValue(c.Request().Context(), value); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook key")
			}
			return next(c)
		}
	}
}

type PipelineHandler struct {
	pipelineService service.PipelineServicer
}

func NewPipelineHandler(pipelineService service.PipelineServicer) *PipelineHandler {
	return &PipelineHandler{pipelineService}
}

func (h *PipelineHandler) GetPipelines(c echo.Context) error {
	pipelines, err := h.pipelineService.ListPipelines(c.Request().Context())
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list pipelines")
	}
	return c.JSON(http.StatusOK, pipelines)
}

func (h *PipelineHandler) PostPipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline data")
	}
	if pp.Name == "" || pp.Repository == "" || pp.WorkflowPath == "" {
		return newError(nil, http.StatusBadRequest,
			"name, repository and workflow_path are required")
	}

	p, err := h.pipelineService.CreatePipeline(
		c.Request().Context(),
		pp.PipelineAgentID,
		pp.Name,
		pp.Description,
		pp.Repository,
		pp.WorkflowPath,
		pp.TriggerBranches,
		pp.PathsIgnore,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return newError(err, http.StatusConflict, "pipeline name already in use")
		}
		if isForeignKeyConstraintError(err) {
			return newError(err, http.StatusBadRequest, "agent does not exist")
		}
		return newError(err, http.StatusInternalServerError, "unable to create pipeline")
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *PipelineHandler) GetPipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline ID")
	}
	p, err := h.pipelineService.GetPipelineByID(c.Request().Context(), pp.PipelineID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "pipeline not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read pipeline")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *PipelineHandler) PatchPipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline data")
	}

	if err := h.pipelineService.UpdatePipeline(
		c.Request().Context(),
		pp.PipelineID,
		pp.PipelineAgentID,
		pp.Name,
		pp.Description,
		pp.Repository,
		pp.WorkflowPath,
		pp.TriggerBranches,
		pp.PathsIgnore,
	); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to update pipeline")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *PipelineHandler) DeletePipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline ID")
	}
	if err := h.pipelineService.DeletePipeline(c.Request().Context(), pp.PipelineID); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to delete pipeline")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *PipelineHandler) PatchPipelineSchedule(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid schedule data")
	}
	if pp.Schedule != nil && pp.ScheduleBranch == nil {
		return newError(nil, http.StatusBadRequest, "schedule_branch is required")
	}

	if err := h.pipelineService.UpdatePipelineSchedule(
		c.Request().Context(), pp.PipelineID, pp.Schedule, pp.ScheduleBranch,
	); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to update schedule")
	}
	return c.NoContent(http.StatusNoContent)
}

// PostWebhookEvent evaluates a forge event against the pipeline's trigger
// rules. Ignored events return 200 without creating anything.
func (h *PipelineHandler) PostWebhookEvent(c echo.Context) error {
	wp := new(WebhookParams)
	if err := c.Bind(wp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook payload")
	}

	kind := trigger.Kind(wp.Event)
	if kind != trigger.KindPush && kind != trigger.KindPullRequest {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported event")
	}
	if wp.Branch == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "branch is required")
	}

	r, started, err := h.pipelineService.TriggerRun(c.Request().Context(), wp.PipelineID, trigger.Event{
		Kind:         kind,
		Branch:       wp.Branch,
		Commit:       wp.Commit,
		ChangedPaths: wp.ChangedPaths,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "pipeline not found")
		}
		var full *service.ErrRunQueueFull
		if errors.As(err, &full) {
			return echo.NewHTTPError(http.StatusTooManyRequests, "run queue is full").WithInternal(err)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to start run").WithInternal(err)
	}
	if !started {
		return c.JSON(http.StatusOK, echo.Map{"started": false})
	}
	return c.JSON(http.StatusCreated, r)
}

// PostDispatch starts a run unconditionally: manual dispatch bypasses
// branch and path filters.
func (h *PipelineHandler) PostDispatch(c echo.Context) error {
	dp := new(DispatchParams)
	if err := c.Bind(dp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid dispatch data")
	}
	if dp.Branch == "" {
		return newError(nil, http.StatusBadRequest, "branch is required")
	}

	r, _, err := h.pipelineService.TriggerRun(c.Request().Context(), dp.PipelineID, trigger.Event{
		Kind:   trigger.KindManual,
		Branch: dp.Branch,
		Commit: dp.Commit,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "pipeline not found")
		}
		var full *service.ErrRunQueueFull
		if errors.As(err, &full) {
			return newError(err, http.StatusTooManyRequests, "run queue is full")
		}
		return newError(err, http.StatusInternalServerError, "unable to start run")
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *PipelineHandler) GetPipelineRuns(c echo.Context) error {
	lp := new(ListRunsParams)
	if err := c.Bind(lp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline ID")
	}
	if lp.Page < 1 {
		lp.Page = 1
	}

	runs, err := h.pipelineService.ListPipelineRunsPaginated(
		c.Request().Context(),
		lp.PipelineID,
		maxRunsPerPage,
		(lp.Page-1)*maxRunsPerPage,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return newError(err, http.StatusInternalServerError, "unable to list runs")
	}
	count, err := h.pipelineService.GetPipelineRunCount(c.Request().Context(), lp.PipelineID)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to count runs")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"runs":  runs,
		"page":  lp.Page,
		"total": count,
	})
}

func (h *PipelineHandler) GetLatestPipelineRuns(c echo.Context) error {
	lp := new(LatestRunsParams)
	if err := c.Bind(lp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline ID")
	}
	if lp.Limit < 1 || lp.Limit > maxRunsPerPage {
		lp.Limit = maxRunsPerPage
	}

	runs, err := h.pipelineService.ListLatestPipelineRuns(
		c.Request().Context(), lp.PipelineID, lp.Limit,
	)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list runs")
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *PipelineHandler) GetPipelineRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run ID")
	}
	r, err := h.pipelineService.GetRunByID(c.Request().Context(), rp.RunID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "run not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read run")
	}
	return c.JSON(http.StatusOK, r)
}

func (h *PipelineHandler) GetPipelineRunJobs(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run ID")
	}
	jobRuns, err := h.pipelineService.ListRunJobRuns(c.Request().Context(), rp.RunID)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list job runs")
	}
	return c.JSON(http.StatusOK, jobRuns)
}

func (h *PipelineHandler) GetPipelineRunOutput(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run ID")
	}
	r, err := h.pipelineService.GetRunByID(c.Request().Context(), rp.RunID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusNotFound, "run not found")
		}
		return newError(err, http.StatusInternalServerError, "unable to read run")
	}
	output := ""
	if r.Output != nil {
		output = *r.Output
	}
	return c.String(http.StatusOK, output)
}

func (h *PipelineHandler) GetPipelineRunOutputSSE(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run ID")
	}

	rq, ok := h.pipelineService.GetRunQueue(rp.PipelineID)
	if !ok {
		return newError(nil, http.StatusNotFound, "pipeline not found")
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := uuid.NewString()
	rq.OutputSSEClients.AddClient(id)
	defer rq.OutputSSEClients.RemoveClient(id)

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case out := <-rq.OutputSSEClients.GetClient(id):
			event := Event{ID: []byte(id), Data: []byte(out)}
			if err := event.MarshalTo(w); err != nil {
				return err
			}
			w.Flush()
		}
	}
}

func (h *PipelineHandler) GetPipelineRunStatusSSE(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run ID")
	}

	rq, ok := h.pipelineService.GetRunQueue(rp.PipelineID)
	if !ok {
		return newError(nil, http.StatusNotFound, "pipeline not found")
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := uuid.NewString()
	rq.StatusSSEClients.AddClient(id)
	defer rq.StatusSSEClients.RemoveClient(id)

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case r := <-rq.StatusSSEClients.GetClient(id):
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			event := Event{ID: []byte(id), Event: []byte("status"), Data: data}
			if err := event.MarshalTo(w); err != nil {
				return err
			}
			w.Flush()
		}
	}
}

func (h *PipelineHandler) GetPipelineRunArtifacts(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline or run ID")
	}

	archivePath, err := h.pipelineService.CollectRunArtifacts(
		c.Request().Context(),
		rp.PipelineID,
		rp.RunID,
	)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to collect run artifacts")
	}
	return c.File(archivePath)
}

func (h *PipelineHandler) PostCancelPipelineRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline or run ID")
	}
	h.pipelineService.CancelRun(rp.PipelineID, rp.RunID)
	return c.NoContent(http.StatusAccepted)
}

func (h *PipelineHandler) DeletePipelineRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run ID")
	}
	if err := h.pipelineService.DeleteRun(c.Request().Context(), rp.RunID); err != nil {
		return newError(err, http.StatusInternalServerError, "unable to delete run")
	}
	return c.NoContent(http.StatusNoContent)
}
