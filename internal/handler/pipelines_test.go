package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gantryci/gantry/internal/service"
	"github.com/gantryci/gantry/internal/store"
	"github.com/gantryci/gantry/internal/trigger"
	"github.com/gantryci/gantry/testutil"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newJSONContext(
	e *echo.Echo,
	method, target, body string,
	rec *httptest.ResponseRecorder,
) echo.Context {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return e.NewContext(req, rec)
}

func TestPipelineHandler_PostWebhookEvent(t *testing.T) {
	t.Run("success - push event starts a run", func(t *testing.T) {
		// arrange
		expectedRun := &store.Run{RunID: 7, RunPipelineID: 1, Branch: "main"}
		mockService := new(testutil.MockPipelineService)
		mockService.On("TriggerRun", mock.Anything, int64(1), trigger.Event{
			Kind:         trigger.KindPush,
			Branch:       "main",
			Commit:       "abc123",
			ChangedPaths: []string{"src/lib.rs", "README.md"},
		}).Return(expectedRun, true, nil)

		e := echo.New()
		rec := httptest.NewRecorder()
		body := `{"event":"push","branch":"main","commit":"abc123",` +
			`"changed_paths":["src/lib.rs","README.md"]}`
		c := newJSONContext(e, http.MethodPost, "/hooks/pipelines/1", body, rec)
		c.SetParamNames("pipeline_id")
		c.SetParamValues("1")
		h := NewPipelineHandler(mockService)

		// act
		err := h.PostWebhookEvent(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Contains(t, rec.Body.String(), `"RunID":7`)
	})

	t.Run("success - documentation-only push leaves no trace", func(t *testing.T) {
		// arrange
		mockService := new(testutil.MockPipelineService)
		mockService.On("TriggerRun", mock.Anything, int64(1), mock.Anything).
			Return(nil, false, nil)

		e := echo.New()
		rec := httptest.NewRecorder()
		body := `{"event":"push","branch":"main","commit":"abc123",` +
			`"changed_paths":["README.md","docs/notes.txt"]}`
		c := newJSONContext(e, http.MethodPost, "/hooks/pipelines/1", body, rec)
		c.SetParamNames("pipeline_id")
		c.SetParamValues("1")
		h := NewPipelineHandler(mockService)

		// act
		err := h.PostWebhookEvent(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"started":false`)
	})

	t.Run("fail - unsupported event kind", func(t *testing.T) {
		// arrange
		mockService := new(testutil.MockPipelineService)

		e := echo.New()
		rec := httptest.NewRecorder()
		body := `{"event":"tag","branch":"main"}`
		c := newJSONContext(e, http.MethodPost, "/hooks/pipelines/1", body, rec)
		c.SetParamNames("pipeline_id")
		c.SetParamValues("1")
		h := NewPipelineHandler(mockService)

		// act
		err := h.PostWebhookEvent(c)

		// assert
		assert.Error(t, err)
		httpErr, ok := err.(*echo.HTTPError)
		assert.True(t, ok)
		assert.Equal(t, http.StatusBadRequest, httpErr.Code)
		mockService.AssertNotCalled(t, "TriggerRun", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("fail - full queue returns 429", func(t *testing.T) {
		// arrange
		expectedRun := &store.Run{RunID: 8, RunPipelineID: 1, Branch: "main"}
		mockService := new(testutil.MockPipelineService)
		mockService.On("TriggerRun", mock.Anything, int64(1), mock.Anything).
			Return(expectedRun, true, service.NewErrRunQueueFull())

		e := echo.New()
		rec := httptest.NewRecorder()
		body := `{"event":"push","branch":"main","commit":"abc123","changed_paths":["src/lib.rs"]}`
		c := newJSONContext(e, http.MethodPost, "/hooks/pipelines/1", body, rec)
		c.SetParamNames("pipeline_id")
		c.SetParamValues("1")
		h := NewPipelineHandler(mockService)

		// act
		err := h.PostWebhookEvent(c)

		// assert
		assert.Error(t, err)
		httpErr, ok := err.(*echo.HTTPError)
		assert.True(t, ok)
		assert.Equal(t, http.StatusTooManyRequests, httpErr.Code)
	})
}

func TestPipelineHandler_PostDispatch(t *testing.T) {
	t.Run("success - manual dispatch starts a run", func(t *testing.T) {
		// arrange
		expectedRun := &store.Run{RunID: 9, RunPipelineID: 1, Branch: "main"}
		mockService := new(testutil.MockPipelineService)
		mockService.On("TriggerRun", mock.Anything, int64(1), trigger.Event{
			Kind:   trigger.KindManual,
			Branch: "main",
			Commit: "abc123",
		}).Return(expectedRun, true, nil)

		e := echo.New()
		rec := httptest.NewRecorder()
		body := `{"branch":"main","commit":"abc123"}`
		c := newJSONContext(e, http.MethodPost, "/pipelines/1/dispatch", body, rec)
		c.SetParamNames("pipeline_id")
		c.SetParamValues("1")
		h := NewPipelineHandler(mockService)

		// act
		err := h.PostDispatch(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("fail - missing branch", func(t *testing.T) {
		// arrange
		mockService := new(testutil.MockPipelineService)

		e := echo.New()
		rec := httptest.NewRecorder()
		c := newJSONContext(e, http.MethodPost, "/pipelines/1/dispatch", `{}`, rec)
		c.SetParamNames("pipeline_id")
		c.SetParamValues("1")
		h := NewPipelineHandler(mockService)

		// act
		err := h.PostDispatch(c)

		// assert
		assert.Error(t, err)
		mockService.AssertNotCalled(t, "TriggerRun", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestPipelineHandler_PostCancelPipelineRun(t *testing.T) {
	t.Run("success - cancel accepted", func(t *testing.T) {
		// arrange
		mockService := new(testutil.MockPipelineService)
		mockService.On("CancelRun", int64(1), int64(7)).Return()

		e := echo.New()
		rec := httptest.NewRecorder()
		c := newJSONContext(e, http.MethodPost, "/pipelines/1/runs/7/cancel", "", rec)
		c.SetParamNames("pipeline_id", "run_id")
		c.SetParamValues("1", "7")
		h := NewPipelineHandler(mockService)

		// act
		err := h.PostCancelPipelineRun(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		mockService.AssertCalled(t, "CancelRun", int64(1), int64(7))
	})
}

func TestPipelineHandler_GetLatestPipelineRuns(t *testing.T) {
	t.Run("success - limit defaults when absent", func(t *testing.T) {
		// arrange
		runs := []store.Run{
			{RunID: 9, RunPipelineID: 1, Branch: "main"},
			{RunID: 8, RunPipelineID: 1, Branch: "main"},
		}
		mockService := new(testutil.MockPipelineService)
		mockService.On("ListLatestPipelineRuns", mock.Anything, int64(1), int64(10)).
			Return(runs, nil)

		e := echo.New()
		rec := httptest.NewRecorder()
		c := newJSONContext(e, http.MethodGet, "/pipelines/1/runs/latest", "", rec)
		c.SetParamNames("pipeline_id")
		c.SetParamValues("1")
		h := NewPipelineHandler(mockService)

		// act
		err := h.GetLatestPipelineRuns(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"RunID":9`)
	})
}

func TestPipelineHandler_GetPipelineRunJobs(t *testing.T) {
	t.Run("success - job instances listed", func(t *testing.T) {
		// arrange
		jobRuns := []store.JobRun{
			{JobRunID: 1, JobRunRunID: 7, Name: "test", Environment: "ubuntu", Status: store.JobStatusSucceeded},
			{JobRunID: 2, JobRunRunID: 7, Name: "test", Environment: "macos", Status: store.JobStatusSucceeded},
		}
		mockService := new(testutil.MockPipelineService)
		mockService.On("ListRunJobRuns", mock.Anything, int64(7)).Return(jobRuns, nil)

		e := echo.New()
		rec := httptest.NewRecorder()
		c := newJSONContext(e, http.MethodGet, "/pipelines/1/runs/7/jobs", "", rec)
		c.SetParamNames("pipeline_id", "run_id")
		c.SetParamValues("1", "7")
		h := NewPipelineHandler(mockService)

		// act
		err := h.GetPipelineRunJobs(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"Environment":"ubuntu"`)
		assert.Contains(t, rec.Body.String(), `"Environment":"macos"`)
	})
}
