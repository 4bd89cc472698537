package dashboard

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/service"
	"github.com/agentscraper/scrapectl/internal/store"
)

// StartRequest is the body of POST /api/v1/runs.
type StartRequest struct {
	Name          string         `json:"name"`
	Target        string         `json:"target" binding:"required"`
	Kind          string         `json:"kind"`
	Queries       []string       `json:"queries"`
	Runs          int            `json:"runs"`
	Concurrency   int            `json:"concurrency"`
	RatePerSecond float64        `json:"rate_per_second"`
	Delay         model.Duration `json:"delay"`
	Extra         map[string]any `json:"extra"`
}

func (r StartRequest) spec() model.JobSpec {
	return model.JobSpec{
		Name:          r.Name,
		Target:        r.Target,
		Kind:          r.Kind,
		Queries:       r.Queries,
		Runs:          r.Runs,
		Concurrency:   r.Concurrency,
		RatePerSecond: r.RatePerSecond,
		Delay:         r.Delay,
		Extra:         r.Extra,
	}
}

func runPath(runID string) string {
	return "/api/v1/runs/" + runID
}

func (s *Server) healthz(c *gin.Context) {
	if _, err := s.reporter.Status(c.Request.Context(), service.Active); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// POST /api/v1/runs
func (s *Server) startRun(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return
	}
	rec, err := s.ctl.Start(c.Request.Context(), req.spec())
	s.metrics.command("start", err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", runPath(rec.ID))
	c.JSON(http.StatusCreated, rec)
}

// POST /api/v1/runs/:id/terminate
func (s *Server) terminateRun(c *gin.Context) {
	rec, err := s.ctl.Terminate(c.Request.Context(), c.Param("id"))
	s.metrics.command("terminate", err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GET /api/v1/runs/active
func (s *Server) activeRun(c *gin.Context) {
	rec, err := s.reporter.Status(c.Request.Context(), service.Active)
	if err != nil {
		writeError(c, err)
		return
	}
	if rec.Status != model.StatusIdle {
		c.JSON(http.StatusOK, rec)
		return
	}
	// idle: show the outcome of the previous run next to the idle status
	resp := gin.H{"status": model.StatusIdle}
	last, err := s.reporter.LastFinished(c.Request.Context())
	switch {
	case err == nil:
		resp["last_run"] = last
	case !errors.Is(err, store.ErrNotFound):
		slog.WarnContext(c.Request.Context(), "looking up last run failed", "error", err)
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/runs/:id
func (s *Server) getRun(c *gin.Context) {
	rec, err := s.reporter.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GET /api/v1/runs
func (s *Server) listRuns(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	runs, err := s.reporter.History(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": nonNil(runs)})
}

// GET /api/v1/runs/:id/results
func (s *Server) listResults(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	results, err := s.reporter.Results(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": nonNil(results)})
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit", "detail": raw})
		return 0, false
	}
	return limit, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// writeError maps control center errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	var running *model.AlreadyRunningError
	switch {
	case errors.As(err, &running):
		c.Header("Location", runPath(running.RunID))
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "run_id": running.RunID, "status": running.Status})
	case errors.Is(err, model.ErrNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrInvalidJobSpec):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, model.ErrNotRunning):
		return "not_running"
	case errors.Is(err, model.ErrInvalidJobSpec):
		return "invalid"
	case errors.Is(err, model.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, model.ErrSpawn):
		return "spawn_error"
	case errors.Is(err, model.ErrTerminationFailed):
		return "termination_failed"
	default:
		return "error"
	}
}
