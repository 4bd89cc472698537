// Package dashboard serves the HTTP API of the control center: start and
// terminate commands, run status, progress and the live result feed.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/service"
)

// Controller changes runs. *service.Supervisor implements it.
type Controller interface {
	Start(ctx context.Context, spec model.JobSpec) (model.RunRecord, error)
	Terminate(ctx context.Context, runID string) (model.RunRecord, error)
}

type Server struct {
	engine   *gin.Engine
	ctl      Controller
	reporter service.Reporter
	metrics  *metrics
}

func New(ctl Controller, reporter service.Reporter) *Server {
	s := &Server{
		engine:   gin.New(),
		ctl:      ctl,
		reporter: reporter,
	}
	s.metrics = newMetrics(s.activeStatus)

	s.engine.Use(gin.Recovery(), s.metrics.middleware(), accessLog())
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))

	api := s.engine.Group("/api/v1")
	{
		api.GET("/runs", s.listRuns)
		api.POST("/runs", s.startRun)
		api.GET("/runs/active", s.activeRun)
		api.GET("/runs/:id", s.getRun)
		api.GET("/runs/:id/results", s.listResults)
		api.POST("/runs/:id/terminate", s.terminateRun)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Run serves on addr until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "dashboard listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("serving dashboard: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}

func (s *Server) activeStatus(ctx context.Context) model.Status {
	rec, err := s.reporter.Status(ctx, service.Active)
	if err != nil {
		return ""
	}
	return rec.Status
}
