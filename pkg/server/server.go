// Package server provides the concordd operator HTTP API.
//
// The API drives sessions end to end (create, join, contribute, vote,
// cancel), feeds external trigger events into the trigger manager, and
// controls the pattern monitor. It is an operator surface: agents normally
// participate over the bus, not over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/concordd/pkg/consensus"
	"github.com/fyrsmithlabs/concordd/pkg/monitor"
	"github.com/fyrsmithlabs/concordd/pkg/protocol"
	"github.com/fyrsmithlabs/concordd/pkg/trigger"
)

// Config holds the HTTP server options.
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
	ServiceName     string
}

// Server is the operator HTTP API.
type Server struct {
	cfg         Config
	echo        *echo.Echo
	coordinator *consensus.Coordinator
	triggers    *trigger.Manager
	monitor     *monitor.Monitor
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
}

// New creates the HTTP server and registers its routes. The monitor and
// gatherer may be nil; their endpoints then return 404 and an empty metrics
// page respectively.
func New(cfg Config, coordinator *consensus.Coordinator, triggers *trigger.Manager, mon *monitor.Monitor, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		cfg:         cfg,
		echo:        e,
		coordinator: coordinator,
		triggers:    triggers,
		monitor:     mon,
		gatherer:    gatherer,
		logger:      logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")

	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.GET("/sessions/:id/status", s.handleSessionStatus)
	v1.POST("/sessions/:id/join", s.handleJoinSession)
	v1.POST("/sessions/:id/start", s.handleStartDiscussion)
	v1.POST("/sessions/:id/contributions", s.handleContribution)
	v1.POST("/sessions/:id/votes", s.handleVote)
	v1.POST("/sessions/:id/cancel", s.handleCancelSession)

	v1.POST("/triggers", s.handleTrigger)

	if s.monitor != nil {
		v1.POST("/monitor/start", s.handleMonitorStart)
		v1.POST("/monitor/stop", s.handleMonitorStop)
		v1.GET("/monitor/status", s.handleMonitorStatus)
	}
}

// Start starts the server and blocks until the context is cancelled, then
// shuts down gracefully. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for registering extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// apiResponse is the uniform response envelope.
type apiResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func ok(c echo.Context, code int, data any) error {
	return c.JSON(code, apiResponse{Status: "success", Data: data})
}

func fail(c echo.Context, code int, err error) error {
	return c.JSON(code, apiResponse{Status: "error", Error: err.Error()})
}

// failFor maps domain errors onto HTTP status codes.
func failFor(c echo.Context, err error) error {
	switch {
	case errors.Is(err, protocol.ErrSessionNotFound), errors.Is(err, protocol.ErrParticipantNotFound):
		return fail(c, http.StatusNotFound, err)
	case errors.Is(err, protocol.ErrSessionTerminal):
		return fail(c, http.StatusConflict, err)
	case protocol.IsValidation(err):
		return fail(c, http.StatusBadRequest, err)
	default:
		return fail(c, http.StatusInternalServerError, err)
	}
}
