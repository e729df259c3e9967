// Package httpapi exposes the lifecycle and assistant surface over HTTP.
package httpapi

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

	"github.com/fyrsmithlabs/shopsyncd/internal/assistant"
	"github.com/fyrsmithlabs/shopsyncd/internal/lifecycle"
	"github.com/fyrsmithlabs/shopsyncd/internal/store"
	"github.com/fyrsmithlabs/shopsyncd/internal/tenant"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the HTTP endpoints for shopsyncd.
type Server struct {
	echo      *echo.Echo
	manager   *lifecycle.Manager
	assistant *assistant.Service
	logger    *zap.Logger
	config    Config
}

// NewServer creates the HTTP server. registry backs the /metrics
// endpoint; assistantSvc may be nil when no chat backend is configured,
// in which case /api/v1/tenants/:id/ask returns 503.
func NewServer(manager *lifecycle.Manager, assistantSvc *assistant.Service, registry *prometheus.Registry, cfg Config, logger *zap.Logger) (*Server, error) {
	if manager == nil {
		return nil, fmt.Errorf("lifecycle manager is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		manager:   manager,
		assistant: assistantSvc,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes(registry)
	return s, nil
}

func (s *Server) registerRoutes(registry *prometheus.Registry) {
	s.echo.GET("/health", s.handleHealth)
	if registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleSystemStatus)

	v1.POST("/tenants/:id/connect", s.handleConnect)
	v1.POST("/tenants/:id/resync", s.handleResync)
	v1.POST("/tenants/:id/disconnect", s.handleDisconnect)
	v1.GET("/tenants/:id/freshness", s.handleFreshness)
	v1.GET("/tenants/:id/operations", s.handleListOperations)
	v1.POST("/tenants/:id/ask", s.handleAsk)

	v1.GET("/operations/:id", s.handleGetOperation)
	v1.POST("/operations/:id/cancel", s.handleCancelOperation)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// ConnectRequest is the request body for POST /tenants/:id/connect.
type ConnectRequest struct {
	PlatformURL string `json:"platform_url"`
}

// OperationResponse wraps a started operation's ID for polling.
type OperationResponse struct {
	OperationID string `json:"operation_id"`
}

func (s *Server) handleConnect(c echo.Context) error {
	var req ConnectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	op, err := s.manager.OnConnect(c.Request().Context(), c.Param("id"), req.PlatformURL)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusAccepted, OperationResponse{OperationID: op.ID})
}

// ResyncResponse is the response body for POST /tenants/:id/resync.
type ResyncResponse struct {
	OperationID string `json:"operation_id,omitempty"`
	Skipped     bool   `json:"skipped"`
}

func (s *Server) handleResync(c echo.Context) error {
	op, skipped, err := s.manager.OnResyncTrigger(c.Request().Context(), c.Param("id"), true)
	if err != nil {
		return mapError(err)
	}
	if skipped {
		return c.JSON(http.StatusOK, ResyncResponse{Skipped: true})
	}
	return c.JSON(http.StatusAccepted, ResyncResponse{OperationID: op.ID})
}

func (s *Server) handleDisconnect(c echo.Context) error {
	op, err := s.manager.OnDisconnect(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusAccepted, OperationResponse{OperationID: op.ID})
}

func (s *Server) handleFreshness(c echo.Context) error {
	f, err := s.manager.Freshness(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (s *Server) handleGetOperation(c echo.Context) error {
	op, err := s.manager.GetOperation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, op)
}

func (s *Server) handleCancelOperation(c echo.Context) error {
	// Existence check first so unknown IDs get a 404 instead of a
	// silent no-op.
	op, err := s.manager.GetOperation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	s.manager.RequestCancel(op.ID)
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleListOperations(c echo.Context) error {
	list, err := s.manager.ListOperations(c.Request().Context(), c.Param("id"), 50)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleSystemStatus(c echo.Context) error {
	status, err := s.manager.GetSystemStatus(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, status)
}

// AskRequest is the request body for POST /tenants/:id/ask.
type AskRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleAsk(c echo.Context) error {
	if s.assistant == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "assistant is not configured")
	}
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ans, err := s.assistant.Ask(c.Request().Context(), c.Param("id"), req.Question)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, ans)
}

// mapError translates domain errors into HTTP status codes.
func mapError(err error) error {
	switch {
	case errors.Is(err, tenant.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, tenant.ErrInvalidTenantID), errors.Is(err, assistant.ErrEmptyQuestion):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrOperationInFlight), errors.Is(err, tenant.ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrTenantInactive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
