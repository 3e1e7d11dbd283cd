package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/approval"
	"github.com/fyrsmithlabs/agentd/internal/store"
)

// SessionController is the slice of the workflow engine the API drives.
type SessionController interface {
	StartSession(ctx context.Context, workflowID, workspaceID, sessionContext string, gitStrategy *store.GitStrategy) (*store.Session, error)
	PauseSession(ctx context.Context, sessionID string) error
	ResumeSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// BranchLister reads branch state from workspace repositories.
type BranchLister interface {
	ListBranches(path string) ([]string, error)
	CurrentBranch(path string) (string, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// DefaultConfig returns the default bind address.
func DefaultConfig() *Config {
	return &Config{Host: "localhost", Port: 8390}
}

// Server provides the HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	st     store.Store
	eng    SessionController
	router *approval.Router
	trees  BranchLister
	logger *zap.Logger
	config *Config
}

// NewServer creates the HTTP server and registers its routes.
func NewServer(st store.Store, eng SessionController, router *approval.Router, trees BranchLister, logger *zap.Logger, cfg *Config) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if router == nil {
		return nil, fmt.Errorf("approval router is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = DefaultConfig()
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
		echo:   e,
		st:     st,
		eng:    eng,
		router: router,
		trees:  trees,
		logger: logger.Named("httpapi"),
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	v1.POST("/workflows", s.handleCreateWorkflow)
	v1.GET("/workflows", s.handleListWorkflows)
	v1.GET("/workflows/:id", s.handleGetWorkflow)

	v1.POST("/workspaces", s.handleCreateWorkspace)
	v1.GET("/workspaces", s.handleListWorkspaces)
	v1.GET("/workspaces/:id/branches", s.handleWorkspaceBranches)

	v1.POST("/sessions", s.handleStartSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/pause", s.handlePauseSession)
	v1.POST("/sessions/:id/resume", s.handleResumeSession)
	v1.DELETE("/sessions/:id", s.handleDeleteSession)

	v1.GET("/approvals", s.handleListApprovals)
	v1.POST("/approvals/:id/resolve", s.handleResolveApproval)

	v1.GET("/agents/:id/messages", s.handleAgentMessages)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
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
