package mcpserver

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/store"
)

// Config configures the agent-side MCP server.
type Config struct {
	// Name is the server implementation name (default: "agentd").
	Name string

	// Version is the server version.
	Version string

	// AgentID identifies the calling agent. Defaults to AGENTD_AGENT_ID.
	AgentID string

	// SessionID identifies the owning session. Defaults to AGENTD_SESSION_ID.
	SessionID string

	// PollInterval is how often request_approval re-reads its approval row
	// while waiting for a resolution.
	PollInterval time.Duration

	// Logger for structured logging.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults, pulling identity from the
// environment the agent manager injects.
func DefaultConfig() *Config {
	return &Config{
		Name:         "agentd",
		Version:      "1.0.0",
		AgentID:      os.Getenv("AGENTD_AGENT_ID"),
		SessionID:    os.Getenv("AGENTD_SESSION_ID"),
		PollInterval: 2 * time.Second,
		Logger:       zap.NewNop(),
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("agent id is required (AGENTD_AGENT_ID)")
	}
	if c.SessionID == "" {
		return fmt.Errorf("session id is required (AGENTD_SESSION_ID)")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	return nil
}

// Server exposes the agent-facing tools over MCP.
type Server struct {
	mcp       *mcp.Server
	st        store.Store
	agentID   string
	sessionID string
	poll      time.Duration
	logger    *zap.Logger
}

// NewServer creates the MCP server and registers its tools.
func NewServer(cfg *Config, st store.Store) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		st:        st,
		agentID:   cfg.AgentID,
		sessionID: cfg.SessionID,
		poll:      cfg.PollInterval,
		logger:    logger.Named("mcpserver"),
	}
	s.registerTools()
	return s, nil
}

// Run serves on the stdio transport until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport",
		zap.String("agent_id", s.agentID),
		zap.String("session_id", s.sessionID))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
