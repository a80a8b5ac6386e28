package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	payments "github.com/nevermined-io/payments-go"
	"github.com/nevermined-io/payments-go/requestctx"
)

// State is the lifecycle phase of a ServerManager.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// Config configures a ServerManager.
type Config struct {
	// Name identifies the server in the MCP handshake and in logical
	// URLs. Required.
	Name    string
	Version string

	// Paywall wraps every registered handler. Required.
	Paywall *payments.Paywall

	Logger *slog.Logger
}

// StartConfig configures one Start call.
type StartConfig struct {
	// AgentID overrides the paywall's agent id for this run.
	AgentID string

	// Port to listen on; 0 picks an ephemeral port.
	Port int

	// Host defaults to all interfaces.
	Host string

	// BasePath is the MCP mount point, default "/mcp".
	BasePath string

	// Stateless disables SDK session tracking on the transport.
	Stateless bool
}

// ServerManager owns the mcp.Server, the echo router around it, and the
// registration lifecycle. Registration is only legal while Idle.
type ServerManager struct {
	mu       sync.Mutex
	state    State
	name     string
	paywall  *payments.Paywall
	server   *mcp.Server
	echo     *echo.Echo
	listener net.Listener
	sessions *SessionTracker
	logger   *slog.Logger
}

// NewServerManager builds an idle manager with an empty mcp.Server.
func NewServerManager(cfg Config) *ServerManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "0.0.0"
	}
	return &ServerManager{
		name:    cfg.Name,
		paywall: cfg.Paywall,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: version,
		}, nil),
		sessions: NewSessionTracker(),
		logger:   logger,
	}
}

// State reports the current lifecycle phase.
func (m *ServerManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Addr returns the bound listen address, empty unless Running.
func (m *ServerManager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Sessions exposes the tracker for observability.
func (m *ServerManager) Sessions() *SessionTracker {
	return m.sessions
}

func (m *ServerManager) requireIdle(what string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return payments.Misconfiguration(fmt.Sprintf("cannot register %s while server is %s", what, m.state))
	}
	return nil
}

// Start validates the configuration, assembles the HTTP stack, and
// binds the listener. On return the server is Running.
func (m *ServerManager) Start(ctx context.Context, cfg StartConfig) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return payments.Misconfiguration(fmt.Sprintf("cannot start while server is %s", m.state))
	}
	m.state = StateStarting
	m.mu.Unlock()

	fail := func(err error) error {
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		return err
	}

	if m.name == "" {
		return fail(payments.Misconfiguration("server name is required"))
	}
	if m.paywall == nil || m.paywall.Auth == nil {
		return fail(payments.Misconfiguration("paywall is not configured"))
	}
	if cfg.AgentID != "" {
		m.paywall.Auth.AgentID = cfg.AgentID
	}
	if m.paywall.Auth.AgentID == "" {
		return fail(payments.Misconfiguration("agent id is required"))
	}
	if m.paywall.Auth.ServerName == "" {
		m.paywall.Auth.ServerName = m.name
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fail(payments.Misconfiguration(fmt.Sprintf("invalid port %d", cfg.Port)))
	}

	e := m.assemble(cfg)

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return fail(fmt.Errorf("bind mcp listener: %w", err))
	}

	e.Listener = listener
	go func() {
		if serveErr := e.Start(""); serveErr != nil && serveErr != http.ErrServerClosed {
			m.logger.Error("mcp server stopped", "error", serveErr)
		}
	}()

	m.mu.Lock()
	m.echo = e
	m.listener = listener
	m.state = StateRunning
	m.mu.Unlock()

	m.logger.Info("mcp server started",
		"name", m.name,
		"addr", listener.Addr().String(),
		"basePath", basePath(cfg))
	return nil
}

// Stop destroys the session records, shuts the HTTP server down, and
// returns the manager to Idle so it can be started again.
func (m *ServerManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return payments.Misconfiguration(fmt.Sprintf("cannot stop while server is %s", m.state))
	}
	m.state = StateStopping
	e := m.echo
	m.mu.Unlock()

	m.sessions.DestroyAll()
	err := e.Shutdown(ctx)

	m.mu.Lock()
	m.echo = nil
	m.listener = nil
	m.state = StateIdle
	m.mu.Unlock()

	m.logger.Info("mcp server stopped", "name", m.name)
	return err
}

// assemble builds the echo router: request logging, CORS, the OAuth
// discovery plane, and the MCP transport wrapped in the request-context
// and session-tracking middleware. Unknown paths fall through to echo's
// default 404.
func (m *ServerManager) assemble(cfg StartConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Logger())
	e.Use(echomw.CORS())

	m.registerDiscovery(e)

	transport := mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return m.server },
		&mcp.StreamableHTTPOptions{
			Stateless: cfg.Stateless,
		},
	)
	handler := requestctx.Middleware(m.sessions.Track(transport))
	e.Any(basePath(cfg), echo.WrapHandler(handler))

	return e
}

func basePath(cfg StartConfig) string {
	if cfg.BasePath != "" {
		return cfg.BasePath
	}
	return "/mcp"
}
