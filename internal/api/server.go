// Package api provides the HTTP REST API and WebSocket server for gymcore.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gymcontrol/gymcore/internal/access"
	"github.com/gymcontrol/gymcore/internal/audit"
	"github.com/gymcontrol/gymcore/internal/command"
	"github.com/gymcontrol/gymcore/internal/infrastructure/config"
	"github.com/gymcontrol/gymcore/internal/infrastructure/logging"
	"github.com/gymcontrol/gymcore/internal/infrastructure/mqtt"
	"github.com/gymcontrol/gymcore/internal/led"
	"github.com/gymcontrol/gymcore/internal/livefeed"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Bus is the slice of the MQTT client the server uses directly.
type Bus interface {
	IsConnected() bool
	PublishJSON(topic string, v any, qos byte, retained bool) error
	EnsureSubscribed(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Commander sends a device command and waits for its ACK.
type Commander interface {
	SendAndWaitAck(ctx context.Context, site, device string, cmd command.Command, timeout time.Duration) (bool, error)
}

// Verifier decides whether a member may enter.
type Verifier interface {
	Verify(ctx context.Context, clientID int64, opts access.VerifyOptions) (*access.Decision, error)
	VerifyFingerprint(ctx context.Context, idHuella, siteID int64) (*access.Decision, error)
	VerifyDocument(ctx context.Context, documento string, siteID int64) (*access.Decision, error)
}

// Lights stores and pushes LED colours.
type Lights interface {
	Get(ctx context.Context, site, device string) (led.Color, error)
	Set(ctx context.Context, site, device string, c led.Color) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Security  config.SecurityConfig
	Commands  config.CommandsConfig
	Logger    *logging.Logger
	MQTT      Bus
	Commander Commander
	Access    Verifier
	Hub       *livefeed.Hub
	Lights    Lights
	AuditRepo audit.Repository
	Version   string
}

// Server is the HTTP API server for gymcore.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	cmdCfg    config.CommandsConfig
	logger    *logging.Logger
	mqtt      Bus
	commander Commander
	access    Verifier
	hub       *livefeed.Hub
	lights    Lights
	auditRepo audit.Repository
	auditCh   chan *audit.Entry
	auditDone chan struct{}
	version   string
	server    *http.Server
	cancel    context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called. MQTT and Commander may
// be nil; device endpoints then answer 503.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Access == nil {
		return nil, fmt.Errorf("access verifier is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		cmdCfg:    deps.Commands,
		logger:    deps.Logger.With("component", "api"),
		mqtt:      deps.MQTT,
		commander: deps.Commander,
		access:    deps.Access,
		hub:       deps.Hub,
		lights:    deps.Lights,
		auditRepo: deps.AuditRepo,
		version:   deps.Version,
	}
	if s.hub == nil {
		s.hub = livefeed.NewHub(deps.Logger)
	}
	if s.cmdCfg.DefaultTimeout == 0 && s.cmdCfg.MaxTimeout == 0 {
		s.cmdCfg = config.CommandsConfig{
			DefaultTimeout: command.DefaultTimeout.Seconds(),
			MaxTimeout:     command.MaxTimeout.Seconds(),
		}
	}
	if s.auditRepo != nil {
		s.auditCh = make(chan *audit.Entry, auditChanSize)
	}
	return s, nil
}

// Handler builds the router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the audit writer, subscribes the live feed relay to device
// events, and launches the HTTP listener in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.auditCh != nil {
		s.auditDone = make(chan struct{})
		go func() {
			defer close(s.auditDone)
			s.drainAuditLog(srvCtx)
		}()
	}

	if s.mqtt != nil {
		go s.relayDeviceEvents(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// flushes queued audit entries.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)

	if s.cancel != nil {
		s.cancel()
	}
	if s.auditDone != nil {
		<-s.auditDone
	}
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
