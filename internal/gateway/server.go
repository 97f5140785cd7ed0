// Package gateway serves the REST and websocket surface: session
// listings and reports, permission resolution, slash-command passthrough
// and the live event stream for dashboards.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/irislabs/iris/internal/common/config"
	"github.com/irislabs/iris/internal/common/httpmw"
	"github.com/irislabs/iris/internal/common/logger"
	"github.com/irislabs/iris/internal/events/bus"
	gwws "github.com/irislabs/iris/internal/gateway/websocket"
	"github.com/irislabs/iris/internal/orchestrator"
)

// Server is the HTTP gateway. It owns the gin engine, the websocket hub
// and the bus-to-websocket bridge.
type Server struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	eventBus bus.EventBus

	engine     *gin.Engine
	hub        *gwws.Hub
	bridge     *gwws.StreamBridge
	httpServer *http.Server
	hubCancel  context.CancelFunc
	port       int

	mu      sync.Mutex
	running bool
	logger  *logger.Logger
}

// New assembles the gateway. Start must be called before it serves.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, eventBus bus.EventBus, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "gateway"))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "gateway"))
	engine.Use(httpmw.OtelTracing("gateway"))

	hub := gwws.NewHub(log)
	wsHandler := gwws.NewHandler(hub, log)

	s := &Server{
		cfg:      cfg,
		orch:     orch,
		eventBus: eventBus,
		engine:   engine,
		hub:      hub,
		logger:   log,
	}

	h := newHandler(orch, log)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "iris"})
	})

	api := engine.Group("/api")
	{
		api.GET("/sessions", h.listSessions)
		api.GET("/sessions/:id", h.getSession)
		api.GET("/sessions/:id/report", h.sessionReport)
		api.POST("/sessions/:id/archive", h.archiveSession)
		api.POST("/sessions/:id/command", h.sendCommand)

		api.GET("/permissions/pending", h.pendingPermissions)
		api.POST("/permissions/:id/resolve", h.resolvePermission)
	}

	engine.GET("/ws", wsHandler.HandleConnection)

	return s
}

// Router exposes the engine for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.engine
}

// Port returns the bound port once Start has succeeded.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Start binds the listener, runs the hub and begins serving. A
// gateway_port of 0 picks a free port; Port reports the choice.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("gateway already running")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.GatewayPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	} else {
		s.port = s.cfg.Server.GatewayPort
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	s.hubCancel = cancel
	go s.hub.Run(hubCtx)
	s.bridge = gwws.NewStreamBridge(s.eventBus, s.hub, s.logger)

	s.httpServer = &http.Server{
		Handler: s.engine,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway server error", zap.Error(err))
		}
	}()

	s.running = true
	s.logger.Info("gateway started",
		zap.Int("port", s.port),
		zap.String("websocket", "/ws"))
	return nil
}

// Stop shuts the HTTP server down, detaches the event bridge and closes
// every websocket client.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("gateway shutdown error", zap.Error(err))
		firstErr = err
	}
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.hubCancel != nil {
		s.hubCancel()
	}

	s.running = false
	s.logger.Info("gateway stopped")
	return firstErr
}
