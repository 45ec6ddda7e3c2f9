package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/google/uuid"
	"github.com/relayhub/relayhub/internal/common/logger"
	"go.uber.org/zap"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local tooling connects from arbitrary origins.
		return true
	},
}

// StatusFunc supplies the payload for GET /api/status.
type StatusFunc func() map[string]any

// Server hosts the WebSocket endpoint and the small status API.
type Server struct {
	host   string
	port   int
	hub    *Hub
	status StatusFunc
	logger *logger.Logger

	srv    *http.Server
	cancel context.CancelFunc
}

// NewServer creates the gateway server. A port of 0 disables it.
func NewServer(host string, port int, hub *Hub, status StatusFunc, log *logger.Logger) *Server {
	return &Server{
		host:   host,
		port:   port,
		hub:    hub,
		status: status,
		logger: log.WithFields(zap.String("component", "gateway")),
	}
}

// Enabled reports whether the gateway will serve.
func (s *Server) Enabled() bool { return s.port != 0 }

// Start launches the hub loop and the HTTP listener.
func (s *Server) Start() error {
	if !s.Enabled() {
		s.logger.Info("gateway disabled")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", s.handleWS)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/api/status", func(c *gin.Context) {
		payload := s.status()
		payload["clients"] = s.hub.ClientCount()
		c.JSON(http.StatusOK, payload)
	})

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	s.srv = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway listener failed", zap.Error(err))
		}
	}()
	s.logger.Info("gateway listening", zap.String("addr", addr))
	return nil
}

// Stop shuts the listener down and closes all clients.
func (s *Server) Stop() {
	if !s.Enabled() || s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("gateway shutdown error", zap.Error(err))
	}
	s.cancel()
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(uuid.New().String(), conn, s.hub, s.logger)
	s.hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}
