package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulse/internal/config"
	"pulse/internal/logging"
	"pulse/internal/metrics"
	"pulse/internal/stream"
	"pulse/internal/workspace"
)

// Version is stamped at build time.
var Version = "0.1.0"

// Options wires the public API server.
type Options struct {
	Config config.Config

	// BatchClient serves REST reads and writes. Each websocket opens its
	// own tail client via TailClientFactory, keeping live queries off
	// the shared connection.
	BatchClient       stream.Client
	TailClientFactory func() stream.Client

	Registry *workspace.Registry
	Metrics  *metrics.Metrics
}

// Server is the public-facing HTTP surface: webchat REST + websocket,
// session history, health, metrics, and the workspace proxy.
type Server struct {
	cfg     config.Config
	client  stream.Client
	newTail func() stream.Client
	writer  *stream.Writer
	reader  *stream.Reader
	routes  *workspace.Routes
	metrics *metrics.Metrics
	logger  logging.Logger
}

// New creates the server. Registry may be nil when workspace exposure is
// disabled.
func New(opts Options) *Server {
	s := &Server{
		cfg:     opts.Config,
		client:  opts.BatchClient,
		newTail: opts.TailClientFactory,
		writer:  stream.NewWriter(opts.BatchClient, stream.MessagesStream),
		reader:  stream.NewReader(opts.BatchClient, stream.MessagesStream),
		metrics: opts.Metrics,
		logger:  logging.NewComponentLogger("APIServer"),
	}
	if opts.Registry != nil {
		s.routes = workspace.NewRoutes(opts.Registry, opts.Config.Server.InternalAPIKey, opts.Config.Server.ProxyTimeout, opts.Metrics)
	}
	return s
}

// Engine builds the gin engine with every route mounted.
func (s *Server) Engine() *gin.Engine {
	if !s.cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "X-Internal-Key")
	engine.Use(cors.New(corsCfg))

	engine.GET("/health", s.health)
	if s.metrics != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	engine.POST("/chat", s.chat)
	engine.GET("/sessions/:session_id/history", s.sessionHistory)
	engine.GET("/ws/:session_id", s.websocketChat)

	if s.routes != nil {
		s.routes.Mount(engine)
	}
	return engine
}

// Run serves until the listener fails. Shutdown is handled by the caller
// via http.Server when graceful teardown matters.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.logger.Info("api server listening on %s", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Engine(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
	return srv.ListenAndServe()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
}

type chatRequest struct {
	Message   string `json:"message" binding:"required"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// chat accepts one message and returns immediately; responses arrive over
// the websocket for the same session.
func (s *Server) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	messageID, err := s.writer.WriteMessage(c.Request.Context(), stream.Message{
		Source:      "webchat",
		Target:      stream.TargetAgent,
		SessionID:   sessionID,
		MessageType: stream.TypeUserInput,
		Content:     stream.TextContent(req.Message),
		UserID:      req.UserID,
	})
	if err != nil {
		s.logger.Error("failed to write chat message: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "message bus unavailable"})
		return
	}

	s.logger.Info("chat message received session=%s id=%s", sessionID, messageID)
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "message_id": messageID})
}

func (s *Server) sessionHistory(c *gin.Context) {
	sessionID := c.Param("session_id")
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit <= 0 {
			limit = 50
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	rows, err := s.reader.ReadHistory(ctx, stream.HistoryFilter{
		SessionID: sessionID,
		Limit:     limit,
	})
	if err != nil {
		s.logger.Error("failed to read history session=%s: %v", sessionID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "history unavailable"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		msg := stream.MessageFromRow(row)
		out = append(out, gin.H{
			"id":        msg.ID,
			"timestamp": msg.Timestamp,
			"type":      msg.MessageType,
			"content":   msg.Content,
			"source":    msg.Source,
		})
	}
	c.JSON(http.StatusOK, out)
}
