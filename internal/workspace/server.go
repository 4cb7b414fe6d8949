package workspace

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"pulse/internal/config"
	"pulse/internal/logging"
)

// Server is the HTTP server embedded in the agent process. It serves task
// artifacts, reverse-proxies /api/* traffic to backend subprocesses, and
// proxies raw SQL queries to the streaming database so browser apps avoid
// CORS against it. Only the API server's proxy should reach it.
type Server struct {
	manager     *Manager
	streamCfg   config.StreamConfig
	port        int
	proxyClient *http.Client
	queryClient *http.Client
	logger      logging.Logger
}

// NewServer builds the agent-side workspace server.
func NewServer(manager *Manager, workspaceCfg config.WorkspaceConfig, streamCfg config.StreamConfig) *Server {
	return &Server{
		manager:     manager,
		streamCfg:   streamCfg,
		port:        workspaceCfg.Port,
		proxyClient: &http.Client{Timeout: 30 * time.Second},
		// Live streaming queries never end; cancellation comes from the
		// client hanging up.
		queryClient: &http.Client{},
		logger:      logging.NewComponentLogger("WorkspaceServer"),
	}
}

// Engine builds the gin engine with all routes attached.
func (s *Server) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS", "HEAD"},
		AllowHeaders:    []string{"*"},
		ExposeHeaders:   []string{"*"},
	}))

	engine.GET("/health", s.health)
	engine.POST("/query", s.streamQuery)
	engine.GET("/:session_id/list", s.listTasks)
	engine.Any("/:session_id/:task_id/*path", s.serveTask)
	return engine
}

// Run serves until the listener fails. Callers run it in a goroutine and
// stop it by shutting down the process.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("workspace server starting on %s (stream proxy -> %s)", addr, s.streamCfg.URL)
	return s.Engine().Run(addr)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"service":    "workspace-server",
		"stream_url": s.streamCfg.URL,
	})
}

// streamQuery forwards raw SQL to the streaming database and relays the
// NDJSON response, including unbounded live query output.
func (s *Server) streamQuery(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sql := strings.TrimSpace(string(body))
	if sql == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be a SQL query string"})
		return
	}
	format := c.DefaultQuery("default_format", "JSONEachRow")

	target := strings.TrimRight(s.streamCfg.URL, "/") + "/?default_format=" + format
	s.logger.Debug("/query sql=%q -> %s", truncate(sql, 80), target)

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, target, strings.NewReader(sql))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	req.Header.Set("Content-Type", "text/plain")
	if s.streamCfg.Username != "" {
		req.SetBasicAuth(s.streamCfg.Username, s.streamCfg.Password)
	}

	resp, err := s.queryClient.Do(req)
	if err != nil {
		s.logger.Error("stream database unreachable at %s: %v", s.streamCfg.URL, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "stream database is unreachable at " + s.streamCfg.URL})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.logger.Warn("stream database error %d: %s", resp.StatusCode, truncate(string(errBody), 300))
		c.Data(resp.StatusCode, "text/plain", errBody)
		return
	}

	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	// Flush per chunk so live queries reach the browser as rows arrive.
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				return
			}
			c.Writer.Flush()
		}
		if readErr != nil {
			return
		}
	}
}

func (s *Server) listTasks(c *gin.Context) {
	sessionID := c.Param("session_id")
	tasks := s.manager.ListTasks(sessionID)
	if tasks == nil {
		tasks = []TaskInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "tasks": tasks})
}

// serveTask dispatches within a task: the root and index.html serve the
// app frontend, /api/* goes to the backend subprocess, everything else is
// a static file.
func (s *Server) serveTask(c *gin.Context) {
	sessionID := c.Param("session_id")
	taskID := c.Param("task_id")
	path := strings.TrimPrefix(c.Param("path"), "/")

	if strings.HasPrefix(path, "api/") || path == "api" {
		s.proxyBackend(c, sessionID, taskID, strings.TrimPrefix(path, "api"))
		return
	}

	if path == "" || path == "index.html" {
		file := s.manager.ResolveTaskFile(sessionID, taskID, "index.html")
		if file == "" {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "no app found for task '" + taskID + "' in session '" + sessionID + "'",
			})
			return
		}
		c.File(file)
		return
	}

	file := s.manager.ResolveTaskFile(sessionID, taskID, path)
	if file == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found: " + path})
		return
	}
	c.File(file)
}

// proxyBackend forwards /api/* requests to the task's backend subprocess.
func (s *Server) proxyBackend(c *gin.Context, sessionID, taskID, apiPath string) {
	port := s.manager.BackendPort(sessionID, taskID)
	if port == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "no backend is running for task '" + taskID + "'. Use workspace_start_app to start it.",
		})
		return
	}

	upstream := fmt.Sprintf("http://127.0.0.1:%d/api%s", port, apiPath)
	if qs := c.Request.URL.RawQuery; qs != "" {
		upstream += "?" + qs
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, upstream, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	copyProxyHeaders(req.Header, c.Request.Header)

	resp, err := s.proxyClient.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "backend for task '" + taskID + "' is unreachable, it may have crashed. " +
				"Check backend.log or use workspace_start_app to restart.",
		})
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Status(resp.StatusCode)
	_, _ = io.Copy(c.Writer, resp.Body)
}
