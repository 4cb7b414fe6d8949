package workspace

import (
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"pulse/internal/logging"
	"pulse/internal/metrics"
)

// Routes wires the server-side workspace endpoints into a gin engine: the
// internal registration API used by the agent and the public catch-all
// proxy that forwards artifact traffic to the agent.
type Routes struct {
	registry       *Registry
	internalAPIKey string
	proxyClient    *http.Client
	metrics        *metrics.Metrics
	logger         logging.Logger
}

// NewRoutes creates the workspace route set. A nil metrics is valid.
func NewRoutes(registry *Registry, internalAPIKey string, proxyTimeout time.Duration, m *metrics.Metrics) *Routes {
	if proxyTimeout == 0 {
		proxyTimeout = 30 * time.Second
	}
	return &Routes{
		registry:       registry,
		internalAPIKey: internalAPIKey,
		proxyClient:    &http.Client{Timeout: proxyTimeout},
		metrics:        m,
		logger:         logging.NewComponentLogger("WorkspaceProxy"),
	}
}

// Mount attaches all workspace routes to the engine.
func (r *Routes) Mount(engine *gin.Engine) {
	internal := engine.Group("/internal/workspace", r.requireInternalKey)
	internal.POST("/register", r.registerTask)
	internal.DELETE("/register/:session_id/:task_id", r.deregisterTask)
	internal.GET("/registry", r.listRegistry)

	public := engine.Group("/workspace")
	public.GET("/registry", r.listRegistry)
	public.Any("/:session_id/:task_id", r.proxyRoot)
	public.Any("/:session_id/:task_id/*path", r.proxy)
}

// requireInternalKey rejects requests without the shared secret. The
// compare is constant time.
func (r *Routes) requireInternalKey(c *gin.Context) {
	if r.internalAPIKey == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "internal workspace endpoints are disabled (no internal_api_key configured)",
		})
		return
	}
	provided := c.GetHeader("X-Internal-Key")
	if subtle.ConstantTimeCompare([]byte(r.internalAPIKey), []byte(provided)) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid X-Internal-Key"})
		return
	}
	c.Next()
}

type registerRequest struct {
	SessionID    string `json:"session_id" binding:"required"`
	TaskID       string `json:"task_id" binding:"required"`
	AgentURL     string `json:"agent_url" binding:"required"`
	ArtifactType string `json:"artifact_type" binding:"required"`
}

func (r *Routes) registerTask(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r.registry.Register(req.SessionID, req.TaskID, req.AgentURL, req.ArtifactType)
	r.logger.Info("registered session=%s task=%s agent_url=%s type=%s",
		req.SessionID, req.TaskID, req.AgentURL, req.ArtifactType)

	c.JSON(http.StatusOK, gin.H{
		"status":      "registered",
		"session_id":  req.SessionID,
		"task_id":     req.TaskID,
		"public_path": "/workspace/" + req.SessionID + "/" + req.TaskID + "/",
	})
}

// deregisterTask removes an entry. Missing entries still return success so
// the agent can retry deletes safely.
func (r *Routes) deregisterTask(c *gin.Context) {
	sessionID := c.Param("session_id")
	taskID := c.Param("task_id")
	existed := r.registry.Deregister(sessionID, taskID)
	r.logger.Info("deregistered session=%s task=%s existed=%v", sessionID, taskID, existed)

	c.JSON(http.StatusOK, gin.H{
		"status":     "deregistered",
		"session_id": sessionID,
		"task_id":    taskID,
	})
}

func (r *Routes) listRegistry(c *gin.Context) {
	entries := r.registry.ListAll()
	if entries == nil {
		entries = []RegistryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (r *Routes) proxyRoot(c *gin.Context) {
	r.forward(c, c.Param("session_id"), c.Param("task_id"), "")
}

func (r *Routes) proxy(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	r.forward(c, c.Param("session_id"), c.Param("task_id"), path)
}

// forward relays the request to the agent workspace server and streams the
// response back verbatim. A registry miss is 404, an unreachable agent is
// 502, and an upstream timeout is 504.
func (r *Routes) forward(c *gin.Context, sessionID, taskID, path string) {
	agentURL := r.registry.Lookup(sessionID, taskID)
	if agentURL == "" {
		r.metrics.ObserveProxyRequest("404")
		c.JSON(http.StatusNotFound, gin.H{
			"error": "workspace artifact not found: " + sessionID + "/" + taskID +
				". It may not have been created yet, or it has been deleted.",
		})
		return
	}

	upstream := agentURL + "/" + sessionID + "/" + taskID + "/" + path
	if qs := c.Request.URL.RawQuery; qs != "" {
		upstream += "?" + qs
	}
	r.logger.Debug("proxy %s %s/%s/%s -> %s", c.Request.Method, sessionID, taskID, path, upstream)

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, upstream, c.Request.Body)
	if err != nil {
		r.metrics.ObserveProxyRequest("500")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	copyProxyHeaders(req.Header, c.Request.Header)

	resp, err := r.proxyClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			r.metrics.ObserveProxyRequest("504")
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "agent workspace server timed out"})
			return
		}
		r.logger.Error("agent unreachable for %s/%s: %s", sessionID, taskID, agentURL)
		r.metrics.ObserveProxyRequest("502")
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "agent workspace server is unreachable at " + agentURL +
				". The agent may be down or restarting.",
		})
		return
	}
	defer resp.Body.Close()
	r.metrics.ObserveProxyRequest(strconv.Itoa(resp.StatusCode))

	for key, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Status(resp.StatusCode)
	_, _ = io.Copy(c.Writer, resp.Body)
}

// copyProxyHeaders forwards request headers except hop-specific ones the
// transport recomputes.
func copyProxyHeaders(dst, src http.Header) {
	for key, values := range src {
		switch strings.ToLower(key) {
		case "host", "content-length":
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
