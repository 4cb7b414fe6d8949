package workspace

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/metrics"
)

func newTestEngine(registry *Registry, key string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	NewRoutes(registry, key, time.Second, nil).Mount(engine)
	return engine
}

func doRequest(engine *gin.Engine, method, path, body, key string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if key != "" {
		req.Header.Set("X-Internal-Key", key)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestRegistrationRoundTrip(t *testing.T) {
	registry := NewRegistry()
	engine := newTestEngine(registry, "secret")

	body := `{"session_id":"sess","task_id":"report","agent_url":"http://agent:8001","artifact_type":"file"}`
	w := doRequest(engine, http.MethodPost, "/internal/workspace/register", body, "secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/workspace/sess/report/")

	assert.Equal(t, "http://agent:8001", registry.Lookup("sess", "report"))

	w = doRequest(engine, http.MethodDelete, "/internal/workspace/register/sess/report", "", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, registry.Lookup("sess", "report"))
}

func TestDeregisterIsIdempotent(t *testing.T) {
	engine := newTestEngine(NewRegistry(), "secret")

	// Entry never existed; the server still reports success.
	w := doRequest(engine, http.MethodDelete, "/internal/workspace/register/sess/ghost", "", "secret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "deregistered")
}

func TestInternalEndpointsRejectBadSecret(t *testing.T) {
	engine := newTestEngine(NewRegistry(), "secret")

	body := `{"session_id":"s","task_id":"t","agent_url":"http://a","artifact_type":"file"}`
	w := doRequest(engine, http.MethodPost, "/internal/workspace/register", body, "wrong")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(engine, http.MethodPost, "/internal/workspace/register", body, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestInternalEndpointsDisabledWithoutKey(t *testing.T) {
	engine := newTestEngine(NewRegistry(), "")

	w := doRequest(engine, http.MethodGet, "/internal/workspace/registry", "", "anything")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "disabled")
}

func TestProxyUnregisteredTaskIs404(t *testing.T) {
	engine := newTestEngine(NewRegistry(), "secret")

	w := doRequest(engine, http.MethodGet, "/workspace/sess/missing/index.html", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not found")
}

func TestProxyForwardsToAgent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sess/report/data.csv", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("a,b\n1,2\n"))
	}))
	defer upstream.Close()

	registry := NewRegistry()
	registry.Register("sess", "report", upstream.URL, ArtifactFile)
	engine := newTestEngine(registry, "secret")

	w := doRequest(engine, http.MethodGet, "/workspace/sess/report/data.csv?page=1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a,b\n1,2\n", w.Body.String())
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
}

func TestProxyUnreachableAgentIs502(t *testing.T) {
	registry := NewRegistry()
	// Point at a port nothing listens on.
	registry.Register("sess", "report", "http://127.0.0.1:1", ArtifactFile)
	engine := newTestEngine(registry, "secret")

	w := doRequest(engine, http.MethodGet, "/workspace/sess/report/index.html", "", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "unreachable")
}

func TestProxyRecordsRequestMetrics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	m := metrics.New()
	registry := NewRegistry()
	registry.Register("sess", "report", upstream.URL, ArtifactFile)
	registry.Register("sess", "dead", "http://127.0.0.1:1", ArtifactFile)

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	NewRoutes(registry, "secret", time.Second, m).Mount(engine)

	doRequest(engine, http.MethodGet, "/workspace/sess/report/index.html", "", "")
	doRequest(engine, http.MethodGet, "/workspace/sess/missing/index.html", "", "")
	doRequest(engine, http.MethodGet, "/workspace/sess/dead/index.html", "", "")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyRequests.WithLabelValues("200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyRequests.WithLabelValues("404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyRequests.WithLabelValues("502")))
}

func TestRegistryReRegisterOverwrites(t *testing.T) {
	registry := NewRegistry()
	registry.Register("sess", "report", "http://old:8001", ArtifactFile)
	registry.Register("sess", "report", "http://new:8001/", ArtifactFile)

	assert.Equal(t, "http://new:8001", registry.Lookup("sess", "report"))
	assert.Len(t, registry.ListAll(), 1)
}
