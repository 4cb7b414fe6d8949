package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/config"
	"pulse/internal/metrics"
	"pulse/internal/stream"
	"pulse/internal/workspace"
)

type fakeClient struct {
	mu        sync.Mutex
	inserted  []stream.Row
	queryRows []stream.Row
}

func (f *fakeClient) Execute(_ context.Context, _ string) error { return nil }

func (f *fakeClient) Query(_ context.Context, _ string) ([]stream.Row, error) {
	return f.queryRows, nil
}

func (f *fakeClient) Insert(_ context.Context, _ string, rows []stream.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, rows...)
	return nil
}

func (f *fakeClient) insertedRows() []stream.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stream.Row, len(f.inserted))
	copy(out, f.inserted)
	return out
}

func (f *fakeClient) Stream(_ context.Context, _ string) (*stream.Cursor, error) {
	return nil, errors.New("no live stream in tests")
}

func newTestServer(client *fakeClient) *Server {
	gin.SetMode(gin.TestMode)
	return New(Options{
		Config:            config.Config{},
		BatchClient:       client,
		TailClientFactory: func() stream.Client { return client },
		Registry:          workspace.NewRegistry(),
		Metrics:           metrics.New(),
	})
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&fakeClient{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	srv.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeClient{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	srv.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatWritesUserInput(t *testing.T) {
	client := &fakeClient{}
	srv := newTestServer(client)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat",
		strings.NewReader(`{"message": "hello there"}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["session_id"])
	assert.NotEmpty(t, body["message_id"])

	require.Len(t, client.inserted, 1)
	msg := stream.MessageFromRow(client.inserted[0])
	assert.Equal(t, "webchat", msg.Source)
	assert.Equal(t, stream.TargetAgent, msg.Target)
	assert.Equal(t, stream.TypeUserInput, msg.MessageType)
	assert.Equal(t, "hello there", msg.Text())
	assert.Equal(t, body["session_id"], msg.SessionID)
}

func TestChatKeepsProvidedSession(t *testing.T) {
	client := &fakeClient{}
	srv := newTestServer(client)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat",
		strings.NewReader(`{"message": "hi", "session_id": "sess-42"}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	msg := stream.MessageFromRow(client.inserted[0])
	assert.Equal(t, "sess-42", msg.SessionID)
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	srv := newTestServer(&fakeClient{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionHistory(t *testing.T) {
	client := &fakeClient{queryRows: []stream.Row{
		{
			"id":           "m1",
			"session_id":   "sess-1",
			"message_type": stream.TypeUserInput,
			"content":      stream.TextContent("hi"),
			"source":       "webchat",
			"timestamp":    "2026-09-01 10:00:00",
		},
	}}
	srv := newTestServer(client)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions/sess-1/history", nil)
	srv.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "m1", body[0]["id"])
	assert.Equal(t, stream.TypeUserInput, body[0]["type"])
	assert.Equal(t, "webchat", body[0]["source"])
}

func TestWorkspaceRoutesMounted(t *testing.T) {
	srv := newTestServer(&fakeClient{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/workspace/registry", nil)
	srv.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebsocketRoutesInboundFrames(t *testing.T) {
	client := &fakeClient{}
	srv := newTestServer(client)

	ts := httptest.NewServer(srv.Engine())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sess-ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "message",
		"text": "over the socket",
	}))

	// The insert happens on the read goroutine; poll briefly.
	var rows []stream.Row
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rows = client.insertedRows(); len(rows) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, rows)
	msg := stream.MessageFromRow(rows[0])
	assert.Equal(t, "sess-ws", msg.SessionID)
	assert.Equal(t, "over the socket", msg.Text())
}

func TestFrameFor(t *testing.T) {
	response := frameFor(stream.Message{
		ID:          "m1",
		MessageType: stream.TypeAgentResponse,
		Content:     stream.TextContent("hello"),
	})
	assert.Equal(t, "response", response["type"])
	assert.Equal(t, "hello", response["text"])
	assert.Equal(t, "m1", response["message_id"])

	toolCall := frameFor(stream.Message{
		ID:          "m2",
		MessageType: stream.TypeToolCall,
		Content:     `{"tool_name": "run_command", "status": "started", "args_summary": "` + "`ls`" + `"}`,
	})
	assert.Equal(t, "tool_call", toolCall["type"])
	assert.Equal(t, "run_command", toolCall["tool_name"])
	assert.Equal(t, "started", toolCall["status"])
}
