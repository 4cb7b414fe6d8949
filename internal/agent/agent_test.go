package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/config"
	"pulse/internal/llm"
	"pulse/internal/memory"
	"pulse/internal/skills"
	"pulse/internal/stream"
)

// fakeClient records inserts per stream and serves canned query rows. A
// non-empty tail is served to Stream as an NDJSON body.
type fakeClient struct {
	inserted  map[string][]stream.Row
	queryRows []stream.Row
	queryErr  error
	tail      string
}

func newFakeClient() *fakeClient {
	return &fakeClient{inserted: map[string][]stream.Row{}}
}

func (f *fakeClient) Execute(_ context.Context, _ string) error { return nil }

func (f *fakeClient) Query(_ context.Context, _ string) ([]stream.Row, error) {
	return f.queryRows, f.queryErr
}

func (f *fakeClient) Insert(_ context.Context, name string, rows []stream.Row) error {
	f.inserted[name] = append(f.inserted[name], rows...)
	return nil
}

func (f *fakeClient) Stream(_ context.Context, _ string) (*stream.Cursor, error) {
	if f.tail == "" {
		panic("not used")
	}
	return stream.NewCursor(io.NopCloser(strings.NewReader(f.tail))), nil
}

func (f *fakeClient) messagesOfType(messageType string) []stream.Message {
	var out []stream.Message
	for _, row := range f.inserted[stream.MessagesStream] {
		msg := stream.MessageFromRow(row)
		if msg.MessageType == messageType {
			out = append(out, msg)
		}
	}
	return out
}

// echoSkill executes a single tool and records the calls it saw.
type echoSkill struct {
	calls  []map[string]any
	result skills.ToolResult
}

func (s *echoSkill) Name() string        { return "echo" }
func (s *echoSkill) Description() string { return "echoes its input" }

func (s *echoSkill) Tools() []skills.ToolDefinition {
	return []skills.ToolDefinition{{
		Name:        "echo_text",
		Description: "Echo the given text back",
		Parameters:  map[string]any{"type": "object"},
	}}
}

func (s *echoSkill) Execute(_ context.Context, _ string, arguments map[string]any) skills.ToolResult {
	s.calls = append(s.calls, arguments)
	return s.result
}

// recordingStore is an always-available memory store that records writes.
type recordingStore struct {
	stored []memory.StoreRequest
}

func (r *recordingStore) Available() bool { return true }

func (r *recordingStore) Store(_ context.Context, req memory.StoreRequest) (string, error) {
	r.stored = append(r.stored, req)
	return "mem-id", nil
}

func (r *recordingStore) Search(_ context.Context, _ memory.SearchRequest) ([]memory.Memory, error) {
	return nil, nil
}

func (r *recordingStore) BySession(_ context.Context, _ string, _ int) ([]memory.Memory, error) {
	return nil, nil
}

func (r *recordingStore) Recent(_ context.Context, _ int, _ []string) ([]memory.Memory, error) {
	return nil, nil
}

func (r *recordingStore) MarkDeleted(_ context.Context, _ string) error { return nil }

func newTestAgent(client *fakeClient, llmClient llm.Client, loader *skills.Loader, store memory.Store) *Agent {
	if loader == nil {
		loader = skills.NewLoader()
	}
	return New(Options{
		Config:      config.AgentConfig{ID: "test", Name: "Pulse", MaxIterations: 3},
		TailClient:  client,
		BatchClient: client,
		LLM:         llmClient,
		Skills:      loader,
		Memory:      store,
	})
}

func userInput(text string) stream.Message {
	return stream.Message{
		ID:          "msg-1",
		Source:      "webchat",
		Target:      stream.TargetAgent,
		SessionID:   "sess-1",
		MessageType: stream.TypeUserInput,
		Content:     stream.TextContent(text),
	}
}

// failFirstLLM errors on its first call and delegates afterwards.
type failFirstLLM struct {
	inner *llm.Mock
	calls int
}

func (f *failFirstLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.calls++
	if f.calls == 1 {
		return nil, errors.New("provider down")
	}
	return f.inner.Chat(ctx, req)
}

func (f *failFirstLLM) Model() string                    { return "mock-model" }
func (f *failFirstLLM) Provider() string                 { return "mock" }
func (f *failFirstLLM) EstimateCost(_ llm.Usage) float64 { return 0 }

func tailRow(t *testing.T, id, text string) string {
	t.Helper()
	b, err := json.Marshal(stream.Row{
		"id":           id,
		"source":       "webchat",
		"target":       stream.TargetAgent,
		"session_id":   "sess-1",
		"message_type": stream.TypeUserInput,
		"content":      stream.TextContent(text),
	})
	require.NoError(t, err)
	return string(b) + "\n"
}

func TestRunIsolatesPerMessageFailures(t *testing.T) {
	client := newFakeClient()
	client.tail = tailRow(t, "msg-1", "first") + tailRow(t, "msg-2", "second")

	mock := llm.NewMock(&llm.ChatResponse{Content: "All good now."})
	agent := newTestAgent(client, &failFirstLLM{inner: mock}, nil, nil)

	require.NoError(t, agent.Run(context.Background()))

	// The first message leaves an error row plus an apology; the loop keeps
	// going and answers the second message normally.
	errorRows := client.messagesOfType(stream.TypeError)
	require.Len(t, errorRows, 1)
	assert.Contains(t, errorRows[0].Content, "provider down")
	assert.Contains(t, errorRows[0].Content, "msg-1")

	responses := client.messagesOfType(stream.TypeAgentResponse)
	require.Len(t, responses, 2)
	assert.Contains(t, responses[0].Text(), "Sorry, an error occurred")
	assert.Equal(t, "All good now.", responses[1].Text())
}

func TestProcessMessageDirectResponse(t *testing.T) {
	client := newFakeClient()
	mock := llm.NewMock(&llm.ChatResponse{Content: "2+2 is 4."})
	a := newTestAgent(client, mock, nil, nil)

	err := a.ProcessMessage(context.Background(), userInput("what is 2+2?"))
	require.NoError(t, err)

	responses := client.messagesOfType(stream.TypeAgentResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "2+2 is 4.", responses[0].Text())
	assert.Equal(t, "channel:webchat", responses[0].Target)
	assert.Equal(t, "sess-1", responses[0].SessionID)

	require.Len(t, client.inserted[stream.LLMLogsStream], 1)
	logRow := client.inserted[stream.LLMLogsStream][0]
	assert.Equal(t, "sess-1", logRow["session_id"])
	assert.Equal(t, "success", logRow["status"])
}

func TestProcessMessageExecutesToolThenResponds(t *testing.T) {
	client := newFakeClient()
	skill := &echoSkill{result: skills.Ok("echoed: hello")}
	loader := skills.NewLoader()
	loader.Register(skill)

	mock := llm.NewMock(
		&llm.ChatResponse{
			Content: "Let me echo that.",
			ToolCalls: []llm.ToolCall{{
				ID:        "call-1",
				Name:      "echo_text",
				Arguments: map[string]any{"text": "hello"},
			}},
		},
		&llm.ChatResponse{Content: "Done: echoed: hello"},
	)
	a := newTestAgent(client, mock, loader, nil)

	err := a.ProcessMessage(context.Background(), userInput("echo hello"))
	require.NoError(t, err)

	require.Len(t, skill.calls, 1)
	assert.Equal(t, "hello", skill.calls[0]["text"])

	// started + success broadcasts, in order.
	broadcasts := client.messagesOfType(stream.TypeToolCall)
	require.Len(t, broadcasts, 2)
	var started, finished map[string]any
	require.NoError(t, json.Unmarshal([]byte(broadcasts[0].Content), &started))
	require.NoError(t, json.Unmarshal([]byte(broadcasts[1].Content), &finished))
	assert.Equal(t, "started", started["status"])
	assert.Equal(t, "success", finished["status"])
	assert.Equal(t, "echoed: hello", finished["result_preview"])

	require.Len(t, client.inserted[stream.ToolLogsStream], 1)
	toolRow := client.inserted[stream.ToolLogsStream][0]
	assert.Equal(t, "echo_text", toolRow["tool_name"])
	assert.Equal(t, "echo", toolRow["skill_name"])
	assert.Equal(t, "success", toolRow["status"])

	responses := client.messagesOfType(stream.TypeAgentResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "Done: echoed: hello", responses[0].Text())

	// The second LLM call must carry the tool exchange.
	calls := mock.Calls()
	require.Len(t, calls, 2)
	second := calls[1].Messages
	require.GreaterOrEqual(t, len(second), 3)
	assistant := second[len(second)-2]
	toolTurn := second[len(second)-1]
	assert.Equal(t, "assistant", assistant.Role)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call-1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "tool", toolTurn.Role)
	assert.Equal(t, "call-1", toolTurn.ToolCallID)
	assert.Equal(t, "echoed: hello", toolTurn.Content)
}

func TestProcessMessageToolFailureIsReportedToModel(t *testing.T) {
	client := newFakeClient()
	skill := &echoSkill{result: skills.Fail("disk full")}
	loader := skills.NewLoader()
	loader.Register(skill)

	mock := llm.NewMock(
		&llm.ChatResponse{ToolCalls: []llm.ToolCall{{
			ID: "call-1", Name: "echo_text", Arguments: map[string]any{"text": "x"},
		}}},
		&llm.ChatResponse{Content: "The tool failed."},
	)
	a := newTestAgent(client, mock, loader, nil)

	require.NoError(t, a.ProcessMessage(context.Background(), userInput("go")))

	toolRow := client.inserted[stream.ToolLogsStream][0]
	assert.Equal(t, "error", toolRow["status"])
	assert.Equal(t, "Error: disk full", toolRow["error_message"])

	calls := mock.Calls()
	toolTurn := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Equal(t, "Error: disk full", toolTurn.Content)
}

func TestProcessMessageUnknownToolDoesNotAbort(t *testing.T) {
	client := newFakeClient()
	mock := llm.NewMock(
		&llm.ChatResponse{ToolCalls: []llm.ToolCall{{
			ID: "call-1", Name: "no_such_tool", Arguments: map[string]any{},
		}}},
		&llm.ChatResponse{Content: "Sorry, that tool does not exist."},
	)
	a := newTestAgent(client, mock, nil, nil)

	require.NoError(t, a.ProcessMessage(context.Background(), userInput("go")))

	toolRow := client.inserted[stream.ToolLogsStream][0]
	assert.Equal(t, "error", toolRow["status"])

	responses := client.messagesOfType(stream.TypeAgentResponse)
	require.Len(t, responses, 1)
}

func TestProcessMessageIterationBound(t *testing.T) {
	client := newFakeClient()
	skill := &echoSkill{result: skills.Ok("again")}
	loader := skills.NewLoader()
	loader.Register(skill)

	// A model that never stops calling tools.
	mock := llm.NewMock(&llm.ChatResponse{ToolCalls: []llm.ToolCall{{
		ID: "call-x", Name: "echo_text", Arguments: map[string]any{"text": "again"},
	}}})
	a := newTestAgent(client, mock, loader, nil)

	require.NoError(t, a.ProcessMessage(context.Background(), userInput("loop forever")))

	assert.Equal(t, 3, mock.CallCount())
	assert.Len(t, skill.calls, 3)

	responses := client.messagesOfType(stream.TypeAgentResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, maxIterationsApology, responses[0].Text())
}

func TestProcessMessageEmptyResponseGetsFallbackText(t *testing.T) {
	client := newFakeClient()
	mock := llm.NewMock(&llm.ChatResponse{Content: ""})
	a := newTestAgent(client, mock, nil, nil)

	require.NoError(t, a.ProcessMessage(context.Background(), userInput("...")))

	responses := client.messagesOfType(stream.TypeAgentResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, emptyResponseText, responses[0].Text())
}

func TestProcessMessageLLMErrorPropagates(t *testing.T) {
	client := newFakeClient()
	mock := llm.NewMock().FailWith(errors.New("provider down"))
	a := newTestAgent(client, mock, nil, nil)

	err := a.ProcessMessage(context.Background(), userInput("hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider down")
	assert.Empty(t, client.messagesOfType(stream.TypeAgentResponse))
}

func TestRespondWithErrorWritesErrorRowAndApology(t *testing.T) {
	client := newFakeClient()
	a := newTestAgent(client, llm.NewMock(), nil, nil)

	a.respondWithError(context.Background(), userInput("hi"), errors.New("boom"))

	errs := client.messagesOfType(stream.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, stream.TargetAgent, errs[0].Target)
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(errs[0].Content), &payload))
	assert.Equal(t, "boom", payload["error"])
	assert.Equal(t, "msg-1", payload["original_message_id"])

	responses := client.messagesOfType(stream.TypeAgentResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "channel:webchat", responses[0].Target)
	assert.Contains(t, responses[0].Text(), "Sorry, an error occurred")
}

func TestProcessMessageExtractsMemories(t *testing.T) {
	client := newFakeClient()
	store := &recordingStore{}
	mock := llm.NewMock(
		&llm.ChatResponse{Content: "Nice to meet you, Ada."},
		&llm.ChatResponse{Content: `[{"type": "fact", "content": "User's name is Ada", "importance": 0.9}]`},
	)
	a := newTestAgent(client, mock, nil, store)

	require.NoError(t, a.ProcessMessage(context.Background(), userInput("my name is Ada")))

	// One call for the response, one for extraction.
	assert.Equal(t, 2, mock.CallCount())
	require.Len(t, store.stored, 1)
	assert.Equal(t, "User's name is Ada", store.stored[0].Content)
	assert.Equal(t, "fact", store.stored[0].MemoryType)
	assert.InDelta(t, 0.9, store.stored[0].Importance, 1e-9)
	assert.Equal(t, "sess-1", store.stored[0].SourceSessionID)
	assert.True(t, store.stored[0].CheckDuplicates)

	// The response must be on the bus regardless of extraction.
	require.Len(t, client.messagesOfType(stream.TypeAgentResponse), 1)
}

func TestExtractionFailureDoesNotFailProcessing(t *testing.T) {
	client := newFakeClient()
	store := &recordingStore{}
	mock := llm.NewMock(
		&llm.ChatResponse{Content: "Hello."},
		&llm.ChatResponse{Content: "I cannot produce JSON right now, sorry."},
	)
	a := newTestAgent(client, mock, nil, store)

	require.NoError(t, a.ProcessMessage(context.Background(), userInput("hi")))
	require.Len(t, client.messagesOfType(stream.TypeAgentResponse), 1)
}

func TestParseExtractedMemories(t *testing.T) {
	t.Run("plain array", func(t *testing.T) {
		got := parseExtractedMemories(`[{"type": "fact", "content": "x", "importance": 0.5}]`)
		require.Len(t, got, 1)
		assert.Equal(t, "x", got[0].Content)
	})

	t.Run("empty array", func(t *testing.T) {
		assert.Empty(t, parseExtractedMemories("[]"))
		assert.Empty(t, parseExtractedMemories("  []  "))
	})

	t.Run("fenced code block", func(t *testing.T) {
		got := parseExtractedMemories("```json\n[{\"type\": \"preference\", \"content\": \"dark mode\", \"importance\": 0.7}]\n```")
		require.Len(t, got, 1)
		assert.Equal(t, "dark mode", got[0].Content)
	})

	t.Run("single object", func(t *testing.T) {
		got := parseExtractedMemories(`{"type": "fact", "content": "solo", "importance": 0.4}`)
		require.Len(t, got, 1)
		assert.Equal(t, "solo", got[0].Content)
	})

	t.Run("trailing comma repaired", func(t *testing.T) {
		got := parseExtractedMemories(`[{"type": "fact", "content": "x", "importance": 0.5},]`)
		require.Len(t, got, 1)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, parseExtractedMemories(""))
	})
}

func TestFormatToolArgsPreferenceOrder(t *testing.T) {
	// command wins over everything else present.
	assert.Equal(t, "`ls -la`", formatToolArgs(map[string]any{
		"command": "ls -la", "query": "q", "path": "/tmp",
	}))
	assert.Equal(t, `"weather berlin"`, formatToolArgs(map[string]any{
		"query": "weather berlin", "path": "/tmp",
	}))
	assert.Equal(t, "`/tmp/x.txt`", formatToolArgs(map[string]any{
		"path": "/tmp/x.txt", "url": "http://x",
	}))
	assert.Equal(t, "`http://x`", formatToolArgs(map[string]any{"url": "http://x"}))
	assert.Equal(t, "`notes.md`", formatToolArgs(map[string]any{"filename": "notes.md"}))
	assert.Equal(t, `"hello"`, formatToolArgs(map[string]any{"content": "hello"}))
	assert.Equal(t, "limit: 5", formatToolArgs(map[string]any{"limit": 5}))
	assert.Equal(t, "", formatToolArgs(map[string]any{}))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "exactly10!", truncateString("exactly10!", 10))
	assert.Equal(t, "this is...", truncateString("this is far too long", 10))
}
