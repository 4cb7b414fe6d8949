package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"pulse/internal/config"
	"pulse/internal/llm"
	"pulse/internal/logging"
	"pulse/internal/memory"
	"pulse/internal/metrics"
	"pulse/internal/skills"
	"pulse/internal/stream"
)

const (
	defaultMaxIterations = 10
	defaultHistoryLimit  = 20
	defaultMemoryLimit   = 10

	emptyResponseText = "I'm not sure how to respond to that."

	maxIterationsApology = "I apologize, but I wasn't able to complete this task within the allowed " +
		"number of steps. Please try breaking down your request into smaller parts."

	// extractionTurns bounds how much conversation the memory extraction
	// pass re-reads.
	extractionTurns = 5
)

// Options wires an Agent. TailClient and BatchClient must be distinct
// connections: the live tail query holds its connection open, so batch
// reads and writes need their own.
type Options struct {
	Config      config.AgentConfig
	TailClient  stream.Client
	BatchClient stream.Client
	LLM         llm.Client
	Skills      *skills.Loader
	Memory      memory.Store
	Metrics     *metrics.Metrics
}

// Agent consumes inbound bus messages and drives the reasoning loop:
// build context, call the LLM, execute tools, respond. Exactly one
// agent_response (or error apology) is produced per inbound message.
type Agent struct {
	id            string
	name          string
	modelInfo     string
	maxIterations int
	historyLimit  int
	memoryLimit   int

	llm     llm.Client
	skills  *skills.Loader
	memory  memory.Store
	builder *ContextBuilder
	metrics *metrics.Metrics

	tailClient stream.Client
	reader     *stream.Reader
	messages   *stream.Writer
	llmLogs    *stream.Writer
	toolLogs   *stream.Writer

	logger logging.Logger
}

// New assembles an agent from its dependencies.
func New(opts Options) *Agent {
	cfg := opts.Config
	if cfg.ID == "" {
		cfg.ID = "main"
	}
	if cfg.Name == "" {
		cfg.Name = "Pulse"
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = defaultMemoryLimit
	}

	builder := NewContextBuilder(opts.BatchClient, opts.Memory, BuilderConfig{
		AgentName:    cfg.Name,
		Identity:     cfg.Identity,
		Instructions: cfg.Instructions,
		ModelInfo:    cfg.ModelInfo,
	})

	return &Agent{
		id:            cfg.ID,
		name:          cfg.Name,
		modelInfo:     cfg.ModelInfo,
		maxIterations: cfg.MaxIterations,
		historyLimit:  cfg.HistoryLimit,
		memoryLimit:   cfg.MemoryLimit,
		llm:           opts.LLM,
		skills:        opts.Skills,
		memory:        opts.Memory,
		builder:       builder,
		metrics:       opts.Metrics,
		tailClient:    opts.TailClient,
		reader:        stream.NewReader(opts.TailClient, stream.MessagesStream),
		messages:      stream.NewWriter(opts.BatchClient, stream.MessagesStream),
		llmLogs:       stream.NewWriter(opts.BatchClient, stream.LLMLogsStream),
		toolLogs:      stream.NewWriter(opts.BatchClient, stream.ToolLogsStream),
		logger:        logging.NewComponentLogger("Agent"),
	}
}

// Run tails the messages stream and processes each inbound message until
// ctx is cancelled. Per-message failures are isolated: they produce an
// error row and an apology response, never a loop exit.
func (a *Agent) Run(ctx context.Context) error {
	if err := stream.CreateStreams(ctx, a.tailClient); err != nil {
		a.logger.Warn("stream setup incomplete: %v", err)
	}

	query := fmt.Sprintf(
		"SELECT * FROM %s WHERE target = '%s' "+
			"AND message_type IN ('%s', '%s', '%s', '%s') "+
			"SETTINGS seek_to='latest'",
		stream.MessagesStream, stream.TargetAgent,
		stream.TypeUserInput, stream.TypeToolResult, stream.TypeHeartbeat, stream.TypeScheduledTask,
	)

	a.logger.Info("agent %s starting message loop", a.id)

	cursor, err := a.reader.Tail(ctx, query, "latest")
	if err != nil {
		return fmt.Errorf("failed to open message tail: %w", err)
	}
	defer cursor.Close()

	for cursor.Next() {
		if ctx.Err() != nil {
			break
		}
		msg := stream.MessageFromRow(cursor.Row())
		if err := a.ProcessMessage(ctx, msg); err != nil {
			a.logger.Error("error processing message id=%s: %v", msg.ID, err)
			a.metrics.ObserveMessage(msg.MessageType, "error")
			a.respondWithError(ctx, msg, err)
		} else {
			a.metrics.ObserveMessage(msg.MessageType, "success")
		}
	}

	a.logger.Info("agent %s stopped", a.id)
	if err := cursor.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("message tail broke: %w", err)
	}
	return nil
}

// ProcessMessage runs one full reasoning cycle for a single message.
func (a *Agent) ProcessMessage(ctx context.Context, msg stream.Message) error {
	userMessage := msg.Text()

	a.logger.Info("processing message session=%s type=%s preview=%q",
		msg.SessionID, msg.MessageType, truncateString(userMessage, 50))

	promptCtx := a.builder.Build(ctx, BuildRequest{
		SessionID:     msg.SessionID,
		UserMessage:   userMessage,
		Tools:         a.skills.Tools(),
		IncludeMemory: true,
		MemoryLimit:   a.memoryLimit,
		HistoryLimit:  a.historyLimit,
		Channel:       stream.ChannelFromSource(msg.Source),
	})

	tools := a.skills.LLMTools()

	var response *llm.ChatResponse
	for iteration := 1; iteration <= a.maxIterations; iteration++ {
		start := time.Now()
		resp, err := a.llm.Chat(ctx, llm.ChatRequest{
			Messages: promptCtx.Messages,
			System:   promptCtx.SystemPrompt,
			Tools:    tools,
		})
		latency := time.Since(start)
		if err != nil {
			a.metrics.ObserveLLMCall(a.llm.Provider(), a.llm.Model(), "error", latency.Seconds(), 0, 0)
			return fmt.Errorf("llm call failed on iteration %d: %w", iteration, err)
		}
		response = resp
		a.metrics.ObserveLLMCall(a.llm.Provider(), a.llm.Model(), "success", latency.Seconds(),
			resp.Usage.InputTokens, resp.Usage.OutputTokens)
		a.logLLMCall(ctx, msg.SessionID, promptCtx, resp, latency)

		if len(resp.ToolCalls) == 0 {
			text := resp.Content
			if text == "" {
				a.logger.Warn("llm returned empty response session=%s", msg.SessionID)
				text = emptyResponseText
			}
			if err := a.sendResponse(ctx, msg, text); err != nil {
				return err
			}
			a.extractMemories(ctx, msg.SessionID, promptCtx)
			return nil
		}

		// Tool effects may depend on ordering, so execution stays
		// sequential in the order the model returned them.
		for _, tc := range resp.ToolCalls {
			a.runToolCall(ctx, msg, promptCtx, resp.Content, tc)
		}
	}

	a.logger.Warn("max iterations (%d) reached session=%s", a.maxIterations, msg.SessionID)
	finalText := ""
	if response != nil {
		finalText = response.Content
	}
	if finalText == "" {
		finalText = maxIterationsApology
	}
	return a.sendResponse(ctx, msg, finalText)
}

func (a *Agent) runToolCall(ctx context.Context, msg stream.Message, promptCtx *Context, assistantText string, tc llm.ToolCall) {
	a.broadcastToolCall(ctx, msg, tc, "started", "", 0)

	start := time.Now()
	result, err := a.skills.Execute(ctx, tc.Name, tc.Arguments)
	duration := time.Since(start)

	var resultStr string
	status := "success"
	switch {
	case err != nil:
		status = "error"
		resultStr = "Error: " + err.Error()
	case !result.Success:
		status = "error"
		resultStr = "Error: " + result.Error
	default:
		resultStr = outputString(result.Output)
	}

	a.metrics.ObserveToolCall(tc.Name, status, duration.Seconds())
	a.broadcastToolCall(ctx, msg, tc, status, resultStr, duration)
	a.logToolCall(ctx, msg.SessionID, tc, resultStr, status, duration)

	promptCtx.AddAssistantTurn(assistantText, []llm.ToolCall{tc})
	promptCtx.AddToolResult(tc.ID, resultStr)
}

func (a *Agent) sendResponse(ctx context.Context, source stream.Message, text string) error {
	target := stream.ChannelTarget(stream.ChannelFromSource(source.Source))
	if source.Source == "" {
		target = stream.ChannelTarget("webchat")
	}

	_, err := a.messages.WriteMessage(ctx, stream.Message{
		Source:          stream.TargetAgent,
		Target:          target,
		SessionID:       source.SessionID,
		MessageType:     stream.TypeAgentResponse,
		Content:         stream.TextContent(text),
		UserID:          source.UserID,
		ChannelMetadata: source.ChannelMetadata,
	})
	if err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}

	a.logger.Info("sent response session=%s target=%s length=%d", source.SessionID, target, len(text))
	return nil
}

// respondWithError records the failure on the bus and sends a user-visible
// apology. Both writes are best-effort.
func (a *Agent) respondWithError(ctx context.Context, msg stream.Message, procErr error) {
	payload, _ := json.Marshal(map[string]string{
		"error":               procErr.Error(),
		"original_message_id": msg.ID,
	})
	if _, err := a.messages.WriteMessage(ctx, stream.Message{
		Source:      stream.TargetAgent,
		Target:      stream.TargetAgent,
		SessionID:   msg.SessionID,
		MessageType: stream.TypeError,
		Content:     string(payload),
		Priority:    2,
	}); err != nil {
		a.logger.Error("failed to record error row: %v", err)
	}

	apology := "Sorry, an error occurred while processing your request: " + procErr.Error()
	if err := a.sendResponse(ctx, msg, apology); err != nil {
		a.logger.Error("failed to send error response: %v", err)
	}
}

func (a *Agent) broadcastToolCall(ctx context.Context, msg stream.Message, tc llm.ToolCall, status, result string, duration time.Duration) {
	content := map[string]any{
		"tool_name":    tc.Name,
		"arguments":    tc.Arguments,
		"args_summary": formatToolArgs(tc.Arguments),
		"status":       status,
	}
	if status != "started" {
		content["result_preview"] = truncateString(result, 200)
		content["duration_ms"] = duration.Milliseconds()
	}
	payload, _ := json.Marshal(content)

	target := stream.ChannelTarget(stream.ChannelFromSource(msg.Source))
	if msg.Source == "" {
		target = stream.ChannelTarget("webchat")
	}

	if _, err := a.messages.WriteMessage(ctx, stream.Message{
		Source:      stream.TargetAgent,
		Target:      target,
		SessionID:   msg.SessionID,
		MessageType: stream.TypeToolCall,
		Content:     string(payload),
	}); err != nil {
		a.logger.Warn("failed to broadcast tool call %s: %v", tc.Name, err)
	}
}

// logLLMCall writes one row to llm_logs. Observability writes never fail
// the reasoning cycle.
func (a *Agent) logLLMCall(ctx context.Context, sessionID string, promptCtx *Context, resp *llm.ChatResponse, latency time.Duration) {
	toolsCalled := make([]string, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		toolsCalled[i] = tc.Name
	}

	if _, err := a.llmLogs.Write(ctx, stream.Row{
		"session_id":                 sessionID,
		"model":                      a.llm.Model(),
		"provider":                   a.llm.Provider(),
		"input_tokens":               resp.Usage.InputTokens,
		"output_tokens":              resp.Usage.OutputTokens,
		"total_tokens":               resp.Usage.TotalTokens,
		"estimated_cost_usd":         a.llm.EstimateCost(resp.Usage),
		"latency_ms":                 latency.Milliseconds(),
		"system_prompt_hash":         hashContent(promptCtx.SystemPrompt),
		"system_prompt_preview":      truncateString(promptCtx.SystemPrompt, 200),
		"user_message_preview":       truncateString(promptCtx.LastUserContent(), 200),
		"assistant_response_preview": truncateString(resp.Content, 200),
		"messages_count":             len(promptCtx.Messages),
		"tools_called":               toolsCalled,
		"tool_call_count":            len(resp.ToolCalls),
		"status":                     "success",
	}); err != nil {
		a.logger.Warn("failed to log llm call: %v", err)
	}
}

func (a *Agent) logToolCall(ctx context.Context, sessionID string, tc llm.ToolCall, result, status string, duration time.Duration) {
	args, _ := json.Marshal(tc.Arguments)
	errorMessage := ""
	if status == "error" {
		errorMessage = result
	}

	if _, err := a.toolLogs.Write(ctx, stream.Row{
		"session_id":     sessionID,
		"llm_request_id": "",
		"tool_name":      tc.Name,
		"skill_name":     skillNameFor(tc.Name),
		"arguments":      string(args),
		"status":         status,
		"result_preview": truncateString(result, 500),
		"error_message":  errorMessage,
		"duration_ms":    duration.Milliseconds(),
	}); err != nil {
		a.logger.Warn("failed to log tool call: %v", err)
	}
}

// extractMemories distills the tail of the conversation into storable
// facts. Runs after the response is sent; all failures are swallowed.
func (a *Agent) extractMemories(ctx context.Context, sessionID string, promptCtx *Context) {
	if a.memory == nil || !a.memory.Available() {
		return
	}

	conversation := transcript(promptCtx.Messages, extractionTurns)
	if conversation == "" {
		return
	}

	a.logger.Info("memory extraction started session=%s", sessionID)

	resp, err := a.llm.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{
			Role:    "user",
			Content: memoryExtractionPrompt + "\n\nConversation:\n" + conversation,
		}},
		System: memoryExtractionSystem,
	})
	if err != nil {
		a.logger.Error("memory extraction failed: %v", err)
		return
	}

	extracted := parseExtractedMemories(resp.Content)
	if len(extracted) == 0 {
		a.logger.Info("no memories extracted session=%s", sessionID)
		return
	}

	stored := 0
	for _, mem := range extracted {
		if mem.Content == "" {
			continue
		}
		if _, err := a.memory.Store(ctx, memory.StoreRequest{
			Content:         mem.Content,
			MemoryType:      mem.Type,
			Importance:      mem.Importance,
			SourceSessionID: sessionID,
			CheckDuplicates: true,
		}); err != nil {
			a.logger.Warn("failed to store extracted memory: %v", err)
			continue
		}
		stored++
	}

	a.logger.Info("memory extraction complete session=%s stored=%d/%d", sessionID, stored, len(extracted))
}

type extractedMemory struct {
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	Importance float64 `json:"importance"`
}

// parseExtractedMemories tolerates the formats models actually emit:
// fenced code blocks, surrounding prose, and mildly broken JSON.
func parseExtractedMemories(content string) []extractedMemory {
	content = stripCodeFence(strings.TrimSpace(content))
	if content == "" || content == "[]" {
		return nil
	}

	var memories []extractedMemory
	if err := json.Unmarshal([]byte(content), &memories); err == nil {
		return memories
	}

	// A single object instead of an array.
	var single extractedMemory
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Content != "" {
		return []extractedMemory{single}
	}

	repaired, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal([]byte(repaired), &memories); err == nil {
		return memories
	}
	if err := json.Unmarshal([]byte(repaired), &single); err == nil && single.Content != "" {
		return []extractedMemory{single}
	}
	return nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	var kept []string
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "```" {
			break
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// formatToolArgs renders a human-readable one-liner for tool broadcasts.
// Purely cosmetic; never affects execution.
func formatToolArgs(arguments map[string]any) string {
	if v, ok := arguments["command"].(string); ok {
		return "`" + truncateString(v, 80) + "`"
	}
	if v, ok := arguments["query"].(string); ok {
		return `"` + truncateString(v, 60) + `"`
	}
	if v, ok := arguments["path"].(string); ok {
		return "`" + v + "`"
	}
	if v, ok := arguments["url"].(string); ok {
		return "`" + v + "`"
	}
	if v, ok := arguments["filename"].(string); ok {
		return "`" + v + "`"
	}
	if v, ok := arguments["file"].(string); ok {
		return "`" + v + "`"
	}
	if v, ok := arguments["content"].(string); ok {
		return `"` + truncateString(v, 40) + `"`
	}
	for key, val := range arguments {
		return fmt.Sprintf("%s: %s", key, truncateString(fmt.Sprint(val), 50))
	}
	return ""
}

func outputString(output any) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func skillNameFor(toolName string) string {
	if name, _, ok := strings.Cut(toolName, "_"); ok {
		return name
	}
	return toolName
}

func hashContent(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
