package agent

import (
	"context"
	"encoding/json"

	"pulse/internal/llm"
	"pulse/internal/logging"
	"pulse/internal/memory"
	"pulse/internal/skills"
	"pulse/internal/stream"
)

// Context is the assembled prompt input for one reasoning cycle.
type Context struct {
	SystemPrompt string
	Messages     []llm.Message
	Tools        []skills.ToolDefinition
	Memories     []memory.Memory
	SessionID    string
	Channel      string
}

// AddAssistantTurn appends an assistant message carrying tool-call
// metadata for the next iteration.
func (c *Context) AddAssistantTurn(content string, toolCalls []llm.ToolCall) {
	c.Messages = append(c.Messages, llm.Message{
		Role:      "assistant",
		Content:   content,
		ToolCalls: toolCalls,
	})
}

// AddToolResult appends a tool-role message correlated to a tool call.
func (c *Context) AddToolResult(toolCallID, result string) {
	c.Messages = append(c.Messages, llm.Message{
		Role:       "tool",
		ToolCallID: toolCallID,
		Content:    result,
	})
}

// LastUserContent returns the most recent user turn, or "".
func (c *Context) LastUserContent() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == "user" {
			return c.Messages[i].Content
		}
	}
	return ""
}

// ContextBuilder assembles prompt context from conversation history and
// semantic memory. It holds its own batch reader so live tail queries on
// the main connection are never disturbed.
type ContextBuilder struct {
	reader       *stream.Reader
	memory       memory.Store
	agentName    string
	identity     string
	instructions string
	modelInfo    string
	logger       logging.Logger
}

// NewContextBuilder creates a builder over the given batch client. store
// may be nil when memory is disabled.
func NewContextBuilder(client stream.Client, store memory.Store, cfg BuilderConfig) *ContextBuilder {
	return &ContextBuilder{
		reader:       stream.NewReader(client, "messages"),
		memory:       store,
		agentName:    cfg.AgentName,
		identity:     cfg.Identity,
		instructions: cfg.Instructions,
		modelInfo:    cfg.ModelInfo,
		logger:       logging.NewComponentLogger("ContextBuilder"),
	}
}

// BuilderConfig carries the static identity fields of the prompt.
type BuilderConfig struct {
	AgentName    string
	Identity     string
	Instructions string
	ModelInfo    string
}

// BuildRequest bounds one context assembly.
type BuildRequest struct {
	SessionID     string
	UserMessage   string
	Tools         []skills.ToolDefinition
	IncludeMemory bool
	MemoryLimit   int
	HistoryLimit  int
	UserName      string
	Channel       string
}

// Build assembles the full context. History and memory fetch failures
// degrade to empty lists; Build itself never fails.
func (b *ContextBuilder) Build(ctx context.Context, req BuildRequest) *Context {
	if req.MemoryLimit <= 0 {
		req.MemoryLimit = 10
	}
	if req.HistoryLimit <= 0 {
		req.HistoryLimit = 20
	}
	if req.Channel == "" {
		req.Channel = "webchat"
	}

	history := b.conversationHistory(ctx, req.SessionID, req.HistoryLimit)

	var memories []memory.Memory
	if req.IncludeMemory && b.memory != nil && b.memory.Available() && req.UserMessage != "" {
		memories = b.relevantMemories(ctx, req.UserMessage, req.MemoryLimit)
	}

	systemPrompt := BuildSystemPrompt(PromptParams{
		AgentName:    b.agentName,
		Identity:     b.identity,
		Instructions: b.instructions,
		ModelInfo:    b.modelInfo,
		UserName:     req.UserName,
		SessionID:    req.SessionID,
		Channel:      req.Channel,
		Tools:        req.Tools,
		Memories:     memories,
	})

	messages := formatHistory(history)
	messages = append(messages, llm.Message{Role: "user", Content: req.UserMessage})

	b.logger.Debug("built context session=%s history=%d memories=%d tools=%d",
		req.SessionID, len(history), len(memories), len(req.Tools))

	return &Context{
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Tools:        req.Tools,
		Memories:     memories,
		SessionID:    req.SessionID,
		Channel:      req.Channel,
	}
}

func (b *ContextBuilder) conversationHistory(ctx context.Context, sessionID string, limit int) []stream.Message {
	history, err := b.reader.Conversation(ctx, sessionID, limit)
	if err != nil {
		b.logger.Warn("failed to fetch history session=%s: %v", sessionID, err)
		return nil
	}
	return history
}

func (b *ContextBuilder) relevantMemories(ctx context.Context, query string, limit int) []memory.Memory {
	memories, err := b.memory.Search(ctx, memory.SearchRequest{Query: query, Limit: limit})
	if err != nil {
		b.logger.Error("failed to fetch memories: %v", err)
		return nil
	}
	if len(memories) > 0 {
		b.logger.Info("found %d relevant memories", len(memories))
	}
	return memories
}

// formatHistory maps bus messages onto conversation turns. Standalone
// tool_call rows are dropped; their content already lives inside the
// assistant turns that produced them.
func formatHistory(history []stream.Message) []llm.Message {
	var messages []llm.Message
	for _, msg := range history {
		text := msg.Text()
		switch msg.MessageType {
		case stream.TypeUserInput:
			messages = append(messages, llm.Message{Role: "user", Content: text})
		case stream.TypeAgentResponse:
			messages = append(messages, llm.Message{Role: "assistant", Content: text})
		case stream.TypeToolResult:
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: msg.ID,
				Content:    text,
			})
		}
	}
	return messages
}

// transcript renders the last n turns as indented JSON for the memory
// extraction prompt.
func transcript(messages []llm.Message, n int) string {
	if len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	b, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}
