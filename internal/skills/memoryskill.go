package skills

import (
	"context"
	"errors"

	"pulse/internal/memory"
)

// MemorySkill lets the model store and recall long-term facts explicitly,
// on top of the automatic post-response extraction.
type MemorySkill struct {
	store     memory.Store
	sessionID string
}

// NewMemorySkill creates the memory skill bound to one session.
func NewMemorySkill(store memory.Store, sessionID string) *MemorySkill {
	return &MemorySkill{store: store, sessionID: sessionID}
}

func (s *MemorySkill) Name() string        { return "memory" }
func (s *MemorySkill) Description() string { return "Store and recall long-term memories" }

func (s *MemorySkill) Tools() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "remember",
			Description: "Store an important fact or preference for future conversations.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content": map[string]any{
						"type":        "string",
						"description": "The fact to remember",
					},
					"memory_type": map[string]any{
						"type":        "string",
						"description": "One of: fact, preference, conversation_summary, skill_learned",
						"default":     "fact",
					},
					"category": map[string]any{
						"type":        "string",
						"description": "One of: user_info, project, schedule, general",
						"default":     "general",
					},
					"importance": map[string]any{
						"type":        "number",
						"description": "Importance from 0.0 to 1.0",
						"default":     0.5,
					},
				},
				"required": []string{"content"},
			},
		},
		{
			Name:        "recall",
			Description: "Search stored memories for relevant facts.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "What to search for",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum results",
						"default":     5,
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "forget",
			Description: "Soft-delete a stored memory by id (use recall to find the id first).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"memory_id": map[string]any{
						"type":        "string",
						"description": "The id of the memory to forget",
					},
				},
				"required": []string{"memory_id"},
			},
		},
	}
}

func (s *MemorySkill) Execute(ctx context.Context, toolName string, arguments map[string]any) ToolResult {
	switch toolName {
	case "remember":
		return s.remember(ctx, arguments)
	case "recall":
		return s.recall(ctx, arguments)
	case "forget":
		return s.forget(ctx, arguments)
	default:
		return Fail("unknown tool: %s", toolName)
	}
}

func (s *MemorySkill) remember(ctx context.Context, arguments map[string]any) ToolResult {
	content := argString(arguments, "content")
	if content == "" {
		return Fail("content is required")
	}

	id, err := s.store.Store(ctx, memory.StoreRequest{
		Content:         content,
		MemoryType:      argString(arguments, "memory_type"),
		Category:        argString(arguments, "category"),
		Importance:      argFloat(arguments, "importance", 0.5),
		SourceSessionID: s.sessionID,
		CheckDuplicates: true,
	})
	if errors.Is(err, memory.ErrEmbedderUnavailable) {
		return Fail("memory is not available: no embedding provider configured")
	}
	if err != nil {
		return Fail("failed to store memory: %v", err)
	}
	return Ok(map[string]any{"memory_id": id})
}

func (s *MemorySkill) recall(ctx context.Context, arguments map[string]any) ToolResult {
	query := argString(arguments, "query")
	if query == "" {
		return Fail("query is required")
	}

	memories, err := s.store.Search(ctx, memory.SearchRequest{
		Query: query,
		Limit: argInt(arguments, "limit", 5),
	})
	if errors.Is(err, memory.ErrEmbedderUnavailable) {
		return Fail("memory is not available: no embedding provider configured")
	}
	if err != nil {
		return Fail("failed to search memories: %v", err)
	}

	out := make([]map[string]any, len(memories))
	for i, m := range memories {
		out[i] = map[string]any{
			"memory_id":   m.ID,
			"content":     m.Content,
			"memory_type": m.MemoryType,
			"category":    m.Category,
			"importance":  m.Importance,
			"score":       m.Score,
		}
	}
	return Ok(out)
}

func (s *MemorySkill) forget(ctx context.Context, arguments map[string]any) ToolResult {
	memoryID := argString(arguments, "memory_id")
	if memoryID == "" {
		return Fail("memory_id is required")
	}
	if err := s.store.MarkDeleted(ctx, memoryID); err != nil {
		return Fail("failed to forget memory: %v", err)
	}
	return Ok(map[string]any{"forgotten": memoryID})
}
