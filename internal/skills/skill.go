package skills

import (
	"context"
	"errors"
	"fmt"

	"pulse/internal/llm"
	"pulse/internal/logging"
)

// ErrUnknownTool is returned when a tool name resolves to no loaded skill.
var ErrUnknownTool = errors.New("unknown tool")

// ToolDefinition describes one callable tool in JSON Schema form.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// LLMTool converts the definition to the provider-neutral tool shape.
func (d ToolDefinition) LLMTool() llm.Tool {
	return llm.Tool{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Parameters,
	}
}

// ToolResult is the normalized outcome of one tool execution.
type ToolResult struct {
	Success bool
	Output  any
	Error   string
}

// Ok creates a successful result.
func Ok(output any) ToolResult {
	return ToolResult{Success: true, Output: output}
}

// Fail creates a failed result.
func Fail(format string, args ...any) ToolResult {
	return ToolResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Skill bundles one or more related tools behind a single executor.
type Skill interface {
	// Name identifies the skill in logs and tool routing.
	Name() string

	// Description is a one-line summary surfaced to the system prompt.
	Description() string

	// Tools lists the tool definitions the skill provides.
	Tools() []ToolDefinition

	// Execute runs one of the skill's tools. Unknown names fail, they do
	// not panic.
	Execute(ctx context.Context, toolName string, arguments map[string]any) ToolResult
}

// Loader registers skills and routes tool calls to the owning skill.
type Loader struct {
	skills      map[string]Skill
	order       []string
	toolToSkill map[string]string
	logger      logging.Logger
}

// NewLoader creates an empty skill registry.
func NewLoader() *Loader {
	return &Loader{
		skills:      map[string]Skill{},
		toolToSkill: map[string]string{},
		logger:      logging.NewComponentLogger("Skills"),
	}
}

// Register adds a skill and indexes its tools. A tool name claimed by two
// skills goes to the later registration; the conflict is logged.
func (l *Loader) Register(skill Skill) {
	name := skill.Name()
	if _, exists := l.skills[name]; !exists {
		l.order = append(l.order, name)
	}
	l.skills[name] = skill

	toolNames := make([]string, 0, len(skill.Tools()))
	for _, tool := range skill.Tools() {
		if prev, taken := l.toolToSkill[tool.Name]; taken && prev != name {
			l.logger.Warn("tool %s re-registered: %s -> %s", tool.Name, prev, name)
		}
		l.toolToSkill[tool.Name] = name
		toolNames = append(toolNames, tool.Name)
	}
	l.logger.Info("loaded skill: %s tools=%v", name, toolNames)
}

// Skill returns a loaded skill by name, or nil.
func (l *Loader) Skill(name string) Skill {
	return l.skills[name]
}

// SkillForTool returns the skill owning a tool, or nil.
func (l *Loader) SkillForTool(toolName string) Skill {
	if skillName, ok := l.toolToSkill[toolName]; ok {
		return l.skills[skillName]
	}
	return nil
}

// Tools returns every tool definition in registration order.
func (l *Loader) Tools() []ToolDefinition {
	var tools []ToolDefinition
	for _, name := range l.order {
		tools = append(tools, l.skills[name].Tools()...)
	}
	return tools
}

// LLMTools returns every tool definition in the provider-neutral shape.
func (l *Loader) LLMTools() []llm.Tool {
	defs := l.Tools()
	tools := make([]llm.Tool, len(defs))
	for i, d := range defs {
		tools[i] = d.LLMTool()
	}
	return tools
}

// Execute routes a tool call to its owning skill.
func (l *Loader) Execute(ctx context.Context, toolName string, arguments map[string]any) (ToolResult, error) {
	skill := l.SkillForTool(toolName)
	if skill == nil {
		return ToolResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}
	return skill.Execute(ctx, toolName, arguments), nil
}

// LoadedSkills lists skill names in registration order.
func (l *Loader) LoadedSkills() []string {
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// AvailableTools lists every registered tool name.
func (l *Loader) AvailableTools() []string {
	names := make([]string, 0, len(l.toolToSkill))
	for _, name := range l.order {
		for _, tool := range l.skills[name].Tools() {
			names = append(names, tool.Name)
		}
	}
	return names
}

func argString(arguments map[string]any, key string) string {
	if v, ok := arguments[key].(string); ok {
		return v
	}
	return ""
}

func argBool(arguments map[string]any, key string) bool {
	if v, ok := arguments[key].(bool); ok {
		return v
	}
	return false
}

func argInt(arguments map[string]any, key string, fallback int) int {
	switch v := arguments[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func argFloat(arguments map[string]any, key string, fallback float64) float64 {
	switch v := arguments[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}
