package agent

import (
	"fmt"
	"strings"
	"time"

	"pulse/internal/memory"
	"pulse/internal/skills"
)

const systemPromptTemplate = `You are %[1]s, a helpful AI assistant.

## Core Identity
%[2]s

## Current Context
- Current time: %[3]s
- User: %[4]s
- Session: %[5]s
- Channel: %[6]s%[7]s

## Available Tools
You have access to the following tools:
%[8]s

## Relevant Memories
%[9]s

## Guidelines

### Tool Usage
- Use tools proactively when they can help answer questions or complete tasks
- Always explain what you're doing before calling a tool
- If a tool fails, explain the error and try an alternative approach
- Chain multiple tools when needed to complete complex tasks

### Communication Style
- Be concise but thorough
- Use markdown formatting when helpful
- Ask clarifying questions if the request is ambiguous
- Confirm before taking irreversible actions (file deletion, sending messages, etc.)

### Memory
- I will remember important facts, preferences, and context from our conversations
- You can ask me to remember or forget specific things
- I proactively use relevant memories to personalize responses

### Limitations
- I cannot access the internet in real-time without the web_search tool
- I cannot execute code unless the shell tool is enabled
- I respect user privacy and will not share session information

%[10]s`

const defaultIdentity = "I am a helpful, friendly AI assistant."

// workspaceInstructions is appended to the system prompt when workspace
// tools are registered.
const workspaceInstructions = `### Workspace
- Use workspace_create_app for single-page HTML apps and workspace_create_fullstack_app when a Python backend is needed
- After creating an app, share its public URL with the user
- Backend apps must be started with workspace_start_app before their URL works
- Use workspace_list_tasks to see what already exists before creating duplicates`

// PromptParams carries everything the system prompt template needs.
type PromptParams struct {
	AgentName    string
	Identity     string
	Instructions string
	ModelInfo    string
	UserName     string
	SessionID    string
	Channel      string
	Tools        []skills.ToolDefinition
	Memories     []memory.Memory
}

// BuildSystemPrompt renders the full system prompt.
func BuildSystemPrompt(p PromptParams) string {
	if p.AgentName == "" {
		p.AgentName = "Pulse"
	}
	if p.Identity == "" {
		p.Identity = defaultIdentity
	}
	if p.UserName == "" {
		p.UserName = "User"
	}
	if p.Channel == "" {
		p.Channel = "webchat"
	}

	session := "new"
	if p.SessionID != "" {
		session = p.SessionID
		if len(session) > 8 {
			session = session[:8]
		}
	}

	toolsList := "No tools are currently available."
	if len(p.Tools) > 0 {
		lines := make([]string, len(p.Tools))
		for i, t := range p.Tools {
			lines[i] = fmt.Sprintf("- **%s**: %s", t.Name, t.Description)
		}
		toolsList = strings.Join(lines, "\n")
	}

	memoriesText := "No relevant memories found."
	if len(p.Memories) > 0 {
		lines := make([]string, len(p.Memories))
		for i, m := range p.Memories {
			lines[i] = fmt.Sprintf("- [%s] %s", m.MemoryType, m.Content)
		}
		memoriesText = strings.Join(lines, "\n")
	}

	modelSection := ""
	if p.ModelInfo != "" {
		modelSection = "\n\n## Model Configuration\n" + p.ModelInfo
	}

	instructions := p.Instructions
	if hasWorkspaceTools(p.Tools) {
		if instructions != "" {
			instructions += "\n\n"
		}
		instructions += workspaceInstructions
	}

	return strings.TrimSpace(fmt.Sprintf(systemPromptTemplate,
		p.AgentName,
		p.Identity,
		time.Now().UTC().Format(time.RFC3339),
		p.UserName,
		session,
		p.Channel,
		modelSection,
		toolsList,
		memoriesText,
		instructions,
	))
}

func hasWorkspaceTools(tools []skills.ToolDefinition) bool {
	for _, t := range tools {
		if strings.HasPrefix(t.Name, "workspace_") {
			return true
		}
	}
	return false
}

// memoryExtractionPrompt instructs the model to distill a conversation
// into storable facts. The response contract is a bare JSON array.
const memoryExtractionPrompt = `Review this conversation and extract any important facts, preferences,
or information worth remembering about the user.

CRITICAL: Return ONLY a valid JSON array in this exact format:
[{"type": "fact|preference|reminder", "content": "...", "importance": 0.0-1.0}]

If nothing is worth remembering, return an empty array: []

Examples of good extractions:
- [{"type": "fact", "content": "User's name is John Smith", "importance": 0.9}]
- [{"type": "preference", "content": "User prefers Python over Java", "importance": 0.7}]
- [{"type": "fact", "content": "User works at Acme Corp as Data Scientist", "importance": 0.8}]
- []

Be selective. Only extract genuinely useful information like:
- User personal information (name, contact details, role, company)
- User preferences (communication style, interests, settings, favorite tools)
- Important facts (projects they're working on, technical expertise)
- Scheduled reminders or commitments
- Learned information that could help future interactions

Do NOT extract:
- Generic pleasantries or greetings
- Transient information
- Information already known or obvious
- Questions the user asked (unless they reveal preferences)

IMPORTANT: Respond with ONLY the JSON array. No other text, no explanations, no markdown formatting.`

const memoryExtractionSystem = "You are a memory extraction assistant. Be concise. Return only valid JSON."
