package skills

import (
	"context"
	"strings"

	"pulse/internal/logging"
	"pulse/internal/workspace"
)

// WorkspaceSkill exposes the agent workspace to the model: static file
// artifacts, self-contained HTML apps, and fullstack apps with a managed
// backend subprocess, each published as a shareable URL through the API
// server proxy.
type WorkspaceSkill struct {
	manager  *workspace.Manager
	registry *workspace.RegistryClient
	logger   logging.Logger
}

// NewWorkspaceSkill creates the workspace skill. The manager is shared
// with the agent's workspace server.
func NewWorkspaceSkill(manager *workspace.Manager, registry *workspace.RegistryClient) *WorkspaceSkill {
	return &WorkspaceSkill{
		manager:  manager,
		registry: registry,
		logger:   logging.NewComponentLogger("WorkspaceSkill"),
	}
}

func (s *WorkspaceSkill) Name() string { return "workspace" }

func (s *WorkspaceSkill) Description() string {
	return "Create and publish file artifacts and runnable web apps as shareable URLs accessible from the API server."
}

func sessionProp() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Current conversation session ID.",
	}
}

func (s *WorkspaceSkill) Tools() []ToolDefinition {
	return []ToolDefinition{
		{
			Name: "workspace_write_file",
			Description: "Write a static artifact (CSV, Markdown, HTML, JSON, Python script, etc.) " +
				"to the agent workspace and return a shareable URL. " +
				"Use for any output the user should be able to download or view.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionProp(),
					"task_name": map[string]any{
						"type":        "string",
						"description": "Human-readable name for this task, e.g. 'Q3 Sales Report'. Used to generate a URL-friendly task ID.",
					},
					"file_name": map[string]any{
						"type":        "string",
						"description": "Filename, e.g. 'report.csv', 'summary.md'.",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Full text content of the file.",
					},
				},
				"required": []string{"session_id", "task_name", "file_name", "content"},
			},
		},
		{
			Name: "workspace_create_app",
			Description: "Create a self-contained HTML web app and return a shareable URL. " +
				"Use for interactive charts, dashboards, calculators, or any browser-based tool " +
				"that needs no server-side logic. The HTML may use inline CSS/JS and CDN-hosted libraries.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionProp(),
					"task_name": map[string]any{
						"type":        "string",
						"description": "Human-readable name, e.g. 'CPU Usage Chart'.",
					},
					"html": map[string]any{
						"type":        "string",
						"description": "Complete self-contained HTML (<!DOCTYPE html> ... </html>). Inline all CSS and JS. CDN links are fine. No references to external files.",
					},
				},
				"required": []string{"session_id", "task_name", "html"},
			},
		},
		{
			Name: "workspace_create_fullstack_app",
			Description: "Create a web app with an HTML frontend and a Python backend. " +
				"Use when the app needs server-side logic, real-time data, or database access. " +
				"The backend runs as a subprocess on the agent machine; its API is accessible " +
				"at /workspace/{session_id}/{task_id}/api/...",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionProp(),
					"task_name": map[string]any{
						"type":        "string",
						"description": "Human-readable name, e.g. 'Live CPU Monitor'.",
					},
					"html": map[string]any{
						"type": "string",
						"description": "Frontend HTML. All API calls must target the proxy path " +
							"/workspace/{session_id}/{task_id}/api/... with the actual values substituted " +
							"(task_id is returned in the tool result).",
					},
					"backend_py": map[string]any{
						"type": "string",
						"description": "Python source for the backend. MUST read PORT from the environment " +
							"and bind an HTTP server to 127.0.0.1 on that port. All routes must be under the /api/ prefix.",
					},
					"requirements": map[string]any{
						"type":        "string",
						"description": "Optional pip packages, one per line.",
					},
				},
				"required": []string{"session_id", "task_name", "html", "backend_py"},
			},
		},
		{
			Name: "workspace_start_app",
			Description: "Start or restart the Python backend for an existing fullstack app task. " +
				"Use after workspace_create_fullstack_app, or to restart a crashed backend.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionProp(),
					"task_id": map[string]any{
						"type":        "string",
						"description": "Task ID returned by workspace_create_fullstack_app.",
					},
				},
				"required": []string{"session_id", "task_id"},
			},
		},
		{
			Name: "workspace_stop_app",
			Description: "Stop the running Python backend for a task. Files are preserved; the task " +
				"stays registered. Use workspace_start_app to restart later.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionProp(),
					"task_id": map[string]any{
						"type":        "string",
						"description": "Task ID of the app to stop.",
					},
				},
				"required": []string{"session_id", "task_id"},
			},
		},
		{
			Name: "workspace_delete_task",
			Description: "Permanently delete a workspace task: stops the backend (if running), " +
				"deletes all files, and deregisters the public URL. Irreversible.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionProp(),
					"task_id": map[string]any{
						"type":        "string",
						"description": "Task ID to delete.",
					},
				},
				"required": []string{"session_id", "task_id"},
			},
		},
		{
			Name:        "workspace_list_tasks",
			Description: "List all workspace tasks in the current session with their status, artifact type, and public URL.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionProp(),
				},
				"required": []string{"session_id"},
			},
		},
	}
}

func (s *WorkspaceSkill) Execute(ctx context.Context, toolName string, arguments map[string]any) ToolResult {
	sessionID := strings.TrimSpace(argString(arguments, "session_id"))
	if sessionID == "" {
		return Fail("session_id is required")
	}

	switch toolName {
	case "workspace_write_file":
		return s.writeFile(ctx, sessionID, arguments)
	case "workspace_create_app":
		return s.createApp(ctx, sessionID, arguments)
	case "workspace_create_fullstack_app":
		return s.createFullstackApp(ctx, sessionID, arguments)
	case "workspace_start_app":
		return s.startApp(ctx, sessionID, arguments)
	case "workspace_stop_app":
		return s.stopApp(sessionID, arguments)
	case "workspace_delete_task":
		return s.deleteTask(ctx, sessionID, arguments)
	case "workspace_list_tasks":
		return s.listTasks(sessionID)
	default:
		return Fail("unknown workspace tool: %s", toolName)
	}
}

func (s *WorkspaceSkill) writeFile(ctx context.Context, sessionID string, args map[string]any) ToolResult {
	taskName := strings.TrimSpace(argString(args, "task_name"))
	fileName := strings.TrimSpace(argString(args, "file_name"))
	content := argString(args, "content")
	if taskName == "" {
		return Fail("task_name is required")
	}
	if fileName == "" {
		return Fail("file_name is required")
	}

	taskID, err := s.manager.CreateTask(sessionID, taskName, workspace.ArtifactFile)
	if err != nil {
		return Fail("%v", err)
	}
	if _, err := s.manager.WriteTaskFile(sessionID, taskID, fileName, content); err != nil {
		return Fail("%v", err)
	}

	if _, err := s.registry.Register(ctx, sessionID, taskID, workspace.ArtifactFile); err != nil {
		return Fail("%v", err)
	}
	publicURL := s.registry.PublicURL(sessionID, taskID) + fileName

	s.logger.Info("file ready session=%s task=%s file=%s", sessionID, taskID, fileName)
	return Ok(map[string]any{
		"status":        "created",
		"task_id":       taskID,
		"file_name":     fileName,
		"public_url":    publicURL,
		"bytes_written": len(content),
		"message":       "File available at: " + publicURL,
	})
}

func (s *WorkspaceSkill) createApp(ctx context.Context, sessionID string, args map[string]any) ToolResult {
	taskName := strings.TrimSpace(argString(args, "task_name"))
	html := strings.TrimSpace(argString(args, "html"))
	if taskName == "" {
		return Fail("task_name is required")
	}
	if html == "" {
		return Fail("html is required")
	}

	taskID, err := s.manager.CreateTask(sessionID, taskName, workspace.ArtifactHTMLApp)
	if err != nil {
		return Fail("%v", err)
	}
	if _, err := s.manager.WriteTaskFile(sessionID, taskID, "index.html", html); err != nil {
		return Fail("%v", err)
	}

	if _, err := s.registry.Register(ctx, sessionID, taskID, workspace.ArtifactHTMLApp); err != nil {
		return Fail("%v", err)
	}
	publicURL := s.registry.PublicURL(sessionID, taskID)

	s.logger.Info("html app ready session=%s task=%s", sessionID, taskID)
	return Ok(map[string]any{
		"status":     "created",
		"task_id":    taskID,
		"public_url": publicURL,
		"message":    "App is live at: " + publicURL,
	})
}

func (s *WorkspaceSkill) createFullstackApp(ctx context.Context, sessionID string, args map[string]any) ToolResult {
	taskName := strings.TrimSpace(argString(args, "task_name"))
	html := strings.TrimSpace(argString(args, "html"))
	backendPy := strings.TrimSpace(argString(args, "backend_py"))
	requirements := strings.TrimSpace(argString(args, "requirements"))
	if taskName == "" {
		return Fail("task_name is required")
	}
	if html == "" {
		return Fail("html is required")
	}
	if backendPy == "" {
		return Fail("backend_py is required")
	}

	taskID, err := s.manager.CreateTask(sessionID, taskName, workspace.ArtifactFullstackApp)
	if err != nil {
		return Fail("%v", err)
	}
	if _, err := s.manager.WriteTaskFile(sessionID, taskID, "index.html", html); err != nil {
		return Fail("%v", err)
	}
	if _, err := s.manager.WriteTaskFile(sessionID, taskID, "backend.py", backendPy); err != nil {
		return Fail("%v", err)
	}
	if requirements != "" {
		if _, err := s.manager.WriteTaskFile(sessionID, taskID, "requirements.txt", requirements); err != nil {
			return Fail("%v", err)
		}
	}

	port, err := s.manager.StartBackend(ctx, sessionID, taskID)
	if err != nil {
		return Fail("%v", err)
	}

	if _, err := s.registry.Register(ctx, sessionID, taskID, workspace.ArtifactFullstackApp); err != nil {
		return Fail("%v", err)
	}
	publicURL := s.registry.PublicURL(sessionID, taskID)

	s.logger.Info("fullstack app ready session=%s task=%s port=%d", sessionID, taskID, port)
	return Ok(map[string]any{
		"status":       "created_and_started",
		"task_id":      taskID,
		"public_url":   publicURL,
		"backend_port": port,
		"message": "Full-stack app is live at: " + publicURL + "\n" +
			"Frontend calls to /workspace/" + sessionID + "/" + taskID + "/api/... are proxied to the backend.",
	})
}

func (s *WorkspaceSkill) startApp(ctx context.Context, sessionID string, args map[string]any) ToolResult {
	taskID := strings.TrimSpace(argString(args, "task_id"))
	if taskID == "" {
		return Fail("task_id is required")
	}

	port, err := s.manager.StartBackend(ctx, sessionID, taskID)
	if err != nil {
		return Fail("%v", err)
	}

	publicURL := s.registry.PublicURL(sessionID, taskID)
	return Ok(map[string]any{
		"status":       "started",
		"task_id":      taskID,
		"public_url":   publicURL,
		"backend_port": port,
		"message":      "Backend (re)started. App at: " + publicURL,
	})
}

func (s *WorkspaceSkill) stopApp(sessionID string, args map[string]any) ToolResult {
	taskID := strings.TrimSpace(argString(args, "task_id"))
	if taskID == "" {
		return Fail("task_id is required")
	}

	s.manager.StopBackend(sessionID, taskID)
	return Ok(map[string]any{
		"status":  "stopped",
		"task_id": taskID,
		"message": "Backend stopped. Files preserved. Use workspace_start_app to restart.",
	})
}

func (s *WorkspaceSkill) deleteTask(ctx context.Context, sessionID string, args map[string]any) ToolResult {
	taskID := strings.TrimSpace(argString(args, "task_id"))
	if taskID == "" {
		return Fail("task_id is required")
	}

	if err := s.manager.DeleteTask(sessionID, taskID); err != nil {
		return Fail("%v", err)
	}
	if err := s.registry.Deregister(ctx, sessionID, taskID); err != nil {
		s.logger.Warn("deregister failed for %s/%s: %v", sessionID, taskID, err)
	}

	return Ok(map[string]any{
		"status":  "deleted",
		"task_id": taskID,
		"message": "Task '" + taskID + "' and all its files have been permanently deleted.",
	})
}

func (s *WorkspaceSkill) listTasks(sessionID string) ToolResult {
	tasks := s.manager.ListTasks(sessionID)
	enriched := make([]map[string]any, len(tasks))
	for i, t := range tasks {
		enriched[i] = map[string]any{
			"session_id":    t.SessionID,
			"task_id":       t.TaskID,
			"task_name":     t.TaskName,
			"artifact_type": t.ArtifactType,
			"status":        t.Status,
			"backend_port":  t.BackendPort,
			"created_at":    t.CreatedAt,
			"public_url":    s.registry.PublicURL(sessionID, t.TaskID),
		}
	}
	return Ok(map[string]any{"count": len(tasks), "tasks": enriched})
}
