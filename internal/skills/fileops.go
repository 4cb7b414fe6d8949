package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"pulse/internal/logging"
)

// FileOpsSkill reads, writes, and lists files under a fixed base directory.
// Every path is resolved and checked to still be inside the base before any
// filesystem access.
type FileOpsSkill struct {
	basePath          string
	allowedExtensions []string
	logger            logging.Logger
}

// NewFileOpsSkill creates the file operations skill rooted at basePath.
// An empty extension list allows all extensions.
func NewFileOpsSkill(basePath string, allowedExtensions ...string) (*FileOpsSkill, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	return &FileOpsSkill{
		basePath:          abs,
		allowedExtensions: allowedExtensions,
		logger:            logging.NewComponentLogger("FileOps"),
	}, nil
}

func (s *FileOpsSkill) Name() string        { return "file_ops" }
func (s *FileOpsSkill) Description() string { return "Read, write, and list files" }

func (s *FileOpsSkill) Tools() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read the contents of a file",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path to the file (relative to base path)",
					},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "write_file",
			Description: "Write content to a file (creates if not exists)",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path to the file (relative to base path)",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Content to write",
					},
					"append": map[string]any{
						"type":        "boolean",
						"description": "Append to file instead of overwriting",
						"default":     false,
					},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        "list_directory",
			Description: "List files and directories in a path",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Directory path (relative to base path)",
						"default":     ".",
					},
				},
			},
		},
	}
}

func (s *FileOpsSkill) Execute(_ context.Context, toolName string, arguments map[string]any) ToolResult {
	switch toolName {
	case "read_file":
		return s.readFile(arguments)
	case "write_file":
		return s.writeFile(arguments)
	case "list_directory":
		return s.listDirectory(arguments)
	default:
		return Fail("unknown tool: %s", toolName)
	}
}

// resolvePath joins a relative path onto the base and rejects anything that
// escapes it. Returns "" for out-of-bounds paths.
func (s *FileOpsSkill) resolvePath(rel string) string {
	resolved := filepath.Clean(filepath.Join(s.basePath, rel))
	if resolved != s.basePath && !strings.HasPrefix(resolved, s.basePath+string(filepath.Separator)) {
		return ""
	}
	return resolved
}

func (s *FileOpsSkill) extensionAllowed(p string) bool {
	if len(s.allowedExtensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(filepath.Ext(p), ".")
	for _, allowed := range s.allowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (s *FileOpsSkill) readFile(arguments map[string]any) ToolResult {
	pathStr := argString(arguments, "path")
	resolved := s.resolvePath(pathStr)
	if resolved == "" {
		return Fail("invalid or disallowed path")
	}

	info, err := os.Stat(resolved)
	if os.IsNotExist(err) {
		return Fail("file not found: %s", pathStr)
	}
	if err != nil {
		return Fail("failed to read file: %v", err)
	}
	if info.IsDir() {
		return Fail("not a file: %s", pathStr)
	}
	if !s.extensionAllowed(resolved) {
		return Fail("file extension not allowed: %s", filepath.Ext(resolved))
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		return Fail("failed to read file: %v", err)
	}
	return Ok(map[string]any{"path": pathStr, "content": string(content)})
}

func (s *FileOpsSkill) writeFile(arguments map[string]any) ToolResult {
	pathStr := argString(arguments, "path")
	content := argString(arguments, "content")
	appendMode := argBool(arguments, "append")

	resolved := s.resolvePath(pathStr)
	if resolved == "" {
		return Fail("invalid or disallowed path")
	}
	if !s.extensionAllowed(resolved) {
		return Fail("file extension not allowed: %s", filepath.Ext(resolved))
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Fail("failed to write file: %v", err)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return Fail("failed to write file: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return Fail("failed to write file: %v", err)
	}
	return Ok(map[string]any{"path": pathStr, "bytes_written": len(content)})
}

func (s *FileOpsSkill) listDirectory(arguments map[string]any) ToolResult {
	pathStr := argString(arguments, "path")
	if pathStr == "" {
		pathStr = "."
	}
	resolved := s.resolvePath(pathStr)
	if resolved == "" {
		return Fail("invalid or disallowed path")
	}

	entries, err := os.ReadDir(resolved)
	if os.IsNotExist(err) {
		return Fail("directory not found: %s", pathStr)
	}
	if err != nil {
		return Fail("failed to list directory: %v", err)
	}

	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"name": entry.Name(),
			"type": "file",
		}
		if entry.IsDir() {
			item["type"] = "directory"
		} else if info, err := entry.Info(); err == nil {
			item["size"] = info.Size()
		}
		items = append(items, item)
	}
	return Ok(map[string]any{"path": pathStr, "items": items})
}
