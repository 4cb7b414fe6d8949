package skills

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"
	"time"

	"pulse/internal/logging"
)

// blockedCommands are rejected in blocklist mode regardless of arguments.
var blockedCommands = map[string]bool{
	"rm": true, "rmdir": true, "mv": true, "dd": true, "mkfs": true,
	"fdisk": true, "shutdown": true, "reboot": true, "halt": true,
	"init": true, "sudo": true, "su": true, "chmod": true, "chown": true,
	"format": true, "del": true, "erase": true,
}

// dangerousPatterns catch destructive commands smuggled past the base
// command check through pipes, chaining, or substitution.
var dangerousPatterns = []string{
	"| rm", "| sudo", "; rm", "; sudo",
	"&& rm", "&& sudo", "$(rm", "$(sudo",
	"`rm", "`sudo", "> /dev/", "| dd",
}

// ShellSkill runs shell commands with safety guardrails.
type ShellSkill struct {
	allowedCommands []string
	workDir         string
	timeout         time.Duration
	maxOutputLen    int
	logger          logging.Logger
}

// ShellOption configures a ShellSkill.
type ShellOption func(*ShellSkill)

// WithAllowedCommands switches to allowlist mode: only the named base
// commands may run.
func WithAllowedCommands(commands ...string) ShellOption {
	return func(s *ShellSkill) { s.allowedCommands = commands }
}

// WithWorkDir sets the working directory for commands.
func WithWorkDir(dir string) ShellOption {
	return func(s *ShellSkill) { s.workDir = dir }
}

// WithShellTimeout overrides the per-command timeout.
func WithShellTimeout(d time.Duration) ShellOption {
	return func(s *ShellSkill) { s.timeout = d }
}

// NewShellSkill creates the shell skill. Without options it runs in
// blocklist mode with a 30s timeout.
func NewShellSkill(opts ...ShellOption) *ShellSkill {
	s := &ShellSkill{
		timeout:      30 * time.Second,
		maxOutputLen: 10000,
		logger:       logging.NewComponentLogger("Shell"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ShellSkill) Name() string        { return "shell" }
func (s *ShellSkill) Description() string { return "Execute shell commands" }

func (s *ShellSkill) Tools() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "run_command",
		Description: "Run a shell command and return its output. Use for tasks like listing files, checking system info, or running scripts.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to execute",
				},
			},
			"required": []string{"command"},
		},
	}}
}

func (s *ShellSkill) Execute(ctx context.Context, toolName string, arguments map[string]any) ToolResult {
	if toolName != "run_command" {
		return Fail("unknown tool: %s", toolName)
	}
	command := argString(arguments, "command")
	if command == "" {
		return Fail("command is required")
	}

	if reason := s.validateCommand(command); reason != "" {
		return Fail("%s", reason)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = s.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return Fail("command timed out after %s", s.timeout)
	}

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return Fail("command execution failed: %v", err)
	}

	if exitCode != 0 {
		s.logger.Warn("command exited non-zero: command=%q exit_code=%d", truncateStr(command, 50), exitCode)
	}

	return Ok(map[string]any{
		"exit_code": exitCode,
		"stdout":    truncateOutput(stdout.String(), s.maxOutputLen),
		"stderr":    truncateOutput(stderr.String(), s.maxOutputLen),
	})
}

// validateCommand returns a rejection reason, or "" when the command is
// allowed to run.
func (s *ShellSkill) validateCommand(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "empty command"
	}
	baseCommand := path.Base(fields[0])

	if s.allowedCommands != nil {
		allowed := false
		for _, c := range s.allowedCommands {
			if c == baseCommand {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Sprintf("command '%s' is not in the allowed list", baseCommand)
		}
	} else if blockedCommands[strings.ToLower(baseCommand)] {
		return fmt.Sprintf("command '%s' is blocked for safety", baseCommand)
	}

	lower := strings.ToLower(command)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(lower, pattern) {
			return fmt.Sprintf("command contains dangerous pattern: %s", pattern)
		}
	}
	return ""
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (output truncated)"
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
