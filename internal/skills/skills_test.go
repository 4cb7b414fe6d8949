package skills

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/memory"
)

type stubSkill struct {
	name   string
	tools  []string
	called []string
}

func (s *stubSkill) Name() string        { return s.name }
func (s *stubSkill) Description() string { return s.name + " skill" }

func (s *stubSkill) Tools() []ToolDefinition {
	defs := make([]ToolDefinition, len(s.tools))
	for i, name := range s.tools {
		defs[i] = ToolDefinition{Name: name, Description: name}
	}
	return defs
}

func (s *stubSkill) Execute(_ context.Context, toolName string, _ map[string]any) ToolResult {
	s.called = append(s.called, toolName)
	return Ok(map[string]any{"handled_by": s.name})
}

func TestLoaderRoutesToolsToOwningSkill(t *testing.T) {
	loader := NewLoader()
	alpha := &stubSkill{name: "alpha", tools: []string{"alpha_run"}}
	beta := &stubSkill{name: "beta", tools: []string{"beta_run", "beta_check"}}
	loader.Register(alpha)
	loader.Register(beta)

	result, err := loader.Execute(context.Background(), "beta_check", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"beta_check"}, beta.called)
	assert.Empty(t, alpha.called)

	assert.Equal(t, []string{"alpha", "beta"}, loader.LoadedSkills())
	assert.Equal(t, []string{"alpha_run", "beta_run", "beta_check"}, loader.AvailableTools())
	assert.Same(t, beta, loader.SkillForTool("beta_run").(*stubSkill))
	assert.Nil(t, loader.SkillForTool("nope"))
}

func TestLoaderUnknownTool(t *testing.T) {
	loader := NewLoader()
	loader.Register(&stubSkill{name: "alpha", tools: []string{"alpha_run"}})

	_, err := loader.Execute(context.Background(), "missing_tool", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestLoaderLaterRegistrationWinsToolName(t *testing.T) {
	loader := NewLoader()
	first := &stubSkill{name: "first", tools: []string{"shared"}}
	second := &stubSkill{name: "second", tools: []string{"shared"}}
	loader.Register(first)
	loader.Register(second)

	_, err := loader.Execute(context.Background(), "shared", nil)
	require.NoError(t, err)
	assert.Empty(t, first.called)
	assert.Equal(t, []string{"shared"}, second.called)
}

func TestShellBlocklistRejectsDestructiveCommands(t *testing.T) {
	skill := NewShellSkill()

	for _, command := range []string{"rm -rf /tmp/x", "sudo ls", "/bin/rm file"} {
		result := skill.Execute(context.Background(), "run_command", map[string]any{"command": command})
		assert.False(t, result.Success, "command %q should be rejected", command)
		assert.Contains(t, result.Error, "blocked")
	}
}

func TestShellRejectsDangerousPatterns(t *testing.T) {
	skill := NewShellSkill()

	result := skill.Execute(context.Background(), "run_command", map[string]any{"command": "ls ; rm -rf /"})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "dangerous pattern")
}

func TestShellAllowlistMode(t *testing.T) {
	skill := NewShellSkill(WithAllowedCommands("echo"))

	result := skill.Execute(context.Background(), "run_command", map[string]any{"command": "ls"})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "not in the allowed list")

	result = skill.Execute(context.Background(), "run_command", map[string]any{"command": "echo hello"})
	require.True(t, result.Success, result.Error)
	output := result.Output.(map[string]any)
	assert.Equal(t, 0, output["exit_code"])
	assert.Equal(t, "hello\n", output["stdout"])
}

func TestShellReportsNonZeroExit(t *testing.T) {
	skill := NewShellSkill()

	result := skill.Execute(context.Background(), "run_command", map[string]any{"command": "exit 3"})
	require.True(t, result.Success, result.Error)
	output := result.Output.(map[string]any)
	assert.Equal(t, 3, output["exit_code"])
}

func TestShellTimeout(t *testing.T) {
	skill := NewShellSkill(WithShellTimeout(100 * time.Millisecond))

	result := skill.Execute(context.Background(), "run_command", map[string]any{"command": "sleep 5"})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "timed out")
}

func TestShellEmptyCommand(t *testing.T) {
	skill := NewShellSkill()

	result := skill.Execute(context.Background(), "run_command", map[string]any{})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "command is required")
}

func TestFileOpsWriteReadRoundtrip(t *testing.T) {
	skill, err := NewFileOpsSkill(t.TempDir())
	require.NoError(t, err)

	result := skill.Execute(context.Background(), "write_file", map[string]any{
		"path":    "notes/today.md",
		"content": "grocery list",
	})
	require.True(t, result.Success, result.Error)

	result = skill.Execute(context.Background(), "read_file", map[string]any{"path": "notes/today.md"})
	require.True(t, result.Success, result.Error)
	output := result.Output.(map[string]any)
	assert.Equal(t, "grocery list", output["content"])
}

func TestFileOpsAppendMode(t *testing.T) {
	skill, err := NewFileOpsSkill(t.TempDir())
	require.NoError(t, err)

	for _, chunk := range []string{"one\n", "two\n"} {
		result := skill.Execute(context.Background(), "write_file", map[string]any{
			"path":    "log.txt",
			"content": chunk,
			"append":  true,
		})
		require.True(t, result.Success, result.Error)
	}

	result := skill.Execute(context.Background(), "read_file", map[string]any{"path": "log.txt"})
	require.True(t, result.Success)
	assert.Equal(t, "one\ntwo\n", result.Output.(map[string]any)["content"])
}

func TestFileOpsRejectsPathTraversal(t *testing.T) {
	skill, err := NewFileOpsSkill(t.TempDir())
	require.NoError(t, err)

	for _, path := range []string{"../outside.txt", "../../etc/passwd", "a/../../escape"} {
		result := skill.Execute(context.Background(), "read_file", map[string]any{"path": path})
		assert.False(t, result.Success, "path %q should be rejected", path)
		assert.Contains(t, result.Error, "disallowed path")
	}
}

func TestFileOpsExtensionFilter(t *testing.T) {
	base := t.TempDir()
	skill, err := NewFileOpsSkill(base, "txt", "md")
	require.NoError(t, err)

	result := skill.Execute(context.Background(), "write_file", map[string]any{
		"path":    "script.sh",
		"content": "echo hi",
	})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "extension not allowed")

	result = skill.Execute(context.Background(), "write_file", map[string]any{
		"path":    "readme.md",
		"content": "hi",
	})
	assert.True(t, result.Success, result.Error)
}

func TestFileOpsListDirectory(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(base, "sub"), 0o755))

	skill, err := NewFileOpsSkill(base)
	require.NoError(t, err)

	result := skill.Execute(context.Background(), "list_directory", map[string]any{})
	require.True(t, result.Success, result.Error)

	entries := result.Output.(map[string]any)["items"].([]map[string]any)
	types := map[string]string{}
	for _, entry := range entries {
		types[entry["name"].(string)] = entry["type"].(string)
	}
	assert.Equal(t, "file", types["a.txt"])
	assert.Equal(t, "directory", types["sub"])
}

func TestFileOpsReadMissingFile(t *testing.T) {
	skill, err := NewFileOpsSkill(t.TempDir())
	require.NoError(t, err)

	result := skill.Execute(context.Background(), "read_file", map[string]any{"path": "absent.txt"})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "file not found")
}

type fakeMemoryStore struct {
	stored    []memory.StoreRequest
	deleted   []string
	results   []memory.Memory
	storeErr  error
	searchErr error
}

func (f *fakeMemoryStore) Available() bool { return true }

func (f *fakeMemoryStore) Store(_ context.Context, req memory.StoreRequest) (string, error) {
	if f.storeErr != nil {
		return "", f.storeErr
	}
	f.stored = append(f.stored, req)
	return "mem-1", nil
}

func (f *fakeMemoryStore) Search(_ context.Context, _ memory.SearchRequest) ([]memory.Memory, error) {
	return f.results, f.searchErr
}

func (f *fakeMemoryStore) BySession(_ context.Context, _ string, _ int) ([]memory.Memory, error) {
	return nil, nil
}

func (f *fakeMemoryStore) Recent(_ context.Context, _ int, _ []string) ([]memory.Memory, error) {
	return nil, nil
}

func (f *fakeMemoryStore) MarkDeleted(_ context.Context, memoryID string) error {
	f.deleted = append(f.deleted, memoryID)
	return nil
}

func TestMemorySkillRemember(t *testing.T) {
	store := &fakeMemoryStore{}
	skill := NewMemorySkill(store, "sess-1")

	result := skill.Execute(context.Background(), "remember", map[string]any{
		"content":     "User works night shifts",
		"memory_type": "fact",
		"importance":  0.8,
	})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, map[string]any{"memory_id": "mem-1"}, result.Output)

	require.Len(t, store.stored, 1)
	req := store.stored[0]
	assert.Equal(t, "User works night shifts", req.Content)
	assert.Equal(t, 0.8, req.Importance)
	assert.Equal(t, "sess-1", req.SourceSessionID)
	assert.True(t, req.CheckDuplicates)
}

func TestMemorySkillRecallIncludesIDs(t *testing.T) {
	store := &fakeMemoryStore{results: []memory.Memory{
		{ID: "mem-9", Content: "likes tea", MemoryType: "preference", Score: 0.72},
	}}
	skill := NewMemorySkill(store, "sess-1")

	result := skill.Execute(context.Background(), "recall", map[string]any{"query": "drinks"})
	require.True(t, result.Success, result.Error)

	out := result.Output.([]map[string]any)
	require.Len(t, out, 1)
	assert.Equal(t, "mem-9", out[0]["memory_id"])
	assert.Equal(t, "likes tea", out[0]["content"])
}

func TestMemorySkillForget(t *testing.T) {
	store := &fakeMemoryStore{}
	skill := NewMemorySkill(store, "sess-1")

	result := skill.Execute(context.Background(), "forget", map[string]any{"memory_id": "mem-9"})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, []string{"mem-9"}, store.deleted)

	result = skill.Execute(context.Background(), "forget", map[string]any{})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "memory_id is required")
}

func TestMemorySkillUnavailableEmbedder(t *testing.T) {
	store := &fakeMemoryStore{storeErr: memory.ErrEmbedderUnavailable}
	skill := NewMemorySkill(store, "sess-1")

	result := skill.Execute(context.Background(), "remember", map[string]any{"content": "x"})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "memory is not available")
}

var errBoom = errors.New("boom")

func TestMemorySkillSearchErrorSurfaced(t *testing.T) {
	store := &fakeMemoryStore{searchErr: errBoom}
	skill := NewMemorySkill(store, "sess-1")

	result := skill.Execute(context.Background(), "recall", map[string]any{"query": "x"})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "boom")
}
