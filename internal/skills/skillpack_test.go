package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePack(t *testing.T, root, name, frontmatter, body string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := "---\n" + frontmatter + "\n---\n" + body
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0o644))
	return dir
}

func TestDiscoverPacksValidation(t *testing.T) {
	root := t.TempDir()
	writePack(t, root, "pdf-tools", "name: pdf-tools\ndescription: Work with PDF files", "Split and merge PDFs.")
	// Name does not match the directory.
	writePack(t, root, "renamed", "name: other\ndescription: Mismatch", "body")
	// Uppercase name fails the pattern.
	writePack(t, root, "BadName", "name: BadName\ndescription: Bad", "body")
	// Missing description.
	writePack(t, root, "nodesc", "name: nodesc", "body")
	// Unknown frontmatter field.
	writePack(t, root, "extras", "name: extras\ndescription: Extra\nversion: 1.0", "body")
	// Plain subdirectory without a SKILL.md is ignored, not an error.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notapack"), 0o755))

	packs := DiscoverPacks([]string{root})
	require.Len(t, packs, 1)
	assert.Equal(t, "pdf-tools", packs[0].Name)
	assert.Equal(t, "Work with PDF files", packs[0].Description)
}

func TestDiscoverPacksFirstNameWins(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writePack(t, first, "dup", "name: dup\ndescription: From the first directory", "first")
	writePack(t, second, "dup", "name: dup\ndescription: From the second directory", "second")
	writePack(t, second, "solo", "name: solo\ndescription: Only here", "solo body")

	packs := DiscoverPacks([]string{first, second, filepath.Join(first, "missing")})
	require.Len(t, packs, 2)
	byName := map[string]PackMetadata{}
	for _, p := range packs {
		byName[p.Name] = p
	}
	assert.Equal(t, "From the first directory", byName["dup"].Description)
	assert.Equal(t, "Only here", byName["solo"].Description)
}

func TestPackSkillLoadSkill(t *testing.T) {
	root := t.TempDir()
	dir := writePack(t, root, "reporting", "name: reporting\ndescription: Generate reports",
		"Follow the template in references.")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "render.sh"), []byte("#!/bin/sh\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "references"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "references", "template.md"), []byte("# Template"), 0o644))

	skill := NewPackSkill(DiscoverPacks([]string{root}))
	res := skill.Execute(context.Background(), "load_skill", map[string]any{"skill_name": "reporting"})
	require.True(t, res.Success)

	out, ok := res.Output.(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(out, "# Skill: reporting"))
	assert.Contains(t, out, "Follow the template in references.")
	assert.Contains(t, out, "## Available Scripts")
	assert.Contains(t, out, "render.sh")
	assert.Contains(t, out, "## Available References")
	assert.Contains(t, out, "template.md")
	assert.Contains(t, out, "read_skill_file")
}

func TestPackSkillLoadUnknownListsAvailable(t *testing.T) {
	root := t.TempDir()
	writePack(t, root, "alpha", "name: alpha\ndescription: A", "a")
	writePack(t, root, "beta", "name: beta\ndescription: B", "b")

	skill := NewPackSkill(DiscoverPacks([]string{root}))
	res := skill.Execute(context.Background(), "load_skill", map[string]any{"skill_name": "gamma"})
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "alpha, beta")
}

func TestPackSkillReadSkillFile(t *testing.T) {
	root := t.TempDir()
	dir := writePack(t, root, "alpha", "name: alpha\ndescription: A", "a")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "references"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "references", "guide.md"), []byte("guide body"), 0o644))

	skill := NewPackSkill(DiscoverPacks([]string{root}))

	res := skill.Execute(context.Background(), "read_skill_file",
		map[string]any{"skill_name": "alpha", "file_path": "guide.md"})
	require.True(t, res.Success)
	assert.Equal(t, "guide body", res.Output)

	res = skill.Execute(context.Background(), "read_skill_file",
		map[string]any{"skill_name": "alpha", "file_path": "nope.md"})
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "guide.md")
}

func TestPackSkillRegistersBothTools(t *testing.T) {
	loader := NewLoader()
	loader.Register(NewPackSkill(nil))
	assert.NotNil(t, loader.SkillForTool("load_skill"))
	assert.NotNil(t, loader.SkillForTool("read_skill_file"))
}
