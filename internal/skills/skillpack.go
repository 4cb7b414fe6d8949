package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"pulse/internal/logging"
)

// PackMetadata is the cheap tier of an external skill package: the SKILL.md
// frontmatter, enough to advertise the pack without reading its body.
type PackMetadata struct {
	Name          string
	Description   string
	License       string
	Compatibility string
	AllowedTools  string
	Dir           string
}

// PackContent is the expensive tier, loaded on demand when the model asks
// for a pack's full instructions.
type PackContent struct {
	Meta         PackMetadata
	Instructions string
	Scripts      map[string]string
	References   map[string]string
}

// Pack names are lowercase words joined by single hyphens.
var packNameRE = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)

var packFrontmatterFields = map[string]bool{
	"name": true, "description": true, "license": true,
	"compatibility": true, "metadata": true, "allowed-tools": true,
}

// DiscoverPacks scans directories for skill packages (subdirectories
// holding a SKILL.md). Directories are scanned in order and the first
// occurrence of a pack name wins. Invalid packs are logged and skipped.
func DiscoverPacks(dirs []string) []PackMetadata {
	logger := logging.NewComponentLogger("SkillPacks")
	var packs []PackMetadata
	seen := map[string]bool{}

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Debug("skill pack directory skipped: %s: %v", dir, err)
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			packDir := filepath.Join(dir, entry.Name())
			if _, err := os.Stat(filepath.Join(packDir, "SKILL.md")); err != nil {
				continue
			}
			meta, err := loadPackMetadata(packDir)
			if err != nil {
				logger.Warn("skill pack %s skipped: %v", packDir, err)
				continue
			}
			if seen[meta.Name] {
				continue
			}
			seen[meta.Name] = true
			packs = append(packs, meta)
		}
	}
	return packs
}

func loadPackMetadata(dir string) (PackMetadata, error) {
	fm, _, err := parsePackFile(filepath.Join(dir, "SKILL.md"))
	if err != nil {
		return PackMetadata{}, err
	}

	for key := range fm {
		if !packFrontmatterFields[key] {
			return PackMetadata{}, fmt.Errorf("unknown frontmatter field: %s", key)
		}
	}

	name, _ := fm["name"].(string)
	switch {
	case name == "":
		return PackMetadata{}, fmt.Errorf("missing required field: name")
	case !packNameRE.MatchString(name) || len(name) > 64:
		return PackMetadata{}, fmt.Errorf("invalid name: %q", name)
	case name != filepath.Base(dir):
		return PackMetadata{}, fmt.Errorf("name %q does not match directory %q", name, filepath.Base(dir))
	}

	description, _ := fm["description"].(string)
	if description == "" {
		return PackMetadata{}, fmt.Errorf("missing required field: description")
	}
	if len(description) > 1024 {
		return PackMetadata{}, fmt.Errorf("description exceeds 1024 characters")
	}

	license, _ := fm["license"].(string)
	compatibility, _ := fm["compatibility"].(string)
	allowedTools, _ := fm["allowed-tools"].(string)
	return PackMetadata{
		Name:          name,
		Description:   description,
		License:       license,
		Compatibility: compatibility,
		AllowedTools:  allowedTools,
		Dir:           dir,
	}, nil
}

// parsePackFile splits a SKILL.md into YAML frontmatter and markdown body.
func parsePackFile(path string) (map[string]any, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	parts := strings.SplitN(string(raw), "---", 3)
	if len(parts) < 3 || strings.TrimSpace(parts[0]) != "" {
		return nil, "", fmt.Errorf("no YAML frontmatter in %s", path)
	}
	var fm map[string]any
	if err := yaml.Unmarshal([]byte(parts[1]), &fm); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return fm, strings.TrimSpace(parts[2]), nil
}

func loadPackContent(meta PackMetadata) (PackContent, error) {
	_, body, err := parsePackFile(filepath.Join(meta.Dir, "SKILL.md"))
	if err != nil {
		return PackContent{}, err
	}
	content := PackContent{
		Meta:         meta,
		Instructions: body,
		Scripts:      readPackFiles(filepath.Join(meta.Dir, "scripts")),
		References:   readPackFiles(filepath.Join(meta.Dir, "references")),
	}
	return content, nil
}

func readPackFiles(dir string) map[string]string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return map[string]string{}
	}
	files := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		files[entry.Name()] = string(data)
	}
	return files
}

// PackSkill exposes discovered skill packages as LLM-callable tools: the
// model loads a pack's full instructions only when it needs them.
type PackSkill struct {
	packs  map[string]PackMetadata
	logger logging.Logger

	mu    sync.Mutex
	cache map[string]PackContent
}

// NewPackSkill creates the bridge over a set of discovered packs.
func NewPackSkill(packs []PackMetadata) *PackSkill {
	byName := make(map[string]PackMetadata, len(packs))
	for _, p := range packs {
		byName[p.Name] = p
	}
	return &PackSkill{
		packs:  byName,
		cache:  map[string]PackContent{},
		logger: logging.NewComponentLogger("SkillPacks"),
	}
}

func (s *PackSkill) Name() string        { return "skill_packs" }
func (s *PackSkill) Description() string { return "Load and read external skill packages" }

func (s *PackSkill) Tools() []ToolDefinition {
	return []ToolDefinition{
		{
			Name: "load_skill",
			Description: "Load the full instructions for an available skill package by name. " +
				"Call this when a task matches one of the available skill packages.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"skill_name": map[string]any{
						"type":        "string",
						"description": "Name of the skill package to load",
					},
				},
				"required": []string{"skill_name"},
			},
		},
		{
			Name: "read_skill_file",
			Description: "Read a specific file from a skill package. " +
				"Use for scripts or references listed in skill instructions.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"skill_name": map[string]any{
						"type":        "string",
						"description": "Name of the skill package",
					},
					"file_path": map[string]any{
						"type":        "string",
						"description": "Filename to read (from scripts/ or references/)",
					},
				},
				"required": []string{"skill_name", "file_path"},
			},
		},
	}
}

func (s *PackSkill) Execute(_ context.Context, toolName string, arguments map[string]any) ToolResult {
	switch toolName {
	case "load_skill":
		return s.loadSkill(argString(arguments, "skill_name"))
	case "read_skill_file":
		return s.readSkillFile(argString(arguments, "skill_name"), argString(arguments, "file_path"))
	default:
		return Fail("unknown tool: %s", toolName)
	}
}

func (s *PackSkill) loadSkill(name string) ToolResult {
	meta, ok := s.packs[name]
	if !ok {
		return Fail("skill %q not found. Available skills: %s", name, strings.Join(s.packNames(), ", "))
	}
	content, err := s.content(meta)
	if err != nil {
		s.logger.Error("failed to load skill pack %s: %v", name, err)
		return Fail("failed to load skill %q: %v", name, err)
	}
	return Ok(formatPackInstructions(content))
}

func (s *PackSkill) readSkillFile(name, filePath string) ToolResult {
	meta, ok := s.packs[name]
	if !ok {
		return Fail("skill %q not found", name)
	}
	content, err := s.content(meta)
	if err != nil {
		return Fail("failed to read file: %v", err)
	}
	if data, ok := content.Scripts[filePath]; ok {
		return Ok(data)
	}
	if data, ok := content.References[filePath]; ok {
		return Ok(data)
	}
	var available []string
	for f := range content.Scripts {
		available = append(available, f)
	}
	for f := range content.References {
		available = append(available, f)
	}
	sort.Strings(available)
	return Fail("file %q not found in skill %q. Available files: %s", filePath, name, strings.Join(available, ", "))
}

func (s *PackSkill) content(meta PackMetadata) (PackContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[meta.Name]; ok {
		return cached, nil
	}
	content, err := loadPackContent(meta)
	if err != nil {
		return PackContent{}, err
	}
	s.cache[meta.Name] = content
	return content, nil
}

func (s *PackSkill) packNames() []string {
	names := make([]string, 0, len(s.packs))
	for name := range s.packs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatPackInstructions(content PackContent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Skill: %s\n\n", content.Meta.Name)
	b.WriteString(content.Instructions)

	writeFileList := func(header string, files map[string]string) {
		if len(files) == 0 {
			return
		}
		names := make([]string, 0, len(files))
		for f := range files {
			names = append(names, f)
		}
		sort.Strings(names)
		b.WriteString("\n\n## " + header + "\n")
		for _, f := range names {
			b.WriteString("- " + f + "\n")
		}
	}
	writeFileList("Available References", content.References)
	writeFileList("Available Scripts", content.Scripts)
	if len(content.Scripts) > 0 || len(content.References) > 0 {
		b.WriteString("\nUse the read_skill_file tool to read any script or reference file.")
	}
	return b.String()
}
