package issue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/bitk/bitk/internal/issue/models"
)

// SlashCommand is one engine or workspace command available to prompts.
type SlashCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// commandFrontmatter is the YAML header of a workspace command file.
type commandFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// discoverWorkspaceCommands reads the frontmatter of .claude/commands/*.md
// files under the working directory. Files without frontmatter fall back to
// their base name.
func discoverWorkspaceCommands(workingDir string) []SlashCommand {
	if workingDir == "" {
		return nil
	}
	pattern := filepath.Join(workingDir, ".claude", "commands", "*.md")
	paths, err := filepath.Glob(pattern)
	if err != nil || len(paths) == 0 {
		return nil
	}

	var cmds []SlashCommand
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		fm := parseFrontmatter(string(raw))
		name := fm.Name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), ".md")
		}
		cmds = append(cmds, SlashCommand{Name: "/" + strings.TrimPrefix(name, "/"), Description: fm.Description})
	}
	return cmds
}

// parseFrontmatter extracts the YAML block between the leading "---" fences.
func parseFrontmatter(content string) commandFrontmatter {
	var fm commandFrontmatter
	trimmed := strings.TrimLeft(content, "\uFEFF\n\r ")
	if !strings.HasPrefix(trimmed, "---") {
		return fm
	}
	rest := trimmed[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm
	}
	_ = yaml.Unmarshal([]byte(rest[:end]), &fm)
	return fm
}

// storeSlashCommands merges engine-announced commands with the workspace's
// command files and persists the union under the engine:slashCommands
// setting. Best effort; failures only log.
func (s *Service) storeSlashCommands(ctx context.Context, workingDir string, learned []string) {
	seen := make(map[string]SlashCommand)
	for _, cmd := range discoverWorkspaceCommands(workingDir) {
		seen[cmd.Name] = cmd
	}
	for _, name := range learned {
		name = "/" + strings.TrimPrefix(strings.TrimSpace(name), "/")
		if name == "/" {
			continue
		}
		if _, ok := seen[name]; !ok {
			seen[name] = SlashCommand{Name: name}
		}
	}
	if len(seen) == 0 {
		return
	}

	merged := make([]SlashCommand, 0, len(seen))
	for _, cmd := range seen {
		merged = append(merged, cmd)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })

	raw, err := json.Marshal(merged)
	if err != nil {
		return
	}
	if err := s.repo.SetSetting(ctx, models.SettingEngineSlashCommands, string(raw)); err != nil {
		s.log.Warn("Failed to store slash commands", zap.Error(err))
	}
}
