// Package skills loads the skill library and selects the skills a task
// needs. Every skill is a directory holding a SKILL.md whose YAML front
// matter declares the selection rules (keywords, resource types, source
// types, file types) and the runtime needs (binary dependencies,
// companion skills, environment declarations). The markdown body is the
// documentation injected into the prompt when the skill is selected.
package skills

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"donna/internal/taskerr"
)

// Env declaration sources. The prompt assembler resolves config keys
// from configuration, resource keys from the user's resource paths, and
// file keys from template files inside the skill directory.
const (
	EnvFromConfig   = "config"
	EnvFromResource = "resource"
	EnvFromFile     = "file"
)

// EnvDecl names one environment variable a skill wants the child
// process to receive, and where its value comes from.
type EnvDecl struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
	Key    string `yaml:"key"`
}

// Manifest is the front-matter schema of a SKILL.md file.
type Manifest struct {
	Name            string    `yaml:"name"`
	Description     string    `yaml:"description"`
	Keywords        []string  `yaml:"keywords"`
	ResourceTypes   []string  `yaml:"resource_types"`
	SourceTypes     []string  `yaml:"source_types"`
	FileTypes       []string  `yaml:"file_types"`
	AlwaysInclude   bool      `yaml:"always_include"`
	AdminOnly       bool      `yaml:"admin_only"`
	Dependencies    []string  `yaml:"dependencies"`
	CompanionSkills []string  `yaml:"companion_skills"`
	Env             []EnvDecl `yaml:"env"`
}

// Skill is one loaded skill: its manifest, its documentation body, and
// where it came from.
type Skill struct {
	Manifest

	Title      string
	Body       string
	Dir        string
	SourcePath string
	// RawMeta is the verbatim front-matter text, kept for fingerprinting.
	RawMeta string
}

// Library is a loaded collection of skills.
type Library struct {
	skills []Skill
	byName map[string]Skill
	root   string
}

// Root returns the directory the library was loaded from (empty for none).
func (l Library) Root() string { return l.root }

// Len returns the number of loaded skills.
func (l Library) Len() int { return len(l.skills) }

// List returns all skills sorted by name.
func (l Library) List() []Skill {
	out := append([]Skill(nil), l.skills...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a skill by name.
func (l Library) Get(name string) (Skill, bool) {
	if l.byName == nil {
		return Skill{}, false
	}
	skill, ok := l.byName[NormalizeName(name)]
	return skill, ok
}

// Load loads every skill directory under dir. A missing or empty dir
// yields an empty library; a malformed skill fails the whole load so
// bad manifests surface at startup rather than mid-task.
func Load(dir string) (Library, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return Library{}, nil
	}

	info, err := os.Stat(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Library{}, nil
		}
		return Library{}, taskerr.Config(err, "stat skills dir")
	}
	if !info.IsDir() {
		return Library{}, taskerr.Configf("skills dir %s is not a directory", trimmed)
	}

	paths, err := discoverSkillFiles(trimmed)
	if err != nil {
		return Library{}, taskerr.Config(err, "discover skills")
	}

	skills := make([]Skill, 0, len(paths))
	byName := make(map[string]Skill, len(paths))
	for _, path := range paths {
		skill, err := parseSkillFile(path)
		if err != nil {
			return Library{}, err
		}
		key := NormalizeName(skill.Name)
		if _, exists := byName[key]; exists {
			return Library{}, taskerr.Configf("duplicate skill name %q in %s", key, path)
		}
		byName[key] = skill
		skills = append(skills, skill)
	}

	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })

	return Library{skills: skills, byName: byName, root: trimmed}, nil
}

func discoverSkillFiles(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		for _, candidate := range []string{"SKILL.md", "SKILL.mdx"} {
			path := filepath.Join(root, entry.Name(), candidate)
			info, err := os.Stat(path)
			if err == nil && !info.IsDir() {
				paths = append(paths, path)
				break
			}
		}
	}

	sort.Strings(paths)
	return paths, nil
}

func parseSkillFile(path string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, taskerr.Config(err, "read skill "+path)
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")

	metaText, bodyText, hasFrontMatter := splitFrontMatter(content)
	if !hasFrontMatter {
		return Skill{}, taskerr.Configf("skill %s missing front matter", path)
	}
	var meta Manifest
	if err := yaml.Unmarshal([]byte(metaText), &meta); err != nil {
		return Skill{}, taskerr.Config(err, "parse skill front matter "+path)
	}
	meta.Name = strings.TrimSpace(meta.Name)
	meta.Description = strings.TrimSpace(meta.Description)
	if meta.Name == "" {
		return Skill{}, taskerr.Configf("skill %s missing name front matter", path)
	}
	if meta.Description == "" {
		return Skill{}, taskerr.Configf("skill %s missing description front matter", path)
	}
	normalizeLists(&meta)
	for i := range meta.Env {
		decl := &meta.Env[i]
		decl.Name = strings.TrimSpace(decl.Name)
		if decl.Name == "" {
			return Skill{}, taskerr.Configf("skill %s declares env entry without name", path)
		}
		switch strings.TrimSpace(decl.Source) {
		case "":
			decl.Source = EnvFromConfig
		case EnvFromConfig, EnvFromResource, EnvFromFile:
			decl.Source = strings.TrimSpace(decl.Source)
		default:
			return Skill{}, taskerr.Configf("skill %s env %s has unknown source %q", path, decl.Name, decl.Source)
		}
		decl.Key = strings.TrimSpace(decl.Key)
		if decl.Key == "" {
			decl.Key = decl.Name
		}
	}

	body := strings.TrimSpace(bodyText)
	title := extractMarkdownTitle(body)
	if title == "" {
		title = meta.Name
	}

	return Skill{
		Manifest:   meta,
		Title:      title,
		Body:       body,
		Dir:        filepath.Dir(path),
		SourcePath: path,
		RawMeta:    metaText,
	}, nil
}

// normalizeLists lowercases the matching fields so selection is
// case-insensitive, and gives file types their leading dot.
func normalizeLists(meta *Manifest) {
	meta.Keywords = lowerAll(meta.Keywords)
	meta.ResourceTypes = lowerAll(meta.ResourceTypes)
	meta.SourceTypes = lowerAll(meta.SourceTypes)
	fileTypes := make([]string, 0, len(meta.FileTypes))
	for _, ft := range meta.FileTypes {
		ft = strings.ToLower(strings.TrimSpace(ft))
		if ft == "" {
			continue
		}
		if !strings.HasPrefix(ft, ".") {
			ft = "." + ft
		}
		fileTypes = append(fileTypes, ft)
	}
	meta.FileTypes = fileTypes
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func splitFrontMatter(content string) (string, string, bool) {
	lines := strings.Split(content, "\n")
	if len(lines) < 3 || strings.TrimSpace(lines[0]) != "---" {
		return "", content, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			meta := strings.Join(lines[1:i], "\n")
			body := strings.Join(lines[i+1:], "\n")
			return meta, body, true
		}
	}
	return "", content, false
}

func extractMarkdownTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "<!--") {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
		break
	}
	return ""
}

// NormalizeName normalizes a skill name for lookups.
func NormalizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
