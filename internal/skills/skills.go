// Package skills loads skill documents: markdown files whose YAML
// frontmatter names the skill, describes when it applies, and says
// whether it is always part of the system prompt.
//
//	---
//	name: git
//	description: Work with git repositories
//	alwaysLoad: false
//	---
//	# Git
//	Instructions...
package skills

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Skill is one parsed skill file.
type Skill struct {
	Name        string
	Description string
	Content     string // markdown body, frontmatter stripped
	AlwaysLoad  bool
	Source      string // file the skill came from
}

// Prompt renders the skill for inclusion in the system prompt.
func (s Skill) Prompt() string {
	return fmt.Sprintf("\n## Skill: %s\n%s", s.Name, s.Content)
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	AlwaysLoad  bool   `yaml:"alwaysLoad"`
}

// Parse reads one skill document. fallbackName is used when the
// frontmatter has no name.
func Parse(raw, fallbackName string) (Skill, error) {
	meta, body, err := splitFrontmatter(raw)
	if err != nil {
		return Skill{}, err
	}
	s := Skill{
		Name:        meta.Name,
		Description: strings.TrimSpace(meta.Description),
		Content:     strings.TrimSpace(body),
		AlwaysLoad:  meta.AlwaysLoad,
	}
	if s.Name == "" {
		s.Name = fallbackName
	}
	return s, nil
}

// splitFrontmatter separates YAML frontmatter delimited by "---" lines
// from the body. A document without frontmatter is all body.
func splitFrontmatter(raw string) (frontmatter, string, error) {
	var meta frontmatter
	raw = strings.TrimPrefix(raw, "\ufeff")
	if !strings.HasPrefix(raw, "---") {
		return meta, raw, nil
	}

	rest := strings.TrimLeft(raw[3:], " \t")
	switch {
	case strings.HasPrefix(rest, "\n"):
		rest = rest[1:]
	case strings.HasPrefix(rest, "\r\n"):
		rest = rest[2:]
	default:
		return meta, raw, nil
	}

	closeIdx := strings.Index(rest, "\n---")
	if closeIdx < 0 {
		return meta, raw, nil
	}
	head := rest[:closeIdx]
	body := strings.TrimLeft(rest[closeIdx+4:], "\r\n")

	if err := yaml.Unmarshal([]byte(head), &meta); err != nil {
		return meta, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return meta, body, nil
}

// LoadFS reads every *.md file in the root of fsys, sorted by filename.
func LoadFS(fsys fs.FS, logger *slog.Logger) ([]Skill, error) {
	if fsys == nil {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var out []Skill
	for _, f := range files {
		data, err := fs.ReadFile(fsys, f)
		if err != nil {
			return nil, fmt.Errorf("read skill %s: %w", f, err)
		}
		s, err := Parse(string(data), strings.TrimSuffix(f, ".md"))
		if err != nil {
			logger.Warn("skipping malformed skill", "file", f, "error", err)
			continue
		}
		s.Source = f
		out = append(out, s)
	}
	return out, nil
}

// LoadDir reads skills from a directory on disk. A missing directory
// yields no skills.
func LoadDir(dir string, logger *slog.Logger) ([]Skill, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	skills, err := LoadFS(os.DirFS(dir), logger)
	for i := range skills {
		skills[i].Source = path.Join(dir, skills[i].Source)
	}
	return skills, err
}

// Merge combines skill lists in precedence order. A later skill with
// the same name replaces an earlier one in place, so declaration order
// is that of first appearance.
func Merge(lists ...[]Skill) []Skill {
	var out []Skill
	pos := make(map[string]int)
	for _, l := range lists {
		for _, s := range l {
			if i, ok := pos[s.Name]; ok {
				out[i] = s
				continue
			}
			pos[s.Name] = len(out)
			out = append(out, s)
		}
	}
	return out
}

// Store holds the current skill Set. Turns read the set once at start
// and keep it; Replace never disturbs a set already handed out.
type Store struct {
	cur atomic.Pointer[Set]
}

// NewStore returns a store holding set.
func NewStore(set *Set) *Store {
	s := &Store{}
	if set == nil {
		set = NewSet(nil)
	}
	s.cur.Store(set)
	return s
}

// Set returns the current skill set.
func (s *Store) Set() *Set { return s.cur.Load() }

// Replace publishes a new set.
func (s *Store) Replace(set *Set) { s.cur.Store(set) }
