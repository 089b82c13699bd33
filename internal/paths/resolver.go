// Package paths maps named roots such as "knowledge:" to directories,
// so tools can address configured locations without absolute paths.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resolver maps prefixes to root directories. A nil *Resolver has no
// roots and leaves every path unchanged.
type Resolver struct {
	roots  map[string]string // "knowledge:" -> "/abs/knowledge"
	sorted []string          // longest prefix first
}

// New builds a Resolver from name -> directory. Names are given
// without the trailing colon. Entries with an empty directory are
// skipped, and New returns nil when nothing is left.
func New(roots map[string]string) *Resolver {
	m := make(map[string]string, len(roots))
	sorted := make([]string, 0, len(roots))
	for name, dir := range roots {
		if name == "" || dir == "" {
			continue
		}
		key := strings.TrimSuffix(name, ":") + ":"
		dir = ExpandHome(dir)
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		m[key] = filepath.Clean(dir)
		sorted = append(sorted, key)
	}
	if len(m) == 0 {
		return nil
	}
	// "kbase:" must win over "kb:".
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})
	return &Resolver{roots: m, sorted: sorted}
}

// Resolve expands a prefixed path. It returns the absolute path, the
// root it lives under and true; or the input unchanged and false when
// no prefix matches. A path that climbs out of its root is an error.
func (r *Resolver) Resolve(path string) (resolved, root string, ok bool, err error) {
	if r == nil {
		return path, "", false, nil
	}
	for _, prefix := range r.sorted {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		root = r.roots[prefix]
		rel := strings.TrimPrefix(path, prefix)
		if rel == "" {
			return root, root, true, nil
		}
		if filepath.IsAbs(rel) {
			return "", "", true, fmt.Errorf("path after %s must be relative: %s", prefix, path)
		}
		resolved = filepath.Join(root, rel)
		if !Within(root, resolved) {
			return "", "", true, fmt.Errorf("path escapes %s: %s", prefix, path)
		}
		return resolved, root, true, nil
	}
	return path, "", false, nil
}

// Prefixes returns the root names, sorted, without colons.
func (r *Resolver) Prefixes() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.roots))
	for prefix := range r.roots {
		names = append(names, strings.TrimSuffix(prefix, ":"))
	}
	sort.Strings(names)
	return names
}

// Within reports whether path is root or lies beneath it. Both should
// be clean absolute paths.
func Within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
