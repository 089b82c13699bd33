package tools

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Snapshot is an immutable set of tools. Turns capture one at start and
// use it until they finish, so a reload never changes the tools a
// running turn sees.
type Snapshot struct {
	tools   map[string]Tool
	names   []string
	version uint64
}

// NewSnapshot builds a snapshot. When two tools share a name the later
// one wins.
func NewSnapshot(tools ...Tool) *Snapshot {
	s := &Snapshot{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			continue
		}
		s.tools[t.Spec().Name] = t
	}
	s.names = make([]string, 0, len(s.tools))
	for name := range s.tools {
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s
}

// Get returns the tool with the given name. Safe on a nil snapshot.
func (s *Snapshot) Get(name string) (Tool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.tools[name]
	return t, ok
}

// Len returns the number of tools.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

// Version is incremented by each Store publish.
func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

// Names returns tool names sorted.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.names...)
}

// List returns every tool spec sorted by name.
func (s *Snapshot) List() []Spec {
	if s == nil {
		return nil
	}
	specs := make([]Spec, 0, len(s.names))
	for _, name := range s.names {
		specs = append(specs, s.tools[name].Spec())
	}
	return specs
}

// Manifest returns the tool list in OpenAI function-calling format.
func (s *Snapshot) Manifest() []map[string]any {
	specs := s.List()
	out := make([]map[string]any, 0, len(specs))
	for _, spec := range specs {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        spec.Name,
				"description": spec.Description,
				"parameters":  spec.Parameters,
			},
		})
	}
	return out
}

// With returns a new snapshot holding s's tools plus the given ones.
func (s *Snapshot) With(tools ...Tool) *Snapshot {
	all := make([]Tool, 0, s.Len()+len(tools))
	if s != nil {
		for _, name := range s.names {
			all = append(all, s.tools[name])
		}
	}
	return NewSnapshot(append(all, tools...)...)
}

// WithoutPrefix returns a new snapshot without tools whose name starts
// with prefix.
func (s *Snapshot) WithoutPrefix(prefix string) *Snapshot {
	var kept []Tool
	if s != nil {
		for _, name := range s.names {
			if !strings.HasPrefix(name, prefix) {
				kept = append(kept, s.tools[name])
			}
		}
	}
	return NewSnapshot(kept...)
}

// Filter returns a snapshot restricted by include and exclude name
// lists. An empty include list keeps everything not excluded.
func (s *Snapshot) Filter(include, exclude []string) *Snapshot {
	inc := toSet(include)
	exc := toSet(exclude)
	var kept []Tool
	if s != nil {
		for _, name := range s.names {
			if len(inc) > 0 && !inc[name] {
				continue
			}
			if exc[name] {
				continue
			}
			kept = append(kept, s.tools[name])
		}
	}
	return NewSnapshot(kept...)
}

func toSet(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// Store publishes tool snapshots. Readers never block; writers are
// serialized so concurrent updates do not lose each other's changes.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewStore returns a store holding initial (or an empty snapshot).
func NewStore(initial *Snapshot) *Store {
	if initial == nil {
		initial = NewSnapshot()
	}
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Replace publishes snap as the current snapshot.
func (s *Store) Replace(snap *Snapshot) {
	s.Update(func(*Snapshot) *Snapshot { return snap })
}

// Update derives a new snapshot from the current one and publishes it.
func (s *Store) Update(fn func(cur *Snapshot) *Snapshot) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	next := fn(cur)
	if next == nil {
		next = NewSnapshot()
	}
	if next == cur {
		return cur
	}
	next.version = cur.Version() + 1
	s.current.Store(next)
	return next
}
