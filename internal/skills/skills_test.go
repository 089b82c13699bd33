package skills

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"testing/fstest"

	"github.com/nugget/rotbot/internal/retrieval"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		want       Skill
		wantErr    bool
	}{
		{
			name: "no frontmatter",
			raw:  "# Hello\n\nSome content.",
			want: Skill{Name: "fallback", Content: "# Hello\n\nSome content."},
		},
		{
			name: "full frontmatter",
			raw:  "---\nname: git\ndescription: Work with git repositories\nalwaysLoad: true\n---\n# Git\nUse git.",
			want: Skill{Name: "git", Description: "Work with git repositories", AlwaysLoad: true, Content: "# Git\nUse git."},
		},
		{
			name: "name falls back to filename",
			raw:  "---\ndescription: Weather lookups\n---\nBody.",
			want: Skill{Name: "fallback", Description: "Weather lookups", Content: "Body."},
		},
		{
			name: "no closing delimiter",
			raw:  "---\nname: x\nBody without close.",
			want: Skill{Name: "fallback", Content: "---\nname: x\nBody without close."},
		},
		{
			name:    "invalid yaml",
			raw:     "---\nname: [unterminated\n---\nBody.",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw, "fallback")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSkill_Prompt(t *testing.T) {
	s := Skill{Name: "git", Content: "Use git."}
	if got := s.Prompt(); got != "\n## Skill: git\nUse git." {
		t.Errorf("Prompt = %q", got)
	}
}

func TestLoadFS_SortedAndSkipsMalformed(t *testing.T) {
	fsys := fstest.MapFS{
		"b.md":      {Data: []byte("---\nname: beta\n---\nB")},
		"a.md":      {Data: []byte("A only")},
		"bad.md":    {Data: []byte("---\nname: [\n---\nX")},
		"notes.txt": {Data: []byte("ignored")},
	}
	got, err := LoadFS(fsys, nil)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, s := range got {
		names = append(names, s.Name)
	}
	if !reflect.DeepEqual(names, []string{"a", "beta"}) {
		t.Errorf("names = %v", names)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "deploy.md"), []byte("---\ndescription: Ship releases\n---\nSteps."), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadDir(dir, nil)
	if err != nil || len(got) != 1 || got[0].Name != "deploy" {
		t.Fatalf("LoadDir = %+v, %v", got, err)
	}
	if got[0].Source != filepath.Join(dir, "deploy.md") {
		t.Errorf("Source = %q", got[0].Source)
	}

	none, err := LoadDir(filepath.Join(dir, "missing"), nil)
	if err != nil || none != nil {
		t.Errorf("missing dir = %v, %v", none, err)
	}
}

func TestMerge_LaterWinsInPlace(t *testing.T) {
	builtin := []Skill{{Name: "a", Content: "builtin a"}, {Name: "b"}}
	user := []Skill{{Name: "c"}, {Name: "a", Content: "user a"}}
	got := Merge(builtin, user)
	if len(got) != 3 || got[0].Name != "a" || got[0].Content != "user a" || got[2].Name != "c" {
		t.Errorf("Merge = %+v", got)
	}
}

func names(skills []Skill) []string {
	var out []string
	for _, s := range skills {
		out = append(out, s.Name)
	}
	return out
}

func TestSelect(t *testing.T) {
	all := []Skill{
		{Name: "persona", AlwaysLoad: true},
		{Name: "git", Description: "Work with git repositories and commits"},
		{Name: "weather", Description: "Weather forecasts"},
		{Name: "safety", AlwaysLoad: true},
		{Name: "github", Description: "Review pull requests on github repositories"},
	}
	set := NewSet(all)

	tests := []struct {
		name      string
		query     string
		maxActive int
		want      []string
	}{
		{"always first then ranked", "show my git repositories", 0, []string{"persona", "safety", "git", "github"}},
		{"capped", "show my git repositories", 3, []string{"persona", "safety", "git"}},
		{"cap below always-load", "git", 1, []string{"persona"}},
		{"no match", "hello there", 0, []string{"persona", "safety"}},
		{"empty query", "", 0, []string{"persona", "safety"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := names(set.Select(tt.query, tt.maxActive)); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Select = %v, want %v", got, tt.want)
			}
		})
	}
}

type fixedSearcher []retrieval.Hit

func (f fixedSearcher) Search(string, int) []retrieval.Hit { return f }

func TestSelect_TiesByDeclarationOrder(t *testing.T) {
	all := []Skill{{Name: "one"}, {Name: "two"}, {Name: "three"}}
	// Searcher returns equal scores out of declaration order, plus an
	// unknown name that must be ignored.
	hits := fixedSearcher{
		{Doc: retrieval.Doc{ID: "three"}, Score: 1},
		{Doc: retrieval.Doc{ID: "ghost"}, Score: 5},
		{Doc: retrieval.Doc{ID: "one"}, Score: 1},
		{Doc: retrieval.Doc{ID: "two"}, Score: 2},
	}
	got := names(Select(all, hits, "q", 0))
	if !reflect.DeepEqual(got, []string{"two", "one", "three"}) {
		t.Errorf("Select = %v", got)
	}
}

func TestStore_ReplaceKeepsHeldSet(t *testing.T) {
	store := NewStore(NewSet([]Skill{{Name: "a"}}))
	held := store.Set()
	store.Replace(NewSet([]Skill{{Name: "b"}, {Name: "c"}}))
	if len(held.All()) != 1 || len(store.Set().All()) != 2 {
		t.Errorf("held = %v current = %v", names(held.All()), names(store.Set().All()))
	}
	if _, ok := store.Set().Get("c"); !ok {
		t.Error("Get(c) missing")
	}
	if NewStore(nil).Set() == nil {
		t.Error("nil initial set should become empty set")
	}
}
