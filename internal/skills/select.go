package skills

import (
	"sort"

	"github.com/nugget/rotbot/internal/retrieval"
)

// Set is an immutable, ordered collection of skills with a search index
// over their descriptions.
type Set struct {
	skills []Skill
	index  *retrieval.Index
}

// NewSet indexes skills. Order is declaration order.
func NewSet(skills []Skill) *Set {
	docs := make([]retrieval.Doc, 0, len(skills))
	for _, s := range skills {
		if s.AlwaysLoad {
			continue
		}
		docs = append(docs, retrieval.Doc{ID: s.Name, Source: s.Name, Text: s.Name + " " + s.Description})
	}
	return &Set{skills: skills, index: retrieval.NewIndex(docs)}
}

// All returns the skills in declaration order.
func (s *Set) All() []Skill {
	if s == nil {
		return nil
	}
	return s.skills
}

// Get returns a skill by name.
func (s *Set) Get(name string) (Skill, bool) {
	for _, sk := range s.All() {
		if sk.Name == name {
			return sk, true
		}
	}
	return Skill{}, false
}

// Select chooses the active skills for a query: always-load skills
// first in declaration order, then on-demand skills whose descriptions
// match, best score first with ties in declaration order. The result is
// capped at maxActive; zero or less means no cap.
func (s *Set) Select(query string, maxActive int) []Skill {
	return Select(s.All(), s.index, query, maxActive)
}

// Select is the selection rule over an explicit skill list and
// searcher. Hits naming unknown or always-load skills are ignored.
func Select(all []Skill, searcher retrieval.Searcher, query string, maxActive int) []Skill {
	limit := func(n int) bool { return maxActive > 0 && n >= maxActive }

	var out []Skill
	onDemand := make(map[string]int)
	for i, sk := range all {
		if sk.AlwaysLoad {
			if limit(len(out)) {
				return out
			}
			out = append(out, sk)
			continue
		}
		onDemand[sk.Name] = i
	}
	if searcher == nil || query == "" || len(onDemand) == 0 {
		return out
	}

	type ranked struct {
		pos   int
		score float64
	}
	var matches []ranked
	seen := make(map[string]bool)
	for _, h := range searcher.Search(query, len(onDemand)) {
		i, ok := onDemand[h.ID]
		if !ok || seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		matches = append(matches, ranked{pos: i, score: h.Score})
	}
	sort.SliceStable(matches, func(a, b int) bool {
		if matches[a].score != matches[b].score {
			return matches[a].score > matches[b].score
		}
		return matches[a].pos < matches[b].pos
	})
	for _, m := range matches {
		if limit(len(out)) {
			break
		}
		out = append(out, all[m.pos])
	}
	return out
}
