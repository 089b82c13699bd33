// Package retrieval provides keyword search over small in-memory
// corpora: skill descriptions and the knowledge directory. Scoring is
// Okapi BM25.
package retrieval

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// BM25 parameters.
const (
	K1 = 1.5
	B  = 0.75
)

// Doc is one searchable unit.
type Doc struct {
	ID     string
	Source string // file path or skill name
	Text   string
}

// Hit is a scored search result.
type Hit struct {
	Doc
	Score float64
}

// Searcher is the retrieval collaborator used by skill selection and the
// knowledge_search tool.
type Searcher interface {
	Search(query string, k int) []Hit
}

type indexed struct {
	doc    Doc
	length int
	tf     map[string]int
}

// Index is an immutable BM25 index. It is safe for concurrent use.
type Index struct {
	docs  []indexed
	idf   map[string]float64
	avgDL float64
}

var wordRe = regexp.MustCompile(`[\pL\pN_]+`)

// Tokenize lowercases text and splits it into words of two or more
// characters.
func Tokenize(text string) []string {
	words := wordRe.FindAllString(strings.ToLower(text), -1)
	out := words[:0]
	for _, w := range words {
		if len([]rune(w)) > 1 {
			out = append(out, w)
		}
	}
	return out
}

// NewIndex builds an index over docs. Document order is kept and breaks
// score ties.
func NewIndex(docs []Doc) *Index {
	idx := &Index{
		docs: make([]indexed, 0, len(docs)),
		idf:  make(map[string]float64),
	}
	df := make(map[string]int)
	total := 0
	for _, d := range docs {
		terms := Tokenize(d.Text)
		tf := make(map[string]int, len(terms))
		for _, t := range terms {
			tf[t]++
		}
		for t := range tf {
			df[t]++
		}
		total += len(terms)
		idx.docs = append(idx.docs, indexed{doc: d, length: len(terms), tf: tf})
	}
	n := float64(len(docs))
	if n == 0 {
		return idx
	}
	idx.avgDL = float64(total) / n
	for t, f := range df {
		idx.idf[t] = math.Log((n-float64(f)+0.5)/(float64(f)+0.5) + 1)
	}
	return idx
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.docs)
}

// Search returns up to k documents with a positive score, best first.
// Equal scores keep index order.
func (idx *Index) Search(query string, k int) []Hit {
	if idx == nil || len(idx.docs) == 0 || k <= 0 {
		return nil
	}
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	var hits []Hit
	for _, d := range idx.docs {
		var score float64
		for _, t := range terms {
			tf := float64(d.tf[t])
			if tf == 0 {
				continue
			}
			norm := 1 - B
			if idx.avgDL > 0 {
				norm += B * float64(d.length) / idx.avgDL
			}
			score += idx.idf[t] * (tf * (K1 + 1)) / (tf + K1*norm)
		}
		if score > 0 {
			hits = append(hits, Hit{Doc: d.doc, Score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
