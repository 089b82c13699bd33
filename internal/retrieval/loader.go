package retrieval

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Chunking defaults, in words.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// DefaultExtensions are the file types LoadDir reads.
var DefaultExtensions = []string{".txt", ".md", ".py", ".js", ".ts", ".go", ".json", ".yaml", ".yml"}

// Chunk splits text into windows of size words, each overlapping the
// previous by overlap words.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	words := strings.Fields(text)
	var chunks []string
	for start := 0; start < len(words); start += size - overlap {
		end := min(start+size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}

// LoadDir walks dir and chunks every file with a matching extension.
// Files are visited in lexical order so the resulting index is stable.
// A missing directory yields no documents.
func LoadDir(dir string, exts []string, logger *slog.Logger) ([]Doc, error) {
	if dir == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		allowed[strings.ToLower(e)] = true
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if allowed[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("walk knowledge dir: %w", err)
	}
	sort.Strings(paths)

	var docs []Doc
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			logger.Warn("skipping unreadable knowledge file", "path", p, "error", err)
			continue
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			rel = p
		}
		for i, c := range Chunk(string(data), DefaultChunkSize, DefaultChunkOverlap) {
			docs = append(docs, Doc{
				ID:     fmt.Sprintf("%s#%d", rel, i),
				Source: rel,
				Text:   c,
			})
		}
	}
	logger.Info("knowledge loaded", "dir", dir, "files", len(paths), "chunks", len(docs))
	return docs, nil
}
