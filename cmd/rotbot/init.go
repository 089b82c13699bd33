package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/rotbot/examples"
	defaultskills "github.com/nugget/rotbot/skills"
)

// runInit initializes a rotbot working directory with default files.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing rotbot workspace in %s\n", dir)

	for _, sub := range []string{"data", "skills", "knowledge"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config may hold API keys.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	soulPath := filepath.Join(dir, "soul.md")
	if err := writeIfMissing(soulPath, examples.SoulMD, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", soulPath)

	err := fs.WalkDir(defaultskills.FS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}
		content, err := defaultskills.FS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", path, err)
		}
		destPath := filepath.Join(dir, "skills", d.Name())
		if err := writeIfMissing(destPath, content, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(w, "  ✓ %s\n", destPath)
		return nil
	})
	if err != nil {
		return fmt.Errorf("install skills: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and soul.md to customize your installation.")
	fmt.Fprintln(w, "Skills in skills/ override the built-in ones with the same name.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
