package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/nugget/rotbot/internal/config"
	"github.com/nugget/rotbot/internal/llm"
	"github.com/nugget/rotbot/internal/memory"
	"github.com/nugget/rotbot/internal/tools"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestShellConfig(t *testing.T) {
	base := tools.DefaultShellConfig()
	sc := shellConfig(config.ShellExecConfig{
		Enabled:           true,
		WorkingDir:        "/srv",
		DeniedPatterns:    []string{"curl"},
		AllowedPrefixes:   []string{"ls", "df"},
		DefaultTimeoutSec: 5,
		MaxOutputBytes:    512,
	})
	if !sc.Enabled || sc.Dir != "/srv" {
		t.Errorf("enabled/dir = %v/%q", sc.Enabled, sc.Dir)
	}
	if !reflect.DeepEqual(sc.Policy.Allowed, []string{"ls", "df"}) {
		t.Errorf("Allowed = %v", sc.Policy.Allowed)
	}
	if len(sc.Policy.Denied) != len(base.Policy.Denied)+1 || !slices.Contains(sc.Policy.Denied, "curl") {
		t.Errorf("Denied = %v, want defaults plus curl", sc.Policy.Denied)
	}
	if sc.Timeout != 5*time.Second || sc.MaxOutput != 512 {
		t.Errorf("timeout/max output = %v/%d", sc.Timeout, sc.MaxOutput)
	}

	got := shellConfig(config.ShellExecConfig{})
	if got.Timeout != base.Timeout || got.MaxOutput != tools.DefaultShellOutput {
		t.Errorf("zero values should keep the defaults, got %v/%d", got.Timeout, got.MaxOutput)
	}
	if err := got.Policy.Check("curl example.com"); err != nil {
		t.Errorf("curl refused without configuration: %v", err)
	}
	if err := sc.Policy.Check("curl example.com"); err == nil {
		t.Error("configured denied pattern not applied")
	}
}

func toolNames(ts []tools.Tool) []string {
	var names []string
	for _, tl := range ts {
		names = append(names, tl.Spec().Name)
	}
	return names
}

func TestBuildTools(t *testing.T) {
	mem, err := memory.NewStore(filepath.Join(t.TempDir(), "memory.db"), discard())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer mem.Close()

	t.Run("minimal", func(t *testing.T) {
		cfg := config.Default()
		cfg.Tools.WebFetch.Enabled = false
		cfg.Knowledge.Dir = ""
		got, err := buildTools(cfg, mem, discard())
		if err != nil {
			t.Fatalf("buildTools: %v", err)
		}
		if want := []string{"remember_fact", "math_solver"}; !reflect.DeepEqual(toolNames(got), want) {
			t.Errorf("tools = %v, want %v", toolNames(got), want)
		}
	})

	t.Run("everything", func(t *testing.T) {
		kdir := t.TempDir()
		if err := os.WriteFile(filepath.Join(kdir, "notes.md"), []byte("# Boiler\n\nThe boiler is serviced every October."), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg := config.Default()
		cfg.Tools.Shell.Enabled = true
		cfg.Tools.Files.Path = t.TempDir()
		cfg.Tools.WebSearch.SearXNGURL = "http://searx.local"
		cfg.Tools.WebFetch.Enabled = true
		cfg.Knowledge.Dir = kdir

		got, err := buildTools(cfg, mem, discard())
		if err != nil {
			t.Fatalf("buildTools: %v", err)
		}
		names := toolNames(got)
		for _, want := range []string{"remember_fact", "math_solver", "shell_exec", "file_read", "web_search", "web_fetch", "knowledge_search"} {
			if !slices.Contains(names, want) {
				t.Errorf("tools %v missing %s", names, want)
			}
		}
	})

	t.Run("missing knowledge dir", func(t *testing.T) {
		cfg := config.Default()
		cfg.Knowledge.Dir = filepath.Join(t.TempDir(), "nope")
		got, err := buildTools(cfg, mem, discard())
		if err != nil {
			t.Fatalf("buildTools: %v", err)
		}
		if slices.Contains(toolNames(got), "knowledge_search") {
			t.Error("knowledge_search registered without documents")
		}
	})
}

func TestLoadSoul(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "soul.md")
	if err := os.WriteFile(path, []byte("You are calm."), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"empty path", "", ""},
		{"missing file", filepath.Join(dir, "absent.md"), ""},
		{"present", path, "You are calm."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadSoul(tt.path)
			if err != nil {
				t.Fatalf("loadSoul: %v", err)
			}
			if got != tt.want {
				t.Errorf("loadSoul = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadSkills(t *testing.T) {
	userDir := t.TempDir()
	override := "---\nname: conversation\ndescription: Terse replies\nalwaysLoad: true\n---\nAnswer in one sentence.\n"
	if err := os.WriteFile(filepath.Join(userDir, "conversation.md"), []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Skills.Dir = userDir
	set, err := loadSkills(cfg, discard())
	if err != nil {
		t.Fatalf("loadSkills: %v", err)
	}
	conv, ok := set.Get("conversation")
	if !ok {
		t.Fatal("conversation skill missing")
	}
	if conv.Description != "Terse replies" {
		t.Errorf("user skill did not replace built-in: %+v", conv)
	}
	if _, ok := set.Get("web-research"); !ok {
		t.Error("built-in web-research skill missing")
	}

	cfg.Skills.DisableBuiltin = true
	set, err = loadSkills(cfg, discard())
	if err != nil {
		t.Fatalf("loadSkills: %v", err)
	}
	if n := len(set.All()); n != 1 {
		t.Errorf("skills with built-ins disabled = %d, want 1", n)
	}
}

func TestCreateLLMClient(t *testing.T) {
	cfg := config.Default()
	cfg.Models.OpenAI.APIKey = "sk-test"
	cfg.Models.Anthropic.APIKey = "sk-ant-test"
	cfg.Models.Available = []config.ModelConfig{{Name: "claude-sonnet-4-5", Provider: "anthropic"}}

	multi := createLLMClient(cfg, discard(), llm.NewOllamaClient("http://localhost:11434", discard()))
	if got, want := multi.Providers(), []string{"anthropic", "ollama", "openai"}; !reflect.DeepEqual(got, want) {
		t.Errorf("providers = %v, want %v", got, want)
	}

	bare := createLLMClient(config.Default(), discard(), llm.NewOllamaClient("http://localhost:11434", discard()))
	if got := bare.Providers(); !reflect.DeepEqual(got, []string{"ollama"}) {
		t.Errorf("providers = %v, want [ollama]", got)
	}
}
