package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func enabledShell(mutate func(*ShellConfig)) *Shell {
	cfg := DefaultShellConfig()
	cfg.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}
	return NewShell(cfg)
}

func TestShell_Run(t *testing.T) {
	tests := []struct {
		name       string
		command    string
		wantExit   int
		wantStdout string
		wantStderr string
	}{
		{"stdout", "echo hello", 0, "hello\n", ""},
		{"stderr", "echo oops >&2", 0, "", "oops\n"},
		{"non-zero exit", "echo partial; exit 42", 42, "partial\n", ""},
	}
	sh := enabledShell(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := sh.Run(context.Background(), tt.command, 0)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.ExitCode != tt.wantExit || res.Stdout != tt.wantStdout || res.Stderr != tt.wantStderr {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestShell_Disabled(t *testing.T) {
	_, err := NewShell(DefaultShellConfig()).Run(context.Background(), "echo hello", 0)
	if !errors.Is(err, ErrShellDisabled) {
		t.Fatalf("err = %v, want ErrShellDisabled", err)
	}
}

func TestShellPolicy_Check(t *testing.T) {
	tests := []struct {
		name    string
		policy  ShellPolicy
		command string
		pattern string
		blocked bool
	}{
		{"default deny", ShellPolicy{Denied: DefaultDenied}, "sudo rm -rf / --no-preserve-root", "rm -rf /", true},
		{"deny is case-insensitive", ShellPolicy{Denied: []string{"MKFS"}}, "mkfs.ext4 /dev/sdb", "MKFS", true},
		{"allow list hit", ShellPolicy{Allowed: []string{"ls", "df"}}, "  df -h", "", false},
		{"allow list miss", ShellPolicy{Allowed: []string{"ls"}}, "cat /etc/passwd", "", true},
		{"open policy", ShellPolicy{}, "uptime", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Check(tt.command)
			var perr *PolicyError
			if got := errors.As(err, &perr); got != tt.blocked {
				t.Fatalf("blocked = %v, want %v (err %v)", got, tt.blocked, err)
			}
			if tt.blocked && perr.Pattern != tt.pattern {
				t.Errorf("pattern = %q, want %q", perr.Pattern, tt.pattern)
			}
		})
	}
}

func TestShell_Timeout(t *testing.T) {
	sh := enabledShell(func(c *ShellConfig) { c.Timeout = 100 * time.Millisecond })
	res, err := sh.Run(context.Background(), "sleep 10", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Errorf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Format(), "timed out") {
		t.Errorf("format = %q", res.Format())
	}
}

func TestShell_OutputCapped(t *testing.T) {
	sh := enabledShell(func(c *ShellConfig) { c.MaxOutput = 100 })
	res, err := sh.Run(context.Background(), "head -c 5000 /dev/zero | tr '\\0' 'y'", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Stdout) != 100 || res.Dropped != 4900 {
		t.Errorf("kept %d bytes, dropped %d", len(res.Stdout), res.Dropped)
	}
	if !strings.Contains(res.Format(), "[4900 bytes of output truncated]") {
		t.Errorf("format = %q", res.Format())
	}
}

func TestCappedBuffer_SplitRune(t *testing.T) {
	c := &cappedBuffer{limit: 5}
	c.Write([]byte("abcdé!")) // é is two bytes and straddles the limit
	if got := c.String(); got != "abcd" {
		t.Errorf("String() = %q, want %q", got, "abcd")
	}
	if c.dropped != 2 {
		t.Errorf("dropped = %d, want 2", c.dropped)
	}
}

func TestShell_Tool(t *testing.T) {
	tool := enabledShell(nil).Tool()

	if tool.Spec().Name != "shell_exec" {
		t.Fatalf("Name = %q", tool.Spec().Name)
	}
	if tool.Spec().Timeout <= maxShellTimeout {
		t.Errorf("tool timeout %s should exceed command cap", tool.Spec().Timeout)
	}
	if err := tool.Validate(map[string]any{}); err == nil {
		t.Error("Validate should require command")
	}

	out, err := tool.Invoke(context.Background(), map[string]any{"command": "echo hi; exit 3"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if want := "exit code: 3\nstdout:\nhi\n"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}
