package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

// Shell limits.
const (
	// maxShellTimeout caps any single command.
	maxShellTimeout     = 5 * time.Minute
	defaultShellTimeout = 30 * time.Second
	// DefaultShellOutput is the per-stream capture limit in bytes. Both
	// streams together stay well under the per-result context share.
	DefaultShellOutput = 3000
)

// ErrShellDisabled is returned by Run when the shell tool is off.
var ErrShellDisabled = errors.New("shell execution is disabled")

// ShellPolicy decides which commands may run. Denied patterns match
// anywhere in the command, case-insensitively. A non-empty Allowed list
// additionally requires the command to start with one of its prefixes.
type ShellPolicy struct {
	Denied  []string
	Allowed []string
}

// DefaultDenied lists patterns refused regardless of configuration.
var DefaultDenied = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	"chmod -R 777 /",
	":(){ :|:& };:",
}

// Check returns a PolicyError when command may not run.
func (p ShellPolicy) Check(command string) error {
	lower := strings.ToLower(command)
	for _, pat := range p.Denied {
		if strings.Contains(lower, strings.ToLower(pat)) {
			return &PolicyError{Command: command, Pattern: pat}
		}
	}
	if len(p.Allowed) == 0 {
		return nil
	}
	trimmed := strings.TrimSpace(command)
	for _, prefix := range p.Allowed {
		if strings.HasPrefix(trimmed, prefix) {
			return nil
		}
	}
	return &PolicyError{Command: command}
}

// PolicyError reports a command refused by the shell policy. Pattern is
// empty when the command missed the allow list.
type PolicyError struct {
	Command string
	Pattern string
}

func (e *PolicyError) Error() string {
	if e.Pattern != "" {
		return fmt.Sprintf("command blocked: matches denied pattern %q", e.Pattern)
	}
	return "command blocked: not in the allowed prefixes"
}

// ShellConfig configures the shell_exec tool.
type ShellConfig struct {
	Enabled bool
	Dir     string
	Policy  ShellPolicy
	Timeout time.Duration
	// MaxOutput bounds each captured stream in bytes.
	MaxOutput int
}

// DefaultShellConfig returns a disabled shell with the built-in deny list.
func DefaultShellConfig() ShellConfig {
	return ShellConfig{
		Policy:    ShellPolicy{Denied: append([]string(nil), DefaultDenied...)},
		Timeout:   defaultShellTimeout,
		MaxOutput: DefaultShellOutput,
	}
}

// Shell runs commands with sh -c under a policy.
type Shell struct {
	cfg ShellConfig
}

// NewShell fills zero limits from DefaultShellConfig.
func NewShell(cfg ShellConfig) *Shell {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultShellTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultShellOutput
	}
	return &Shell{cfg: cfg}
}

// Enabled reports whether the shell tool should be offered.
func (s *Shell) Enabled() bool { return s.cfg.Enabled }

// ShellResult is one finished command.
type ShellResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	// Dropped counts captured bytes cut from both streams.
	Dropped int
}

// Run executes command. timeout overrides the configured default when
// positive and is capped at five minutes. A command that exits non-zero
// or times out is a result, not an error.
func (s *Shell) Run(ctx context.Context, command string, timeout time.Duration) (*ShellResult, error) {
	if !s.cfg.Enabled {
		return nil, ErrShellDisabled
	}
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("command is empty")
	}
	if err := s.cfg.Policy.Check(command); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	timeout = min(timeout, maxShellTimeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.cfg.Dir
	cmd.WaitDelay = time.Second
	stdout := &cappedBuffer{limit: s.cfg.MaxOutput}
	stderr := &cappedBuffer{limit: s.cfg.MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	res := &ShellResult{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Dropped: stdout.dropped + stderr.dropped,
	}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case err != nil:
		return nil, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}

// Format renders the result as the text handed back to the model.
func (r *ShellResult) Format() string {
	var b strings.Builder
	if r.TimedOut {
		b.WriteString("timed out\n")
	} else {
		fmt.Fprintf(&b, "exit code: %d\n", r.ExitCode)
	}
	if r.Stdout != "" {
		b.WriteString("stdout:\n" + r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			b.WriteByte('\n')
		}
	}
	if r.Stderr != "" {
		b.WriteString("stderr:\n" + r.Stderr)
		if !strings.HasSuffix(r.Stderr, "\n") {
			b.WriteByte('\n')
		}
	}
	if r.Dropped > 0 {
		fmt.Fprintf(&b, "[%d bytes of output truncated]\n", r.Dropped)
	}
	return b.String()
}

// cappedBuffer keeps the first limit bytes written to it and counts the
// rest, so a chatty command cannot grow memory without bound.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room >= len(p) {
		return c.buf.Write(p)
	}
	if room > 0 {
		c.buf.Write(p[:room])
	}
	c.dropped += len(p) - max(room, 0)
	return len(p), nil
}

// String returns the kept bytes. When output was cut, a rune split at
// the cut is dropped.
func (c *cappedBuffer) String() string {
	b := c.buf.Bytes()
	for i := 0; c.dropped > 0 && i < utf8.UTFMax-1 && len(b) > 0; i++ {
		if r, size := utf8.DecodeLastRune(b); r != utf8.RuneError || size != 1 {
			break
		}
		b = b[:len(b)-1]
	}
	return string(b)
}

// Tool returns the shell_exec tool. The executor deadline sits past the
// command cap so the command's own timeout reports first.
func (s *Shell) Tool() *LocalTool {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to run with sh -c",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (max 300)",
			},
		},
		"required": []any{"command"},
	}
	return NewLocal("shell_exec",
		"Run a shell command on the host and return its exit code and output.",
		params,
		func(ctx context.Context, args map[string]any) (string, error) {
			timeout := time.Duration(argInt(args, "timeout_seconds")) * time.Second
			res, err := s.Run(ctx, argString(args, "command"), timeout)
			if err != nil {
				return "", err
			}
			return res.Format(), nil
		},
	).WithTimeout(maxShellTimeout + 5*time.Second)
}
