package jsonrpc

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ProcessConfig describes a child process speaking JSON-RPC on stdio.
type ProcessConfig struct {
	Name    string // used in log attributes
	Command string
	Args    []string
	Env     []string // appended to the current environment
	Dir     string
	Options Options
	// GracePeriod is how long Close waits after closing stdin before
	// killing the process. Default 5s.
	GracePeriod time.Duration
}

// Process is a child process with a Conn over its stdin and stdout.
// Its lifetime is independent of any call context: only Close stops it.
type Process struct {
	cfg     ProcessConfig
	cmd     *exec.Cmd
	conn    *Conn
	logger  *slog.Logger
	waitErr chan error

	closeOnce sync.Once
	closeErr  error
}

// StartProcess launches the command and begins reading its stdout.
func StartProcess(cfg ProcessConfig) (*Process, error) {
	logger := cfg.Options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("process", cfg.Name)
	cfg.Options.Logger = logger
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	p := &Process{
		cfg:     cfg,
		cmd:     cmd,
		logger:  logger,
		waitErr: make(chan error, 1),
	}
	p.conn = NewConn(stdout, stdin, cfg.Options)

	go p.drainStderr(stderr)
	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Warn("subprocess exited with error", "error", err)
		} else {
			logger.Info("subprocess exited")
		}
		p.waitErr <- err
	}()

	logger.Info("subprocess started", "command", cfg.Command, "pid", cmd.Process.Pid)
	return p, nil
}

// Conn returns the JSON-RPC connection over the process's stdio.
func (p *Process) Conn() *Conn { return p.conn }

// Pid returns the process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Close closes stdin, waits for a graceful exit, then kills. Safe to
// call more than once.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		_ = p.conn.Close()
		select {
		case p.closeErr = <-p.waitErr:
		case <-time.After(p.cfg.GracePeriod):
			p.logger.Warn("subprocess did not exit gracefully, killing", "pid", p.Pid())
			_ = p.cmd.Process.Kill()
			<-p.waitErr
		}
	})
	return p.closeErr
}

func (p *Process) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.logger.Debug("subprocess stderr", "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("subprocess stderr scan error", "error", err)
	}
}
