package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/nugget/rotbot/internal/bus"
)

// ChannelCLI is the bus channel for terminal conversations.
const ChannelCLI = "cli"

// runChat handles "rotbot chat": an interactive session on stdin and
// stdout. Logs go to stderr.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg, slog.LevelWarn)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	return chatSession(ctx, rt.bus, stdin, stdout, localUser())
}

// chatSession reads one message per line and prints each reply. The
// conversation id is the local user name, so history carries over
// between sessions. Tool calls show as progress lines; only the final
// reply text is printed, since it may differ from the streamed text.
func chatSession(ctx context.Context, b *bus.Bus, in io.Reader, out io.Writer, chatID string) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	fmt.Fprintln(out, "rotbot chat. /help lists commands, /quit exits.")
	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		reply, err := b.Send(ctx, bus.InboundMessage{
			Channel: ChannelCLI,
			ChatID:  chatID,
			UserID:  chatID,
			Content: line,
		}, func(u bus.OutboundMessage) {
			if u.Kind == bus.KindToolStart {
				fmt.Fprintf(out, "  · %s\n", u.Tool)
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(out)
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, reply.Content)
	}
}

// localUser names the terminal conversation.
func localUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "local"
}

// runAsk handles "rotbot ask <question>": one turn in a fresh
// conversation, reply on stdout.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg, slog.LevelWarn)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	return askOnce(ctx, rt.bus, stdout, strings.Join(args, " "))
}

func askOnce(ctx context.Context, b *bus.Bus, out io.Writer, question string) error {
	reply, err := b.Send(ctx, bus.InboundMessage{
		Channel: ChannelCLI,
		ChatID:  "ask-" + uuid.NewString(),
		Content: question,
	}, nil)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(out, reply.Content)
	if reply.Kind == bus.KindAborted {
		return fmt.Errorf("ask: turn aborted")
	}
	return nil
}
