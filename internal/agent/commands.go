package agent

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nugget/rotbot/internal/prompts"
)

// command is a slash command handled without calling the model.
type command struct {
	usage string
	help  string
	run   func(l *Loop, ctx context.Context, c *Conversation, args string) string
}

var commands map[string]command

// modeAliases are shortcut commands that switch mode.
var modeAliases = map[string]string{
	"chat":   prompts.ModeGeneral,
	"coder":  prompts.ModeCoding,
	"code":   prompts.ModeCoding,
	"think":  prompts.ModeReasoning,
	"reason": prompts.ModeReasoning,
}

func init() {
	commands = map[string]command{
		"help": {
			usage: "/help",
			help:  "list commands",
			run:   cmdHelp,
		},
		"reset": {
			usage: "/reset",
			help:  "forget this conversation's history and settings",
			run:   cmdReset,
		},
		"model": {
			usage: "/model [name]",
			help:  "show or set the model",
			run:   cmdModel,
		},
		"mode": {
			usage: "/mode [name]",
			help:  "show or set the mode (" + strings.Join(prompts.Modes(), ", ") + ")",
			run:   cmdMode,
		},
		"deepthink": {
			usage: "/deepthink",
			help:  "toggle showing the model's <think> output",
			run:   cmdDeepThink,
		},
		"remember": {
			usage: "/remember <fact>",
			help:  "save a fact to memory",
			run:   cmdRemember,
		},
	}
	commands["setmodel"] = commands["model"]
	for alias, mode := range modeAliases {
		commands[alias] = command{
			usage: "/" + alias,
			help:  "switch to " + mode + " mode",
			run: func(l *Loop, ctx context.Context, c *Conversation, _ string) string {
				return l.setMode(ctx, c, mode)
			},
		}
	}
}

// command handles input that names a known slash command. Unknown
// commands are treated as ordinary input.
func (l *Loop) command(ctx context.Context, c *Conversation, input string) (string, bool) {
	if !strings.HasPrefix(input, "/") {
		return "", false
	}
	name, args, _ := strings.Cut(strings.TrimPrefix(strings.TrimSpace(input), "/"), " ")
	cmd, ok := commands[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	l.logger.Debug("command", "conversation", c.ID, "command", name)
	return cmd.run(l, ctx, c, strings.TrimSpace(args)), true
}

func cmdHelp(_ *Loop, _ context.Context, _ *Conversation, _ string) string {
	names := make([]string, 0, len(commands))
	for n := range commands {
		if _, alias := modeAliases[n]; alias || n == "setmodel" {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, n := range names {
		fmt.Fprintf(&sb, "  %-18s %s\n", commands[n].usage, commands[n].help)
	}
	sb.WriteString("  /chat /coder /think  switch mode")
	return sb.String()
}

func cmdReset(l *Loop, ctx context.Context, c *Conversation, _ string) string {
	if err := l.memory.Clear(ctx, c.ID); err != nil {
		l.logger.Error("clearing history failed", "conversation", c.ID, "error", err)
		return "Sorry, I couldn't clear the conversation."
	}
	if l.settings != nil {
		if err := l.settings.DeleteNamespace(ctx, settingsNamespace(c.ID)); err != nil {
			l.logger.Warn("clearing conversation settings failed", "conversation", c.ID, "error", err)
		}
	}
	c.reset()
	return "Conversation cleared."
}

func cmdModel(l *Loop, ctx context.Context, c *Conversation, args string) string {
	if args == "" {
		return "Current model: " + l.modelFor(c)
	}
	c.mu.Lock()
	c.model = args
	c.mu.Unlock()
	l.saveSetting(ctx, c, settingModel, args)
	return "Model set to " + args + "."
}

func cmdMode(l *Loop, ctx context.Context, c *Conversation, args string) string {
	if args == "" {
		return fmt.Sprintf("Current mode: %s (available: %s)", l.modeFor(c), strings.Join(prompts.Modes(), ", "))
	}
	if !prompts.ValidMode(args) {
		return fmt.Sprintf("Unknown mode %q. Available: %s", args, strings.Join(prompts.Modes(), ", "))
	}
	return l.setMode(ctx, c, args)
}

func (l *Loop) setMode(ctx context.Context, c *Conversation, mode string) string {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	l.saveSetting(ctx, c, settingMode, mode)
	return "Switched to " + mode + " mode."
}

func cmdDeepThink(l *Loop, ctx context.Context, c *Conversation, _ string) string {
	c.mu.Lock()
	c.showThinking = !c.showThinking
	on := c.showThinking
	c.mu.Unlock()
	l.saveSetting(ctx, c, settingThinking, strconv.FormatBool(on))
	if on {
		return "Deep thinking output enabled."
	}
	return "Deep thinking output disabled."
}

func cmdRemember(l *Loop, ctx context.Context, c *Conversation, args string) string {
	if args == "" {
		return "Usage: /remember <fact>"
	}
	if err := l.memory.Append(ctx, c.ID, args); err != nil {
		l.logger.Error("saving fact failed", "conversation", c.ID, "error", err)
		return "Sorry, I couldn't save that."
	}
	return "Got it, I'll remember that."
}
