package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nugget/rotbot/internal/llm"
)

// levelNames maps the accepted logging.level values. "trace" adds the
// provider request payloads to debug output.
var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"trace":   llm.LevelTrace,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// SlogLevel parses Level, ignoring case and surrounding space.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	level, ok := levelNames[strings.ToLower(strings.TrimSpace(l.Level))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("logging.level %q must be trace, debug, info, warn or error", l.Level)
	}
	return level, nil
}

// NewLogger builds the process logger on w. floor replaces the info
// level, so interactive commands can keep info logs out of the
// conversation while debug and trace still apply. Format "json" selects
// the JSON handler, anything else text.
func (l LoggingConfig) NewLogger(w io.Writer, floor slog.Level) *slog.Logger {
	level, _ := l.SlogLevel()
	if level == slog.LevelInfo && floor > level {
		level = floor
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: traceLevelName}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// traceLevelName prints llm.LevelTrace as TRACE rather than DEBUG-4.
func traceLevelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == llm.LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
