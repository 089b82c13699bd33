package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	defaultskills "github.com/nugget/rotbot/skills"

	"github.com/nugget/rotbot/internal/agent"
	"github.com/nugget/rotbot/internal/bus"
	"github.com/nugget/rotbot/internal/config"
	"github.com/nugget/rotbot/internal/connwatch"
	"github.com/nugget/rotbot/internal/contextbuilder"
	"github.com/nugget/rotbot/internal/events"
	"github.com/nugget/rotbot/internal/fetch"
	"github.com/nugget/rotbot/internal/guardrails"
	"github.com/nugget/rotbot/internal/llm"
	"github.com/nugget/rotbot/internal/mcp"
	"github.com/nugget/rotbot/internal/memory"
	"github.com/nugget/rotbot/internal/opstate"
	"github.com/nugget/rotbot/internal/paths"
	"github.com/nugget/rotbot/internal/retrieval"
	"github.com/nugget/rotbot/internal/search"
	"github.com/nugget/rotbot/internal/skills"
	"github.com/nugget/rotbot/internal/tools"
)

// runtime is everything behind the bus: the agent loop and its
// collaborators. serve, chat and ask all build one; only serve attaches
// the network channels.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	events *events.Bus

	llm     *llm.MultiClient
	memory  *memory.Store
	state   *opstate.Store
	tools   *tools.Store
	skills  *skills.Store
	loop    *agent.Loop
	bus     *bus.Bus
	connMgr *connwatch.Manager
	mcp     *mcp.Manager
}

// newRuntime opens storage, connects providers and assembles the loop.
// On error everything opened so far is closed.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, logger: logger, events: events.New()}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	// --- Data directory ---
	// The memory and state databases and the MQTT instance id live here.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return rt, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	rt.memory, err = memory.NewStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return rt, fmt.Errorf("open memory database %s: %w", cfg.Memory.DBPath, err)
	}
	logger.Info("memory database opened", "path", cfg.Memory.DBPath)

	statePath := filepath.Join(cfg.DataDir, "state.db")
	rt.state, err = opstate.NewStore(statePath, logger)
	if err != nil {
		return rt, fmt.Errorf("open state database %s: %w", statePath, err)
	}

	// --- Completion providers ---
	rt.connMgr = connwatch.NewManager(logger, rt.events)
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	rt.llm = createLLMClient(cfg, logger, ollama)
	rt.connMgr.Watch(ctx, connwatch.Spec{
		Name:  "ollama",
		Kind:  connwatch.KindProvider,
		Probe: ollama.Ping,
	})

	// --- Tools ---
	local, err := buildTools(cfg, rt.memory, logger)
	if err != nil {
		return rt, err
	}
	rt.tools = tools.NewStore(tools.NewSnapshot(local...))
	logger.Info("tools registered", "count", len(local), "names", rt.tools.Snapshot().Names())

	// Remote tools join the registry as their servers come up.
	rt.mcp = mcp.NewManager(ctx, rt.tools, rt.connMgr, logger)
	for _, s := range cfg.MCP.Servers {
		if err := rt.mcp.Add(s); err != nil {
			logger.Error("mcp server not added", "server", s.Name, "error", err)
		}
	}

	// --- Skills ---
	set, err := loadSkills(cfg, logger)
	if err != nil {
		return rt, err
	}
	rt.skills = skills.NewStore(set)

	soul, err := loadSoul(cfg.SoulFile)
	if err != nil {
		return rt, err
	}
	if soul != "" {
		logger.Info("soul loaded", "path", cfg.SoulFile, "size", len(soul))
	}

	// --- Agent loop ---
	rt.loop = agent.NewLoop(agent.Config{
		Model:           cfg.Models.Default,
		ModeModels:      cfg.Models.Modes,
		DefaultMode:     cfg.Agent.Mode,
		MaxIterations:   cfg.Agent.MaxIterations,
		TurnTimeout:     cfg.Agent.TurnTimeout,
		RetryBackoff:    cfg.Agent.ProviderRetryBackoff,
		Budget:          contextbuilder.Budget(cfg.Context.BudgetChars),
		MemoryExcerpts:  cfg.Context.MemoryExcerpts,
		HistoryLimit:    cfg.Context.HistoryLimit,
		MaxActiveSkills: cfg.Skills.MaxActive,
		UserFacts:       cfg.Memory.UserFacts,
		Soul:            soul,
		ShowStats:       cfg.Agent.ShowStats,
	}, agent.Deps{
		LLM:          rt.llm,
		Memory:       rt.memory,
		Consolidator: memory.NewConsolidator(rt.memory, rt.llm, cfg.Models.Default, cfg.Memory.Window, logger),
		Tools:        rt.tools,
		Executor:     tools.NewExecutor(cfg.Tools.Timeout, cfg.Tools.MaxParallel, logger),
		Skills:       rt.skills,
		Guardrails: guardrails.NewDefaultPipeline(logger, guardrails.Options{
			MaxInputChars: cfg.Guardrails.MaxInputChars,
			MaxRedactions: cfg.Guardrails.MaxRedactions,
			DeniedPhrases: cfg.Guardrails.DeniedPhrases,
		}),
		Probes: guardrails.NewProbeLimiter(
			cfg.Guardrails.Probe.Window,
			cfg.Guardrails.Probe.Threshold,
			cfg.Guardrails.Probe.Block,
		),
		Settings: rt.state,
		Events:   rt.events,
		Logger:   logger,
	})

	rt.bus = bus.New(rt.loop, bus.Config{
		MaxPending: cfg.Agent.MaxPending,
		Logger:     logger,
		Events:     rt.events,
	})
	return rt, nil
}

// Close stops turns first, then the loop's background work, then the
// stores they write to.
func (rt *runtime) Close() {
	if rt.bus != nil {
		_ = rt.bus.Close()
	}
	if rt.loop != nil {
		_ = rt.loop.Close()
	}
	if rt.mcp != nil {
		if err := rt.mcp.Close(); err != nil {
			rt.logger.Warn("mcp shutdown failed", "error", err)
		}
	}
	if rt.connMgr != nil {
		rt.connMgr.Stop()
	}
	if rt.memory != nil {
		if err := rt.memory.Close(); err != nil {
			rt.logger.Warn("memory close failed", "error", err)
		}
	}
	if rt.state != nil {
		if err := rt.state.Close(); err != nil {
			rt.logger.Warn("state close failed", "error", err)
		}
	}
}

// createLLMClient builds the multi-provider client. Models not pinned
// to a provider and without a "provider/" prefix go to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger, ollama *llm.OllamaClient) *llm.MultiClient {
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Models.OpenAI.Configured() {
		multi.AddProvider("openai", llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:    cfg.Models.OpenAI.APIKey,
			BaseURL:   cfg.Models.OpenAI.BaseURL,
			MaxTokens: cfg.Models.MaxTokens,
			Logger:    logger,
		}))
		logger.Info("OpenAI provider configured", "base_url", cfg.Models.OpenAI.BaseURL)
	}
	if cfg.Models.Anthropic.Configured() {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:    cfg.Models.Anthropic.APIKey,
			MaxTokens: cfg.Models.MaxTokens,
			Logger:    logger,
		}))
		logger.Info("Anthropic provider configured")
	}

	defaultProvider := "ollama"
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
		if m.Name == cfg.Models.Default {
			defaultProvider = m.Provider
		}
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)
	return multi
}

// shellConfig maps the YAML shell section onto the tool config.
// Configured denied patterns add to the built-in list.
func shellConfig(c config.ShellExecConfig) tools.ShellConfig {
	sc := tools.DefaultShellConfig()
	sc.Enabled = c.Enabled
	sc.Dir = c.WorkingDir
	sc.Policy.Allowed = c.AllowedPrefixes
	sc.Policy.Denied = append(sc.Policy.Denied, c.DeniedPatterns...)
	if c.DefaultTimeoutSec > 0 {
		sc.Timeout = time.Duration(c.DefaultTimeoutSec) * time.Second
	}
	if c.MaxOutputBytes > 0 {
		sc.MaxOutput = c.MaxOutputBytes
	}
	return sc
}

// buildTools returns the local tools enabled by cfg.
func buildTools(cfg *config.Config, mem *memory.Store, logger *slog.Logger) ([]tools.Tool, error) {
	out := []tools.Tool{memory.RememberTool(mem), tools.MathTool()}

	if shell := tools.NewShell(shellConfig(cfg.Tools.Shell)); shell.Enabled() {
		out = append(out, shell.Tool())
	}
	roots := paths.New(map[string]string{
		"knowledge": cfg.Knowledge.Dir,
		"skills":    cfg.Skills.Dir,
	})
	if files := tools.NewFileTools(cfg.Tools.Files.Path).WithRoots(roots); files.Enabled() {
		out = append(out, files.Tools()...)
	}

	if ws := cfg.Tools.WebSearch; ws.Configured() {
		mgr := search.NewManager()
		if ws.SearXNGURL != "" {
			mgr.Register(search.NewSearXNG(ws.SearXNGURL))
		}
		if ws.BraveAPIKey != "" {
			mgr.Register(search.NewBrave(ws.BraveAPIKey))
		}
		out = append(out, search.NewTool(mgr))
	}
	if cfg.Tools.WebFetch.Enabled {
		out = append(out, fetch.NewTool(fetch.New()))
	}

	if cfg.Knowledge.Dir != "" {
		docs, err := retrieval.LoadDir(cfg.Knowledge.Dir, cfg.Knowledge.Extensions, logger)
		if err != nil {
			return nil, fmt.Errorf("load knowledge %s: %w", cfg.Knowledge.Dir, err)
		}
		if len(docs) > 0 {
			out = append(out, retrieval.Tool(retrieval.NewIndex(docs), 0))
			logger.Info("knowledge base indexed", "dir", cfg.Knowledge.Dir, "chunks", len(docs))
		}
	}
	return out, nil
}

// loadSkills merges the shipped skills with the configured directory.
// User skills replace shipped ones of the same name.
func loadSkills(cfg *config.Config, logger *slog.Logger) (*skills.Set, error) {
	var builtin []skills.Skill
	if !cfg.Skills.DisableBuiltin {
		var err error
		builtin, err = skills.LoadFS(defaultskills.FS, logger)
		if err != nil {
			return nil, fmt.Errorf("load built-in skills: %w", err)
		}
	}
	user, err := skills.LoadDir(cfg.Skills.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("load skills from %s: %w", cfg.Skills.Dir, err)
	}
	all := skills.Merge(builtin, user)
	logger.Info("skills loaded", "builtin", len(builtin), "user", len(user), "total", len(all))
	return skills.NewSet(all), nil
}

// loadSoul reads the soul file. A missing file is not an error.
func loadSoul(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read soul file %s: %w", path, err)
	}
	return string(data), nil
}
