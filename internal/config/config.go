// Package config handles rotbot configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/rotbot/internal/mcp"
	"github.com/nugget/rotbot/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/rotbot/config.yaml, /etc/rotbot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "rotbot", "config.yaml"))
	}

	paths = append(paths, "/etc/rotbot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all rotbot configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Models     ModelsConfig     `yaml:"models"`
	Agent      AgentConfig      `yaml:"agent"`
	Context    ContextConfig    `yaml:"context"`
	Tools      ToolsConfig      `yaml:"tools"`
	Skills     SkillsConfig     `yaml:"skills"`
	Knowledge  KnowledgeConfig  `yaml:"knowledge"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Memory     MemoryConfig     `yaml:"memory"`
	MCP        MCPConfig        `yaml:"mcp"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Signal     SignalConfig     `yaml:"signal"`
	Logging    LoggingConfig    `yaml:"logging"`

	// DataDir holds the memory database and the instance id.
	DataDir string `yaml:"data_dir"`
	// SoulFile is a markdown persona that replaces the built-in mode
	// prompt.
	SoulFile string `yaml:"soul_file"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines completion providers and model selection.
type ModelsConfig struct {
	Default string `yaml:"default"`
	// Modes maps a mode name (general, coding, reasoning) to the model
	// used while a conversation is in that mode.
	Modes     map[string]string `yaml:"modes"`
	OllamaURL string            `yaml:"ollama_url"`
	MaxTokens int64             `yaml:"max_tokens"`
	OpenAI    OpenAIConfig      `yaml:"openai"`
	Anthropic AnthropicConfig   `yaml:"anthropic"`
	// Available pins model names to providers. Models not listed here
	// may still be addressed as "provider/model".
	Available []ModelConfig `yaml:"available"`
}

// OpenAIConfig defines an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether the provider should be registered.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" || c.BaseURL != "" }

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether the provider should be registered.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// ModelConfig maps one model to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, openai, anthropic
}

// AgentConfig tunes the turn loop and the message bus in front of it.
type AgentConfig struct {
	MaxIterations        int           `yaml:"max_iterations"`
	TurnTimeout          time.Duration `yaml:"turn_timeout"`
	ProviderRetryBackoff time.Duration `yaml:"provider_retry_backoff"`
	// Mode is the starting mode for new conversations.
	Mode string `yaml:"mode"`
	// MaxPending bounds queued messages per conversation.
	MaxPending int `yaml:"max_pending"`
	// ShowStats appends a timing and model footer to replies.
	ShowStats bool `yaml:"show_stats"`
}

// ContextConfig sizes the assembled model context.
type ContextConfig struct {
	// BudgetChars is the context ceiling in characters (runes).
	BudgetChars    int `yaml:"budget_chars"`
	MemoryExcerpts int `yaml:"memory_excerpts"`
	HistoryLimit   int `yaml:"history_limit"`
}

// ToolsConfig defines the built-in tools and how calls run.
type ToolsConfig struct {
	Timeout     time.Duration   `yaml:"timeout"`
	MaxParallel int             `yaml:"max_parallel"`
	Shell       ShellExecConfig `yaml:"shell"`
	Files       WorkspaceConfig `yaml:"files"`
	WebSearch   WebSearchConfig `yaml:"web_search"`
	WebFetch    WebFetchConfig  `yaml:"web_fetch"`
}

// WorkspaceConfig defines the agent's workspace for file operations.
type WorkspaceConfig struct {
	// Path is the root directory for file operations.
	// All file tool paths are relative to this directory.
	// If empty, file tools are disabled.
	Path string `yaml:"path"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command patterns to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedPrefixes limits commands to those starting with these prefixes.
	// Empty means all commands are allowed (subject to denied patterns).
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
	// MaxOutputBytes bounds each captured output stream (default 3000).
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// WebSearchConfig configures web_search providers. Providers are tried
// in the order SearXNG, Brave.
type WebSearchConfig struct {
	SearXNGURL  string `yaml:"searxng_url"`
	BraveAPIKey string `yaml:"brave_api_key"`
}

// Configured reports whether any provider is set.
func (c WebSearchConfig) Configured() bool { return c.SearXNGURL != "" || c.BraveAPIKey != "" }

// WebFetchConfig toggles the web_fetch tool.
type WebFetchConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SkillsConfig defines where skill documents come from.
type SkillsConfig struct {
	// Dir holds user skills; they override built-in skills of the same
	// name.
	Dir       string `yaml:"dir"`
	MaxActive int    `yaml:"max_active"`
	// DisableBuiltin skips the skills shipped with the binary.
	DisableBuiltin bool `yaml:"disable_builtin"`
}

// KnowledgeConfig defines the document directory behind the
// knowledge_search tool.
type KnowledgeConfig struct {
	Dir        string   `yaml:"dir"`
	Extensions []string `yaml:"extensions"`
}

// GuardrailsConfig tunes the inbound and outbound filters.
type GuardrailsConfig struct {
	MaxInputChars int         `yaml:"max_input_chars"`
	MaxRedactions int         `yaml:"max_redactions"`
	DeniedPhrases []string    `yaml:"denied_phrases"`
	Probe         ProbeConfig `yaml:"probe"`
}

// ProbeConfig blocks users who repeatedly trip the injection guard.
type ProbeConfig struct {
	Window    time.Duration `yaml:"window"`
	Threshold int           `yaml:"threshold"`
	Block     time.Duration `yaml:"block"`
}

// MemoryConfig defines persistent conversation memory.
type MemoryConfig struct {
	// DBPath defaults to <data_dir>/memory.db.
	DBPath string `yaml:"db_path"`
	// Window is how many messages stay live before consolidation.
	Window    int `yaml:"window"`
	UserFacts int `yaml:"user_facts"`
}

// MCPConfig lists remote tool servers.
type MCPConfig struct {
	Servers []mcp.ServerConfig `yaml:"servers"`
}

// MQTTConfig defines the MQTT channel and Home Assistant presence.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// DeviceName names the Home Assistant device and the topic subtree.
	DeviceName      string `yaml:"device_name"`
	BaseTopic       string `yaml:"base_topic"` // default rotbot/<device_name>
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// PublishInterval is how often sensor states are refreshed.
	PublishInterval time.Duration `yaml:"publish_interval"`
	// RateLimit caps inbound messages per chat per minute. 0 disables.
	RateLimit int `yaml:"rate_limit"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// Topic returns the root of rotbot's topic subtree.
func (c MQTTConfig) Topic() string {
	if c.BaseTopic != "" {
		return strings.TrimRight(c.BaseTopic, "/")
	}
	return "rotbot/" + c.DeviceName
}

// SignalConfig defines the signal-cli channel.
type SignalConfig struct {
	Enabled bool `yaml:"enabled"`
	// Command is the signal-cli binary (default "signal-cli").
	Command string `yaml:"command"`
	// Account is the registered phone number signal-cli runs as.
	Account string   `yaml:"account"`
	Args    []string `yaml:"args"`
	// RateLimit caps inbound messages per sender per minute. 0 disables.
	RateLimit int `yaml:"rate_limit"`
	// AllowFrom restricts which senders are answered. Empty allows all.
	AllowFrom []string `yaml:"allow_from"`
}

// CommandArgs returns the signal-cli argument list for JSON-RPC mode.
func (c SignalConfig) CommandArgs() []string {
	if len(c.Args) > 0 {
		return c.Args
	}
	return []string{"-a", c.Account, "jsonRpc"}
}

// LoggingConfig defines log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Load reads configuration from a YAML file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
		},
		Agent: AgentConfig{
			MaxIterations:        10,
			TurnTimeout:          5 * time.Minute,
			ProviderRetryBackoff: time.Second,
			Mode:                 "general",
			MaxPending:           16,
		},
		Context: ContextConfig{
			BudgetChars:    32000,
			MemoryExcerpts: 10,
			HistoryLimit:   50,
		},
		Tools: ToolsConfig{
			Timeout:     30 * time.Second,
			MaxParallel: 4,
			WebFetch:    WebFetchConfig{Enabled: true},
		},
		Skills: SkillsConfig{MaxActive: 3},
		Knowledge: KnowledgeConfig{
			Extensions: []string{".md", ".txt"},
		},
		Guardrails: GuardrailsConfig{
			MaxInputChars: 16000,
			MaxRedactions: 5,
			Probe: ProbeConfig{
				Window:    10 * time.Minute,
				Threshold: 3,
				Block:     30 * time.Minute,
			},
		},
		Memory: MemoryConfig{Window: 20, UserFacts: 20},
		MQTT: MQTTConfig{
			DeviceName:      "rotbot",
			DiscoveryPrefix: "homeassistant",
			PublishInterval: time.Minute,
			RateLimit:       20,
		},
		Signal: SignalConfig{
			Command:   "signal-cli",
			RateLimit: 10,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		DataDir: "data",
	}
	return cfg
}

// applyDefaults fills values that derive from other fields.
func (c *Config) applyDefaults() {
	for _, p := range []*string{
		&c.DataDir, &c.Memory.DBPath, &c.SoulFile,
		&c.Skills.Dir, &c.Knowledge.Dir, &c.Tools.Files.Path, &c.Tools.Shell.WorkingDir,
	} {
		*p = paths.ExpandHome(*p)
	}
	if c.Memory.DBPath == "" {
		c.Memory.DBPath = filepath.Join(c.DataDir, "memory.db")
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "rotbot"
	}
	if c.Signal.Command == "" {
		c.Signal.Command = "signal-cli"
	}
}

// Validate reports every configuration mistake it finds.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Models.Default == "" {
		errs = append(errs, errors.New("models.default is required"))
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "openai", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("models.available %s: unknown provider %q", m.Name, m.Provider))
		}
	}
	if c.Agent.MaxIterations < 1 {
		errs = append(errs, errors.New("agent.max_iterations must be at least 1"))
	}
	if c.Agent.TurnTimeout <= 0 {
		errs = append(errs, errors.New("agent.turn_timeout must be positive"))
	}
	if c.Context.BudgetChars <= 0 {
		errs = append(errs, errors.New("context.budget_chars must be positive"))
	}
	if c.Tools.MaxParallel < 0 {
		errs = append(errs, errors.New("tools.max_parallel must not be negative"))
	}
	seen := make(map[string]bool)
	for _, s := range c.MCP.Servers {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("mcp server %s defined twice", s.Name))
		}
		seen[s.Name] = true
	}
	if c.Signal.Enabled && c.Signal.Account == "" && len(c.Signal.Args) == 0 {
		errs = append(errs, errors.New("signal.account is required when signal is enabled"))
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
