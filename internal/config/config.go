package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for relaybot.
type Config struct {
	General      GeneralConfig      `json:"general"`
	Security     SecurityConfig     `json:"security"`
	Context      ContextConfig      `json:"context"`
	Routing      RoutingConfig      `json:"routing"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Response     ResponseConfig     `json:"response"`
	Pipeline     PipelineConfig     `json:"pipeline"`
	Recovery     RecoveryConfig     `json:"recovery"`
	Memory       MemoryConfig       `json:"memory"`
	Agent        AgentConfig        `json:"agent"`
	Channels     ChannelsConfig     `json:"channels"`
	Metrics      MetricsConfig      `json:"metrics"`
	Sweep        SweepConfig        `json:"sweep"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"`
}

// SecurityConfig configures the admission gate.
type SecurityConfig struct {
	RateWindowSeconds int      `json:"rateWindowSeconds"`
	RateMaxPerWindow  int      `json:"rateMaxPerWindow"`
	BurstLimit        int      `json:"burstLimit"` // max requests in the last 10 seconds
	AdminIDs          []string `json:"adminIds,omitempty"`
	BlockedIDs        []string `json:"blockedIds,omitempty"`
	AllowedChats      []string `json:"allowedChats,omitempty"` // empty = all chats allowed
	PatternPack       string   `json:"patternPack,omitempty"`  // optional YAML file overriding built-in pattern sets
	MaxTextLength     int      `json:"maxTextLength"`
	MaxMediaBytes     int64    `json:"maxMediaBytes"`
	HistoryCapacity   int      `json:"historyCapacity"` // per-user request history ring size
}

// ContextConfig configures context assembly.
type ContextConfig struct {
	ProfilingEnabled  bool              `json:"profilingEnabled"`
	MaxHistory        int               `json:"maxHistory"`
	MaxHistoryAgeHrs  int               `json:"maxHistoryAgeHours"`
	CompressThreshold int               `json:"compressTokenThreshold"`
	WorkspaceMappings map[string]string `json:"workspaceMappings,omitempty"` // chat id -> workspace id
}

// RoutingConfig configures message classification.
type RoutingConfig struct {
	AdaptiveEnabled bool `json:"adaptiveEnabled"`
}

// OrchestratorConfig configures agent orchestration.
type OrchestratorConfig struct {
	MaxConcurrent      int  `json:"maxConcurrent"`
	CallTimeoutSeconds int  `json:"callTimeoutSeconds"`
	RoutingCacheSize   int  `json:"routingCacheSize"`
	AdaptiveEnabled    bool `json:"adaptiveEnabled"`
}

// ResponseConfig configures response formatting.
type ResponseConfig struct {
	MaxConcurrent    int  `json:"maxConcurrent"`
	MaxMessageLength int  `json:"maxMessageLength"`
	CacheSize        int  `json:"cacheSize"`
	EmojiEnabled     bool `json:"emojiEnabled"`
}

// PipelineConfig configures the top-level processor.
type PipelineConfig struct {
	MaxConcurrentRequests int `json:"maxConcurrentRequests"`
	MetricsHistorySize    int `json:"metricsHistorySize"` // rolling window for aggregate status
}

// RecoveryConfig configures the error manager and recovery workflow.
type RecoveryConfig struct {
	MaxAttemptsPerKey int    `json:"maxAttemptsPerKey"`
	LockDir           string `json:"lockDir,omitempty"` // stale lock files removed by config-fix recovery
}

type MemoryConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

// AgentConfig configures the external agent invoker.
type AgentConfig struct {
	APIBase         string                    `json:"apiBase,omitempty"`
	APIKey          string                    `json:"apiKey,omitempty"`
	Model           string                    `json:"model"`
	MaxTokens       int                       `json:"maxTokens"`
	Temperature     float64                   `json:"temperature"`
	Specializations map[string]Specialization `json:"specializations,omitempty"`
	Fallbacks       []AgentEndpoint           `json:"fallbacks,omitempty"`
}

// AgentEndpoint is an alternate chat-completion endpoint tried in order when
// the primary endpoint fails. Empty fields inherit the primary's values.
type AgentEndpoint struct {
	APIBase string `json:"apiBase,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	Model   string `json:"model,omitempty"`
}

// Specialization configures one logical agent specialization.
type Specialization struct {
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Model        string `json:"model,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	CLI      CLIConfig      `json:"cli"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token,omitempty"`
	AllowFrom []string `json:"allowFrom,omitempty"`
	ParseMode string   `json:"parseMode,omitempty"`
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// SweepConfig configures the TTL eviction sweeper for conversation state,
// user profiles, and rate-limit buckets.
type SweepConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"` // cron expression
	TTLHours int    `json:"ttlHours"`
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Recovery.LockDir = ExpandPath(cfg.Recovery.LockDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Security.RateWindowSeconds < 1 {
		errs = append(errs, "security.rateWindowSeconds must be >= 1")
	}
	if cfg.Security.RateMaxPerWindow < 1 {
		errs = append(errs, "security.rateMaxPerWindow must be >= 1")
	}
	if cfg.Security.BurstLimit < 1 {
		errs = append(errs, "security.burstLimit must be >= 1")
	}
	if cfg.Context.MaxHistory < 1 {
		errs = append(errs, "context.maxHistory must be >= 1")
	}
	if cfg.Orchestrator.MaxConcurrent < 1 || cfg.Orchestrator.MaxConcurrent > 100 {
		errs = append(errs, "orchestrator.maxConcurrent must be between 1 and 100")
	}
	if cfg.Orchestrator.CallTimeoutSeconds < 1 {
		errs = append(errs, "orchestrator.callTimeoutSeconds must be >= 1")
	}
	if cfg.Response.MaxConcurrent < 1 {
		errs = append(errs, "response.maxConcurrent must be >= 1")
	}
	if cfg.Response.MaxMessageLength < 100 {
		errs = append(errs, "response.maxMessageLength must be >= 100")
	}
	if cfg.Pipeline.MaxConcurrentRequests < 1 || cfg.Pipeline.MaxConcurrentRequests > 100 {
		errs = append(errs, "pipeline.maxConcurrentRequests must be between 1 and 100")
	}
	if cfg.Recovery.MaxAttemptsPerKey < 1 {
		errs = append(errs, "recovery.maxAttemptsPerKey must be >= 1")
	}
	if cfg.Sweep.Enabled && cfg.Sweep.TTLHours < 1 {
		errs = append(errs, "sweep.ttlHours must be >= 1 when sweep is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
