package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 1024
	DefaultTimeout   = 30

	DefaultHost = "127.0.0.1"
	DefaultPort = 7600

	DefaultTokenThreshold        = 4000
	DefaultMessageCountThreshold = 20
	DefaultKeepRecent            = 4
	DefaultWindowSize            = 10
	DefaultSessionTTL            = "30m"
	DefaultStrategy              = "auto"
	DefaultQuality               = "medium"
	DefaultLatency               = "normal"
	DefaultCost                  = "medium"

	DefaultQuietGap           = "2m"
	DefaultExtractionTokenCap = 2000
	DefaultExtractionAttempts = 3
)

type Config struct {
	Provider   ProviderConfig   `json:"provider"`
	Memory     MemoryConfig     `json:"memory"`
	Extraction ExtractionConfig `json:"extraction"`
	Gateway    GatewayConfig    `json:"gateway"`
}

type ProviderConfig struct {
	Type      string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey    string `json:"apiKey"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens"`
	Timeout   int    `json:"timeoutSeconds,omitempty"`
}

type MemoryConfig struct {
	DBPath                string `json:"dbPath,omitempty"`
	TokenThreshold        int    `json:"tokenThreshold"`
	MessageCountThreshold int    `json:"messageCountThreshold"`
	KeepRecent            int    `json:"keepRecent"`
	WindowSize            int    `json:"windowSize"`
	SessionTTL            string `json:"sessionTtl"`
	Strategy              string `json:"strategy"`
	Quality               string `json:"quality"`
	Latency               string `json:"latency"`
	Cost                  string `json:"cost"`
}

type ExtractionConfig struct {
	Enabled     bool   `json:"enabled"`
	QuietGap    string `json:"quietGap,omitempty"`
	TokenCap    int    `json:"tokenCap,omitempty"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Model:     DefaultModel,
			MaxTokens: DefaultMaxTokens,
			Timeout:   DefaultTimeout,
		},
		Memory: MemoryConfig{
			DBPath:                filepath.Join(ConfigDir(), "memory.db"),
			TokenThreshold:        DefaultTokenThreshold,
			MessageCountThreshold: DefaultMessageCountThreshold,
			KeepRecent:            DefaultKeepRecent,
			WindowSize:            DefaultWindowSize,
			SessionTTL:            DefaultSessionTTL,
			Strategy:              DefaultStrategy,
			Quality:               DefaultQuality,
			Latency:               DefaultLatency,
			Cost:                  DefaultCost,
		},
		Extraction: ExtractionConfig{
			Enabled:     true,
			QuietGap:    DefaultQuietGap,
			TokenCap:    DefaultExtractionTokenCap,
			MaxAttempts: DefaultExtractionAttempts,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".recall")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("RECALL_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_AUTH_TOKEN"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("RECALL_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("RECALL_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if dbPath := os.Getenv("RECALL_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
	if ttl := os.Getenv("RECALL_SESSION_TTL"); ttl != "" {
		cfg.Memory.SessionTTL = ttl
	}
	if strategy := os.Getenv("RECALL_STRATEGY"); strategy != "" {
		cfg.Memory.Strategy = strategy
	}
	if threshold := os.Getenv("RECALL_TOKEN_THRESHOLD"); threshold != "" {
		if parsed, err := strconv.Atoi(threshold); err == nil {
			cfg.Memory.TokenThreshold = parsed
		}
	}
	if enabled := os.Getenv("RECALL_EXTRACTION_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Extraction.Enabled = parsed
		}
	}
	if quietGap := os.Getenv("RECALL_QUIET_GAP"); quietGap != "" {
		cfg.Extraction.QuietGap = quietGap
	}

	if cfg.Provider.Model == "" {
		cfg.Provider.Model = DefaultModel
	}
	if cfg.Provider.MaxTokens <= 0 {
		cfg.Provider.MaxTokens = DefaultMaxTokens
	}
	if cfg.Provider.Timeout <= 0 {
		cfg.Provider.Timeout = DefaultTimeout
	}
	if cfg.Memory.TokenThreshold <= 0 {
		cfg.Memory.TokenThreshold = DefaultTokenThreshold
	}
	if cfg.Memory.MessageCountThreshold <= 0 {
		cfg.Memory.MessageCountThreshold = DefaultMessageCountThreshold
	}
	if cfg.Memory.KeepRecent <= 0 {
		cfg.Memory.KeepRecent = DefaultKeepRecent
	}
	if cfg.Memory.WindowSize <= 0 {
		cfg.Memory.WindowSize = DefaultWindowSize
	}
	if cfg.Memory.SessionTTL == "" {
		cfg.Memory.SessionTTL = DefaultSessionTTL
	}
	if cfg.Memory.Strategy == "" {
		cfg.Memory.Strategy = DefaultStrategy
	}
	if cfg.Memory.Quality == "" {
		cfg.Memory.Quality = DefaultQuality
	}
	if cfg.Memory.Latency == "" {
		cfg.Memory.Latency = DefaultLatency
	}
	if cfg.Memory.Cost == "" {
		cfg.Memory.Cost = DefaultCost
	}
	if cfg.Extraction.QuietGap == "" {
		cfg.Extraction.QuietGap = DefaultQuietGap
	}
	if cfg.Extraction.TokenCap <= 0 {
		cfg.Extraction.TokenCap = DefaultExtractionTokenCap
	}
	if cfg.Extraction.MaxAttempts <= 0 {
		cfg.Extraction.MaxAttempts = DefaultExtractionAttempts
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = DefaultHost
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = DefaultPort
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
