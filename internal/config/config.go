// Package config loads the engine configuration from YAML with environment
// overrides on top of DefaultConfig.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"echo-chat/go-engine/internal/identity"
)

const (
	TransportEthereum = "ethereum"
	TransportMemory   = "memory"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Ledger  LedgerConfig
	Cache   CacheConfig
	Engine  EngineConfig
	Logging LoggingConfig
	Metrics MetricsConfig
}

type LedgerConfig struct {
	Transport       string
	RPCURL          string
	ContractAddress string
	ChainID         int64
	LocalUser       string
	// PrivateKey is only read from the environment.
	PrivateKey               string
	ConfirmationPollInterval time.Duration
	ConfirmationTimeout      time.Duration
	MemoryStatePath          string
}

type CacheConfig struct {
	Path   string
	Secret string
	Limit  int
}

type EngineConfig struct {
	ResolveConcurrency int
	ReadRatePerSecond  float64
	ReadBurst          int
	NameCacheSize      int
	NameCacheTTL       time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	ListenAddress string
}

func DefaultConfig() Config {
	return Config{
		Ledger: LedgerConfig{
			Transport:                TransportEthereum,
			ChainID:                  1,
			ConfirmationPollInterval: 2 * time.Second,
			ConfirmationTimeout:      2 * time.Minute,
		},
		Cache: CacheConfig{
			Path:  "data/recent_recipients.json",
			Limit: 256,
		},
		Engine: EngineConfig{
			ResolveConcurrency: 8,
			ReadRatePerSecond:  20,
			ReadBurst:          10,
			NameCacheSize:      512,
			NameCacheTTL:       5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

type fileConfig struct {
	Ledger  fileLedgerConfig  `yaml:"ledger"`
	Cache   fileCacheConfig   `yaml:"cache"`
	Engine  fileEngineConfig  `yaml:"engine"`
	Logging fileLoggingConfig `yaml:"logging"`
	Metrics fileMetricsConfig `yaml:"metrics"`
}

type fileLedgerConfig struct {
	Transport                string        `yaml:"transport"`
	RPCURL                   string        `yaml:"rpcUrl"`
	ContractAddress          string        `yaml:"contractAddress"`
	ChainID                  int64         `yaml:"chainId"`
	LocalUser                string        `yaml:"localUser"`
	ConfirmationPollInterval time.Duration `yaml:"confirmationPollInterval"`
	ConfirmationTimeout      time.Duration `yaml:"confirmationTimeout"`
	MemoryStatePath          string        `yaml:"memoryStatePath"`
}

type fileCacheConfig struct {
	Path   *string `yaml:"path"`
	Secret string  `yaml:"secret"`
	Limit  int     `yaml:"limit"`
}

type fileEngineConfig struct {
	ResolveConcurrency int           `yaml:"resolveConcurrency"`
	ReadRatePerSecond  float64       `yaml:"readRatePerSecond"`
	ReadBurst          int           `yaml:"readBurst"`
	NameCacheSize      int           `yaml:"nameCacheSize"`
	NameCacheTTL       time.Duration `yaml:"nameCacheTTL"`
}

type fileLoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type fileMetricsConfig struct {
	ListenAddress string `yaml:"listenAddress"`
}

// LoadFromPath reads configPath, or the first readable default candidate
// when configPath is empty, then applies environment overrides. A missing
// candidate file is not an error; an explicit path that cannot be read or
// parsed is.
func LoadFromPath(configPath string) (Config, error) {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"echo/configs/config.yaml",
			"configs/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	return cfg, nil
}

func Merge(dst *Config, src fileConfig) {
	if src.Ledger.Transport != "" {
		dst.Ledger.Transport = src.Ledger.Transport
	}
	if src.Ledger.RPCURL != "" {
		dst.Ledger.RPCURL = src.Ledger.RPCURL
	}
	if src.Ledger.ContractAddress != "" {
		dst.Ledger.ContractAddress = src.Ledger.ContractAddress
	}
	if src.Ledger.ChainID != 0 {
		dst.Ledger.ChainID = src.Ledger.ChainID
	}
	if src.Ledger.LocalUser != "" {
		dst.Ledger.LocalUser = src.Ledger.LocalUser
	}
	if src.Ledger.ConfirmationPollInterval != 0 {
		dst.Ledger.ConfirmationPollInterval = src.Ledger.ConfirmationPollInterval
	}
	if src.Ledger.ConfirmationTimeout != 0 {
		dst.Ledger.ConfirmationTimeout = src.Ledger.ConfirmationTimeout
	}
	if src.Ledger.MemoryStatePath != "" {
		dst.Ledger.MemoryStatePath = src.Ledger.MemoryStatePath
	}
	// An explicitly empty cache path disables persistence.
	if src.Cache.Path != nil {
		dst.Cache.Path = *src.Cache.Path
	}
	if src.Cache.Secret != "" {
		dst.Cache.Secret = src.Cache.Secret
	}
	if src.Cache.Limit != 0 {
		dst.Cache.Limit = src.Cache.Limit
	}
	if src.Engine.ResolveConcurrency != 0 {
		dst.Engine.ResolveConcurrency = src.Engine.ResolveConcurrency
	}
	if src.Engine.ReadRatePerSecond != 0 {
		dst.Engine.ReadRatePerSecond = src.Engine.ReadRatePerSecond
	}
	if src.Engine.ReadBurst != 0 {
		dst.Engine.ReadBurst = src.Engine.ReadBurst
	}
	if src.Engine.NameCacheSize != 0 {
		dst.Engine.NameCacheSize = src.Engine.NameCacheSize
	}
	if src.Engine.NameCacheTTL != 0 {
		dst.Engine.NameCacheTTL = src.Engine.NameCacheTTL
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		dst.Logging.Format = src.Logging.Format
	}
	if src.Metrics.ListenAddress != "" {
		dst.Metrics.ListenAddress = src.Metrics.ListenAddress
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func ApplyEnvOverrides(cfg *Config) {
	if v := envString("ECHO_LEDGER_TRANSPORT"); v != "" {
		cfg.Ledger.Transport = strings.ToLower(v)
	}
	if v := envString("ECHO_RPC_URL"); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := envString("ECHO_CONTRACT_ADDRESS"); v != "" {
		cfg.Ledger.ContractAddress = v
	}
	if v := envString("ECHO_CHAIN_ID"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Ledger.ChainID = parsed
		}
	}
	if v := envString("ECHO_LOCAL_USER"); v != "" {
		cfg.Ledger.LocalUser = v
	}
	if v := envString("ECHO_PRIVATE_KEY"); v != "" {
		cfg.Ledger.PrivateKey = v
	}
	if v := envString("ECHO_MEMORY_STATE_PATH"); v != "" {
		cfg.Ledger.MemoryStatePath = v
	}
	if v, ok := os.LookupEnv("ECHO_CACHE_PATH"); ok {
		cfg.Cache.Path = strings.TrimSpace(v)
	}
	if v := envString("ECHO_CACHE_SECRET"); v != "" {
		cfg.Cache.Secret = v
	}
	if v := envString("ECHO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := envString("ECHO_METRICS_ADDR"); v != "" {
		cfg.Metrics.ListenAddress = v
	}
}

// Validate checks the fields the selected transport needs.
func (c Config) Validate() error {
	switch c.Ledger.Transport {
	case TransportMemory:
		if _, err := identity.Parse(c.Ledger.LocalUser); err != nil {
			return fmt.Errorf("%w: ledger.localUser must be a hex address for the memory transport", ErrInvalidConfig)
		}
	case TransportEthereum:
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("%w: ledger.rpcUrl is required", ErrInvalidConfig)
		}
		if _, err := identity.Parse(c.Ledger.ContractAddress); err != nil {
			return fmt.Errorf("%w: ledger.contractAddress must be a hex address", ErrInvalidConfig)
		}
		if c.Ledger.ChainID <= 0 {
			return fmt.Errorf("%w: ledger.chainId must be positive", ErrInvalidConfig)
		}
		if c.Ledger.LocalUser == "" && c.Ledger.PrivateKey == "" {
			return fmt.Errorf("%w: ledger.localUser or ECHO_PRIVATE_KEY is required", ErrInvalidConfig)
		}
		if c.Ledger.LocalUser != "" {
			if _, err := identity.Parse(c.Ledger.LocalUser); err != nil {
				return fmt.Errorf("%w: ledger.localUser must be a hex address", ErrInvalidConfig)
			}
		}
	default:
		return fmt.Errorf("%w: unknown ledger transport %q", ErrInvalidConfig, c.Ledger.Transport)
	}
	if c.Engine.ResolveConcurrency <= 0 {
		return fmt.Errorf("%w: engine.resolveConcurrency must be positive", ErrInvalidConfig)
	}
	return nil
}
