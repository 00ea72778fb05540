package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultNodeAddress  = "http://127.0.0.1:8080"
	DefaultPollBudget   = 60
	DefaultPollInterval = 10
	DefaultValidSlots   = 30
	DefaultWordCount    = 24
)

type Config struct {
	Backend   BackendConfig   `toml:"backend"`
	Wallet    WalletConfig    `toml:"wallet"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Journal   JournalConfig   `toml:"journal"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// BackendConfig describes the node the wallet talks to.
type BackendConfig struct {
	Address           string  `toml:"address"`
	UseHTTPSForPost   bool    `toml:"use_https_for_post"`
	EnableDebug       bool    `toml:"enable_debug"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

type WalletConfig struct {
	// ValidSlots is the default validity window, in slots, of submitted fragments.
	ValidSlots uint32 `toml:"valid_slots"`
	// WordCount is the mnemonic length used when generating a wallet.
	WordCount int `toml:"word_count"`
	// SecretKeyFile is the default location for exported secret keys.
	SecretKeyFile string `toml:"secret_key_file"`
	// PINEnv and PasswordEnv name environment variables consulted before
	// prompting on the terminal.
	PINEnv      string `toml:"pin_env"`
	PasswordEnv string `toml:"password_env"`
}

type ReconcileConfig struct {
	PollBudget          int  `toml:"poll_budget"`
	PollIntervalSeconds int  `toml:"poll_interval_seconds"`
	FailFast            bool `toml:"fail_fast"`
}

func (r ReconcileConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSeconds) * time.Second
}

const (
	JournalLevelDB = "leveldb"
	JournalBolt    = "bolt"
)

// JournalConfig selects where submitted fragments are recorded. An empty
// path keeps the journal in memory.
type JournalConfig struct {
	Path string `toml:"path"`
	// Engine is leveldb (a directory) or bolt (a single file).
	Engine string `toml:"engine"`
}

type LoggingConfig struct {
	Level      string `toml:"level"`
	Env        string `toml:"env"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type TelemetryConfig struct {
	Endpoint      string `toml:"endpoint"`
	Insecure      bool   `toml:"insecure"`
	Headers       string `toml:"headers"`
	Traces        bool   `toml:"traces"`
	Metrics       bool   `toml:"metrics"`
	MetricsListen string `toml:"metrics_listen"`
}

// Default returns the configuration written for a fresh install.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Address:        DefaultNodeAddress,
			TimeoutSeconds: 15,
		},
		Wallet: WalletConfig{
			ValidSlots:  DefaultValidSlots,
			WordCount:   DefaultWordCount,
			PINEnv:      "NHBWALLET_PIN",
			PasswordEnv: "NHBWALLET_PASSWORD",
		},
		Reconcile: ReconcileConfig{
			PollBudget:          DefaultPollBudget,
			PollIntervalSeconds: DefaultPollInterval,
		},
		Journal: JournalConfig{
			Engine: JournalLevelDB,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load loads the configuration from the given path. A missing file is created
// with defaults. Keys the wallet does not know are rejected.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Backend.Address) == "" {
		c.Backend.Address = DefaultNodeAddress
	}
	if c.Reconcile.PollBudget == 0 {
		c.Reconcile.PollBudget = DefaultPollBudget
	}
	if c.Reconcile.PollIntervalSeconds == 0 {
		c.Reconcile.PollIntervalSeconds = DefaultPollInterval
	}
	if c.Wallet.ValidSlots == 0 {
		c.Wallet.ValidSlots = DefaultValidSlots
	}
	if c.Wallet.WordCount == 0 {
		c.Wallet.WordCount = DefaultWordCount
	}
	if strings.TrimSpace(c.Journal.Engine) == "" {
		c.Journal.Engine = JournalLevelDB
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	cfg.Journal.Path = filepath.Join(dataDir(path), "journal")
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func dataDir(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "nhbwallet-data")
}
