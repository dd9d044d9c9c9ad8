// Package config handles the configuration of ledgersync.
// Settings come from a YAML file, then from .env files and LEDGERSYNC_*
// environment variables, the latter taking precedence.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ledgersync/ledgersync/internal/domain"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "ledgersync"

// Config represents the ledgersync configuration
type Config struct {
	DataDir           string           `yaml:"data_dir"`
	Database          string           `yaml:"database"`
	KnowledgeDatabase string           `yaml:"knowledge_database"`
	SchemaVersion     int              `yaml:"schema_version"`
	Sheet             domain.TabConfig `yaml:"sheet"`
	ActiveYear        int              `yaml:"active_year"`
	FetchRange        string           `yaml:"fetch_range"`
	BackupDir         string           `yaml:"backup_dir"`
	KDFIterations     int              `yaml:"kdf_iterations"`
	ClipboardTTL      time.Duration    `yaml:"clipboard_ttl"`
	Cloud             CloudConfig      `yaml:"cloud"`
	Remote            RemoteConfig     `yaml:"remote"`
	Auth              AuthConfig       `yaml:"auth"`
}

// CloudConfig locates the cloud vault backup
type CloudConfig struct {
	FileName string `yaml:"file_name"`
	Space    string `yaml:"space"`
	BaseURL  string `yaml:"base_url"`
}

// RemoteConfig tunes the spreadsheet client
type RemoteConfig struct {
	BaseURL   string        `yaml:"base_url"`
	RateLimit float64       `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
	Timeout   time.Duration `yaml:"timeout"`
}

// AuthConfig holds a pre-issued bearer token. When Token is empty the CLI
// prompts for one.
type AuthConfig struct {
	Token        string        `yaml:"token,omitempty"`
	Subject      string        `yaml:"subject,omitempty"`
	ExpiresAt    time.Time     `yaml:"expires_at,omitempty"`
	SafetyMargin time.Duration `yaml:"safety_margin"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "ledgersync")
	return &Config{
		DataDir:           dataDir,
		Database:          "ledger",
		KnowledgeDatabase: "knowledge",
		SchemaVersion:     1,
		Sheet:             domain.TabConfig{Tabs: map[domain.DatasetID]string{}},
		FetchRange:        "A1:ZZ",
		BackupDir:         filepath.Join(dataDir, "backups"),
		KDFIterations:     100000,
		ClipboardTTL:      60 * time.Second,
		Cloud: CloudConfig{
			FileName: "ledger-vault.json",
			Space:    "appDataFolder",
			BaseURL:  "https://www.googleapis.com",
		},
		Remote: RemoteConfig{
			BaseURL:   "https://sheets.googleapis.com",
			RateLimit: 5,
			Burst:     10,
			Timeout:   30 * time.Second,
		},
		Auth: AuthConfig{
			SafetyMargin: 60 * time.Second,
		},
	}
}

// DefaultPath returns the default config file location
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ledgersync", "config.yaml")
}

// LoadConfig loads configuration from file or returns default
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := SaveConfig(cfg, configPath); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Sheet.Tabs == nil {
		cfg.Sheet.Tabs = map[domain.DatasetID]string{}
	}

	return cfg, nil
}

// SaveConfig saves configuration to file
func SaveConfig(cfg *Config, configPath string) error {
	cleanPath := filepath.Clean(configPath)

	dir := filepath.Dir(cleanPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(cleanPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadEnvFiles reads .env and .env.local from dir into the process
// environment. Missing files are ignored, unreadable ones are logged.
func LoadEnvFiles(dir string) {
	for _, name := range []string{".env", ".env.local"} {
		path := filepath.Join(dir, name)
		if err := loadEnvFile(path); err != nil {
			log.Printf("Warning: failed to load %s: %v", path, err)
		}
	}
}

func loadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overlays LEDGERSYNC_* environment variables onto cfg. Keys are
// the ones accepted by Set, with dots and dashes replaced by underscores
// (LEDGERSYNC_SHEET_SPREADSHEET_ID, LEDGERSYNC_AUTH_TOKEN, ...).
func ApplyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for _, key := range Keys() {
		if !v.IsSet(key) {
			continue
		}
		if err := cfg.Set(key, v.GetString(key)); err != nil {
			return fmt.Errorf("environment override %s: %w", key, err)
		}
	}
	return nil
}

var setters = map[string]func(c *Config, value string) error{
	"data_dir":           func(c *Config, s string) error { c.DataDir = s; return nil },
	"database":           func(c *Config, s string) error { c.Database = s; return nil },
	"knowledge_database": func(c *Config, s string) error { c.KnowledgeDatabase = s; return nil },
	"schema_version":     intSetter(func(c *Config) *int { return &c.SchemaVersion }),
	"sheet.spreadsheet_id": func(c *Config, s string) error {
		c.Sheet.ResourceID = s
		return nil
	},
	"sheet.client_id":    func(c *Config, s string) error { c.Sheet.ClientID = s; return nil },
	"active_year":        intSetter(func(c *Config) *int { return &c.ActiveYear }),
	"fetch_range":        func(c *Config, s string) error { c.FetchRange = s; return nil },
	"backup_dir":         func(c *Config, s string) error { c.BackupDir = s; return nil },
	"kdf_iterations":     intSetter(func(c *Config) *int { return &c.KDFIterations }),
	"clipboard_ttl":      durationSetter(func(c *Config) *time.Duration { return &c.ClipboardTTL }),
	"cloud.file_name":    func(c *Config, s string) error { c.Cloud.FileName = s; return nil },
	"cloud.space":        func(c *Config, s string) error { c.Cloud.Space = s; return nil },
	"cloud.base_url":     func(c *Config, s string) error { c.Cloud.BaseURL = s; return nil },
	"remote.base_url":    func(c *Config, s string) error { c.Remote.BaseURL = s; return nil },
	"remote.burst":       intSetter(func(c *Config) *int { return &c.Remote.Burst }),
	"remote.timeout":     durationSetter(func(c *Config) *time.Duration { return &c.Remote.Timeout }),
	"auth.token":         func(c *Config, s string) error { c.Auth.Token = s; return nil },
	"auth.subject":       func(c *Config, s string) error { c.Auth.Subject = s; return nil },
	"auth.safety_margin": durationSetter(func(c *Config) *time.Duration { return &c.Auth.SafetyMargin }),
	"remote.rate_limit": func(c *Config, s string) error {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", s)
		}
		c.Remote.RateLimit = f
		return nil
	},
	"auth.expires_at": func(c *Config, s string) error {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("invalid time %q, want RFC 3339", s)
		}
		c.Auth.ExpiresAt = t
		return nil
	},
}

func intSetter(field func(c *Config) *int) func(c *Config, s string) error {
	return func(c *Config, s string) error {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid integer %q", s)
		}
		*field(c) = n
		return nil
	}
}

func durationSetter(field func(c *Config) *time.Duration) func(c *Config, s string) error {
	return func(c *Config, s string) error {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q", s)
		}
		*field(c) = d
		return nil
	}
}

// Keys returns the settable keys, sorted. Tab mappings are set with
// "tabs.<dataset>".
func Keys() []string {
	keys := make([]string, 0, len(setters)+len(domain.AllDatasets()))
	for key := range setters {
		keys = append(keys, key)
	}
	for _, id := range domain.AllDatasets() {
		keys = append(keys, "tabs."+string(id))
	}
	sort.Strings(keys)
	return keys
}

// Set assigns one setting from its string form
func (c *Config) Set(key, value string) error {
	if name, ok := strings.CutPrefix(key, "tabs."); ok {
		id, err := domain.ParseDatasetID(name)
		if err != nil {
			return err
		}
		if c.Sheet.Tabs == nil {
			c.Sheet.Tabs = map[domain.DatasetID]string{}
		}
		c.Sheet.Tabs[id] = value
		return nil
	}
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	return set(c, value)
}

// Validate checks the configuration for values the engine cannot work with
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Database == "" || c.KnowledgeDatabase == "" {
		return fmt.Errorf("database names are required")
	}
	if c.Database == c.KnowledgeDatabase {
		return fmt.Errorf("database and knowledge_database must differ")
	}
	if c.SchemaVersion < 1 {
		return fmt.Errorf("schema_version must be at least 1")
	}
	if c.ActiveYear < 0 {
		return fmt.Errorf("active_year must not be negative")
	}
	if c.Remote.RateLimit <= 0 || c.Remote.Burst <= 0 {
		return fmt.Errorf("remote rate limit and burst must be positive")
	}
	return c.Sheet.Validate()
}
