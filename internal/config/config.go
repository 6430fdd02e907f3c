package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// UserConfig describes one plan owner and where their activity comes from.
type UserConfig struct {
	ID string `yaml:"id" json:"id"`

	// Timezone overrides the top-level timezone for this user.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// Mailbox is a JSON export of unread messages. Optional.
	Mailbox string `yaml:"mailbox,omitempty" json:"mailbox,omitempty"`

	// AllowTitles always pass the deletion filter; DenyTitles never do.
	AllowTitles []string `yaml:"allow_titles,omitempty" json:"allow_titles,omitempty"`
	DenyTitles  []string `yaml:"deny_titles,omitempty" json:"deny_titles,omitempty"`
}

type OracleConfig struct {
	Model          string `yaml:"model" json:"model"`
	MaxTokens      int    `yaml:"max_tokens" json:"max_tokens"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`

	// LocalFallback places candidates by timestamp when the oracle is
	// unreachable instead of skipping the refresh.
	LocalFallback bool `yaml:"local_fallback" json:"local_fallback"`
}

type EmbeddingConfig struct {
	URL               string  `yaml:"url" json:"url"`
	Model             string  `yaml:"model" json:"model"`
	TimeoutSeconds    int     `yaml:"timeout_seconds" json:"timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Disabled          bool    `yaml:"disabled" json:"disabled"`
}

type DedupConfig struct {
	FuzzyThreshold    float64 `yaml:"fuzzy_threshold" json:"fuzzy_threshold"`
	SemanticThreshold float64 `yaml:"semantic_threshold" json:"semantic_threshold"`
}

type DeletionConfig struct {
	LookbackDays   int     `yaml:"lookback_days" json:"lookback_days"`
	MinRecords     int     `yaml:"min_records" json:"min_records"`
	MinDeletions   int     `yaml:"min_deletions" json:"min_deletions"`
	AutoFilterRate float64 `yaml:"auto_filter_rate" json:"auto_filter_rate"`
	FlagRate       float64 `yaml:"flag_rate" json:"flag_rate"`
}

// HorizonCounts holds one number per horizon.
type HorizonCounts struct {
	Today int `yaml:"today" json:"today"`
	Week  int `yaml:"week" json:"week"`
	Month int `yaml:"month" json:"month"`
}

type StabilizerConfig struct {
	Min HorizonCounts `yaml:"min" json:"min"`
	Max HorizonCounts `yaml:"max" json:"max"`
}

type TracingConfig struct {
	// Endpoint is the OTLP/HTTP collector host:port. Empty disables export.
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	Insecure    bool   `yaml:"insecure" json:"insecure"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the read API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the read API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used when a user has none (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/30 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Database is the SQLite file holding plans and completion history.
	Database string `yaml:"database" json:"database"`

	// ICSCacheDir stores ETag/Last-Modified metadata and bodies per feed.
	ICSCacheDir string `yaml:"ics_cache_dir" json:"ics_cache_dir"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	// Concurrency caps how many users refresh at once.
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	Users []UserConfig `yaml:"users" json:"users"`

	Oracle     OracleConfig     `yaml:"oracle" json:"oracle"`
	Embedding  EmbeddingConfig  `yaml:"embedding" json:"embedding"`
	Dedup      DedupConfig      `yaml:"dedup" json:"dedup"`
	Deletion   DeletionConfig   `yaml:"deletion" json:"deletion"`
	Stabilizer StabilizerConfig `yaml:"stabilizer" json:"stabilizer"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{Users: []UserConfig{}}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Seoul"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/30 * * * *"
	}
	if c.Database == "" {
		c.Database = "/var/lib/canonplan/canonplan.db"
	}
	if c.ICSCacheDir == "" {
		c.ICSCacheDir = "/var/lib/canonplan/ics-cache"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Users == nil {
		c.Users = []UserConfig{}
	}
	for i := range c.Users {
		if c.Users[i].ICS == nil {
			c.Users[i].ICS = []ICSConfig{}
		}
	}

	if c.Oracle.Model == "" {
		c.Oracle.Model = "claude-sonnet-4-5"
	}
	if c.Oracle.MaxTokens <= 0 {
		c.Oracle.MaxTokens = 4096
	}
	if c.Oracle.TimeoutSeconds <= 0 {
		c.Oracle.TimeoutSeconds = 90
	}

	if c.Embedding.URL == "" {
		c.Embedding.URL = "http://localhost:11434"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "nomic-embed-text"
	}
	if c.Embedding.TimeoutSeconds <= 0 {
		c.Embedding.TimeoutSeconds = 20
	}
	if c.Embedding.RequestsPerSecond <= 0 {
		c.Embedding.RequestsPerSecond = 10
	}

	if c.Dedup.FuzzyThreshold <= 0 || c.Dedup.FuzzyThreshold > 1 {
		c.Dedup.FuzzyThreshold = 0.7
	}
	if c.Dedup.SemanticThreshold <= 0 || c.Dedup.SemanticThreshold > 1 {
		c.Dedup.SemanticThreshold = 0.90
	}

	if c.Deletion.LookbackDays <= 0 {
		c.Deletion.LookbackDays = 30
	}
	if c.Deletion.MinRecords <= 0 {
		c.Deletion.MinRecords = 3
	}
	if c.Deletion.MinDeletions <= 0 {
		c.Deletion.MinDeletions = 3
	}
	if c.Deletion.AutoFilterRate <= 0 || c.Deletion.AutoFilterRate > 1 {
		c.Deletion.AutoFilterRate = 0.8
	}
	if c.Deletion.FlagRate <= 0 || c.Deletion.FlagRate > c.Deletion.AutoFilterRate {
		c.Deletion.FlagRate = 0.6
	}

	fillCounts(&c.Stabilizer.Min, HorizonCounts{Today: 2, Week: 3, Month: 3})
	fillCounts(&c.Stabilizer.Max, HorizonCounts{Today: 5, Week: 7, Month: 7})
	// A maximum below its minimum can never be satisfied.
	if c.Stabilizer.Max.Today < c.Stabilizer.Min.Today {
		c.Stabilizer.Max.Today = c.Stabilizer.Min.Today
	}
	if c.Stabilizer.Max.Week < c.Stabilizer.Min.Week {
		c.Stabilizer.Max.Week = c.Stabilizer.Min.Week
	}
	if c.Stabilizer.Max.Month < c.Stabilizer.Min.Month {
		c.Stabilizer.Max.Month = c.Stabilizer.Min.Month
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "canonplan"
	}
}

func fillCounts(dst *HorizonCounts, def HorizonCounts) {
	if dst.Today <= 0 {
		dst.Today = def.Today
	}
	if dst.Week <= 0 {
		dst.Week = def.Week
	}
	if dst.Month <= 0 {
		dst.Month = def.Month
	}
}

// Validate reports configuration that Normalize cannot repair.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("users[%d]: id is required", i)
		}
		if seen[u.ID] {
			return fmt.Errorf("users[%d]: duplicate id %q", i, u.ID)
		}
		seen[u.ID] = true
		if u.Timezone != "" {
			if _, err := time.LoadLocation(u.Timezone); err != nil {
				return fmt.Errorf("users[%d]: timezone %q: %w", i, u.Timezone, err)
			}
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// User returns the user with id, or nil.
func (c *Config) User(id string) *UserConfig {
	for i := range c.Users {
		if c.Users[i].ID == id {
			return &c.Users[i]
		}
	}
	return nil
}

// Location resolves the user's timezone, falling back to the global one and
// then to time.Local.
func (c *Config) Location(u *UserConfig) *time.Location {
	name := c.Timezone
	if u != nil && u.Timezone != "" {
		name = u.Timezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

func (o OracleConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

func (e EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

func (d DeletionConfig) Lookback() time.Duration {
	return time.Duration(d.LookbackDays) * 24 * time.Hour
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".canonplan-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
