// Package config loads and validates the engine configuration: a JSON
// config file layered under STORYSYNC_-prefixed environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/epicforge/storysync/internal/utils"
)

// TrackerConfig holds the work-item tracker connection settings.
type TrackerConfig struct {
	OrganizationURL     string `json:"organization_url" mapstructure:"organization_url"`
	Project             string `json:"project" mapstructure:"project"`
	PersonalAccessToken string `json:"personal_access_token,omitempty" mapstructure:"personal_access_token"`
	APIVersion          string `json:"api_version,omitempty" mapstructure:"api_version"`
	TimeoutSeconds      int    `json:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
}

// GeneratorConfig holds the LLM generator settings.
type GeneratorConfig struct {
	Model             string `json:"model" mapstructure:"model"`
	APIKey            string `json:"api_key,omitempty" mapstructure:"api_key"`
	MaxRetries        int    `json:"max_retries,omitempty" mapstructure:"max_retries"`
	RetryDelaySeconds int    `json:"retry_delay_seconds,omitempty" mapstructure:"retry_delay_seconds"`
	TimeoutSeconds    int    `json:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
}

// Config is the full engine configuration. Fields marked hot-reloadable in
// the comments are re-read by the config watcher without a restart.
type Config struct {
	PollIntervalSeconds int    `json:"poll_interval_seconds" mapstructure:"poll_interval_seconds"` // hot
	MaxConcurrentSyncs  int    `json:"max_concurrent_syncs" mapstructure:"max_concurrent_syncs"`
	SnapshotDirectory   string `json:"snapshot_directory" mapstructure:"snapshot_directory"`
	StateDirectory      string `json:"state_directory" mapstructure:"state_directory"`
	LogLevel            string `json:"log_level" mapstructure:"log_level"`
	LogFile             string `json:"log_file,omitempty" mapstructure:"log_file"`

	RootIDs         []string `json:"root_ids" mapstructure:"root_ids"`
	ExcludedRootIDs []string `json:"excluded_root_ids" mapstructure:"excluded_root_ids"`

	AutoSync               bool `json:"auto_sync" mapstructure:"auto_sync"`
	AutoExtractNewRoots    bool `json:"auto_extract_new_roots" mapstructure:"auto_extract_new_roots"`
	AutoTestCaseExtraction bool `json:"auto_test_case_extraction" mapstructure:"auto_test_case_extraction"`

	RetryAttempts     int `json:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelaySeconds int `json:"retry_delay_seconds" mapstructure:"retry_delay_seconds"`

	RequirementType        string `json:"requirement_type" mapstructure:"requirement_type"`
	UserStoryType          string `json:"user_story_type" mapstructure:"user_story_type"`
	StoryExtractionType    string `json:"story_extraction_type" mapstructure:"story_extraction_type"`
	TestCaseExtractionType string `json:"test_case_extraction_type" mapstructure:"test_case_extraction_type"`

	EnableCompactExtraction     bool    `json:"enable_compact_extraction" mapstructure:"enable_compact_extraction"`
	ChangeSignificanceThreshold float64 `json:"change_significance_threshold" mapstructure:"change_significance_threshold"` // hot
	MaxChangesPerRoot           int     `json:"max_changes_per_root" mapstructure:"max_changes_per_root"`

	TitleChangeWeight       float64 `json:"title_change_weight" mapstructure:"title_change_weight"`             // hot
	DescriptionChangeWeight float64 `json:"description_change_weight" mapstructure:"description_change_weight"` // hot
	StateChangeWeight       float64 `json:"state_change_weight" mapstructure:"state_change_weight"`             // hot

	ExtractionCooldownHours int  `json:"extraction_cooldown_hours" mapstructure:"extraction_cooldown_hours"` // hot
	ArchiveOrphans          bool `json:"archive_orphans" mapstructure:"archive_orphans"`
	ManualOverrideEnabled   bool `json:"manual_override_enabled" mapstructure:"manual_override_enabled"`

	NotificationWebhookURL string `json:"notification_webhook_url,omitempty" mapstructure:"notification_webhook_url"`
	HTTPListenAddr         string `json:"http_listen_addr" mapstructure:"http_listen_addr"`

	Tracker   TrackerConfig   `json:"tracker" mapstructure:"tracker"`
	Generator GeneratorConfig `json:"generator" mapstructure:"generator"`

	// path the config was loaded from, used by Save.
	path string
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("poll_interval_seconds", 300)
	v.SetDefault("max_concurrent_syncs", 3)
	v.SetDefault("snapshot_directory", "snapshots")
	v.SetDefault("state_directory", ".")
	v.SetDefault("log_level", "info")
	v.SetDefault("auto_sync", true)
	v.SetDefault("auto_extract_new_roots", true)
	v.SetDefault("auto_test_case_extraction", false)
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("retry_delay_seconds", 60)
	v.SetDefault("requirement_type", "Epic")
	v.SetDefault("user_story_type", "User Story")
	v.SetDefault("story_extraction_type", "Epic")
	v.SetDefault("test_case_extraction_type", "User Story")
	v.SetDefault("enable_compact_extraction", true)
	v.SetDefault("change_significance_threshold", 0.3)
	v.SetDefault("max_changes_per_root", 5)
	v.SetDefault("title_change_weight", 0.8)
	v.SetDefault("description_change_weight", 0.6)
	v.SetDefault("state_change_weight", 0.2)
	v.SetDefault("extraction_cooldown_hours", 0)
	v.SetDefault("archive_orphans", false)
	v.SetDefault("manual_override_enabled", false)
	v.SetDefault("http_listen_addr", "127.0.0.1:8787")
	v.SetDefault("log_file", "")
	v.SetDefault("notification_webhook_url", "")
	v.SetDefault("root_ids", []string{})
	v.SetDefault("excluded_root_ids", []string{})

	// Empty defaults keep env-only keys visible to Unmarshal.
	v.SetDefault("tracker.organization_url", "")
	v.SetDefault("tracker.project", "")
	v.SetDefault("tracker.personal_access_token", "")
	v.SetDefault("generator.api_key", "")
	v.SetDefault("tracker.api_version", "7.0")
	v.SetDefault("tracker.timeout_seconds", 30)
	v.SetDefault("generator.model", "claude-sonnet-4-20250514")
	v.SetDefault("generator.max_retries", 3)
	v.SetDefault("generator.retry_delay_seconds", 2)
	v.SetDefault("generator.timeout_seconds", 120)
}

// Load reads the JSON config at path (optional: empty path loads defaults
// plus environment only) and applies STORYSYNC_-prefixed env overrides.
// Nested keys use underscores: STORYSYNC_TRACKER_PERSONAL_ACCESS_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STORYSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first fatal configuration problem, or nil.
func (c *Config) Validate() error {
	switch {
	case c.PollIntervalSeconds <= 0:
		return fmt.Errorf("config: poll_interval_seconds must be positive, got %d", c.PollIntervalSeconds)
	case c.MaxConcurrentSyncs <= 0:
		return fmt.Errorf("config: max_concurrent_syncs must be positive, got %d", c.MaxConcurrentSyncs)
	case c.SnapshotDirectory == "":
		return fmt.Errorf("config: snapshot_directory is required")
	case c.ChangeSignificanceThreshold < 0 || c.ChangeSignificanceThreshold > 1:
		return fmt.Errorf("config: change_significance_threshold must be in [0,1], got %g", c.ChangeSignificanceThreshold)
	case c.MaxChangesPerRoot < 0:
		return fmt.Errorf("config: max_changes_per_root must be non-negative, got %d", c.MaxChangesPerRoot)
	case c.RetryAttempts < 0:
		return fmt.Errorf("config: retry_attempts must be non-negative, got %d", c.RetryAttempts)
	case c.ExtractionCooldownHours < 0:
		return fmt.Errorf("config: extraction_cooldown_hours must be non-negative, got %d", c.ExtractionCooldownHours)
	}
	for _, w := range []struct {
		name  string
		value float64
	}{
		{"title_change_weight", c.TitleChangeWeight},
		{"description_change_weight", c.DescriptionChangeWeight},
		{"state_change_weight", c.StateChangeWeight},
	} {
		if w.value < 0 || w.value > 1 {
			return fmt.Errorf("config: %s must be in [0,1], got %g", w.name, w.value)
		}
	}
	return nil
}

// IsExcluded reports whether id is on the exclusion list.
func (c *Config) IsExcluded(id string) bool {
	for _, x := range c.ExcludedRootIDs {
		if x == id {
			return true
		}
	}
	return false
}

// Exclude appends id to the exclusion list if not already present and
// reports whether the list changed.
func (c *Config) Exclude(id string) bool {
	if c.IsExcluded(id) {
		return false
	}
	c.ExcludedRootIDs = append(c.ExcludedRootIDs, id)
	return true
}

// Save persists the config back to the file it was loaded from, so that
// exclusions survive a restart. No-op when the config did not come from a
// file. Secrets already present in the file are rewritten as-is.
func (c *Config) Save() error {
	if c.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return utils.WriteFileAtomic(c.path, data, 0o600)
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string { return c.path }
