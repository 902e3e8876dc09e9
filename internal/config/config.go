package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	API        APIConfig        `yaml:"api"`
	Database   DatabaseConfig   `yaml:"database"`
	Quota      QuotaConfig      `yaml:"quota"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	WhatsApp   WhatsAppConfig   `yaml:"whatsapp"`
	Recipients RecipientsConfig `yaml:"recipients"`
	Reminders  RemindersConfig  `yaml:"reminders"`
	Redis      RedisConfig      `yaml:"redis"`
	Events     EventsConfig     `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains process-wide settings
type ServerConfig struct {
	// Timezone defines local midnight for the quota window and reminder dates
	Timezone        string        `yaml:"timezone"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	location *time.Location
}

// Location returns the parsed time zone
func (s ServerConfig) Location() *time.Location {
	if s.location == nil {
		return time.Local
	}
	return s.location
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"` // Max recipient file size (default: 10MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"` // Must cover the synchronous start budget
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig contains storage paths
type DatabaseConfig struct {
	Path      string `yaml:"path"`       // SQLite campaign store
	QuotaPath string `yaml:"quota_path"` // bbolt file holding the daily counter
	// RetentionDays is the default age for the cleanup command
	RetentionDays int `yaml:"retention_days"`
}

// QuotaConfig contains the provider's daily ceiling
type QuotaConfig struct {
	DailyLimit    int           `yaml:"daily_limit"` // Default: 2000
	PerSecond     float64       `yaml:"per_second"`  // 0 = no pacing
	Burst         int           `yaml:"burst"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DispatchConfig contains worker pool settings
type DispatchConfig struct {
	Workers       int           `yaml:"workers"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	PageSize      int           `yaml:"page_size"`
	SyncThreshold int           `yaml:"sync_threshold"` // Campaigns up to this size are awaited; 0 = never
	SyncBudget    time.Duration `yaml:"sync_budget"`
	MaxRecipients int           `yaml:"max_recipients"` // 0 = unlimited
	LockTTL       time.Duration `yaml:"lock_ttl"`
}

// WhatsAppConfig contains Cloud API settings
type WhatsAppConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIVersion      string        `yaml:"api_version"`
	PhoneNumberID   string        `yaml:"phone_number_id"`
	Token           string        `yaml:"token"`
	Timeout         time.Duration `yaml:"timeout"`
	DefaultLanguage string        `yaml:"default_language"`
	// DryRun logs messages instead of calling the API
	DryRun      bool          `yaml:"dry_run"`
	DryRunDelay time.Duration `yaml:"dry_run_delay"`
}

// RecipientsConfig controls phone normalization
type RecipientsConfig struct {
	DefaultRegion string `yaml:"default_region"` // ISO 3166 code, e.g. MX
	MinDigits     int    `yaml:"min_digits"`
}

// RemindersConfig contains appointment reminder settings
type RemindersConfig struct {
	LeadDays  []int             `yaml:"lead_days"`
	Templates map[int]string    `yaml:"templates"` // lead days -> template
	Template  string            `yaml:"template"`  // fallback template
	Language  string            `yaml:"language"`
	Params    map[string]string `yaml:"params"`
}

// RedisConfig enables the cross-process creation lock
type RedisConfig struct {
	Addr     string        `yaml:"addr"` // empty = in-process lock
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	WaitFor  time.Duration `yaml:"wait_for"`
}

// EventsConfig enables lifecycle event publishing
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"` // empty = events disabled
	Exchange string `yaml:"exchange"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"` // Default: :9090
	Path            string        `yaml:"path"`        // Default: /metrics
	CollectInterval time.Duration `yaml:"collect_interval"`
	AllowedIPs      []string      `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file. A .env file next to it is
// loaded first, and WAPANEL_* variables override secrets from the file.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads path when it exists; variables already set win
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxUploadBytes == 0 {
		c.API.MaxUploadBytes = 10 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/wapanel/wapanel.db"
	}
	if c.Database.QuotaPath == "" {
		c.Database.QuotaPath = filepath.Join(filepath.Dir(c.Database.Path), "quota.db")
	}
	if c.Database.RetentionDays == 0 {
		c.Database.RetentionDays = 90
	}

	if c.Quota.DailyLimit == 0 {
		c.Quota.DailyLimit = 2000
	}
	if c.Quota.FlushInterval == 0 {
		c.Quota.FlushInterval = 10 * time.Second
	}

	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 10
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = 20 * time.Second
	}
	if c.Dispatch.PageSize == 0 {
		c.Dispatch.PageSize = 100
	}
	if c.Dispatch.SyncBudget == 0 {
		c.Dispatch.SyncBudget = 15 * time.Second
	}
	if c.Dispatch.LockTTL == 0 {
		c.Dispatch.LockTTL = 30 * time.Second
	}

	if c.WhatsApp.APIVersion == "" {
		c.WhatsApp.APIVersion = "v21.0"
	}
	if c.WhatsApp.Timeout == 0 {
		c.WhatsApp.Timeout = c.Dispatch.SendTimeout
	}
	if c.WhatsApp.DefaultLanguage == "" {
		c.WhatsApp.DefaultLanguage = "es_MX"
	}

	if c.Recipients.MinDigits == 0 {
		c.Recipients.MinDigits = 10
	}

	if len(c.Reminders.LeadDays) == 0 {
		c.Reminders.LeadDays = []int{1, 2}
	}
	if c.Reminders.Language == "" {
		c.Reminders.Language = c.WhatsApp.DefaultLanguage
	}

	if c.Events.Exchange == "" {
		c.Events.Exchange = "wapanel.events"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 15 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// applyEnv overrides secrets and endpoints from the environment
func (c *Config) applyEnv() error {
	overrides := []struct {
		key string
		dst *string
	}{
		{"WAPANEL_API_KEY", &c.API.APIKey},
		{"WAPANEL_WHATSAPP_TOKEN", &c.WhatsApp.Token},
		{"WAPANEL_WHATSAPP_PHONE_NUMBER_ID", &c.WhatsApp.PhoneNumberID},
		{"WAPANEL_REDIS_ADDR", &c.Redis.Addr},
		{"WAPANEL_REDIS_PASSWORD", &c.Redis.Password},
		{"WAPANEL_AMQP_URL", &c.Events.AMQPURL},
		{"WAPANEL_DATABASE_PATH", &c.Database.Path},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.dst = v
		}
	}

	if v := os.Getenv("WAPANEL_QUOTA_DAILY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WAPANEL_QUOTA_DAILY_LIMIT %q: %w", v, err)
		}
		c.Quota.DailyLimit = n
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Timezone != "" {
		loc, err := time.LoadLocation(c.Server.Timezone)
		if err != nil {
			return fmt.Errorf("invalid server.timezone %q: %w", c.Server.Timezone, err)
		}
		c.Server.location = loc
	}

	if c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"api.read_timeout", c.API.ReadTimeout},
		{"api.write_timeout", c.API.WriteTimeout},
		{"api.idle_timeout", c.API.IdleTimeout},
		{"quota.flush_interval", c.Quota.FlushInterval},
		{"dispatch.send_timeout", c.Dispatch.SendTimeout},
		{"dispatch.sync_budget", c.Dispatch.SyncBudget},
		{"dispatch.lock_ttl", c.Dispatch.LockTTL},
		{"whatsapp.timeout", c.WhatsApp.Timeout},
		{"whatsapp.dry_run_delay", c.WhatsApp.DryRunDelay},
		{"redis.wait_for", c.Redis.WaitFor},
		{"metrics.collect_interval", c.Metrics.CollectInterval},
	}
	for _, f := range durations {
		if f.d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
	}

	if c.Quota.DailyLimit < 1 {
		return fmt.Errorf("quota.daily_limit must be positive")
	}
	if c.Quota.PerSecond < 0 {
		return fmt.Errorf("quota.per_second must not be negative")
	}

	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be positive")
	}
	if c.Dispatch.SyncThreshold > 0 && c.Dispatch.SyncBudget >= c.API.WriteTimeout {
		return fmt.Errorf("dispatch.sync_budget (%s) must be shorter than api.write_timeout (%s)",
			c.Dispatch.SyncBudget, c.API.WriteTimeout)
	}

	if !c.WhatsApp.DryRun {
		if c.WhatsApp.PhoneNumberID == "" {
			return fmt.Errorf("whatsapp.phone_number_id is required unless dry_run is set")
		}
		if c.WhatsApp.Token == "" {
			return fmt.Errorf("whatsapp.token is required unless dry_run is set")
		}
	}

	for _, lead := range c.Reminders.LeadDays {
		if lead < 0 {
			return fmt.Errorf("reminders.lead_days must not contain negative values")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

