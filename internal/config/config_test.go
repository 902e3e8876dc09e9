package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
server:
  timezone: "America/Mexico_City"

api:
  listen_addr: ":9080"
  api_key: "test-api-key"

database:
  path: "/tmp/wapanel/test.db"

quota:
  daily_limit: 1000
  per_second: 20
  burst: 5

dispatch:
  workers: 4
  send_timeout: 10s
  sync_threshold: 25
  sync_budget: 5s

whatsapp:
  phone_number_id: "1234567890"
  token: "EAAG-test"
  default_language: "es"

recipients:
  default_region: "MX"

reminders:
  lead_days: [1, 2]
  templates:
    1: "reminder_tomorrow"
    2: "reminder_two_days"
  params:
    "1": "{{name}}"
    "2": "{{time}}"

logging:
  level: "debug"
  format: "text"
`
	cfg, err := Load(writeConfig(t, t.TempDir(), content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":9080" {
		t.Errorf("API.ListenAddr = %v, want :9080", cfg.API.ListenAddr)
	}
	if cfg.API.APIKey != "test-api-key" {
		t.Errorf("API.APIKey = %v, want test-api-key", cfg.API.APIKey)
	}
	if cfg.Database.QuotaPath != "/tmp/wapanel/quota.db" {
		t.Errorf("Database.QuotaPath = %v, want next to the database", cfg.Database.QuotaPath)
	}
	if cfg.Quota.DailyLimit != 1000 || cfg.Quota.PerSecond != 20 || cfg.Quota.Burst != 5 {
		t.Errorf("Quota = %+v", cfg.Quota)
	}
	if cfg.Dispatch.Workers != 4 || cfg.Dispatch.SendTimeout != 10*time.Second {
		t.Errorf("Dispatch = %+v", cfg.Dispatch)
	}
	if cfg.WhatsApp.Timeout != 10*time.Second {
		t.Errorf("WhatsApp.Timeout = %v, want send timeout", cfg.WhatsApp.Timeout)
	}
	if cfg.Reminders.Templates[2] != "reminder_two_days" || cfg.Reminders.Params["2"] != "{{time}}" {
		t.Errorf("Reminders = %+v", cfg.Reminders)
	}
	if cfg.Reminders.Language != "es" {
		t.Errorf("Reminders.Language = %v, want whatsapp default", cfg.Reminders.Language)
	}
	if cfg.Server.Location().String() != "America/Mexico_City" {
		t.Errorf("Location = %v", cfg.Server.Location())
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
}

func TestLoadDefaults(t *testing.T) {
	content := `
api:
  api_key: "k"
whatsapp:
  dry_run: true
`
	cfg, err := Load(writeConfig(t, t.TempDir(), content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.Quota.DailyLimit != 2000 {
		t.Errorf("Quota.DailyLimit = %v, want 2000", cfg.Quota.DailyLimit)
	}
	if cfg.Dispatch.Workers != 10 || cfg.Dispatch.PageSize != 100 {
		t.Errorf("Dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.SendTimeout != 20*time.Second || cfg.Dispatch.SyncBudget != 15*time.Second {
		t.Errorf("Dispatch timeouts = %v / %v", cfg.Dispatch.SendTimeout, cfg.Dispatch.SyncBudget)
	}
	if cfg.Recipients.MinDigits != 10 {
		t.Errorf("Recipients.MinDigits = %v, want 10", cfg.Recipients.MinDigits)
	}
	if len(cfg.Reminders.LeadDays) != 2 {
		t.Errorf("Reminders.LeadDays = %v, want [1 2]", cfg.Reminders.LeadDays)
	}
	if cfg.Events.Exchange != "wapanel.events" {
		t.Errorf("Events.Exchange = %v", cfg.Events.Exchange)
	}
	if cfg.Metrics.ListenAddr != ":9090" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Server.Location() != time.Local {
		t.Errorf("Location = %v, want local", cfg.Server.Location())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	content := `
api:
  api_key: "from-file"
database:
  path: "/data/file.db"
`
	cfgPath := writeConfig(t, dir, content)

	dotenv := "WAPANEL_WHATSAPP_TOKEN=token-from-dotenv\nWAPANEL_WHATSAPP_PHONE_NUMBER_ID=555\nWAPANEL_API_KEY=from-dotenv\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0600); err != nil {
		t.Fatal(err)
	}

	// Real environment wins over .env
	t.Setenv("WAPANEL_API_KEY", "from-env")
	t.Setenv("WAPANEL_DATABASE_PATH", "/srv/wapanel/env.db")
	t.Setenv("WAPANEL_QUOTA_DAILY_LIMIT", "250")
	t.Setenv("WAPANEL_REDIS_ADDR", "localhost:6379")
	// godotenv sets these in the process; register them for cleanup
	t.Setenv("WAPANEL_WHATSAPP_TOKEN", "")
	t.Setenv("WAPANEL_WHATSAPP_PHONE_NUMBER_ID", "")
	os.Unsetenv("WAPANEL_WHATSAPP_TOKEN")
	os.Unsetenv("WAPANEL_WHATSAPP_PHONE_NUMBER_ID")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.APIKey != "from-env" {
		t.Errorf("API.APIKey = %v, want from-env", cfg.API.APIKey)
	}
	if cfg.WhatsApp.Token != "token-from-dotenv" || cfg.WhatsApp.PhoneNumberID != "555" {
		t.Errorf("WhatsApp = %+v", cfg.WhatsApp)
	}
	if cfg.Database.Path != "/srv/wapanel/env.db" || cfg.Database.QuotaPath != "/srv/wapanel/quota.db" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Quota.DailyLimit != 250 {
		t.Errorf("Quota.DailyLimit = %v, want 250", cfg.Quota.DailyLimit)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %v", cfg.Redis.Addr)
	}
}

func TestLoadInvalidEnvNumber(t *testing.T) {
	t.Setenv("WAPANEL_QUOTA_DAILY_LIMIT", "lots")
	_, err := Load(writeConfig(t, t.TempDir(), "api:\n  api_key: k\nwhatsapp:\n  dry_run: true\n"))
	if err == nil {
		t.Error("Load() expected error for non-numeric quota override")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Config{
			API:      APIConfig{APIKey: "k"},
			WhatsApp: WhatsAppConfig{PhoneNumberID: "1", Token: "t"},
		}
		c.setDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"dry run needs no credentials", func(c *Config) { c.WhatsApp = WhatsAppConfig{DryRun: true} }, false},
		{"missing api key", func(c *Config) { c.API.APIKey = "" }, true},
		{"missing whatsapp token", func(c *Config) { c.WhatsApp.Token = "" }, true},
		{"missing phone number id", func(c *Config) { c.WhatsApp.PhoneNumberID = "" }, true},
		{"zero quota", func(c *Config) { c.Quota.DailyLimit = -1 }, true},
		{"negative pacing", func(c *Config) { c.Quota.PerSecond = -1 }, true},
		{"no workers", func(c *Config) { c.Dispatch.Workers = -2 }, true},
		{"sync budget exceeds write timeout", func(c *Config) {
			c.Dispatch.SyncThreshold = 10
			c.Dispatch.SyncBudget = time.Minute
		}, true},
		{"negative lead", func(c *Config) { c.Reminders.LeadDays = []int{1, -1} }, true},
		{"negative flush interval", func(c *Config) { c.Quota.FlushInterval = -time.Second }, true},
		{"negative collect interval", func(c *Config) { c.Metrics.CollectInterval = -time.Second }, true},
		{"negative send timeout", func(c *Config) { c.Dispatch.SendTimeout = -time.Second }, true},
		{"invalid timezone", func(c *Config) { c.Server.Timezone = "Mars/Olympus" }, true},
		{"invalid log level", func(c *Config) { c.Logging.Level = "invalid" }, true},
		{"invalid log format", func(c *Config) { c.Logging.Format = "invalid" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, t.TempDir(), `invalid: yaml: content: [`))
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}
