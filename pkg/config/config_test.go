package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if cfg.Calendar != DefaultCalendar || cfg.Sync.BatchSize != 100 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected config file written: %v", err)
	}
	if !strings.Contains(string(data), "offset_minutes = 15") {
		t.Errorf("expected reminders section in file, got:\n%s", data)
	}
}

func TestLoadFillsMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
user_id = "u1"
calendar = "Work"
location = "Europe/Berlin"

[reminders]
enabled = true
offset_minutes = 30

[sync]
enabled = true
driver = "postgres"
dsn = "postgres://localhost/tasks"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if cfg.UserID != "u1" || cfg.Calendar != "Work" || cfg.Sync.Driver != "postgres" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.ReminderOffset() != 30*time.Minute {
		t.Errorf("offset = %v", cfg.ReminderOffset())
	}
	if cfg.Sync.BatchSize != 100 || Duration(cfg.Sweep.Interval) != time.Minute || cfg.Effects.Workers != 4 {
		t.Errorf("defaults not filled: %+v", cfg)
	}
	loc, err := cfg.Loc()
	if err != nil || loc.String() != "Europe/Berlin" {
		t.Errorf("location = %v, %v", loc, err)
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv(envSyncDSN, "postgres://secret")
	t.Setenv(envRedisURL, "redis://cache:6379/0")

	cfg, err := LoadOrCreate(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if cfg.Sync.DSN != "postgres://secret" || cfg.Redis.URL != "redis://cache:6379/0" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestUpdateKeepsEnvOutOfFile(t *testing.T) {
	t.Setenv(envSyncDSN, "postgres://secret")
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Update(path, func(cfg *Config) { cfg.Calendar = "Work" }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "secret") {
		t.Errorf("env secret written to config:\n%s", data)
	}
	cfg, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if cfg.Calendar != "Work" {
		t.Errorf("calendar = %q, want Work", cfg.Calendar)
	}

	if err := Update(path, func(cfg *Config) { cfg.Reminders.OffsetMinutes = -1 }); err == nil {
		t.Error("expected validation error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"duration": func(c *Config) { c.Sweep.Interval = "soon" },
		"location": func(c *Config) { c.Location = "Mars/Olympus" },
		"driver":   func(c *Config) { c.Sync.Driver = "mongo" },
		"offset":   func(c *Config) { c.Reminders.OffsetMinutes = -1 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestDataPath(t *testing.T) {
	cfg := Default()
	if got := cfg.DataPath("/cfg", "tasks.db"); got != filepath.Join("/cfg", "tasks.db") {
		t.Errorf("got %s", got)
	}
	cfg.DataDir = "/data"
	if got := cfg.DataPath("/cfg", "tasks.db"); got != filepath.Join("/data", "tasks.db") {
		t.Errorf("got %s", got)
	}
}
