package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	xdgAppName = "taskmirror"
	configFile = "config.toml"

	DefaultCalendar = "Tasks"

	envSyncDSN  = "TASKMIRROR_SYNC_DSN"
	envRedisURL = "TASKMIRROR_REDIS_URL"
)

type Reminders struct {
	Enabled       bool   `toml:"enabled"`
	OffsetMinutes int    `toml:"offset_minutes"`
	CallTimeout   string `toml:"call_timeout"`
}

type Sync struct {
	Enabled       bool   `toml:"enabled"`
	Driver        string `toml:"driver"`
	DSN           string `toml:"dsn"`
	BatchSize     int    `toml:"batch_size"`
	Interval      string `toml:"interval"`
	BatchTimeout  string `toml:"batch_timeout"`
	TasksTable    string `toml:"tasks_table"`
	MetadataTable string `toml:"metadata_table"`
}

type Sweep struct {
	Interval string `toml:"interval"`
}

type Redis struct {
	URL     string `toml:"url"`
	Channel string `toml:"channel"`
	LockTTL string `toml:"lock_ttl"`
}

type HTTP struct {
	Addr string `toml:"addr"`
}

type Effects struct {
	Workers      int    `toml:"workers"`
	MaxAttempts  int    `toml:"max_attempts"`
	RetryInitial string `toml:"retry_initial"`
	RetryMax     string `toml:"retry_max"`
}

type Config struct {
	UserID    string    `toml:"user_id"`
	LogLevel  string    `toml:"log_level"`
	DataDir   string    `toml:"data_dir"`
	Calendar  string    `toml:"calendar"`
	Location  string    `toml:"location"`
	Reminders Reminders `toml:"reminders"`
	Sync      Sync      `toml:"sync"`
	Sweep     Sweep     `toml:"sweep"`
	Redis     Redis     `toml:"redis"`
	HTTP      HTTP      `toml:"http"`
	Effects   Effects   `toml:"effects"`
}

// Dir is the XDG config directory of the application. Tokens, the event index
// and the color palette live next to the config file.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", xdgAppName), nil
}

func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// LoadOrCreate reads the config at path, writing the defaults there first
// when the file does not exist. Empty fields fall back to defaults and
// secrets may be overridden from the environment.
func LoadOrCreate(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
		applyEnv(&cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	fillDefaults(&cfg)
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

// Update rewrites the file at path with fn applied. Environment overrides
// are not written back.
func Update(path string, fn func(*Config)) error {
	if _, err := LoadOrCreate(path); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	fillDefaults(&cfg)
	fn(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	return Save(path, cfg)
}

func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Calendar: DefaultCalendar,
		Location: "Local",
		Reminders: Reminders{
			Enabled:       true,
			OffsetMinutes: 15,
			CallTimeout:   "5s",
		},
		Sync: Sync{
			Driver:        "sqlite",
			BatchSize:     100,
			Interval:      "5m",
			BatchTimeout:  "30s",
			TasksTable:    "Tasks",
			MetadataTable: "SyncMetadata",
		},
		Sweep: Sweep{Interval: "1m"},
		Redis: Redis{Channel: "taskmirror:reminders", LockTTL: "2m"},
		HTTP:  HTTP{Addr: "127.0.0.1:8765"},
		Effects: Effects{
			Workers:      4,
			MaxAttempts:  5,
			RetryInitial: "250ms",
			RetryMax:     "30s",
		},
	}
}

func fillDefaults(cfg *Config) {
	def := Default()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Calendar == "" {
		cfg.Calendar = def.Calendar
	}
	if cfg.Location == "" {
		cfg.Location = def.Location
	}
	if cfg.Reminders.CallTimeout == "" {
		cfg.Reminders.CallTimeout = def.Reminders.CallTimeout
	}
	if cfg.Sync.Driver == "" {
		cfg.Sync.Driver = def.Sync.Driver
	}
	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = def.Sync.BatchSize
	}
	if cfg.Sync.Interval == "" {
		cfg.Sync.Interval = def.Sync.Interval
	}
	if cfg.Sync.BatchTimeout == "" {
		cfg.Sync.BatchTimeout = def.Sync.BatchTimeout
	}
	if cfg.Sync.TasksTable == "" {
		cfg.Sync.TasksTable = def.Sync.TasksTable
	}
	if cfg.Sync.MetadataTable == "" {
		cfg.Sync.MetadataTable = def.Sync.MetadataTable
	}
	if cfg.Sweep.Interval == "" {
		cfg.Sweep.Interval = def.Sweep.Interval
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = def.Redis.Channel
	}
	if cfg.Redis.LockTTL == "" {
		cfg.Redis.LockTTL = def.Redis.LockTTL
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = def.HTTP.Addr
	}
	if cfg.Effects.Workers <= 0 {
		cfg.Effects.Workers = def.Effects.Workers
	}
	if cfg.Effects.MaxAttempts <= 0 {
		cfg.Effects.MaxAttempts = def.Effects.MaxAttempts
	}
	if cfg.Effects.RetryInitial == "" {
		cfg.Effects.RetryInitial = def.Effects.RetryInitial
	}
	if cfg.Effects.RetryMax == "" {
		cfg.Effects.RetryMax = def.Effects.RetryMax
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envSyncDSN); v != "" {
		cfg.Sync.DSN = v
	}
	if v := os.Getenv(envRedisURL); v != "" {
		cfg.Redis.URL = v
	}
}

// Validate checks every duration and the location parse.
func (c Config) Validate() error {
	durations := map[string]string{
		"reminders.call_timeout": c.Reminders.CallTimeout,
		"sync.interval":          c.Sync.Interval,
		"sync.batch_timeout":     c.Sync.BatchTimeout,
		"sweep.interval":         c.Sweep.Interval,
		"redis.lock_ttl":         c.Redis.LockTTL,
		"effects.retry_initial":  c.Effects.RetryInitial,
		"effects.retry_max":      c.Effects.RetryMax,
	}
	for key, v := range durations {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	if _, err := c.Loc(); err != nil {
		return fmt.Errorf("invalid location: %w", err)
	}
	if c.Reminders.OffsetMinutes < 0 {
		return fmt.Errorf("invalid reminders.offset_minutes: %d", c.Reminders.OffsetMinutes)
	}
	switch c.Sync.Driver {
	case "postgres", "sqlite", "aztables":
	default:
		return fmt.Errorf("invalid sync.driver %q", c.Sync.Driver)
	}
	return nil
}

// Loc resolves Location; "Local" and "" mean the process zone.
func (c Config) Loc() (*time.Location, error) {
	if c.Location == "" || c.Location == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Location)
}

func (c Config) ReminderOffset() time.Duration {
	return time.Duration(c.Reminders.OffsetMinutes) * time.Minute
}

// Duration parses a duration field that Validate already checked. Zero is
// returned for unparseable input.
func Duration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

// DataPath places name under DataDir, or under dir when DataDir is unset.
func (c Config) DataPath(dir, name string) string {
	if c.DataDir != "" {
		return filepath.Join(c.DataDir, name)
	}
	return filepath.Join(dir, name)
}
