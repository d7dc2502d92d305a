package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/harrisonrobin/taskmirror/pkg/auth"
	"github.com/harrisonrobin/taskmirror/pkg/calendar"
	"github.com/harrisonrobin/taskmirror/pkg/clock"
	"github.com/harrisonrobin/taskmirror/pkg/colors"
	"github.com/harrisonrobin/taskmirror/pkg/config"
	"github.com/harrisonrobin/taskmirror/pkg/effects"
	"github.com/harrisonrobin/taskmirror/pkg/engine"
	"github.com/harrisonrobin/taskmirror/pkg/google"
	"github.com/harrisonrobin/taskmirror/pkg/index"
	"github.com/harrisonrobin/taskmirror/pkg/localdb"
	"github.com/harrisonrobin/taskmirror/pkg/lock"
	"github.com/harrisonrobin/taskmirror/pkg/notify"
	"github.com/harrisonrobin/taskmirror/pkg/reminder"
	"github.com/harrisonrobin/taskmirror/pkg/remote"
	"github.com/harrisonrobin/taskmirror/pkg/syncer"
)

type globalFlags struct {
	configPath string
	calendar   string
	noCalendar bool
}

// app is one fully wired engine plus the resources it owns.
type app struct {
	cfg    config.Config
	dir    string
	logger *log.Logger
	engine *engine.Engine
	sched  *reminder.Scheduler

	closers []func() error
}

func loadConfig(flags *globalFlags) (config.Config, string, error) {
	path := flags.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return config.Config{}, "", fmt.Errorf("could not find path to configuration file: %w", err)
		}
		path = p
	}
	cfg, err := config.LoadOrCreate(path)
	if err != nil {
		return cfg, "", err
	}
	if flags.calendar != "" {
		cfg.Calendar = flags.calendar
	}
	return cfg, filepath.Dir(path), nil
}

func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, dir, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger := log.StandardLogger()
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil && logger.GetLevel() < log.DebugLevel {
		logger.SetLevel(lvl)
	}
	loc, err := cfg.Loc()
	if err != nil {
		return nil, err
	}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	a := &app{cfg: cfg, dir: dir, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()
	clk := clock.New()

	db, err := localdb.Open(cfg.DataPath(dir, localdb.FileName))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	var rc *redis.Client
	if cfg.Redis.URL != "" {
		rc = redis.NewClient(parseRedis(cfg.Redis.URL))
		a.closers = append(a.closers, rc.Close)
	}

	senders := notify.Fanout{notify.NewLogSender(logger)}
	if rc != nil {
		senders = append(senders, notify.NewRedisSender(rc, cfg.Redis.Channel))
	}
	backend := notify.NewTimerBackend(senders, notify.Options{Clock: clk, Logger: logger})
	a.sched = reminder.New(backend, reminder.Options{
		Clock:  clk,
		Logger: logger,
		Preferences: reminder.Preferences{
			Enabled: cfg.Reminders.Enabled,
			Offset:  cfg.ReminderOffset(),
		},
		CallTimeout: config.Duration(cfg.Reminders.CallTimeout),
	})
	backend.OnFired(a.sched.ForgetNotification)

	var mirror engine.Mirror
	if !flags.noCalendar {
		m, err := a.connectCalendar(ctx, clk, loc)
		if err != nil {
			logger.WithError(err).Warn("calendar unavailable, continuing without calendar mirror")
		} else {
			mirror = m
		}
	}

	var locker lock.Locker = lock.NewLocal()
	if rc != nil {
		locker = lock.NewRedis(rc, "taskmirror", config.Duration(cfg.Redis.LockTTL))
	}

	var sync engine.Syncer
	if cfg.Sync.Enabled {
		store, err := openRemote(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("remote store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		sync = syncer.New(store, syncer.Options{
			Clock:        clk,
			Logger:       logger,
			Locker:       locker,
			BatchSize:    cfg.Sync.BatchSize,
			BatchTimeout: config.Duration(cfg.Sync.BatchTimeout),
		})
	}

	a.engine = engine.New(engine.Deps{
		Reminders:   a.sched,
		Mirror:      mirror,
		Local:       db,
		Sync:        sync,
		Firer:       backend,
		Clock:       clk,
		Logger:      logger,
		SweepLocker: locker,
		Effects: effects.Options{
			Workers:      cfg.Effects.Workers,
			MaxAttempts:  cfg.Effects.MaxAttempts,
			RetryInitial: config.Duration(cfg.Effects.RetryInitial),
			RetryMax:     config.Duration(cfg.Effects.RetryMax),
		},
	}, engine.Config{
		UserID:        cfg.UserID,
		SweepInterval: config.Duration(cfg.Sweep.Interval),
		SyncInterval:  config.Duration(cfg.Sync.Interval),
	})
	a.closers = append([]func() error{func() error { a.engine.Close(); return nil }}, a.closers...)

	if err := a.engine.Load(ctx); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *app) connectCalendar(ctx context.Context, clk clock.Clock, loc *time.Location) (*calendar.Mirror, error) {
	httpClient, err := auth.NewFlow(a.dir, a.logger).Client(ctx, auth.Scopes)
	if err != nil {
		return nil, err
	}
	palette, err := colors.Open(a.cfg.DataPath(a.dir, colors.FileName), clk)
	if err != nil {
		return nil, err
	}
	client, err := google.Connect(ctx, a.cfg.Calendar, palette, a.logger, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}
	idx, err := index.Open(a.cfg.DataPath(a.dir, index.FileName))
	if err != nil {
		return nil, err
	}
	return calendar.NewMirror(client, idx, calendar.Options{
		Logger:      a.logger,
		Location:    loc,
		AlarmOffset: a.cfg.ReminderOffset(),
		CallTimeout: config.Duration(a.cfg.Reminders.CallTimeout),
	}), nil
}

func openRemote(ctx context.Context, cfg config.Config) (remote.Store, error) {
	if cfg.Sync.Driver == "aztables" {
		return remote.NewTableStore(ctx, cfg.Sync.DSN, cfg.Sync.TasksTable, cfg.Sync.MetadataTable)
	}
	return remote.OpenSQL(ctx, cfg.Sync.Driver, cfg.Sync.DSN)
}

// parseRedis accepts a redis:// URL or the host:port,password=...,ssl=true
// connection string form.
func parseRedis(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

// Close drains the effect queue and releases every resource.
func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
