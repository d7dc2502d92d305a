// Package engine is the task lifecycle entry point. Mutations apply to the
// store synchronously; reminders, the calendar mirror, local persistence and
// remote deletes follow asynchronously through the effect queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/harrisonrobin/taskmirror/pkg/clock"
	"github.com/harrisonrobin/taskmirror/pkg/effects"
	"github.com/harrisonrobin/taskmirror/pkg/lock"
	"github.com/harrisonrobin/taskmirror/pkg/model"
	"github.com/harrisonrobin/taskmirror/pkg/overdue"
	"github.com/harrisonrobin/taskmirror/pkg/reminder"
	"github.com/harrisonrobin/taskmirror/pkg/store"
	"github.com/harrisonrobin/taskmirror/pkg/syncer"
)

var (
	ErrInvalidTask     = errors.New("invalid task")
	ErrTaskNotFound    = errors.New("task not found")
	ErrSubtaskNotFound = errors.New("subtask not found")
	ErrSyncDisabled    = errors.New("remote sync is not configured")
)

type Reminders interface {
	Schedule(ctx context.Context, task model.Task) (string, bool)
	Cancel(ctx context.Context, taskID string)
	RescheduleAll(ctx context.Context, tasks []model.Task) int
	SetPreferences(p reminder.Preferences)
	Preferences() reminder.Preferences
}

type Mirror interface {
	Sync(ctx context.Context, task model.Task) error
	Remove(ctx context.Context, taskID string) error
	SetAlarmOffset(d time.Duration)
	PruneOrphans(ctx context.Context, live func(taskID string) bool) int
}

// Persister is the durable local copy of the store.
type Persister interface {
	LoadTasks(ctx context.Context) ([]model.Task, error)
	SaveTask(ctx context.Context, t model.Task) error
	DeleteTask(ctx context.Context, id string) error
}

type Syncer interface {
	Pass(ctx context.Context, userID string, merge syncer.MergeFunc, snapshot func() []model.Task) (syncer.PassResult, error)
	DeleteRemote(ctx context.Context, taskID, userID string) error
}

// Deps are the collaborators of an Engine. Sync is optional.
type Deps struct {
	Store     *store.Store
	Reminders Reminders
	Mirror    Mirror
	Local     Persister
	Sync      Syncer
	Firer     overdue.Firer
	Clock     clock.Clock
	Logger    *log.Logger

	// SweepLocker serializes sweeps across processes.
	SweepLocker lock.Locker
	Effects     effects.Options
}

type Config struct {
	UserID        string
	SweepInterval time.Duration
	SyncInterval  time.Duration
}

type Engine struct {
	store     *store.Store
	reminders Reminders
	mirror    Mirror
	local     Persister
	sync      Syncer
	sweeper   *overdue.Sweeper
	queue     *effects.Queue
	clock     clock.Clock
	logger    *log.Logger
	cfg       Config
}

func New(d Deps, cfg Config) *Engine {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.Store == nil {
		d.Store = store.New(d.Clock)
	}
	e := &Engine{
		store:     d.Store,
		reminders: d.Reminders,
		mirror:    d.Mirror,
		local:     d.Local,
		sync:      d.Sync,
		clock:     d.Clock,
		logger:    d.Logger,
		cfg:       cfg,
	}

	qopts := d.Effects
	if qopts.Clock == nil {
		qopts.Clock = d.Clock
	}
	if qopts.Logger == nil {
		qopts.Logger = d.Logger
	}
	e.queue = effects.NewQueue(e.apply, qopts)

	if d.Firer != nil {
		e.sweeper = overdue.NewSweeper(d.Store, d.Firer, d.Reminders, overdue.Options{
			Logger:    d.Logger,
			Locker:    d.SweepLocker,
			OnCleared: e.alertCleared,
		})
	}
	return e
}

// Load seeds the store from the local database.
func (e *Engine) Load(ctx context.Context) error {
	if e.local == nil {
		return nil
	}
	tasks, err := e.local.LoadTasks(ctx)
	if err != nil {
		return fmt.Errorf("load local tasks: %w", err)
	}
	e.store.Load(tasks)
	e.logger.WithField("tasks", len(tasks)).Debug("store loaded")
	return nil
}

// CreateTask stores task and returns the stored version. An empty id is
// replaced with a generated one.
func (e *Engine) CreateTask(task model.Task) (model.Task, error) {
	if task.Title == "" {
		return model.Task{}, fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	stored := e.store.Create(task)
	e.enqueue(upsertEffects(stored)...)
	return stored, nil
}

func (e *Engine) UpdateTask(task model.Task) (model.Task, error) {
	if task.ID == "" {
		return model.Task{}, fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	stored := e.store.Update(task)
	e.enqueue(upsertEffects(stored)...)
	return stored, nil
}

// DeleteTask removes id and tears down its reminder, calendar event, local
// row and remote replica. Unknown ids are a no-op.
func (e *Engine) DeleteTask(id string) {
	if _, ok := e.store.Get(id); !ok {
		return
	}
	e.store.Delete(id)
	fx := []effects.Effect{
		effects.ForID(effects.DeleteLocal, id),
		effects.ForID(effects.CancelReminder, id),
		effects.ForID(effects.RemoveCalendar, id),
	}
	if e.sync != nil && e.cfg.UserID != "" {
		fx = append(fx, effects.ForID(effects.DeleteRemote, id))
	}
	e.enqueue(fx...)
}

func (e *Engine) SetCompleted(id string, completed bool) (model.Task, error) {
	stored, ok := e.store.Modify(id, func(t *model.Task) bool {
		t.Completed = completed
		return true
	})
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	e.enqueue(upsertEffects(stored)...)
	return stored, nil
}

// SetSubtaskCompleted toggles one subtask. Completing the last open subtask
// completes the task.
func (e *Engine) SetSubtaskCompleted(id, subtaskID string, completed bool) (model.Task, error) {
	stored, ok := e.store.Modify(id, func(t *model.Task) bool {
		for i := range t.Subtasks {
			if t.Subtasks[i].ID == subtaskID {
				t.Subtasks[i].Completed = completed
				return true
			}
		}
		return false
	})
	if !ok {
		if _, exists := e.store.Get(id); !exists {
			return model.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return model.Task{}, fmt.Errorf("%w: %s/%s", ErrSubtaskNotFound, id, subtaskID)
	}
	e.enqueue(upsertEffects(stored)...)
	return stored, nil
}

func (e *Engine) Get(id string) (model.Task, bool) {
	return e.store.Get(id)
}

func (e *Engine) List() []model.Task {
	return e.store.List()
}

func (e *Engine) ReminderPreferences() reminder.Preferences {
	return e.reminders.Preferences()
}

// SetReminderPreferences applies new preferences and re-arms every reminder.
// The calendar alarm offset follows the reminder offset.
func (e *Engine) SetReminderPreferences(ctx context.Context, p reminder.Preferences) int {
	e.reminders.SetPreferences(p)
	if e.mirror != nil {
		e.mirror.SetAlarmOffset(p.Offset)
	}
	n := e.reminders.RescheduleAll(ctx, e.store.List())
	e.logger.WithFields(log.Fields{"enabled": p.Enabled, "offset": p.Offset, "scheduled": n}).Info("reminder preferences updated")
	return n
}

// SyncNow runs one pull-then-push pass for the configured user. Pulled rows
// that win the merge get their local effects; nothing is pushed back for them.
func (e *Engine) SyncNow(ctx context.Context) (syncer.PassResult, error) {
	if e.sync == nil || e.cfg.UserID == "" {
		return syncer.PassResult{}, ErrSyncDisabled
	}
	merge := func(pulled []model.Task, since time.Time) {
		for _, t := range pulled {
			if merged, changed := e.store.ApplyRemote(t, since); changed {
				e.enqueue(upsertEffects(merged)...)
			}
		}
	}
	return e.sync.Pass(ctx, e.cfg.UserID, merge, e.store.List)
}

// Sweep fires overdue alerts as of now.
func (e *Engine) Sweep(ctx context.Context) int {
	if e.sweeper == nil {
		return 0
	}
	return e.sweeper.Sweep(ctx, e.clock.Now())
}

// Start re-arms reminders, prunes calendar events of deleted tasks and starts
// the sweep and sync cadences. The returned channel closes once both cadences
// have stopped after ctx is done.
func (e *Engine) Start(ctx context.Context) <-chan struct{} {
	tasks := e.store.List()
	if e.reminders != nil {
		n := e.reminders.RescheduleAll(ctx, tasks)
		e.logger.WithField("scheduled", n).Debug("reminders re-armed")
	}
	e.pruneCalendar(ctx)

	sweepDone := clock.Every(ctx, e.clock, e.cfg.SweepInterval, func(ctx context.Context, now time.Time) {
		if e.sweeper != nil {
			e.sweeper.Sweep(ctx, now)
		}
		e.pruneCalendar(ctx)
	})
	syncInterval := e.cfg.SyncInterval
	if e.sync == nil || e.cfg.UserID == "" {
		syncInterval = 0
	}
	syncDone := clock.Every(ctx, e.clock, syncInterval, func(ctx context.Context, _ time.Time) {
		if _, err := e.SyncNow(ctx); err != nil && !errors.Is(err, syncer.ErrOffline) && !errors.Is(err, syncer.ErrSyncInProgress) {
			e.logger.WithError(err).Warn("scheduled sync failed")
		}
	})

	done := make(chan struct{})
	go func() {
		<-sweepDone
		<-syncDone
		close(done)
	}()
	return done
}

// pruneCalendar removes the events of mapped tasks that are no longer in the
// store.
func (e *Engine) pruneCalendar(ctx context.Context) {
	if e.mirror == nil {
		return
	}
	live := func(id string) bool {
		_, ok := e.store.Get(id)
		return ok
	}
	if n := e.mirror.PruneOrphans(ctx, live); n > 0 {
		e.logger.WithField("pruned", n).Info("removed calendar events of deleted tasks")
	}
}

// Run starts the cadences and blocks until ctx is done, then drains the
// effect queue.
func (e *Engine) Run(ctx context.Context) error {
	done := e.Start(ctx)
	<-ctx.Done()
	<-done

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.queue.Flush(flushCtx); err != nil {
		e.logger.WithField("pending", e.queue.Pending()).Warn("shutting down with effects still pending")
	}
	e.queue.Close()
	return nil
}

// Flush waits for every queued effect to settle.
func (e *Engine) Flush(ctx context.Context) error {
	return e.queue.Flush(ctx)
}

func (e *Engine) Close() {
	e.queue.Close()
}

func (e *Engine) alertCleared(t model.Task) {
	e.enqueue(effects.New(effects.Persist, t))
}

func (e *Engine) enqueue(fx ...effects.Effect) {
	if err := e.queue.Enqueue(fx...); err != nil {
		e.logger.WithError(err).WithField("effects", len(fx)).Error("effects dropped")
	}
}

func upsertEffects(t model.Task) []effects.Effect {
	fx := []effects.Effect{effects.New(effects.Persist, t)}
	if !t.Completed && t.HasAlert() {
		fx = append(fx, effects.New(effects.ScheduleReminder, t))
	} else {
		fx = append(fx, effects.ForID(effects.CancelReminder, t.ID))
	}
	return append(fx, effects.New(effects.MirrorCalendar, t))
}

// apply runs one effect. Reminder effects degrade inside the scheduler and
// never ask for a retry; calendar effects return transient failures so the
// queue retries them.
func (e *Engine) apply(ctx context.Context, fx effects.Effect) error {
	switch fx.Kind {
	case effects.Persist:
		if e.local == nil {
			return nil
		}
		return e.local.SaveTask(ctx, *fx.Task)
	case effects.DeleteLocal:
		if e.local == nil {
			return nil
		}
		return e.local.DeleteTask(ctx, fx.TaskID)
	case effects.ScheduleReminder:
		if e.reminders != nil {
			e.reminders.Schedule(ctx, *fx.Task)
		}
	case effects.CancelReminder:
		if e.reminders != nil {
			e.reminders.Cancel(ctx, fx.TaskID)
		}
	case effects.MirrorCalendar:
		if e.mirror != nil {
			return e.mirror.Sync(ctx, *fx.Task)
		}
	case effects.RemoveCalendar:
		if e.mirror != nil {
			return e.mirror.Remove(ctx, fx.TaskID)
		}
	case effects.DeleteRemote:
		if e.sync == nil {
			return nil
		}
		return effects.Permanent(e.sync.DeleteRemote(ctx, fx.TaskID, e.cfg.UserID))
	default:
		return effects.Permanent(fmt.Errorf("unknown effect kind %q", fx.Kind))
	}
	return nil
}
