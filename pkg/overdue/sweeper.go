// Package overdue fires alerts whose time has passed. It is the safety net for
// reminders the OS trigger missed: the app was not running, the trigger was
// never armed, or reminders were disabled at the time.
package overdue

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/harrisonrobin/taskmirror/pkg/lock"
	"github.com/harrisonrobin/taskmirror/pkg/model"
)

const lockKey = "sweep"

// TaskStore is the slice of the entity store the sweeper needs.
type TaskStore interface {
	List() []model.Task
	Modify(id string, fn func(*model.Task) bool) (model.Task, bool)
}

// Firer delivers a notification immediately.
type Firer interface {
	Fire(ctx context.Context, payload model.ReminderPayload) error
}

// Canceller disarms the reminder of a consumed alert.
type Canceller interface {
	Cancel(ctx context.Context, taskID string)
}

type Options struct {
	Logger *log.Logger
	// Locker, when set, keeps sweeps of several processes from overlapping.
	Locker lock.Locker
	// OnCleared is called with each task whose alert was consumed.
	OnCleared func(model.Task)
}

type Sweeper struct {
	store     TaskStore
	firer     Firer
	reminders Canceller
	logger    *log.Logger
	locker    lock.Locker
	onCleared func(model.Task)

	running sync.Mutex
}

func NewSweeper(store TaskStore, firer Firer, reminders Canceller, opts Options) *Sweeper {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Sweeper{
		store:     store,
		firer:     firer,
		reminders: reminders,
		logger:    opts.Logger,
		locker:    opts.Locker,
		onCleared: opts.OnCleared,
	}
}

// Sweep fires every incomplete task whose alert time is at or before now and
// clears the alert so it fires once. A sweep already in progress makes this
// call return 0 without doing anything.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) int {
	if !s.running.TryLock() {
		s.logger.Debug("sweep already running, skipping")
		return 0
	}
	defer s.running.Unlock()

	if s.locker != nil {
		release, err := s.locker.TryLock(ctx, lockKey)
		if err != nil {
			if !errors.Is(err, lock.ErrNotAcquired) {
				s.logger.WithError(err).Warn("sweep lock unavailable")
			}
			return 0
		}
		defer release()
	}

	fired := 0
	for _, task := range s.store.List() {
		if !Due(task, now) {
			continue
		}
		if s.fire(ctx, task) {
			fired++
		}
	}
	if fired > 0 {
		s.logger.WithField("fired", fired).Info("sweep fired overdue alerts")
	}
	return fired
}

// Due reports whether task has an unconsumed alert at or before now.
func Due(task model.Task, now time.Time) bool {
	return !task.Completed && task.HasAlert() && !task.AlertTime.After(now)
}

func (s *Sweeper) fire(ctx context.Context, task model.Task) bool {
	entry := s.logger.WithField("task", task.ID)
	alert := *task.AlertTime

	// Claim the alert first: a task deleted or edited since List is left
	// alone, and a concurrent sweep cannot fire it twice.
	cleared, ok := s.store.Modify(task.ID, func(t *model.Task) bool {
		if t.Completed || t.AlertTime == nil || !t.AlertTime.Equal(alert) {
			return false
		}
		t.AlertTime = nil
		return true
	})
	if !ok {
		entry.Debug("alert changed before it was fired, skipping")
		return false
	}

	payload := model.ReminderPayload{
		Title: "It's time for: " + task.Title,
		Body:  task.Description,
		Sound: true,
		Data:  model.PayloadData{TaskID: task.ID},
	}
	if err := s.firer.Fire(ctx, payload); err != nil {
		entry.WithError(err).Warn("failed to fire overdue alert")
	}
	if s.reminders != nil {
		s.reminders.Cancel(ctx, task.ID)
	}
	if s.onCleared != nil {
		s.onCleared(cleared)
	}
	entry.WithField("alert", alert).Debug("overdue alert fired")
	return true
}
