// Package reminder keeps at most one OS-level trigger armed per task.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/harrisonrobin/taskmirror/pkg/clock"
	"github.com/harrisonrobin/taskmirror/pkg/model"
)

// ErrPermissionDenied is returned by a Backend when the user revoked
// notification permission.
var ErrPermissionDenied = errors.New("notification permission denied")

const DefaultCallTimeout = 5 * time.Second

// Backend is the OS notification API: create and cancel only.
type Backend interface {
	Schedule(ctx context.Context, at time.Time, payload model.ReminderPayload) (string, error)
	Cancel(ctx context.Context, id string) error
}

type Preferences struct {
	Enabled bool
	Offset  time.Duration
}

type Options struct {
	Clock       clock.Clock
	Logger      *log.Logger
	Preferences Preferences
	CallTimeout time.Duration
}

type Scheduler struct {
	backend Backend
	clock   clock.Clock
	logger  *log.Logger
	timeout time.Duration

	taskLocks sync.Map // task id -> *sync.Mutex

	mu      sync.Mutex
	prefs   Preferences
	pending map[string]model.ScheduledNotification
	denied  bool
}

func New(backend Backend, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Scheduler{
		backend: backend,
		clock:   opts.Clock,
		logger:  opts.Logger,
		timeout: opts.CallTimeout,
		prefs:   opts.Preferences,
		pending: make(map[string]model.ScheduledNotification),
	}
}

func (s *Scheduler) Preferences() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

func (s *Scheduler) SetPreferences(p Preferences) {
	s.mu.Lock()
	s.prefs = p
	s.mu.Unlock()
}

// PermissionGranted clears a latched permission denial.
func (s *Scheduler) PermissionGranted() {
	s.mu.Lock()
	s.denied = false
	s.mu.Unlock()
}

// TriggerTime is the instant the OS trigger for task should fire.
func TriggerTime(task model.Task, offset time.Duration) (time.Time, bool) {
	if !task.HasAlert() {
		return time.Time{}, false
	}
	return task.AlertTime.Add(-offset), true
}

// Schedule arms the reminder for task and returns the notification id. Any
// trigger already armed for the task is cancelled first, whatever the
// outcome. It returns false when reminders are off, the task has no alert,
// the trigger is not in the future, or the backend failed. Failures never
// propagate.
func (s *Scheduler) Schedule(ctx context.Context, task model.Task) (string, bool) {
	unlock := s.lockTask(task.ID)
	defer unlock()

	s.cancelLocked(ctx, task.ID)

	s.mu.Lock()
	prefs, denied := s.prefs, s.denied
	s.mu.Unlock()

	entry := s.logger.WithField("task", task.ID)
	if !prefs.Enabled || denied {
		entry.Debug("reminders disabled, not scheduling")
		return "", false
	}
	trigger, ok := TriggerTime(task, prefs.Offset)
	if !ok {
		return "", false
	}
	if !trigger.After(s.clock.Now()) {
		entry.WithField("trigger", trigger).Debug("reminder trigger already elapsed, skipping")
		return "", false
	}

	payload := model.ReminderPayload{
		Title: task.Title,
		Body:  reminderBody(task, prefs.Offset),
		Sound: true,
		Data:  model.PayloadData{TaskID: task.ID},
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	id, err := s.backend.Schedule(cctx, trigger, payload)
	if err != nil {
		s.fail(entry, "schedule", err)
		return "", false
	}

	s.mu.Lock()
	s.pending[task.ID] = model.ScheduledNotification{
		ID:            id,
		TaskID:        task.ID,
		ScheduledTime: trigger,
		Title:         payload.Title,
		Body:          payload.Body,
	}
	s.mu.Unlock()
	entry.WithFields(log.Fields{"notification": id, "trigger": trigger}).Debug("reminder scheduled")
	return id, true
}

// Cancel disarms the reminder for taskID. It is a no-op when nothing is
// scheduled.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) {
	unlock := s.lockTask(taskID)
	defer unlock()
	s.cancelLocked(ctx, taskID)
}

func (s *Scheduler) cancelLocked(ctx context.Context, taskID string) {
	s.mu.Lock()
	n, ok := s.pending[taskID]
	delete(s.pending, taskID)
	s.mu.Unlock()
	if !ok {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.backend.Cancel(cctx, n.ID); err != nil {
		s.fail(s.logger.WithFields(log.Fields{"task": taskID, "notification": n.ID}), "cancel", err)
	}
}

// ForgetNotification drops the record owning notification id, if any.
func (s *Scheduler) ForgetNotification(taskID, id string) {
	s.mu.Lock()
	if n, ok := s.pending[taskID]; ok && n.ID == id {
		delete(s.pending, taskID)
	}
	s.mu.Unlock()
}

// RescheduleAll cancels every tracked reminder and schedules each incomplete
// task again. Used after a preference change.
func (s *Scheduler) RescheduleAll(ctx context.Context, tasks []model.Task) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Cancel(ctx, id)
	}

	scheduled := 0
	for _, t := range tasks {
		if t.Completed {
			continue
		}
		if _, ok := s.Schedule(ctx, t); ok {
			scheduled++
		}
	}
	s.logger.WithFields(log.Fields{"cancelled": len(ids), "scheduled": scheduled}).Info("reminders rescheduled")
	return scheduled
}

func (s *Scheduler) Pending(taskID string) (model.ScheduledNotification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.pending[taskID]
	return n, ok
}

// List returns the tracked notifications ordered by trigger time.
func (s *Scheduler) List() []model.ScheduledNotification {
	s.mu.Lock()
	out := make([]model.ScheduledNotification, 0, len(s.pending))
	for _, n := range s.pending {
		out = append(out, n)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out
}

func (s *Scheduler) fail(entry *log.Entry, op string, err error) {
	if errors.Is(err, ErrPermissionDenied) {
		s.mu.Lock()
		first := !s.denied
		s.denied = true
		s.mu.Unlock()
		if first {
			entry.WithError(err).Warn("notification permission denied, reminders disabled until granted")
		}
		return
	}
	entry.WithError(err).Warnf("reminder %s failed", op)
}

func (s *Scheduler) lockTask(id string) func() {
	v, _ := s.taskLocks.LoadOrStore(id, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func reminderBody(task model.Task, offset time.Duration) string {
	if task.Description != "" {
		return task.Description
	}
	if offset <= 0 {
		return "Due now"
	}
	return fmt.Sprintf("Due in %d minutes", int(offset/time.Minute))
}
