// Package calendar mirrors scheduled tasks into a device calendar. A task with
// a start date owns exactly one event; the task -> event mapping lives in an
// index.EventIndex.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/harrisonrobin/taskmirror/pkg/index"
	"github.com/harrisonrobin/taskmirror/pkg/model"
)

var (
	ErrPermissionDenied = errors.New("calendar permission denied")
	ErrEventNotFound    = errors.New("calendar event not found")
)

const (
	DefaultCallTimeout = 5 * time.Second
	EventDuration      = time.Hour
)

// Backend is the device calendar.
type Backend interface {
	CreateEvent(ctx context.Context, payload model.EventPayload) (string, error)
	UpdateEvent(ctx context.Context, eventID string, payload model.EventPayload) error
	DeleteEvent(ctx context.Context, eventID string) error
}

type Options struct {
	Logger      *log.Logger
	Location    *time.Location
	AlarmOffset time.Duration
	CallTimeout time.Duration
}

type Mirror struct {
	backend Backend
	index   *index.EventIndex
	logger  *log.Logger
	loc     *time.Location
	timeout time.Duration

	taskLocks sync.Map

	mu     sync.Mutex
	offset time.Duration
	denied bool
}

func NewMirror(backend Backend, idx *index.EventIndex, opts Options) *Mirror {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if idx == nil {
		idx = index.NewMemory()
	}
	return &Mirror{
		backend: backend,
		index:   idx,
		logger:  opts.Logger,
		loc:     opts.Location,
		timeout: opts.CallTimeout,
		offset:  opts.AlarmOffset,
	}
}

// SetAlarmOffset changes the alarm lead time used for events written from
// now on.
func (m *Mirror) SetAlarmOffset(d time.Duration) {
	m.mu.Lock()
	m.offset = d
	m.mu.Unlock()
}

// PermissionGranted clears a latched permission denial.
func (m *Mirror) PermissionGranted() {
	m.mu.Lock()
	m.denied = false
	m.mu.Unlock()
}

func (m *Mirror) EventID(taskID string) (string, bool) {
	return m.index.Get(taskID)
}

// Sync makes the calendar reflect task: create, update in place, or remove
// when the task no longer has a start date. Failures leave the mirror as it
// was; transient ones are returned so the caller can retry, a permission
// denial is latched and returns nil.
func (m *Mirror) Sync(ctx context.Context, task model.Task) error {
	if task.StartDate == nil {
		return m.Remove(ctx, task.ID)
	}
	if m.isDenied() {
		m.logger.WithField("task", task.ID).Debug("calendar access denied, not mirroring")
		return nil
	}

	unlock := m.lockTask(task.ID)
	defer unlock()

	m.mu.Lock()
	offset := m.offset
	m.mu.Unlock()
	payload, _ := EventPayload(task, m.loc, offset)
	entry := m.logger.WithField("task", task.ID)

	if eventID, ok := m.index.Get(task.ID); ok {
		err := m.call(ctx, func(ctx context.Context) error {
			return m.backend.UpdateEvent(ctx, eventID, payload)
		})
		if err == nil {
			entry.WithField("event", eventID).Debug("calendar event updated")
			return nil
		}
		if !errors.Is(err, ErrEventNotFound) {
			return m.fail(entry, "update", err)
		}
		entry.WithField("event", eventID).Info("mapped calendar event is gone, recreating")
		m.index.Remove(task.ID)
	}

	var eventID string
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		eventID, err = m.backend.CreateEvent(ctx, payload)
		return err
	})
	if err != nil {
		m.save()
		return m.fail(entry, "create", err)
	}
	m.index.Set(task.ID, eventID)
	m.save()
	entry.WithField("event", eventID).Debug("calendar event created")
	return nil
}

// Remove deletes the event mirrored for taskID and its mapping. A missing
// mapping is a no-op; a missing event still clears the mapping. On a
// transient failure the mapping is kept and the error returned.
func (m *Mirror) Remove(ctx context.Context, taskID string) error {
	unlock := m.lockTask(taskID)
	defer unlock()

	eventID, ok := m.index.Get(taskID)
	if !ok {
		return nil
	}
	entry := m.logger.WithFields(log.Fields{"task": taskID, "event": eventID})
	if m.isDenied() {
		entry.Debug("calendar access denied, keeping mapping")
		return nil
	}

	err := m.call(ctx, func(ctx context.Context) error {
		return m.backend.DeleteEvent(ctx, eventID)
	})
	if err != nil && !errors.Is(err, ErrEventNotFound) {
		return m.fail(entry, "delete", err)
	}
	m.index.Remove(taskID)
	m.save()
	entry.Debug("calendar event removed")
	return nil
}

// PruneOrphans deletes the events of mapped tasks for which live reports
// false and drops their mappings. live is asked after the mapping was read,
// so a task created during the prune is never treated as an orphan. It
// returns the number of mappings removed.
func (m *Mirror) PruneOrphans(ctx context.Context, live func(taskID string) bool) int {
	pruned := 0
	for _, id := range m.index.Keys() {
		if live(id) {
			continue
		}
		if err := m.Remove(ctx, id); err != nil {
			continue
		}
		if _, still := m.index.Get(id); !still {
			pruned++
		}
	}
	if pruned > 0 {
		m.logger.WithField("count", pruned).Info("pruned orphaned calendar mappings")
	}
	return pruned
}

func (m *Mirror) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return fn(cctx)
}

func (m *Mirror) save() {
	if err := m.index.Save(); err != nil {
		m.logger.WithError(err).Warn("failed to save event index")
	}
}

func (m *Mirror) isDenied() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.denied
}

// fail latches a permission denial and returns nil for it. Any other error
// is logged and returned wrapped.
func (m *Mirror) fail(entry *log.Entry, op string, err error) error {
	if errors.Is(err, ErrPermissionDenied) {
		m.mu.Lock()
		first := !m.denied
		m.denied = true
		m.mu.Unlock()
		if first {
			entry.WithError(err).Warn("calendar permission denied, mirroring disabled until granted")
		}
		return nil
	}
	entry.WithError(err).Warnf("calendar %s failed", op)
	return fmt.Errorf("calendar %s: %w", op, err)
}

func (m *Mirror) lockTask(id string) func() {
	v, _ := m.taskLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
