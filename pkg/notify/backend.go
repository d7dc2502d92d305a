// Package notify delivers reminders. TimerBackend plays the part of the OS
// scheduler: triggers can be created and cancelled, never edited.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/harrisonrobin/taskmirror/pkg/clock"
	"github.com/harrisonrobin/taskmirror/pkg/model"
)

// Sender hands a payload to the device.
type Sender interface {
	Send(ctx context.Context, payload model.ReminderPayload) error
}

type Options struct {
	Clock       clock.Clock
	Logger      *log.Logger
	SendTimeout time.Duration
}

type TimerBackend struct {
	sender  Sender
	clock   clock.Clock
	logger  *log.Logger
	timeout time.Duration

	mu      sync.Mutex
	timers  map[string]clock.Timer
	onFired func(taskID, notificationID string)
}

func NewTimerBackend(sender Sender, opts Options) *TimerBackend {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	return &TimerBackend{
		sender:  sender,
		clock:   opts.Clock,
		logger:  opts.Logger,
		timeout: opts.SendTimeout,
		timers:  make(map[string]clock.Timer),
	}
}

// OnFired registers a callback invoked once a scheduled trigger went off,
// whether or not delivery succeeded.
func (b *TimerBackend) OnFired(fn func(taskID, notificationID string)) {
	b.mu.Lock()
	b.onFired = fn
	b.mu.Unlock()
}

func (b *TimerBackend) Schedule(ctx context.Context, at time.Time, payload model.ReminderPayload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	delay := at.Sub(b.clock.Now())
	if delay <= 0 {
		return "", fmt.Errorf("trigger %s is not in the future", at.Format(time.RFC3339))
	}
	id := uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.timers[id] = b.clock.AfterFunc(delay, func() { b.deliver(id, payload) })
	return id, nil
}

func (b *TimerBackend) Cancel(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.timers[id]; ok {
		t.Stop()
		delete(b.timers, id)
	}
	return nil
}

// Fire delivers payload immediately.
func (b *TimerBackend) Fire(ctx context.Context, payload model.ReminderPayload) error {
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.sender.Send(cctx, payload)
}

// Live returns the number of armed triggers.
func (b *TimerBackend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

func (b *TimerBackend) deliver(id string, payload model.ReminderPayload) {
	b.mu.Lock()
	if _, ok := b.timers[id]; !ok {
		// cancelled while the timer was already firing
		b.mu.Unlock()
		return
	}
	delete(b.timers, id)
	onFired := b.onFired
	b.mu.Unlock()

	entry := b.logger.WithFields(log.Fields{"task": payload.Data.TaskID, "notification": id})
	if err := b.Fire(context.Background(), payload); err != nil {
		entry.WithError(err).Warn("reminder delivery failed")
	} else {
		entry.Debug("reminder delivered")
	}
	// The trigger is spent either way.
	if onFired != nil {
		onFired(payload.Data.TaskID, id)
	}
}
