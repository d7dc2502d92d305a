// Package effects runs the side effects of task mutations off the caller's
// path. Effects are sharded by task id: effects of one task run in enqueue
// order, effects of different tasks run concurrently.
package effects

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/harrisonrobin/taskmirror/pkg/clock"
	"github.com/harrisonrobin/taskmirror/pkg/model"
)

var ErrClosed = errors.New("effect queue is closed")

type Kind string

const (
	Persist          Kind = "persist"
	DeleteLocal      Kind = "delete-local"
	ScheduleReminder Kind = "schedule-reminder"
	CancelReminder   Kind = "cancel-reminder"
	MirrorCalendar   Kind = "mirror-calendar"
	RemoveCalendar   Kind = "remove-calendar"
	DeleteRemote     Kind = "delete-remote"
)

// Effect is one queued side effect. Task is a snapshot taken when the effect
// was enqueued; it is nil for kinds that only need the id.
type Effect struct {
	ID      string
	Kind    Kind
	TaskID  string
	Task    *model.Task
	Attempt int
}

// New builds an effect for task.
func New(kind Kind, task model.Task) Effect {
	snap := task.Clone()
	return Effect{Kind: kind, TaskID: task.ID, Task: &snap}
}

// ForID builds an effect that carries only the task id.
func ForID(kind Kind, taskID string) Effect {
	return Effect{Kind: kind, TaskID: taskID}
}

// Handler applies an effect. A returned error asks for a retry unless it is
// wrapped with Permanent.
type Handler func(ctx context.Context, e Effect) error

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type Options struct {
	Clock         clock.Clock
	Logger        *log.Logger
	Workers       int
	MaxAttempts   int
	RetryInitial  time.Duration
	RetryMax      time.Duration
	EffectTimeout time.Duration
}

type Queue struct {
	handler Handler
	clock   clock.Clock
	logger  *log.Logger
	opts    Options

	shards []*shard
	wg     sync.WaitGroup
	abort  chan struct{}

	mu      sync.Mutex
	closed  bool
	pending int
	idle    chan struct{}
}

type shard struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Effect
	closed bool
}

func NewQueue(handler Handler, opts Options) *Queue {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 250 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	if opts.EffectTimeout <= 0 {
		opts.EffectTimeout = 30 * time.Second
	}

	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		handler: handler,
		clock:   opts.Clock,
		logger:  opts.Logger,
		opts:    opts,
		abort:   make(chan struct{}),
		idle:    idle,
	}
	for i := 0; i < opts.Workers; i++ {
		sh := &shard{}
		sh.cond = sync.NewCond(&sh.mu)
		q.shards = append(q.shards, sh)
		q.wg.Add(1)
		go q.worker(i, sh)
	}
	return q
}

// Enqueue appends effects to their shards. It never waits on a handler.
func (q *Queue) Enqueue(effects ...Effect) error {
	if len(effects) == 0 {
		return nil
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending += len(effects)
	q.mu.Unlock()

	for _, e := range effects {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		sh := q.shardFor(e.TaskID)
		sh.mu.Lock()
		sh.items = append(sh.items, e)
		sh.mu.Unlock()
		sh.cond.Signal()
	}
	return nil
}

// Flush waits until every effect enqueued so far has settled.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending is the number of effects not yet settled.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Close stops accepting effects, drains the shards and waits for the workers.
// Effects waiting out a retry delay are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.abort)
	for _, sh := range q.shards {
		sh.mu.Lock()
		sh.closed = true
		sh.mu.Unlock()
		sh.cond.Broadcast()
	}
	q.wg.Wait()
}

func (q *Queue) shardFor(taskID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(taskID))
	return q.shards[h.Sum32()%uint32(len(q.shards))]
}

func (q *Queue) worker(id int, sh *shard) {
	defer q.wg.Done()
	for {
		sh.mu.Lock()
		for len(sh.items) == 0 && !sh.closed {
			sh.cond.Wait()
		}
		if len(sh.items) == 0 {
			sh.mu.Unlock()
			return
		}
		e := sh.items[0]
		sh.items = sh.items[1:]
		sh.mu.Unlock()

		q.run(id, e)
		q.settle()
	}
}

func (q *Queue) run(workerID int, e Effect) {
	for attempt := 1; ; attempt++ {
		e.Attempt = attempt
		entry := q.logger.WithFields(log.Fields{
			"effect":  e.Kind,
			"task":    e.TaskID,
			"attempt": attempt,
			"worker":  workerID,
		})

		ctx, cancel := context.WithTimeout(context.Background(), q.opts.EffectTimeout)
		err := q.handler(ctx, e)
		cancel()
		if err == nil {
			return
		}
		if IsPermanent(err) {
			entry.WithError(err).Warn("effect failed permanently, dropping")
			return
		}
		if attempt >= q.opts.MaxAttempts {
			entry.WithError(err).Error("effect failed too many times, dropping")
			return
		}

		delay := exponentialBackoff(attempt, q.opts.RetryInitial, q.opts.RetryMax)
		entry.WithError(err).WithField("retry_in", delay).Warn("effect failed, retrying")
		select {
		case <-q.clock.After(delay):
		case <-q.abort:
			entry.Warn("queue closing, dropping effect awaiting retry")
			return
		}
	}
}

func (q *Queue) settle() {
	q.mu.Lock()
	q.pending--
	if q.pending == 0 {
		close(q.idle)
	}
	q.mu.Unlock()
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
