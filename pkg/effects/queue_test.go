package effects

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/harrisonrobin/taskmirror/pkg/model"
)

func newTestQueue(t *testing.T, h Handler, opts Options) (*Queue, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	opts.Logger = logger
	if opts.RetryInitial == 0 {
		opts.RetryInitial = time.Millisecond
	}
	if opts.RetryMax == 0 {
		opts.RetryMax = 5 * time.Millisecond
	}
	q := NewQueue(h, opts)
	t.Cleanup(q.Close)
	return q, hook
}

func flush(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestEffectsOfOneTaskRunInOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]Kind{}
	q, _ := newTestQueue(t, func(_ context.Context, e Effect) error {
		mu.Lock()
		defer mu.Unlock()
		seen[e.TaskID] = append(seen[e.TaskID], e.Kind)
		return nil
	}, Options{Workers: 3})

	order := []Kind{Persist, ScheduleReminder, MirrorCalendar, CancelReminder, RemoveCalendar}
	for _, id := range []string{"a", "b", "c", "d"} {
		for _, k := range order {
			if err := q.Enqueue(ForID(k, id)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
	}
	flush(t, q)

	for id, kinds := range seen {
		if len(kinds) != len(order) {
			t.Fatalf("task %s: expected %d effects, got %v", id, len(order), kinds)
		}
		for i := range order {
			if kinds[i] != order[i] {
				t.Errorf("task %s ran out of order: %v", id, kinds)
				break
			}
		}
	}
	if q.Pending() != 0 {
		t.Errorf("expected nothing pending, got %d", q.Pending())
	}
}

func TestEnqueueDoesNotWaitOnHandler(t *testing.T) {
	gate := make(chan struct{})
	q, _ := newTestQueue(t, func(context.Context, Effect) error {
		<-gate
		return nil
	}, Options{Workers: 1})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			q.Enqueue(ForID(Persist, "t1"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked behind a slow handler")
	}
	if q.Pending() != 10 {
		t.Errorf("expected 10 pending, got %d", q.Pending())
	}
	close(gate)
	flush(t, q)
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	var attempts []int
	q, hook := newTestQueue(t, func(_ context.Context, e Effect) error {
		attempts = append(attempts, e.Attempt)
		if calls.Add(1) < 3 {
			return errors.New("disk busy")
		}
		return nil
	}, Options{Workers: 1})

	q.Enqueue(New(Persist, model.Task{ID: "t1", Title: "x"}))
	flush(t, q)

	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("unexpected attempt numbers %v", attempts)
	}
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			t.Errorf("unexpected error log: %s", e.Message)
		}
	}
}

func TestDropsAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	q, hook := newTestQueue(t, func(context.Context, Effect) error {
		calls.Add(1)
		return errors.New("still broken")
	}, Options{Workers: 1, MaxAttempts: 3})

	q.Enqueue(ForID(DeleteLocal, "t1"))
	flush(t, q)

	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	last := hook.LastEntry()
	if last == nil || last.Level != logrus.ErrorLevel {
		t.Fatalf("expected an error log on drop, got %+v", last)
	}
	if last.Data["task"] != "t1" {
		t.Errorf("expected task field on drop log, got %v", last.Data)
	}
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	q, _ := newTestQueue(t, func(context.Context, Effect) error {
		calls.Add(1)
		return Permanent(errors.New("offline"))
	}, Options{Workers: 1})

	q.Enqueue(ForID(DeleteRemote, "t1"))
	flush(t, q)
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestEffectCarriesSnapshot(t *testing.T) {
	var got *model.Task
	q, _ := newTestQueue(t, func(_ context.Context, e Effect) error {
		got = e.Task
		return nil
	}, Options{Workers: 1})

	task := model.Task{ID: "t1", Title: "before", Subtasks: []model.Subtask{{ID: "s1", Title: "a"}}}
	e := New(MirrorCalendar, task)
	task.Title = "after"
	task.Subtasks[0].Title = "changed"
	q.Enqueue(e)
	flush(t, q)

	if got == nil || got.Title != "before" || got.Subtasks[0].Title != "a" {
		t.Fatalf("expected the enqueued snapshot, got %+v", got)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	q := NewQueue(func(context.Context, Effect) error { return nil }, Options{})
	q.Close()
	if err := q.Enqueue(ForID(Persist, "t1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	q.Close()
}

func TestExponentialBackoff(t *testing.T) {
	initial, max := 100*time.Millisecond, time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, time.Second},
	}
	for _, c := range cases {
		got := exponentialBackoff(c.attempt, initial, max)
		lo := time.Duration(float64(c.want) * 0.8)
		hi := time.Duration(float64(c.want) * 1.2)
		if got < lo || got > hi {
			t.Errorf("attempt %d: %v not within [%v, %v]", c.attempt, got, lo, hi)
		}
	}
}
