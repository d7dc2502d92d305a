package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/harrisonrobin/taskmirror/pkg/clock"
	"github.com/harrisonrobin/taskmirror/pkg/lock"
	"github.com/harrisonrobin/taskmirror/pkg/model"
	"github.com/harrisonrobin/taskmirror/pkg/remote"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type stubRemote struct {
	mu       sync.Mutex
	rows     map[string]model.Task
	cursors  map[string]time.Time
	batches  [][]string
	upsertFn func(batch []model.Task) error
	pingErr  error
}

var _ remote.Store = (*stubRemote)(nil)

func newStubRemote() *stubRemote {
	return &stubRemote{rows: make(map[string]model.Task), cursors: make(map[string]time.Time)}
}

func (s *stubRemote) UpsertBatch(_ context.Context, userID string, tasks []model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertFn != nil {
		if err := s.upsertFn(tasks); err != nil {
			return err
		}
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		s.rows[userID+"/"+t.ID] = t
		ids = append(ids, t.ID)
	}
	s.batches = append(s.batches, ids)
	return nil
}

func (s *stubRemote) DeleteByKey(_ context.Context, userID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, userID+"/"+taskID)
	return nil
}

func (s *stubRemote) SelectModifiedSince(_ context.Context, userID string, since time.Time) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Task
	for key, t := range s.rows {
		if key == userID+"/"+t.ID && t.UpdatedAt.After(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubRemote) GetCursor(_ context.Context, userID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.cursors[userID]
	return at, ok, nil
}

func (s *stubRemote) SetCursor(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cursors[userID]; !ok || at.After(cur) {
		s.cursors[userID] = at
	}
	return nil
}

func (s *stubRemote) Ping(context.Context) error { return s.pingErr }
func (s *stubRemote) Close() error               { return nil }

func (s *stubRemote) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func nullLogger() *log.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

type offline struct{}

func (offline) IsOnline(context.Context) bool { return false }

func newCoordinator(r *stubRemote, opts Options) (*Coordinator, *clock.FakeClock) {
	fc := clock.NewFake(now)
	logger, _ := test.NewNullLogger()
	opts.Clock = fc
	opts.Logger = logger
	return New(r, opts), fc
}

func tasksUpdatedAt(n int, at time.Time) []model.Task {
	out := make([]model.Task, n)
	for i := range out {
		out[i] = model.Task{ID: fmt.Sprintf("t%03d", i), Title: "task", CreatedAt: at, UpdatedAt: at}
	}
	return out
}

func TestPushTwiceIsIdempotent(t *testing.T) {
	r := newStubRemote()
	c, fc := newCoordinator(r, Options{})
	ctx := context.Background()
	tasks := tasksUpdatedAt(3, now.Add(-time.Minute))

	res, err := c.PushChanges(ctx, tasks, "u1")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if res.Uploaded != 3 || res.Batches != 1 || !res.Cursor.Equal(now) {
		t.Fatalf("unexpected first push: %+v", res)
	}

	fc.Advance(time.Hour)
	res, err = c.PushChanges(ctx, tasks, "u1")
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	if res.Uploaded != 0 {
		t.Errorf("expected nothing uploaded, got %d", res.Uploaded)
	}
	if r.rowCount() != 3 || len(r.batches) != 1 {
		t.Errorf("expected 3 rows in 1 batch, got %d rows %d batches", r.rowCount(), len(r.batches))
	}
	if cur := r.cursors["u1"]; !cur.Equal(now) {
		t.Errorf("cursor must not move without uploads, got %v", cur)
	}
}

func TestPushUploadsOnlyRowsNewerThanCursor(t *testing.T) {
	r := newStubRemote()
	r.cursors["u1"] = now.Add(-time.Hour)
	c, _ := newCoordinator(r, Options{})

	stale := model.Task{ID: "stale", UpdatedAt: now.Add(-2 * time.Hour)}
	fresh := model.Task{ID: "fresh", UpdatedAt: now.Add(-time.Minute)}

	res, err := c.PushChanges(context.Background(), []model.Task{stale, fresh}, "u1")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if res.Uploaded != 1 || len(r.batches) != 1 || r.batches[0][0] != "fresh" {
		t.Fatalf("expected only fresh uploaded, got %+v batches=%v", res, r.batches)
	}
}

func TestPushBatchesAndAbortsOnFailure(t *testing.T) {
	r := newStubRemote()
	c, _ := newCoordinator(r, Options{BatchSize: 2})
	calls := 0
	r.upsertFn = func([]model.Task) error {
		calls++
		if calls == 2 {
			return errors.New("connection reset")
		}
		return nil
	}

	res, err := c.PushChanges(context.Background(), tasksUpdatedAt(5, now.Add(-time.Minute)), "u1")
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Batches != 1 || res.Uploaded != 2 {
		t.Errorf("expected one committed batch of 2, got %+v", res)
	}
	if calls != 2 {
		t.Errorf("expected remaining batches skipped after failure, got %d calls", calls)
	}
	if _, ok := r.cursors["u1"]; ok {
		t.Error("cursor must not advance after a failed batch")
	}

	r.upsertFn = nil
	res, err = c.PushChanges(context.Background(), tasksUpdatedAt(5, now.Add(-time.Minute)), "u1")
	if err != nil {
		t.Fatalf("retry push: %v", err)
	}
	if res.Batches != 3 || res.Uploaded != 5 {
		t.Errorf("expected full retry in 3 batches, got %+v", res)
	}
}

func TestBatchTimeoutFailsBatch(t *testing.T) {
	r := newStubRemote()
	c := New(r, Options{BatchTimeout: time.Millisecond, Logger: nullLogger()})
	slow := &slowRemote{stubRemote: r}
	c.remote = slow

	_, err := c.PushChanges(context.Background(), tasksUpdatedAt(1, time.Now().Add(-time.Minute)), "u1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

type slowRemote struct{ *stubRemote }

func (s *slowRemote) UpsertBatch(ctx context.Context, _ string, _ []model.Task) error {
	<-ctx.Done()
	return ctx.Err()
}

// slowCheck lets time pass while connectivity is checked and runs edit in
// that window.
type slowCheck struct {
	clock *clock.FakeClock
	edit  func()
}

func (p *slowCheck) IsOnline(context.Context) bool {
	p.clock.Advance(500 * time.Millisecond)
	if p.edit != nil {
		p.edit()
		p.edit = nil
	}
	p.clock.Advance(500 * time.Millisecond)
	return true
}

func TestPushKeepsEditsMadeDuringThePush(t *testing.T) {
	r := newStubRemote()
	check := &slowCheck{}
	c, fc := newCoordinator(r, Options{Probe: check})
	check.clock = fc

	a := model.Task{ID: "a", UpdatedAt: now.Add(-time.Minute)}
	b := model.Task{ID: "b", UpdatedAt: now.Add(-time.Hour)}
	snapshot := []model.Task{a, b}
	check.edit = func() { b.UpdatedAt = fc.Now() }

	res, err := c.PushChanges(context.Background(), snapshot, "u1")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !res.Cursor.Equal(now) {
		t.Fatalf("cursor must be the instant the push started, got %v", res.Cursor)
	}
	if !b.UpdatedAt.After(res.Cursor) {
		t.Fatalf("edit at %v must be newer than cursor %v", b.UpdatedAt, res.Cursor)
	}

	res, err = c.PushChanges(context.Background(), []model.Task{a, b}, "u1")
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	if res.Uploaded != 1 {
		t.Fatalf("expected the edited task uploaded, got %+v", res)
	}
	r.mu.Lock()
	got, ok := r.rows["u1/b"]
	r.mu.Unlock()
	if !ok || !got.UpdatedAt.Equal(b.UpdatedAt) {
		t.Errorf("remote row for b = %+v, %v", got, ok)
	}
}

func TestPassCursorPrecedesSnapshot(t *testing.T) {
	r := newStubRemote()
	c, fc := newCoordinator(r, Options{})

	local := []model.Task{{ID: "a", UpdatedAt: now.Add(-time.Minute)}}
	snapshot := func() []model.Task {
		out := append([]model.Task(nil), local...)
		// an edit lands right after the snapshot was read
		fc.Advance(time.Second)
		local = append(local, model.Task{ID: "b", UpdatedAt: fc.Now()})
		return out
	}

	res, err := c.Pass(context.Background(), "u1", nil, snapshot)
	if err != nil || res.Pushed != 1 {
		t.Fatalf("first pass: %+v, %v", res, err)
	}
	if cur := r.cursors["u1"]; !cur.Equal(now) {
		t.Fatalf("cursor = %v, want %v", cur, now)
	}

	res, err = c.Pass(context.Background(), "u1", nil, func() []model.Task { return local })
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res.Pushed != 1 || r.rowCount() != 2 {
		t.Errorf("expected the late edit pushed, got %+v rows=%d", res, r.rowCount())
	}
}

func TestOfflineAndBusy(t *testing.T) {
	r := newStubRemote()
	c, _ := newCoordinator(r, Options{Probe: offline{}})
	if _, err := c.PushChanges(context.Background(), tasksUpdatedAt(1, now), "u1"); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if err := c.DeleteRemote(context.Background(), "t1", "u1"); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline on delete, got %v", err)
	}

	locker := lock.NewLocal()
	release, _ := locker.TryLock(context.Background(), "sync:u1")
	defer release()
	c, _ = newCoordinator(r, Options{Locker: locker})
	if _, err := c.Pass(context.Background(), "u1", nil, nil); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
}

func TestPingProbe(t *testing.T) {
	r := newStubRemote()
	if !(PingProbe{Store: r}).IsOnline(context.Background()) {
		t.Error("expected online")
	}
	r.pingErr = errors.New("dial tcp: refused")
	if (PingProbe{Store: r}).IsOnline(context.Background()) {
		t.Error("expected offline")
	}
}

func TestPassPullsMergesAndPushes(t *testing.T) {
	r := newStubRemote()
	r.cursors["u1"] = now.Add(-time.Hour)
	remoteOnly := model.Task{ID: "remote", Title: "from elsewhere", UpdatedAt: now.Add(-30 * time.Minute)}
	r.rows["u1/remote"] = remoteOnly

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	defer tp.Shutdown(context.Background())

	c, _ := newCoordinator(r, Options{Tracer: tp.Tracer("test")})

	local := map[string]model.Task{
		"local": {ID: "local", Title: "mine", UpdatedAt: now.Add(-10 * time.Minute)},
	}
	var mergedSince time.Time
	merge := func(pulled []model.Task, since time.Time) {
		mergedSince = since
		for _, t := range pulled {
			local[t.ID] = t
		}
	}
	snapshot := func() []model.Task {
		out := make([]model.Task, 0, len(local))
		for _, t := range local {
			out = append(out, t)
		}
		return out
	}

	res, err := c.Pass(context.Background(), "u1", merge, snapshot)
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if res.Pulled != 1 || res.Pushed != 1 {
		t.Fatalf("expected 1 pulled and 1 pushed, got %+v", res)
	}
	if !mergedSince.Equal(now.Add(-time.Hour)) {
		t.Errorf("merge got since=%v", mergedSince)
	}
	if _, ok := local["remote"]; !ok {
		t.Error("remote row not merged")
	}
	if len(r.batches) != 1 || len(r.batches[0]) != 1 || r.batches[0][0] != "local" {
		t.Errorf("pulled rows must not be echoed back, batches=%v", r.batches)
	}

	spans := exporter.GetSpans()
	var pass *tracetest.SpanStub
	for i := range spans {
		if spans[i].Name == "syncer.pass" {
			pass = &spans[i]
		}
	}
	if pass == nil {
		t.Fatalf("expected a syncer.pass span, got %d spans", len(spans))
	}
	if pass.Status.Code == codes.Error {
		t.Errorf("unexpected error status: %+v", pass.Status)
	}
}

func TestPassRecordsErrorOnSpan(t *testing.T) {
	r := newStubRemote()
	r.upsertFn = func([]model.Task) error { return errors.New("boom") }

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	defer tp.Shutdown(context.Background())
	c, _ := newCoordinator(r, Options{Tracer: tp.Tracer("test")})

	_, err := c.Pass(context.Background(), "u1", nil, func() []model.Task { return tasksUpdatedAt(1, now) })
	if err == nil {
		t.Fatal("expected error")
	}
	for _, s := range exporter.GetSpans() {
		if s.Name == "syncer.pass" && s.Status.Code != codes.Error {
			t.Errorf("expected error status on pass span, got %+v", s.Status)
		}
	}
}
