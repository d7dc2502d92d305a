package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/harrisonrobin/taskmirror/pkg/index"
	"github.com/harrisonrobin/taskmirror/pkg/model"
)

type stubBackend struct {
	mu       sync.Mutex
	next     int
	events   map[string]model.EventPayload
	creates  int
	updates  int
	createFn func() error
	updateFn func(id string) error
	deleteFn func(id string) error
}

func newStubBackend() *stubBackend {
	return &stubBackend{events: make(map[string]model.EventPayload)}
}

func (b *stubBackend) CreateEvent(_ context.Context, p model.EventPayload) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createFn != nil {
		if err := b.createFn(); err != nil {
			return "", err
		}
	}
	b.next++
	b.creates++
	id := fmt.Sprintf("evt-%d", b.next)
	b.events[id] = p
	return id, nil
}

func (b *stubBackend) UpdateEvent(_ context.Context, id string, p model.EventPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.updateFn != nil {
		if err := b.updateFn(id); err != nil {
			return err
		}
	}
	if _, ok := b.events[id]; !ok {
		return ErrEventNotFound
	}
	b.updates++
	b.events[id] = p
	return nil
}

func (b *stubBackend) DeleteEvent(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteFn != nil {
		if err := b.deleteFn(id); err != nil {
			return err
		}
	}
	if _, ok := b.events[id]; !ok {
		return ErrEventNotFound
	}
	delete(b.events, id)
	return nil
}

func (b *stubBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func newMirror(b *stubBackend) (*Mirror, *index.EventIndex) {
	logger, _ := test.NewNullLogger()
	idx := index.NewMemory()
	return NewMirror(b, idx, Options{
		Logger:      logger,
		Location:    time.UTC,
		AlarmOffset: 15 * time.Minute,
	}), idx
}

func scheduledTask() model.Task {
	return model.Task{
		ID:        "t1",
		Title:     "Dentist",
		StartDate: model.NewDate(2024, time.June, 3),
		StartTime: model.NewTimeOfDay(10, 0),
	}
}

func TestSyncCreatesThenUpdatesInPlace(t *testing.T) {
	b := newStubBackend()
	m, idx := newMirror(b)
	ctx := context.Background()

	task := scheduledTask()
	m.Sync(ctx, task)

	eventID, ok := idx.Get("t1")
	if !ok {
		t.Fatal("expected mapping after create")
	}
	ev := b.events[eventID]
	wantStart := time.Date(2024, time.June, 3, 10, 0, 0, 0, time.UTC)
	if !ev.StartDate.Equal(wantStart) || !ev.EndDate.Equal(wantStart.Add(time.Hour)) {
		t.Errorf("unexpected event window %v - %v", ev.StartDate, ev.EndDate)
	}
	if len(ev.Alarms) != 1 || ev.Alarms[0].RelativeOffsetMinutes != -15 {
		t.Errorf("unexpected alarms: %+v", ev.Alarms)
	}

	task.Title = "Dentist (moved)"
	task.StartTime = model.NewTimeOfDay(11, 30)
	m.Sync(ctx, task)

	again, _ := idx.Get("t1")
	if again != eventID {
		t.Fatalf("expected mapping reuse, got %s want %s", again, eventID)
	}
	if b.creates != 1 || b.updates != 1 {
		t.Fatalf("expected one create and one update, got %d/%d", b.creates, b.updates)
	}
	if b.events[eventID].Title != "Dentist (moved)" {
		t.Errorf("event not updated: %+v", b.events[eventID])
	}
}

func TestSyncWithoutTimeStartsAtMidnight(t *testing.T) {
	b := newStubBackend()
	m, idx := newMirror(b)

	task := scheduledTask()
	task.StartTime = nil
	m.Sync(context.Background(), task)

	eventID, _ := idx.Get("t1")
	want := time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC)
	if got := b.events[eventID].StartDate; !got.Equal(want) {
		t.Errorf("expected midnight start, got %v", got)
	}
}

func TestClearingStartDateRemovesEvent(t *testing.T) {
	b := newStubBackend()
	m, idx := newMirror(b)
	ctx := context.Background()

	task := scheduledTask()
	m.Sync(ctx, task)
	if b.count() != 1 {
		t.Fatalf("expected one event, got %d", b.count())
	}

	task.StartDate = nil
	task.StartTime = nil
	m.Sync(ctx, task)

	if b.count() != 0 {
		t.Errorf("expected event to be deleted, %d left", b.count())
	}
	if _, ok := idx.Get("t1"); ok {
		t.Error("expected mapping to be removed")
	}
}

func TestRemoveTreatsMissingEventAsDone(t *testing.T) {
	b := newStubBackend()
	m, idx := newMirror(b)
	idx.Set("t1", "evt-gone")

	m.Remove(context.Background(), "t1")

	if _, ok := idx.Get("t1"); ok {
		t.Error("mapping should be dropped when the event is already gone")
	}

	// No mapping: nothing to do, nothing to call.
	b.deleteFn = func(string) error {
		t.Fatal("delete should not be called without a mapping")
		return nil
	}
	m.Remove(context.Background(), "t1")
}

func TestRemoveReturnsTransientFailure(t *testing.T) {
	b := newStubBackend()
	m, idx := newMirror(b)
	ctx := context.Background()
	if err := m.Sync(ctx, scheduledTask()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	offline := errors.New("backend offline")
	b.deleteFn = func(string) error { return offline }
	if err := m.Remove(ctx, "t1"); !errors.Is(err, offline) {
		t.Fatalf("expected the delete failure returned, got %v", err)
	}
	if _, ok := idx.Get("t1"); !ok {
		t.Fatal("mapping must survive a failed delete")
	}

	b.deleteFn = nil
	if err := m.Remove(ctx, "t1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, ok := idx.Get("t1"); ok || b.count() != 0 {
		t.Errorf("expected event and mapping gone, mapping=%v events=%d", ok, b.count())
	}

	// a denial is latched, not returned
	if err := m.Sync(ctx, scheduledTask()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	b.deleteFn = func(string) error { return ErrPermissionDenied }
	if err := m.Remove(ctx, "t1"); err != nil {
		t.Errorf("permission denial should not be returned, got %v", err)
	}
}

func TestUpdateOfVanishedEventRecreates(t *testing.T) {
	b := newStubBackend()
	m, idx := newMirror(b)
	idx.Set("t1", "evt-user-deleted")

	m.Sync(context.Background(), scheduledTask())

	eventID, ok := idx.Get("t1")
	if !ok || eventID == "evt-user-deleted" {
		t.Fatalf("expected a fresh mapping, got %q ok=%v", eventID, ok)
	}
	if b.creates != 1 {
		t.Errorf("expected one create, got %d", b.creates)
	}
}

func TestPermissionDenialLatchesAndLogsOnce(t *testing.T) {
	b := newStubBackend()
	logger, hook := test.NewNullLogger()
	m := NewMirror(b, index.NewMemory(), Options{Logger: logger, Location: time.UTC})

	calls := 0
	b.createFn = func() error {
		calls++
		return fmt.Errorf("insert: %w", ErrPermissionDenied)
	}

	m.Sync(context.Background(), scheduledTask())
	m.Sync(context.Background(), scheduledTask())

	if calls != 1 {
		t.Errorf("expected backend to be called once while denied, got %d", calls)
	}
	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("expected one warning, got %d", warnings)
	}

	b.createFn = nil
	m.PermissionGranted()
	m.Sync(context.Background(), scheduledTask())
	if _, ok := m.EventID("t1"); !ok {
		t.Error("expected mirroring to resume after permission is granted")
	}
}

func TestCreateFailureLeavesNoMapping(t *testing.T) {
	b := newStubBackend()
	m, idx := newMirror(b)
	b.createFn = func() error { return fmt.Errorf("backend offline") }

	if err := m.Sync(context.Background(), scheduledTask()); err == nil {
		t.Error("expected the create failure returned")
	}

	if idx.Len() != 0 {
		t.Errorf("expected no mapping after failed create, got %d", idx.Len())
	}
}

func TestPruneOrphans(t *testing.T) {
	b := newStubBackend()
	m, idx := newMirror(b)
	ctx := context.Background()

	keep := scheduledTask()
	gone := scheduledTask()
	gone.ID = "t2"
	m.Sync(ctx, keep)
	m.Sync(ctx, gone)

	if n := m.PruneOrphans(ctx, func(id string) bool { return id == "t1" }); n != 1 {
		t.Fatalf("expected one orphan pruned, got %d", n)
	}
	if _, ok := idx.Get("t2"); ok {
		t.Error("orphan mapping still present")
	}
	if b.count() != 1 {
		t.Errorf("expected orphan event deleted, %d events left", b.count())
	}
}

func TestEventPayloadNotesAndCategory(t *testing.T) {
	task := scheduledTask()
	task.Description = "bring forms"
	task.Notes = "floor 3"
	task.Category = &model.Category{Label: "Health", Color: "#ff0000"}

	p, ok := EventPayload(task, time.UTC, 0)
	if !ok {
		t.Fatal("expected payload")
	}
	if p.Notes != "bring forms\n\nfloor 3" {
		t.Errorf("unexpected notes %q", p.Notes)
	}
	if p.Category != "Health" || p.Color != "#ff0000" {
		t.Errorf("unexpected category/color %q/%q", p.Category, p.Color)
	}
	if p.Alarms[0].RelativeOffsetMinutes != 0 {
		t.Errorf("expected alarm at start, got %d", p.Alarms[0].RelativeOffsetMinutes)
	}

	task.StartDate = nil
	if _, ok := EventPayload(task, time.UTC, 0); ok {
		t.Error("expected no payload without start date")
	}
}
