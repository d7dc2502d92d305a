// Package store holds the authoritative in-process task table. It performs no
// I/O: durable persistence and every other side effect happen downstream.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/harrisonrobin/taskmirror/pkg/clock"
	"github.com/harrisonrobin/taskmirror/pkg/model"
)

type Store struct {
	clock clock.Clock
	mu    sync.RWMutex
	tasks map[string]model.Task
}

func New(c clock.Clock) *Store {
	if c == nil {
		c = clock.New()
	}
	return &Store{clock: c, tasks: make(map[string]model.Task)}
}

// Load replaces the table contents, typically from the local database at
// startup. Records are stored as given, timestamps included.
func (s *Store) Load(tasks []model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		s.tasks[t.ID] = normalize(t.Clone())
	}
}

// Create inserts task and returns the stored version. Zero timestamps are
// filled from the clock; caller-supplied ones are kept.
func (s *Store) Create(task model.Task) model.Task {
	now := s.clock.Now()
	t := normalize(task.Clone())
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
	return t.Clone()
}

// Update replaces the stored record for task.ID, stamping UpdatedAt. An
// unknown id is inserted.
func (s *Store) Update(task model.Task) model.Task {
	now := s.clock.Now()
	t := normalize(task.Clone())

	s.mu.Lock()
	if prev, ok := s.tasks[t.ID]; ok && t.CreatedAt.IsZero() {
		t.CreatedAt = prev.CreatedAt
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.tasks[t.ID] = t
	s.mu.Unlock()
	return t.Clone()
}

// Modify applies fn to the current record for id under the write lock and
// stores the result. It returns false when id does not exist; fn may also
// return false to abort without writing.
func (s *Store) Modify(id string, fn func(*model.Task) bool) (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	t := cur.Clone()
	if !fn(&t) {
		return cur.Clone(), false
	}
	t = normalize(t)
	t.UpdatedAt = s.clock.Now()
	s.tasks[id] = t
	return t.Clone(), true
}

// ApplyRemote merges a record pulled from the remote replica. The remote row
// wins when the local row is absent, or when it is newer and the local row
// has not been modified since the last sync (UpdatedAt <= since). The remote
// UpdatedAt is preserved so the row is not pushed back.
func (s *Store) ApplyRemote(remote model.Task, since time.Time) (model.Task, bool) {
	t := normalize(remote.Clone())

	s.mu.Lock()
	defer s.mu.Unlock()
	if local, ok := s.tasks[t.ID]; ok {
		if local.UpdatedAt.After(since) || !t.UpdatedAt.After(local.UpdatedAt) {
			return local.Clone(), false
		}
	}
	s.tasks[t.ID] = t
	return t.Clone(), true
}

// Delete removes id. Unknown ids are ignored.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

func (s *Store) Get(id string) (model.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return t.Clone(), true
}

// List returns every task ordered by creation time, then id.
func (s *Store) List() []model.Task {
	s.mu.RLock()
	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IDs returns the set of stored task ids.
func (s *Store) IDs() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]struct{}, len(s.tasks))
	for id := range s.tasks {
		ids[id] = struct{}{}
	}
	return ids
}

// normalize enforces the record invariants before a write.
func normalize(t model.Task) model.Task {
	if t.AllSubtasksCompleted() {
		t.Completed = true
	}
	if t.ReminderKind == "" {
		t.ReminderKind = model.ReminderNotification
	}
	if t.AlertTime != nil && t.AlertTime.IsZero() {
		t.AlertTime = nil
	}
	return t
}
