// Package index persists the task id -> calendar event id mapping. Calendar
// event ids are opaque and issued by the calendar, so this table is the only
// way back from a task to its event.
package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const FileName = "events.json"

type EventIndex struct {
	path string

	mu       sync.RWMutex
	mappings map[string]string
	dirty    bool
}

// Open loads the index stored at path. A missing file yields an empty index.
func Open(path string) (*EventIndex, error) {
	idx := &EventIndex{path: path, mappings: make(map[string]string)}
	if path == "" {
		return idx, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&idx.mappings); err != nil {
		return nil, fmt.Errorf("failed to decode event index %s: %w", path, err)
	}
	if idx.mappings == nil {
		idx.mappings = make(map[string]string)
	}
	return idx, nil
}

// NewMemory returns an index that is never written to disk.
func NewMemory() *EventIndex {
	return &EventIndex{mappings: make(map[string]string)}
}

// Save writes the index when it changed since the last save. The file is
// replaced atomically via a temp file.
func (idx *EventIndex) Save() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.dirty || idx.path == "" {
		idx.dirty = false
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(idx.path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(idx.mappings, "", "  ")
	if err != nil {
		return err
	}
	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write event index: %w", err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace event index: %w", err)
	}
	idx.dirty = false
	return nil
}

func (idx *EventIndex) Get(taskID string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	id, ok := idx.mappings[taskID]
	return id, ok
}

func (idx *EventIndex) Set(taskID, eventID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.mappings[taskID] != eventID {
		idx.mappings[taskID] = eventID
		idx.dirty = true
	}
}

func (idx *EventIndex) Remove(taskID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.mappings[taskID]; exists {
		delete(idx.mappings, taskID)
		idx.dirty = true
	}
}

// Keys returns the mapped task ids, sorted.
func (idx *EventIndex) Keys() []string {
	idx.mu.RLock()
	keys := make([]string, 0, len(idx.mappings))
	for k := range idx.mappings {
		keys = append(keys, k)
	}
	idx.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (idx *EventIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.mappings)
}
