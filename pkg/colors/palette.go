// Package colors hands out Google Calendar event colors to task categories.
// There are only 11 event colors, so the least recently used category gives
// its color up when a twelfth one shows up.
package colors

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/harrisonrobin/taskmirror/pkg/clock"
)

const (
	FileName  = "category_colors.json"
	NumColors = 11
)

type entry struct {
	ColorID  string    `json:"color_id"`
	LastUsed time.Time `json:"last_used"`
}

type Palette struct {
	path  string
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
	dirty   bool
}

// Open loads the palette persisted at path. An empty path keeps the palette in
// memory only.
func Open(path string, c clock.Clock) (*Palette, error) {
	if c == nil {
		c = clock.New()
	}
	p := &Palette{path: path, clock: c, entries: make(map[string]*entry)}
	if path == "" {
		return p, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&p.entries); err != nil {
		return nil, fmt.Errorf("failed to decode color palette %s: %w", path, err)
	}
	if p.entries == nil {
		p.entries = make(map[string]*entry)
	}
	return p, nil
}

func (p *Palette) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dirty || p.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return err
	}
	data, err := json.Marshal(p.entries)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p.path, data, 0600); err != nil {
		return err
	}
	p.dirty = false
	return nil
}

// ColorFor returns the color id ("1".."11") for category, assigning one on
// first use. An empty category has no color and yields "".
func (p *Palette) ColorFor(category string) string {
	if category == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if e, ok := p.entries[category]; ok {
		e.LastUsed = now
		p.dirty = true
		return e.ColorID
	}
	id := p.assignLocked()
	p.entries[category] = &entry{ColorID: id, LastUsed: now}
	p.dirty = true
	return id
}

func (p *Palette) assignLocked() string {
	used := make(map[string]bool, len(p.entries))
	for _, e := range p.entries {
		used[e.ColorID] = true
	}
	for i := 1; i <= NumColors; i++ {
		id := strconv.Itoa(i)
		if !used[id] {
			return id
		}
	}

	var oldest string
	var oldestTime time.Time
	for cat, e := range p.entries {
		if oldest == "" || e.LastUsed.Before(oldestTime) {
			oldest, oldestTime = cat, e.LastUsed
		}
	}
	recycled := p.entries[oldest].ColorID
	delete(p.entries, oldest)
	return recycled
}
