// Package cache holds parsed tabular rows for one migration run. The cache
// is an explicit run-scoped object handed to the conformance engine, so two
// migrations can run in the same process without sharing state.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/datamove-io/datamove/pkg/models"
)

// syntheticIDFormat yields run-unique identifiers like "DM_0000000001".
const syntheticIDFormat = "DM_%010d"

// Entry is the cached content of one file: rows addressable by identifier,
// preserved in insertion order, with a file-granular dirty flag.
type Entry struct {
	Path    string
	Headers []string

	ids  []string
	rows map[string]models.Record

	dirty bool
}

// IDs returns row identifiers in insertion order.
func (e *Entry) IDs() []string {
	out := make([]string, len(e.ids))
	copy(out, e.ids)
	return out
}

// Row returns the row with the given identifier, or nil.
func (e *Entry) Row(id string) models.Record {
	return e.rows[id]
}

// Len returns the number of rows.
func (e *Entry) Len() int {
	return len(e.ids)
}

// Put inserts or replaces a row under the given identifier.
func (e *Entry) Put(id string, row models.Record) {
	if _, exists := e.rows[id]; !exists {
		e.ids = append(e.ids, id)
	}
	e.rows[id] = row
}

// Rekey moves a row from oldID to newID, keeping its position.
func (e *Entry) Rekey(oldID, newID string) {
	row, ok := e.rows[oldID]
	if !ok || oldID == newID {
		return
	}
	delete(e.rows, oldID)
	e.rows[newID] = row
	for i, id := range e.ids {
		if id == oldID {
			e.ids[i] = newID
			break
		}
	}
}

// Reset discards all rows, keeping the path and dirty state. Callers that
// reload a file from disk use this so stale copies never merge with the
// fresh read.
func (e *Entry) Reset() {
	e.ids = nil
	e.rows = make(map[string]models.Record)
}

// Remove deletes a row by identifier.
func (e *Entry) Remove(id string) {
	if _, ok := e.rows[id]; !ok {
		return
	}
	delete(e.rows, id)
	for i, existing := range e.ids {
		if existing == id {
			e.ids = append(e.ids[:i], e.ids[i+1:]...)
			break
		}
	}
}

// Rows returns all rows in insertion order.
func (e *Entry) Rows() []models.Record {
	out := make([]models.Record, 0, len(e.ids))
	for _, id := range e.ids {
		out = append(out, e.rows[id])
	}
	return out
}

// Cache is the addressable store of parsed files for one run. The entry map
// is guarded because schema discovery loads files from concurrent describe
// calls; entries themselves are only mutated from the sequential phases.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	counter uint64
}

// New creates an empty cache with a fresh identifier generator.
func New() *Cache {
	return &Cache{entries: make(map[string]*Entry)}
}

// Entry returns the cache entry for a file path, creating it if absent.
func (c *Cache) Entry(path string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	if !ok {
		e = &Entry{Path: path, rows: make(map[string]models.Record)}
		c.entries[path] = e
	}
	return e
}

// Has reports whether the path has a cache entry.
func (c *Cache) Has(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[path]
	return ok
}

// Paths returns all cached file paths.
func (c *Cache) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for p := range c.entries {
		out = append(out, p)
	}
	return out
}

// NextID returns a synthetic identifier unique within this run. The counter
// is shared across all entries.
func (c *Cache) NextID() string {
	n := atomic.AddUint64(&c.counter, 1)
	return fmt.Sprintf(syntheticIDFormat, n)
}

// MarkDirty flags a file as modified; only dirty files are rewritten.
func (c *Cache) MarkDirty(path string) {
	c.Entry(path).dirty = true
}

// IsDirty reports whether a file was modified.
func (c *Cache) IsDirty(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[path]; ok {
		return e.dirty
	}
	return false
}

// DirtyPaths returns the paths of all modified files.
func (c *Cache) DirtyPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for p, e := range c.entries {
		if e.dirty {
			out = append(out, p)
		}
	}
	return out
}
