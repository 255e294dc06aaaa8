// Defines the local record cache the agent reconciles.

package syncclient

import (
	"maps"
	"slices"
	"sync"

	"github.com/maruel/tablesync/internal/records"
)

// Cache holds the client's view of records.
//
// Implementations must be safe for concurrent use; the agent serializes its
// own calls but readers may run concurrently.
type Cache interface {
	// Get returns a copy of a cached record.
	Get(id int64) (records.Record, bool)
	// Put stores rec, replacing any cached copy.
	Put(rec records.Record)
	// Field returns one cell.
	Field(id int64, field string) (any, bool)
	// SetField sets one cell, creating the record entry if needed.
	SetField(id int64, field string, value any)
	// DeleteField removes one cell.
	DeleteField(id int64, field string)
	// Delete removes a record entry.
	Delete(id int64)
}

// MemoryCache is a map-backed Cache.
type MemoryCache struct {
	mu   sync.RWMutex
	recs map[int64]records.Record
}

// NewMemoryCache returns a cache seeded with recs.
func NewMemoryCache(recs ...records.Record) *MemoryCache {
	c := &MemoryCache{recs: make(map[int64]records.Record, len(recs))}
	for _, r := range recs {
		c.recs[r.ID] = r.Clone()
	}
	return c
}

// Get implements Cache.
func (c *MemoryCache) Get(id int64) (records.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.recs[id]
	if !ok {
		return records.Record{}, false
	}
	return r.Clone(), true
}

// Put implements Cache.
func (c *MemoryCache) Put(rec records.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs[rec.ID] = rec.Clone()
}

// Field implements Cache.
func (c *MemoryCache) Field(id int64, field string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.recs[id]
	if !ok {
		return nil, false
	}
	return r.Get(field)
}

// SetField implements Cache.
func (c *MemoryCache) SetField(id int64, field string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.recs[id]
	if !ok {
		r = records.Record{ID: id, Fields: map[string]any{}}
	} else if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	r.Fields[field] = value
	c.recs[id] = r
}

// DeleteField implements Cache.
func (c *MemoryCache) DeleteField(id int64, field string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.recs[id]; ok {
		delete(r.Fields, field)
	}
}

// Delete implements Cache.
func (c *MemoryCache) Delete(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recs, id)
}

// IDs returns the cached record IDs in ascending order.
func (c *MemoryCache) IDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.recs))
}
