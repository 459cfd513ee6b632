package clinicsync

import (
	"sort"
	"sync"
)

// Collection is the goroutine-safe, newest-first cache of case records.
// Every entry point takes the lock once, so a delta is never half applied.
type Collection struct {
	mu      sync.RWMutex
	records []CaseRecord
}

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{}
}

func (c *Collection) indexOf(id string) int {
	for i := range c.records {
		if c.records[i].ID == id {
			return i
		}
	}
	return -1
}

// Snapshot returns a copy of the records in collection order.
func (c *Collection) Snapshot() []CaseRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CaseRecord(nil), c.records...)
}

// Get returns the record with id.
func (c *Collection) Get(id string) (CaseRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.indexOf(id); i >= 0 {
		return c.records[i], true
	}
	return CaseRecord{}, false
}

func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Replace swaps the whole collection for list, ordered by CreatedAt
// descending. Later duplicates of an id are dropped.
func (c *Collection) Replace(list []CaseRecord) {
	next := make([]CaseRecord, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, r := range list {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		next = append(next, r)
	}
	sort.SliceStable(next, func(i, j int) bool { return next[i].CreatedAt.After(next[j].CreatedAt) })

	c.mu.Lock()
	c.records = next
	c.mu.Unlock()
}

// Insert puts rec at the head unless its id is already present.
func (c *Collection) Insert(rec CaseRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexOf(rec.ID) >= 0 {
		return false
	}
	c.records = append([]CaseRecord{rec}, c.records...)
	return true
}

// Put replaces the record with rec.ID. Absent ids are ignored.
func (c *Collection) Put(rec CaseRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexOf(rec.ID)
	if i < 0 {
		return false
	}
	c.records[i] = rec
	return true
}

// Remove deletes the record with id.
func (c *Collection) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexOf(id)
	if i < 0 {
		return false
	}
	c.records = append(c.records[:i:i], c.records[i+1:]...)
	return true
}

// ApplyRemote reconciles one push event. It returns whether the collection
// changed; duplicate inserts and updates or deletes for unknown ids are no-ops.
func (c *Collection) ApplyRemote(ev ChangeEvent) bool {
	switch ev.Type {
	case ChangeInsert:
		return c.Insert(ev.Record)
	case ChangeUpdate:
		return c.Put(ev.Record)
	case ChangeDelete:
		return c.Remove(ev.Record.ID)
	}
	return false
}
