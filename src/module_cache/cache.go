package module_cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/modsync/src/module"
)

var ErrNotFound = errors.New("module not present in known-module cache")

type fileKey struct {
	typ  module.Type
	name string
}

// Cache mirrors module metadata keyed by module id. Entries are
// metadata-only clones, so callers can never mutate a cached record.
// A second index by (type, file name) maps runtime registration
// notifications back to a module id.
type Cache struct {
	lock   sync.RWMutex
	byID   map[module.ID]*module.Record
	byFile map[fileKey]module.ID
}

func New() *Cache {
	return &Cache{
		byID:   make(map[module.ID]*module.Record),
		byFile: make(map[fileKey]module.ID),
	}
}

// Put stores a copy of rec under id and returns the entry it replaced.
func (c *Cache) Put(id module.ID, rec *module.Record) (*module.Record, bool) {
	if rec == nil {
		return nil, false
	}
	entry := rec.Clone()
	entry.ID = id

	c.lock.Lock()
	defer c.lock.Unlock()

	prev, existed := c.byID[id]
	if existed {
		c.unindex(id, prev)
	}
	c.byID[id] = entry
	if name := entry.FileName(); name != "" {
		key := fileKey{typ: entry.Type, name: name}
		// first writer keeps the slot, matching a first-match scan
		if _, taken := c.byFile[key]; !taken {
			c.byFile[key] = id
		}
	}
	if existed {
		return prev.Clone(), true
	}
	return nil, false
}

func (c *Cache) Get(id module.ID) (*module.Record, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	rec, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Remove drops id and returns the removed snapshot, or ErrNotFound.
func (c *Cache) Remove(id module.ID) (*module.Record, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	rec, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.unindex(id, rec)
	delete(c.byID, id)
	return rec, nil
}

// FindByTypeAndFileName resolves a loaded module file back to its id.
func (c *Cache) FindByTypeAndFileName(typ module.Type, fileName string) (module.ID, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	id, ok := c.byFile[fileKey{typ: typ, name: fileName}]
	return id, ok
}

func (c *Cache) Clear() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.byID = make(map[module.ID]*module.Record)
	c.byFile = make(map[fileKey]module.ID)
}

func (c *Cache) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.byID)
}

// Snapshot returns copies of every cached record.
func (c *Cache) Snapshot() []*module.Record {
	c.lock.RLock()
	defer c.lock.RUnlock()

	out := make([]*module.Record, 0, len(c.byID))
	for _, rec := range c.byID {
		out = append(out, rec.Clone())
	}
	return out
}

// unindex removes the file-name slot owned by id and, if another cached
// record carries the same (type, file name), hands the slot over to it.
// Caller holds the write lock.
func (c *Cache) unindex(id module.ID, rec *module.Record) {
	name := rec.FileName()
	if name == "" {
		return
	}
	key := fileKey{typ: rec.Type, name: name}
	if owner, ok := c.byFile[key]; !ok || owner != id {
		return
	}
	delete(c.byFile, key)
	for otherID, other := range c.byID {
		if otherID != id && other.Type == rec.Type && other.FileName() == name {
			c.byFile[key] = otherID
			return
		}
	}
}
