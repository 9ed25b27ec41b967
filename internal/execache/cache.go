/*
Copyright (c) Facebook, Inc. and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package execache is the Exe Cache of spec.md §4.4: an ExeId -> hash
// mapping bounded by the open-descriptor budget, since every cached entry
// also holds an open Tamper Watcher subscription. It is built on
// hashicorp/golang-lru, which dnsrocks/go.mod depends on for its own
// bounded record cache.
package execache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"

	"github.com/netwatchd/netwatchd/internal/model"
)

// Entry is the value stored per ExeId.
type Entry struct {
	SHA256    string
	Path      string
	WatchID   int
	LastUsed  time.Time
}

// EvictFunc is invoked synchronously on every eviction (LRU-driven or
// explicit Invalidate), so the Tamper Watcher's subscription removal never
// lags the cache state. This is the single place spec.md §4.4's "eviction
// removes the tamper watch" contract is implemented.
type EvictFunc func(id model.ExeId, e Entry)

// Cache wraps an LRU keyed by model.ExeId. Per spec.md §4.4, all mutation is
// expected to come from a single writer (the Monitor); Cache itself adds a
// mutex only to make concurrent reads from diagnostics/health code safe.
type Cache struct {
	mu  sync.RWMutex
	lru *lru.Cache

	onEvict EvictFunc

	// pathIndex supports the tamper-watcher contract of invalidating every
	// ExeId sharing a path when that path is modified (spec.md §4.5: "the
	// on-disk file may have been replaced with a new inode").
	pathIndex map[string]map[model.ExeId]struct{}
}

// New builds a cache bounded to size entries, the descriptor-budget-derived
// capacity of spec.md §4.4.
func New(size int, onEvict EvictFunc) (*Cache, error) {
	if size < 1 {
		size = 1
	}
	c := &Cache{onEvict: onEvict, pathIndex: make(map[string]map[model.ExeId]struct{})}
	inner, err := lru.NewWithEvict(size, func(key, value interface{}) {
		c.handleEvict(key.(model.ExeId), value.(Entry))
	})
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

func (c *Cache) handleEvict(id model.ExeId, e Entry) {
	c.mu.Lock()
	if set, ok := c.pathIndex[e.Path]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(c.pathIndex, e.Path)
		}
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		c.onEvict(id, e)
	}
	log.WithField("exe_id", id).WithField("path", e.Path).Debug("exe cache entry evicted")
}

// Get returns the cached entry for id, if present, bumping its LRU
// recency. On a hit where e.Path does not match the caller's observed
// path, the caller has detected an inode collision (Open Question 1 in
// DESIGN.md); it should Invalidate and re-hash rather than trust the stale
// entry.
func (c *Cache) Get(id model.ExeId) (Entry, bool) {
	v, ok := c.lru.Get(id)
	if !ok {
		return Entry{}, false
	}
	e := v.(Entry)
	e.LastUsed = time.Now()
	c.lru.Add(id, e)
	return e, true
}

// Put inserts or updates an entry, installing it in the path index used by
// the Tamper Watcher's path-wide invalidation.
func (c *Cache) Put(id model.ExeId, e Entry) {
	e.LastUsed = time.Now()
	c.lru.Add(id, e)

	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.pathIndex[e.Path]
	if !ok {
		set = make(map[model.ExeId]struct{})
		c.pathIndex[e.Path] = set
	}
	set[id] = struct{}{}
}

// Invalidate removes a single entry, running the evict callback.
func (c *Cache) Invalidate(id model.ExeId) {
	c.lru.Remove(id)
}

// InvalidateByPath removes every ExeId whose cached path matches path —
// the Tamper Watcher's primary operation (spec.md §4.5): a single inode
// replacement may be observed for several stale ExeIds if the path was
// repeatedly replaced before this watcher fired.
func (c *Cache) InvalidateByPath(path string) []model.ExeId {
	c.mu.RLock()
	set, ok := c.pathIndex[path]
	ids := make([]model.ExeId, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	for _, id := range ids {
		c.lru.Remove(id)
	}
	return ids
}

// Len reports the current entry count, used by the descriptor-budget
// shedding policy in spec.md §5.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Resize shrinks or grows the underlying LRU, evicting as needed —
// "on approach-to-limit, the Exe Cache sheds oldest entries" (spec.md §5).
func (c *Cache) Resize(size int) {
	if size < 1 {
		size = 1
	}
	c.lru.Resize(size)
}
