// Copyright 2025 blobfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache implements the bounded local block cache: plaintext block
// contents on local disk, keyed by block ID, with LRU eviction of clean
// unpinned entries and backpressure when nothing is evictable.
//
// The cache is not authoritative: every entry is reconstructable from the
// remote store once its block is uploaded, so the cache directory is wiped
// at mount time and losing it costs only performance.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	billyutil "github.com/go-git/go-billy/v5/util"
	log "github.com/sirupsen/logrus"

	"blobfs/internal/block"
	"blobfs/internal/common"
	"blobfs/internal/metrics"
)

// entry is the in-memory index record for one cached block.
type entry struct {
	id         block.ID
	size       int64
	dirty      bool
	pins       int
	elem       *list.Element
	lastAccess time.Time
}

func (e *entry) evictable() bool {
	return !e.dirty && e.pins == 0
}

// Cache is a bounded-capacity block cache backed by a billy filesystem
// rooted at the cache directory (osfs in production, memfs in tests).
type Cache struct {
	mu   sync.Mutex
	cond *sync.Cond

	fs       billy.Filesystem
	capacity int64
	size     int64
	entries  map[block.ID]*entry
	lru      *list.List // front = most recently used

	metrics *metrics.Collector
	log     *log.Entry
}

// New creates a cache over the given filesystem with a byte capacity.
// Any files left from a previous mount are discarded.
func New(fs billy.Filesystem, capacity int64, m *metrics.Collector) (*Cache, error) {
	c := &Cache{
		fs:       fs,
		capacity: capacity,
		entries:  make(map[block.ID]*entry),
		lru:      list.New(),
		metrics:  m,
		log:      log.WithField("component", "cache"),
	}
	c.cond = sync.NewCond(&c.mu)
	if err := c.wipe(); err != nil {
		return nil, fmt.Errorf("failed to reset cache directory: %w", err)
	}
	return c, nil
}

// wipe removes all files in the cache directory. Cache contents are never
// authoritative, so starting empty is always safe.
func (c *Cache) wipe() error {
	infos, err := c.fs.ReadDir("/")
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		if err := c.fs.Remove(info.Name()); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the plaintext of a cached block, or (nil, false) on a miss.
// A hit refreshes the entry's recency.
func (c *Cache) Get(id block.ID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		c.metrics.CacheMisses.Inc()
		return nil, false
	}
	data, err := billyutil.ReadFile(c.fs, id.String())
	if err != nil {
		// The index said present but the file is gone: treat as a miss
		// and drop the entry. Dirty entries are pinned until uploaded,
		// so only clean (re-fetchable) entries can hit this.
		c.log.WithField("block", id.String()).WithError(err).Warn("cache file vanished, dropping entry")
		c.removeLocked(e)
		c.metrics.CacheMisses.Inc()
		return nil, false
	}
	c.touchLocked(e)
	c.metrics.CacheHits.Inc()
	return data, true
}

// Put inserts a dirty entry and pins it until the upload engine confirms
// persistence (MarkClean). If the cache is full and nothing is evictable,
// Put blocks until space frees up or ctx expires (backpressure; the caller
// sees common.ErrCapacityExhausted only on ctx expiry).
func (c *Cache) Put(ctx context.Context, id block.ID, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		// Same ID means identical plaintext; just restore dirty/pinned
		// status if a previous upload had already cleaned it.
		if !e.dirty {
			e.dirty = true
			e.pins++
		}
		c.touchLocked(e)
		return nil
	}

	need := int64(len(data))
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()
	for c.size+need > c.capacity {
		if c.evictOneLocked() {
			continue
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %d bytes needed, %d in use, all entries dirty or pinned",
				common.ErrCapacityExhausted, need, c.size)
		}
		c.cond.Wait()
	}

	if err := billyutil.WriteFile(c.fs, id.String(), data, 0600); err != nil {
		return fmt.Errorf("failed to write cache file for %s: %w", id, err)
	}
	c.insertLocked(id, need, true, 1)
	return nil
}

// PutClean inserts a clean entry populated from a remote fetch. It evicts
// what it can but never blocks: if the cache is saturated with dirty or
// pinned entries the block simply isn't cached (the read path already has
// the bytes in hand). Reports whether the entry was stored.
func (c *Cache) PutClean(id block.ID, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		c.touchLocked(e)
		return true
	}
	need := int64(len(data))
	for c.size+need > c.capacity {
		if !c.evictOneLocked() {
			return false
		}
	}
	if err := billyutil.WriteFile(c.fs, id.String(), data, 0600); err != nil {
		c.log.WithField("block", id.String()).WithError(err).Warn("failed to cache fetched block")
		return false
	}
	c.insertLocked(id, need, false, 0)
	return true
}

// Pin prevents eviction of an entry while a reader or the upload engine is
// using it. Reports whether the entry was present.
func (c *Cache) Pin(id block.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return false
	}
	e.pins++
	return true
}

// Unpin releases a Pin.
func (c *Cache) Unpin(id block.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok && e.pins > 0 {
		e.pins--
		if e.evictable() {
			c.cond.Broadcast()
		}
	}
}

// MarkClean transitions an entry dirty -> clean after upload confirmation
// and releases the pin taken by Put, making the entry evictable and waking
// any writer blocked on capacity.
func (c *Cache) MarkClean(id block.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	if e.dirty {
		e.dirty = false
		if e.pins > 0 {
			e.pins--
		}
	}
	c.cond.Broadcast()
}

// Discard removes a clean, unpinned entry (GC of a zero-ref block).
// Reports whether the entry was removed or absent; a dirty or pinned entry
// is left alone.
func (c *Cache) Discard(id block.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return true
	}
	if !e.evictable() {
		return false
	}
	c.removeLocked(e)
	return true
}

// Drop removes an entry regardless of state. Only for unwinding a write
// whose catalog transaction failed after the entry was inserted.
func (c *Cache) Drop(id block.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		c.removeLocked(e)
		c.cond.Broadcast()
	}
}

// Dirty returns the IDs of all dirty entries, for teardown drains.
func (c *Cache) Dirty() []block.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []block.ID
	for id, e := range c.entries {
		if e.dirty {
			ids = append(ids, id)
		}
	}
	return ids
}

// Contains reports whether a block is cached.
func (c *Cache) Contains(id block.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns the plaintext bytes currently cached.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// --- internal, caller holds c.mu ---

func (c *Cache) insertLocked(id block.ID, size int64, dirty bool, pins int) {
	e := &entry{
		id:         id,
		size:       size,
		dirty:      dirty,
		pins:       pins,
		lastAccess: time.Now(),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[id] = e
	c.size += size
	c.metrics.CacheBytes.Set(float64(c.size))
}

func (c *Cache) touchLocked(e *entry) {
	e.lastAccess = time.Now()
	c.lru.MoveToFront(e.elem)
}

func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.id)
	c.size -= e.size
	c.metrics.CacheBytes.Set(float64(c.size))
	if err := c.fs.Remove(e.id.String()); err != nil {
		c.log.WithField("block", e.id.String()).WithError(err).Warn("failed to remove cache file")
	}
}

// evictOneLocked discards the least-recently-used clean unpinned entry.
// Eviction never touches the catalog or the remote store: the plaintext is
// recoverable on the next Get via a remote fetch.
func (c *Cache) evictOneLocked() bool {
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*entry)
		if e.evictable() {
			c.removeLocked(e)
			c.metrics.CacheEvictions.Inc()
			return true
		}
	}
	return false
}
