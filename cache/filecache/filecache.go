// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package filecache implements the default on-disk cache.CacheAgent,
// laying out entries the same way as spruned's original
// FileCacheInterface: <dir>/<prefix>/<namespace>.<key>.bin, where prefix
// is the key with leading zeros stripped, truncated to two characters.
package filecache

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/btcsuite/btclog"
)

var log = btclog.Disabled

// UseLogger sets the package-wide logger used by filecache.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Config parameterizes a Cache.
type Config struct {
	// Directory is the root directory entries are written under. It is
	// created if it does not already exist.
	Directory string
	// MaxBytes bounds the total size of all indexed entries, pinned ones
	// included. Once exceeded, Set evicts the least recently used
	// unpinned entries until back under budget or only pinned entries
	// remain. Zero means unbounded.
	MaxBytes int64
}

type entry struct {
	namespace string
	key       string
	size      int64
	pinned    bool
	elem      *list.Element
}

// Cache is the default filesystem-backed cache.CacheAgent. It keeps an
// in-memory LRU index of entries it has written or read, approximating
// the on-disk footprint without needing a full directory walk on every
// operation.
type Cache struct {
	cfg Config

	mu       sync.Mutex
	index    map[string]*entry
	lru      *list.List
	curBytes int64
}

// New builds a Cache rooted at cfg.Directory, creating the directory if
// necessary.
func New(cfg Config) (*Cache, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("filecache: directory must not be empty")
	}
	if err := os.MkdirAll(cfg.Directory, 0o700); err != nil {
		return nil, fmt.Errorf("filecache: create directory: %w", err)
	}
	return &Cache{
		cfg:   cfg,
		index: make(map[string]*entry),
		lru:   list.New(),
	}, nil
}

func indexKey(namespace, key string) string {
	return namespace + "\x00" + key
}

// prefix mirrors the original FileCacheInterface: the key with leading
// zeros stripped, truncated to its first two characters. A key made only
// of zeros (or empty) falls back to "0", to avoid an empty directory
// name; a single significant digit is used as is.
func prefix(key string) string {
	stripped := strings.TrimLeft(key, "0")
	if stripped == "" {
		stripped = "0"
	}
	if len(stripped) > 2 {
		stripped = stripped[:2]
	}
	return stripped
}

func (c *Cache) path(namespace, key string) string {
	return filepath.Join(c.cfg.Directory, prefix(key), namespace+"."+key+".bin")
}

// Get returns the stored bytes for namespace/key, or (nil, nil) if
// absent.
func (c *Cache) Get(namespace, key string) ([]byte, error) {
	data, err := os.ReadFile(c.path(namespace, key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filecache: read %s/%s: %w", namespace, key, err)
	}

	c.touch(namespace, key, int64(len(data)))
	return data, nil
}

// Set writes value for namespace/key, creating the prefix directory if
// needed, then evicts least-recently-used unpinned entries until under
// MaxBytes.
func (c *Cache) Set(namespace, key string, value []byte) error {
	dir := filepath.Join(c.cfg.Directory, prefix(key))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("filecache: create prefix dir: %w", err)
	}
	if err := os.WriteFile(c.path(namespace, key), value, 0o600); err != nil {
		return fmt.Errorf("filecache: write %s/%s: %w", namespace, key, err)
	}

	c.touch(namespace, key, int64(len(value)))
	c.evictIfOverBudget()
	return nil
}

// Remove deletes the entry for namespace/key. Removing an absent entry
// is not an error.
func (c *Cache) Remove(namespace, key string) error {
	err := os.Remove(c.path(namespace, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filecache: remove %s/%s: %w", namespace, key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ik := indexKey(namespace, key)
	if e, ok := c.index[ik]; ok {
		c.lru.Remove(e.elem)
		c.curBytes -= e.size
		delete(c.index, ik)
	}
	return nil
}

// Pin marks namespace/key as exempt from size-based eviction. Nothing in
// sprvd pins entries itself; cmd/sprvd only unpins getblock entries when
// the blocks reactor evicts a block.
func (c *Cache) Pin(namespace, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ik := indexKey(namespace, key)
	e, ok := c.index[ik]
	if !ok {
		e = &entry{namespace: namespace, key: key}
		e.elem = c.lru.PushFront(e)
		c.index[ik] = e
	}
	e.pinned = true
	return nil
}

// Unpin clears a previous Pin, making the entry eligible for eviction
// again.
func (c *Cache) Unpin(namespace, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.index[indexKey(namespace, key)]; ok {
		e.pinned = false
	}
	return nil
}

func (c *Cache) touch(namespace, key string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ik := indexKey(namespace, key)
	if e, ok := c.index[ik]; ok {
		c.curBytes += size - e.size
		e.size = size
		c.lru.MoveToFront(e.elem)
		return
	}

	e := &entry{namespace: namespace, key: key, size: size}
	e.elem = c.lru.PushFront(e)
	c.index[ik] = e
	c.curBytes += size
}

// evictIfOverBudget removes least-recently-used unpinned entries from
// disk until curBytes is back under MaxBytes. Must be called without
// c.mu held.
func (c *Cache) evictIfOverBudget() {
	if c.cfg.MaxBytes <= 0 {
		return
	}

	for {
		c.mu.Lock()
		if c.curBytes <= c.cfg.MaxBytes {
			c.mu.Unlock()
			return
		}
		victim := c.oldestUnpinnedLocked()
		if victim == nil {
			c.mu.Unlock()
			return
		}
		c.lru.Remove(victim.elem)
		delete(c.index, indexKey(victim.namespace, victim.key))
		c.curBytes -= victim.size
		c.mu.Unlock()

		if err := os.Remove(c.path(victim.namespace, victim.key)); err != nil && !os.IsNotExist(err) {
			log.Warnf("filecache: evict %s/%s: %v", victim.namespace, victim.key, err)
		}
	}
}

func (c *Cache) oldestUnpinnedLocked() *entry {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		candidate := e.Value.(*entry)
		if !candidate.pinned {
			return candidate
		}
	}
	return nil
}

// Purge removes every entry under Directory, mirroring the original
// FileCacheInterface.purge.
func (c *Cache) Purge() error {
	entries, err := os.ReadDir(c.cfg.Directory)
	if err != nil {
		return fmt.Errorf("filecache: purge: read dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.cfg.Directory, e.Name())); err != nil {
			return fmt.Errorf("filecache: purge: remove %s: %w", e.Name(), err)
		}
	}

	c.mu.Lock()
	c.index = make(map[string]*entry)
	c.lru = list.New()
	c.curBytes = 0
	c.mu.Unlock()
	return nil
}
