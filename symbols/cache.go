// Package symbols resolves instruction pointers to (symbol, file, line)
// and caches the results.
//
// Two caches cooperate, mirroring the two-tier shape of the original
// implementation's SymbolResolver: Cache (component D) is a small,
// TTL'd map keyed by instruction pointer — every entry expires after a
// fixed lifetime regardless of access pattern, matching spec.md §4.6
// exactly. BinaryCache, grounded on the teacher's binary.Cache
// (binary/cache.go), is an LRU of parsed per-binary symbol tables so a
// miss in Cache doesn't mean re-parsing DWARF/line info for a binary
// already seen.
package symbols

import (
	"sync"
	"time"

	"github.com/mutwatch/mutwatch/types"
)

// DefaultTTL is the cache entry lifetime spec.md §3 names as the
// default for SymbolEntry.
const DefaultTTL = 3600 * time.Second

// Cache is the TTL'd instruction-pointer cache, component D.
type Cache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[uint64]types.SymbolEntry
}

// NewCache creates a Cache with the given TTL. A zero ttl uses
// DefaultTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, m: make(map[uint64]types.SymbolEntry)}
}

// Get returns the cached entry for ip if present and not expired.
// Expired entries are evicted on access.
func (c *Cache) Get(ip uint64) (types.SymbolEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.m[ip]
	if !ok {
		return types.SymbolEntry{}, false
	}
	if time.Since(entry.InsertsAt) > c.ttl {
		delete(c.m, ip)
		return types.SymbolEntry{}, false
	}
	return entry, true
}

// Set inserts or replaces the cached entry for ip, stamping it with the
// current time.
func (c *Cache) Set(ip uint64, symbol, file string, line int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[ip] = types.SymbolEntry{Symbol: symbol, File: file, Line: line, InsertsAt: time.Now()}
}

// Clear empties the cache. Consumers call this under memory pressure;
// the core never evicts by size on its own (spec.md §4.6).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[uint64]types.SymbolEntry)
}

// Len reports the number of entries currently cached, including any
// not yet lazily evicted for TTL expiry.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
