package symbols

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// LineTable is the minimal per-binary lookup a Resolver needs: given an
// address, the nearest function/file/line beneath it. The bundled
// addr2line-backed resolver (resolver.go) doesn't build one of these
// itself — addr2line does the lookup out of process — but a Resolver
// backed by debug/gosym or DWARF can populate one per binary and let
// BinaryCache hold it across resolutions.
type LineTable interface {
	Lookup(addr uint64) (symbol, file string, line int, ok bool)
}

// BinaryCache is an LRU of parsed per-binary symbol tables, grounded on
// the teacher's binary.Cache (binary/cache.go): bounded size, eviction
// by recency rather than by time, because the cost this cache amortizes
// is "parse this binary's debug info," not "resolve this one address."
type BinaryCache struct {
	cache *lru.Cache
}

// NewBinaryCache creates a BinaryCache holding up to size parsed
// binaries.
func NewBinaryCache(size int) (*BinaryCache, error) {
	if size <= 0 {
		size = 64
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("symbols: new binary cache: %w", err)
	}
	return &BinaryCache{cache: c}, nil
}

// Get returns the cached LineTable for a binary path, if present.
func (b *BinaryCache) Get(binaryPath string) (LineTable, bool) {
	v, ok := b.cache.Get(binaryPath)
	if !ok {
		return nil, false
	}
	return v.(LineTable), true
}

// Put caches table under binaryPath, evicting the least-recently-used
// entry if the cache is already at capacity.
func (b *BinaryCache) Put(binaryPath string, table LineTable) {
	b.cache.Add(binaryPath, table)
}

// Len reports the number of binaries currently cached.
func (b *BinaryCache) Len() int {
	return b.cache.Len()
}
