package metacache

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
)

// CacheEntry is one entry of a table's RangeMap: either a covered range
// backed by a known RemoteTablet, or a non-covered range remembered so
// repeat lookups in a known gap can return NotFound without consulting the
// master (spec section 4.3's covered/non-covered tagged union). Upper empty
// means "unbounded above". Expiration is the wall-clock instant, derived
// from the master's advertised TTLMillis at ingest time, past which the
// entry must not be trusted by the fast path regardless of staleness
// (spec section 3, section 8 property 3).
type CacheEntry struct {
	Lower      []byte
	Upper      []byte
	Tablet     *RemoteTablet
	Expiration time.Time
}

// IsExpired reports whether now has reached or passed the entry's
// Expiration. A zero Expiration never expires.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !e.Expiration.IsZero() && !now.Before(e.Expiration)
}

// IsNonCovered reports whether this entry represents a known gap rather
// than an actual tablet.
func (e *CacheEntry) IsNonCovered() bool { return e.Tablet == nil }

// Contains reports whether key falls within [Lower, Upper).
func (e *CacheEntry) Contains(key []byte) bool {
	if bytes.Compare(key, e.Lower) < 0 {
		return false
	}
	if len(e.Upper) > 0 && bytes.Compare(key, e.Upper) >= 0 {
		return false
	}
	return true
}

// DebugString renders the entry's range for NotFound error messages.
func (e *CacheEntry) DebugString() string {
	kind := "covered"
	if e.IsNonCovered() {
		kind = "non-covered"
	}
	return fmt.Sprintf("%s range [%x, %x)", kind, e.Lower, e.Upper)
}

func entryLess(a, b *CacheEntry) bool {
	return bytes.Compare(a.Lower, b.Lower) < 0
}

// RangeMap is a table's partition-key -> CacheEntry index, backed by
// google/btree for floor (greatest-lower-bound) lookups. The teacher's own
// ordered-map library (zhangyunhao116/skipmap) only exposes point and
// successor queries, not predecessor/floor, so it cannot express this
// lookup; google/btree is grounded on its use for the same
// "sorted-ranges-with-floor-lookup" pattern in the cockroachdb and tikv
// example repos (see SPEC_FULL.md section 3).
type RangeMap struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*CacheEntry]
}

// NewRangeMap returns an empty RangeMap.
func NewRangeMap() *RangeMap {
	return &RangeMap{tree: btree.NewG(32, entryLess)}
}

// Floor returns the entry with the greatest Lower bound <= key, if any.
func (m *RangeMap) Floor(key []byte) (*CacheEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *CacheEntry
	m.tree.DescendLessOrEqual(&CacheEntry{Lower: key}, func(item *CacheEntry) bool {
		found = item
		return false
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

// Insert adds e to the map. Callers are responsible for first removing any
// overlapping entries via EraseOverlapping so the non-overlap invariant
// (spec section 4.3) holds.
func (m *RangeMap) Insert(e *CacheEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(e)
}

func overlaps(e *CacheEntry, lower, upper []byte) bool {
	if len(upper) > 0 && bytes.Compare(e.Lower, upper) >= 0 {
		return false
	}
	if len(e.Upper) > 0 && bytes.Compare(e.Upper, lower) <= 0 {
		return false
	}
	return true
}

// EraseOverlapping removes and returns every entry whose range intersects
// [lower, upper), scanning from the floor entry of lower forward. This is
// how ingestion of a fresh master response clears stale covered and
// non-covered entries before installing new ones (meta_cache.cc's
// MetaCache::ProcessGetTableLocationsResponse).
func (m *RangeMap) EraseOverlapping(lower, upper []byte) []*CacheEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	pivot := lower
	m.tree.DescendLessOrEqual(&CacheEntry{Lower: lower}, func(item *CacheEntry) bool {
		pivot = item.Lower
		return false
	})

	var toRemove []*CacheEntry
	m.tree.AscendGreaterOrEqual(&CacheEntry{Lower: pivot}, func(item *CacheEntry) bool {
		if len(upper) > 0 && bytes.Compare(item.Lower, upper) >= 0 {
			return false
		}
		if overlaps(item, lower, upper) {
			toRemove = append(toRemove, item)
		}
		return true
	})
	for _, e := range toRemove {
		m.tree.Delete(e)
	}
	return toRemove
}

// Clear removes every entry, used by MetaCache.ClearCache.
func (m *RangeMap) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Clear(false)
}

// Len returns the number of entries currently held.
func (m *RangeMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// Ascend visits every entry in key order until fn returns false, used by the
// debug admin server to dump a table's range map.
func (m *RangeMap) Ascend(fn func(*CacheEntry) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tree.Ascend(func(item *CacheEntry) bool {
		return fn(item)
	})
}
