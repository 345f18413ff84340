// Package subtable implements the 65536-entry subscription table keyed by
// 16-bit type tag (spec.md §4.4). It is deliberately a flat array of
// atomic counters rather than a map: the outbound table must live in
// shared memory so any local process can ask "does anyone on this host
// still want tag τ?" without an IPC round trip, which rules out the
// teacher's map[string]*atomic.Value index
// (ws/internal/shared/connection.go's SubscriptionIndex) even though the
// copy-on-write idea behind it is the same "hot path never takes a lock"
// goal this package keeps.
package subtable

import (
	"sync/atomic"
	"unsafe"

	"github.com/tipscore/corebus/tag"
)

// Entries is the fixed table size: every possible 16-bit tag gets a slot.
const Entries = 65536

// EntryWidth is the byte width of one counter, for sizing a shm.Segment.
const EntryWidth = 4

// Size is the total byte size of a subscription table's shared-memory
// region.
const Size = Entries * EntryWidth

// Table is a 65536-slot atomic reference-count array. add/sub track how
// many local subscribers currently want a tag; set/unset are idempotent
// booleans layered on the same storage for callers that only care about
// presence (e.g. the network advertiser's "any local interest at all").
type Table struct {
	counts []int32
}

// New allocates a private, in-process table.
func New() *Table {
	return &Table{counts: make([]int32, Entries)}
}

// Open reinterprets a shared-memory region as a Table. data must be at
// least Size bytes and 4-byte aligned, which shm.Segment.Payload (8 bytes
// into a page-aligned mapping) is.
func Open(data []byte) *Table {
	if len(data) < Size {
		panic("subtable: backing storage smaller than Size")
	}
	ptr := (*int32)(unsafe.Pointer(&data[0]))
	counts := unsafe.Slice(ptr, Entries)
	return &Table{counts: counts}
}

// Add increments tag τ's reference count and returns the new value.
func (t *Table) Add(tg tag.Tag) int32 {
	return atomic.AddInt32(&t.counts[tg], 1)
}

// Sub decrements tag τ's reference count and returns the new value. It is
// the caller's responsibility to pair every Add with exactly one Sub.
func (t *Table) Sub(tg tag.Tag) int32 {
	return atomic.AddInt32(&t.counts[tg], -1)
}

// Check reports tag τ's current reference count; zero means no local
// subscriber.
func (t *Table) Check(tg tag.Tag) int32 {
	return atomic.LoadInt32(&t.counts[tg])
}

// Set marks tag τ present, independent of any outstanding Add/Sub count.
func (t *Table) Set(tg tag.Tag) {
	atomic.StoreInt32(&t.counts[tg], 1)
}

// Unset marks tag τ absent, independent of any outstanding Add/Sub count.
func (t *Table) Unset(tg tag.Tag) {
	atomic.StoreInt32(&t.counts[tg], 0)
}

// Tags returns every tag currently holding a non-zero count. It is an
// O(Entries) scan, so callers use it only for infrequent bulk operations —
// e.g. net.Hub enumerating local interests to subscribe a freshly
// discovered peer to (spec.md §4.7 "sends its subscription set as lines"),
// never on a hot path.
func (t *Table) Tags() []tag.Tag {
	var out []tag.Tag
	for i := range t.counts {
		if atomic.LoadInt32(&t.counts[i]) > 0 {
			out = append(out, tag.Tag(i))
		}
	}
	return out
}

// AnyInterest reports whether any tag covered by an Interest (fixed tag or
// range) currently has a non-zero count.
func (t *Table) AnyInterest(in tag.Interest) bool {
	for _, tg := range in.Tags() {
		if t.Check(tg) > 0 {
			return true
		}
	}
	return false
}
