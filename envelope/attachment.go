package envelope

import "sync/atomic"

// Kind distinguishes the two attachment ownership models spec.md §9
// describes: heap-allocated bytes owned by this process alone, or a
// shared-memory pool block visible to every attached process.
type Kind int

const (
	// Inline attachments are plain Go byte slices; the last holder to
	// Release simply lets them be garbage collected (releaseFn, if any,
	// still runs for pooled-equivalent cleanup hooks like metrics).
	Inline Kind = iota
	// Pooled attachments live in a shared-memory zero-copy pool and carry
	// an atomic cross-process refcount; the last Release frees the pool
	// block via releaseFn.
	Pooled
)

// Attachment is a variable-sized opaque byte block owned by exactly one
// holder at a time. Ownership transfers on enqueue to a Pump and on
// dispatch to a callback (spec.md §3); Retain/Release track how many
// holders currently exist so cleanup runs exactly once.
type Attachment struct {
	kind     Kind
	bytes    []byte
	refCount *atomic.Int64 // always set: NewInline seeds it with the holder count, NewPooled takes the shared counter
	release  func()
}

// NewInline wraps a heap-owned byte slice. holders is the number of local
// subscribers known at publish time (spec.md §9 "incremented on the sender
// side by the number of local subscribers known at publish time"); pass 1
// for a single consumer.
func NewInline(bytes []byte, holders int) *Attachment {
	rc := &atomic.Int64{}
	rc.Store(int64(holders))
	return &Attachment{kind: Inline, bytes: bytes, refCount: rc}
}

// NewPooled wraps a shared-memory pool block. refCount is the atomic
// counter backing the block (itself resident in shared memory so every
// attached process observes the same value); release frees the block back
// to the pool's free list once the count reaches zero.
func NewPooled(bytes []byte, refCount *atomic.Int64, release func()) *Attachment {
	return &Attachment{kind: Pooled, bytes: bytes, refCount: refCount, release: release}
}

// Kind reports the attachment's ownership model.
func (a *Attachment) Kind() Kind { return a.kind }

// Bytes returns the attachment's backing storage. Callers must not retain
// the slice past their call to Release.
func (a *Attachment) Bytes() []byte { return a.bytes }

// Len returns the attachment's byte length.
func (a *Attachment) Len() int { return len(a.bytes) }

// Retain registers one more holder, e.g. when the same attachment is
// fanned out to additional local subscribers after the initial count was
// fixed at publish time.
func (a *Attachment) Retain() {
	a.refCount.Add(1)
}

// Release decrements the holder count and, when it reaches zero, runs the
// attachment's cleanup exactly once: releaseFn for Pooled attachments, a
// no-op for Inline ones (Go's GC reclaims the backing slice).
func (a *Attachment) Release() {
	if a.refCount.Add(-1) != 0 {
		return
	}
	if a.release != nil {
		a.release()
	}
}
