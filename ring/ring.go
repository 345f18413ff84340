// Package ring implements the CORE's MPMC ring buffer: a fixed-capacity,
// lock-free, multi-producer / multi-consumer bounded queue with per-consumer
// independent read cursors (spec.md §4.1). It knows nothing about envelopes
// or tags — it moves fixed-width byte slots and leaves their interpretation
// to the envelope package, so the same ring backs both the in-process bus
// and (placed atop a shm.Segment) the IPC bus.
package ring

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"
)

// ErrNoRoom is returned by TryClaim when the ring cannot currently admit the
// requested number of slots.
var ErrNoRoom = errors.New("ring: no room")

// ErrTooManyConsumers is returned by Attach when all consumer slots are in use.
var ErrTooManyConsumers = errors.New("ring: consumer capacity exhausted")

const (
	consumerFree = iota
	consumerLive
)

type consumerSlot struct {
	_            [0]byte
	state        atomic.Int32  // consumerFree | consumerLive
	readSeq      atomic.Uint64 // next sequence number this consumer has NOT yet consumed, minus 1: slots <= readSeq are done
	lastProgress atomic.Int64  // unix nanos of last Waste call (proof of life)
	admittedAt   atomic.Int64  // unix nanos of Attach, for the purge grace period
}

// RingBuffer is a bounded queue of Depth slots of Width bytes, shared by any
// number of producers and up to Capacity independent consumer cursors.
// Depth must be a power of two.
type RingBuffer struct {
	width int
	depth uint64
	mask  uint64
	data  []byte

	producerSeq  atomic.Uint64 // highest sequence number claimed so far
	committedSeq atomic.Uint64 // highest sequence number visible to consumers

	available []atomic.Uint64 // per-slot: the sequence published into it (0 == never)

	consumers []consumerSlot
}

// New allocates a RingBuffer backed by an in-process byte slice. depth must
// be a power of two; width is the fixed slot size in bytes; capacity bounds
// the number of independent consumer cursors.
func New(depth, width, capacity int) *RingBuffer {
	if depth <= 0 || depth&(depth-1) != 0 {
		panic("ring: depth must be a power of two")
	}
	if width <= 0 {
		panic("ring: width must be positive")
	}
	return &RingBuffer{
		width:     width,
		depth:     uint64(depth),
		mask:      uint64(depth - 1),
		data:      make([]byte, depth*width),
		available: make([]atomic.Uint64, depth),
		consumers: make([]consumerSlot, capacity),
	}
}

// Open wraps pre-allocated storage (e.g. a mapped shared-memory segment) as
// a RingBuffer. The caller is responsible for zero-initializing fresh
// storage exactly once (see shm.Segment's creator/attacher split). Only the
// slot bytes live in data: the producer and committed sequences, the
// per-slot availability marks and the consumer cursors are allocated in
// this process's memory, so two processes that Open the same storage do not
// share them.
func Open(data []byte, depth, width, capacity int) *RingBuffer {
	if len(data) < depth*width {
		panic("ring: backing storage smaller than depth*width")
	}
	rb := New(depth, width, capacity)
	rb.data = data[:depth*width]
	return rb
}

// Width returns the fixed slot size in bytes.
func (r *RingBuffer) Width() int { return r.width }

// Depth returns the number of slots.
func (r *RingBuffer) Depth() int { return int(r.depth) }

func (r *RingBuffer) slot(seq uint64) []byte {
	idx := (seq - 1) & r.mask
	off := idx * uint64(r.width)
	return r.data[off : off+uint64(r.width)]
}

func (r *RingBuffer) minReadSeq() uint64 {
	min := uint64(0)
	seen := false
	for i := range r.consumers {
		c := &r.consumers[i]
		if c.state.Load() != consumerLive {
			continue
		}
		rs := c.readSeq.Load()
		if !seen || rs < min {
			min, seen = rs, true
		}
	}
	return min
}

// Claimed is a reserved, contiguous range of slots [Begin, Begin+N) (1-based
// sequence numbers) ready for a producer to write into.
type Claimed struct {
	Begin uint64
	N     int
}

// slotOf returns the i'th reserved slot's backing bytes (0 <= i < N).
func (c Claimed) slotOf(r *RingBuffer, i int) []byte {
	return r.slot(c.Begin + uint64(i))
}

// Slots returns writable views of every reserved slot in order.
func (c Claimed) Slots(r *RingBuffer) [][]byte {
	out := make([][]byte, c.N)
	for i := 0; i < c.N; i++ {
		out[i] = c.slotOf(r, i)
	}
	return out
}

// TryClaim reserves n consecutive slots without blocking. It fails with
// ErrNoRoom when admitting n slots would overwrite data a live consumer has
// not yet read (producerSeq + n - minReadSeq > depth).
func (r *RingBuffer) TryClaim(n int) (Claimed, error) {
	for {
		cur := r.producerSeq.Load()
		next := cur + uint64(n)
		if next-r.minReadSeq() > r.depth {
			return Claimed{}, ErrNoRoom
		}
		if r.producerSeq.CompareAndSwap(cur, next) {
			return Claimed{Begin: cur + 1, N: n}, nil
		}
	}
}

// Claim reserves n consecutive slots, spinning (then yielding the
// scheduler) while the ring cannot currently admit them. It never fails;
// per spec.md §4.1 this is the rationale for the stuck-consumer purger —
// a live consumer that never advances will spin this call forever.
func (r *RingBuffer) Claim(n int) Claimed {
	spins := 0
	for {
		c, err := r.TryClaim(n)
		if err == nil {
			return c
		}
		spins++
		if spins < 1000 {
			runtime.Gosched()
		} else {
			time.Sleep(time.Microsecond)
		}
	}
}

// Commit publishes a claimed range, making it visible to consumers.
// Commits may be published by different producers out of order; the
// visible (committed) sequence only advances across a complete prefix, so a
// slow producer's not-yet-committed slot holds back everyone behind it.
func (r *RingBuffer) Commit(c Claimed) {
	for i := 0; i < c.N; i++ {
		seq := c.Begin + uint64(i)
		r.available[(seq-1)&r.mask].Store(seq)
	}
	for {
		cur := r.committedSeq.Load()
		next := cur + 1
		for r.available[(next-1)&r.mask].Load() == next {
			next++
		}
		next--
		if next <= cur {
			return
		}
		if r.committedSeq.CompareAndSwap(cur, next) {
			return
		}
		// Lost the race to another producer's commit; its view of the
		// complete prefix may already cover ours, or vice versa — retry.
	}
}

// Committed returns the highest sequence number currently visible to consumers.
func (r *RingBuffer) Committed() uint64 { return r.committedSeq.Load() }

// Claimed returns the highest sequence number reserved by any producer.
func (r *RingBuffer) Claimed() uint64 { return r.producerSeq.Load() }

// ConsumerHandle identifies one of the ring's independent read cursors.
type ConsumerHandle struct {
	idx int
}

// Attach allocates a consumer slot and initializes its cursor to the
// current committed sequence: a newly attached consumer does not receive
// history, matching spec.md §4.5 "Subscriber admission".
func (r *RingBuffer) Attach() (ConsumerHandle, error) {
	for i := range r.consumers {
		c := &r.consumers[i]
		if c.state.CompareAndSwap(consumerFree, consumerLive) {
			now := time.Now().UnixNano()
			c.readSeq.Store(r.committedSeq.Load())
			c.lastProgress.Store(now)
			c.admittedAt.Store(now)
			return ConsumerHandle{idx: i}, nil
		}
	}
	return ConsumerHandle{}, ErrTooManyConsumers
}

// Detach releases a consumer slot back to the free pool.
func (r *RingBuffer) Detach(h ConsumerHandle) {
	r.consumers[h.idx].state.Store(consumerFree)
}

// Peek returns the half-open range of not-yet-read committed sequence
// numbers for consumer h, clamped to at most batchCap slots (0 means
// unlimited). begin == end means nothing is pending.
func (r *RingBuffer) Peek(h ConsumerHandle, batchCap int) (begin, end uint64) {
	c := &r.consumers[h.idx]
	begin = c.readSeq.Load() + 1
	end = r.committedSeq.Load() + 1
	if batchCap > 0 && end-begin > uint64(batchCap) {
		end = begin + uint64(batchCap)
	}
	if end < begin {
		end = begin
	}
	return begin, end
}

// SlotAt returns the readable bytes for an absolute sequence number
// returned by Peek.
func (r *RingBuffer) SlotAt(seq uint64) []byte { return r.slot(seq) }

// Waste advances consumer h's read cursor by count, marking those slots as
// fully handled. The caller must have released any attachments those slots
// referenced first.
func (r *RingBuffer) Waste(h ConsumerHandle, count int) {
	c := &r.consumers[h.idx]
	c.readSeq.Add(uint64(count))
	c.lastProgress.Store(time.Now().UnixNano())
}

// ConsumerReadSeq reports consumer h's current read cursor, mostly useful
// for tests and metrics.
func (r *RingBuffer) ConsumerReadSeq(h ConsumerHandle) uint64 {
	return r.consumers[h.idx].readSeq.Load()
}

// Purge scans every live consumer and marks dead any whose read cursor has
// not advanced for at least interval while the ring is non-empty relative
// to it, skipping consumers still inside their post-admission grace period
// (an Open Question in spec.md §9, resolved in DESIGN.md). It returns the
// handles it purged so the caller can enqueue a synthetic Flush envelope
// per spec.md §4.5.
func (r *RingBuffer) Purge(interval time.Duration) []ConsumerHandle {
	if interval <= 0 {
		return nil
	}
	now := time.Now()
	var purged []ConsumerHandle
	committed := r.committedSeq.Load()
	for i := range r.consumers {
		c := &r.consumers[i]
		if c.state.Load() != consumerLive {
			continue
		}
		if now.Sub(time.Unix(0, c.admittedAt.Load())) < interval {
			continue // grace period
		}
		if c.readSeq.Load() >= committed {
			continue // caught up, not stuck
		}
		last := time.Unix(0, c.lastProgress.Load())
		if now.Sub(last) >= interval {
			if c.state.CompareAndSwap(consumerLive, consumerFree) {
				purged = append(purged, ConsumerHandle{idx: i})
			}
		}
	}
	return purged
}
