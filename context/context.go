// Package context binds a ring.RingBuffer to a set of resident
// subscribers and the threads that run them (spec.md §4.5). It is the
// component directly above Dispatcher and SubscriptionTable in the
// dependency order spec.md §2 lays out, and the component Domain composes
// one or two of (local plus, optionally, IPC-backed).
//
// Named context rather than something ring-specific because the teacher's
// own lifecycle idiom (ws/internal/shared/server.go: ctx/cancel/wg,
// goroutine-per-concern) is exactly the shape a consumer-thread owner
// needs; this package is that owner, generalized from an HTTP server's
// request lifecycle to the ring's subscriber lifecycle.
package context

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tipscore/corebus/dispatch"
	"github.com/tipscore/corebus/envelope"
	"github.com/tipscore/corebus/internal/logging"
	"github.com/tipscore/corebus/internal/metrics"
	"github.com/tipscore/corebus/ring"
	"github.com/tipscore/corebus/subtable"
	"github.com/tipscore/corebus/tag"
)

// Mode selects how a Context fans a published message out to its
// subscribers (spec.md §4.5 "Variants").
type Mode int

const (
	// Broadcast delivers every message to every subscriber, each on its
	// own consumer slot.
	Broadcast Mode = iota
	// Partition is accepted by New, but Admit handles it exactly like
	// Broadcast: each admitted subscriber gets its own consumer slot and
	// receives every message; no message is load-balanced across a pool.
	Partition
)

// Subscriber describes one resident consumer: what it wants to receive
// and the lifecycle hooks the lone subscriber thread invokes.
type Subscriber struct {
	Interests  []tag.Interest
	Dispatcher *dispatch.Dispatcher
	MaxBatch   int // 0 means unbounded (drain everything peek() offers)

	OnStart    func()
	OnStop     func(err error)
	OnDrop     func() // invoked by the purger when this subscriber is purged
	OnBatchEnd func(count int)
}

type subscriberRecord struct {
	sub    Subscriber
	cancel func()
}

// Context owns one RingBuffer's subscriber set and the purger that keeps
// a stuck consumer from starving everyone behind it.
type Context struct {
	ring    *ring.RingBuffer
	mode    Mode
	table   *subtable.Table // outbound subscription table; nil if this Context doesn't register interests
	ringTag string          // label used on metrics, e.g. "local" / "ipc"
	logger  zerolog.Logger

	mu   sync.Mutex
	subs map[ring.ConsumerHandle]*subscriberRecord

	wg     sync.WaitGroup
	stopCh chan struct{}

	selfPID uint32 // IPC loop-avoidance: non-zero means skip dispatch for envelopes this process originated
}

// New builds a Context over an already-constructed RingBuffer. table may
// be nil for a Context whose Domain has no shared subscription table to
// register against (spec.md §4.4's per-node registration is then a no-op).
func New(r *ring.RingBuffer, mode Mode, table *subtable.Table, ringTag string, logger zerolog.Logger) *Context {
	return &Context{
		ring:    r,
		mode:    mode,
		table:   table,
		ringTag: ringTag,
		logger:  logger,
		subs:    make(map[ring.ConsumerHandle]*subscriberRecord),
		stopCh:  make(chan struct{}),
	}
}

// Admit allocates a consumer slot for sub, registers its interests in the
// outbound subscription table, invokes OnStart, and starts its dispatch
// loop on a dedicated goroutine (spec.md §4.5 "Subscriber admission").
func (c *Context) Admit(sub Subscriber) (ring.ConsumerHandle, error) {
	h, err := c.ring.Attach()
	if err != nil {
		return ring.ConsumerHandle{}, err
	}

	c.registerInterests(sub.Interests)

	c.mu.Lock()
	c.subs[h] = &subscriberRecord{sub: sub}
	c.mu.Unlock()

	if sub.OnStart != nil {
		sub.OnStart()
	}

	c.wg.Add(1)
	go c.runLoop(h, sub)
	return h, nil
}

// Drop detaches a subscriber explicitly (as opposed to the purger doing it
// for a stuck one), decrementing its subscription-table interests.
func (c *Context) Drop(h ring.ConsumerHandle) {
	c.mu.Lock()
	rec, ok := c.subs[h]
	delete(c.subs, h)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.unregisterInterests(rec.sub.Interests)
	c.ring.Detach(h)
	if rec.sub.OnDrop != nil {
		rec.sub.OnDrop()
	}
}

func (c *Context) registerInterests(interests []tag.Interest) {
	if c.table == nil {
		return
	}
	for _, in := range interests {
		for _, t := range in.Tags() {
			c.table.Add(t)
		}
	}
}

func (c *Context) unregisterInterests(interests []tag.Interest) {
	if c.table == nil {
		return
	}
	for _, in := range interests {
		for _, t := range in.Tags() {
			c.table.Sub(t)
		}
	}
}

// runLoop is the per-subscriber thread: peek, dispatch, onBatchEnd, waste —
// spec.md §4.5's numbered "Thread loop". A fragmented attachment
// (spec.md §4.2) occupies several consecutive slots starting with a ref
// slot; this loop accumulates those slots into one reassembly before
// dispatching, rather than treating each one as an independent envelope.
func (c *Context) runLoop(h ring.ConsumerHandle, sub Subscriber) {
	defer c.wg.Done()
	defer logging.RecoverPanic(c.logger, "context.runLoop", map[string]any{"ring": c.ringTag})

	var reassembler envelope.Reassembler

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		begin, end := c.ring.Peek(h, sub.MaxBatch)
		if begin == end {
			time.Sleep(time.Millisecond)
			continue
		}

		var failure error
		var pending bool
		seq := begin
		for seq < end {
			slot := c.ring.SlotAt(seq)
			hdr := envelope.ReadHeader(slot)
			if c.selfPID != 0 && hdr.SenderPID == c.selfPID {
				seq++ // already delivered locally before this copy was relayed into the IPC ring
				continue
			}

			if hdr.HasAttachmentRef() {
				consumed, payload, matchedTag, ok, wait := c.reassemble(&reassembler, sub.Dispatcher, slot, seq)
				if wait {
					// The ring has not yet committed the ref's whole span (a
					// concurrent producer's commit can expose the ref before
					// its segments). Stop this batch short of the ref so a
					// later iteration re-peeks once the span is committed —
					// never dispatch a segment slot as if it were its own
					// message.
					pending = true
					break
				}
				seq += consumed
				// The reassembly may have reached past this batch's original
				// end to read already-committed segments; extend it so the
				// loop condition and final Waste/OnBatchEnd count cover them.
				if seq > end {
					end = seq
				}
				if !ok {
					continue // not interested
				}
				outcome := sub.Dispatcher.Dispatch(matchedTag, payload, nil)
				metrics.DispatchTotal.WithLabelValues("matched").Inc()
				if outcome == dispatch.Stop {
					failure = fmt.Errorf("subscriber callback stopped at tag %d", matchedTag)
					break
				}
				continue
			}

			payload := envelope.Payload(slot)
			outcome := sub.Dispatcher.Dispatch(hdr.TypeTag, payload, nil)
			metrics.DispatchTotal.WithLabelValues("matched").Inc()
			seq++
			if outcome == dispatch.Stop {
				failure = fmt.Errorf("subscriber callback stopped at tag %d", hdr.TypeTag)
				break
			}
		}

		count := int(seq - begin)
		if sub.OnBatchEnd != nil {
			sub.OnBatchEnd(count)
		}
		// Filtered-out messages still advance the cursor (spec.md §4.5 step 4).
		c.ring.Waste(h, count)
		if pending {
			time.Sleep(time.Millisecond)
		}

		if failure != nil {
			c.mu.Lock()
			delete(c.subs, h)
			c.mu.Unlock()
			c.ring.Detach(h)
			if sub.OnStop != nil {
				sub.OnStop(failure)
			}
			return
		}
	}
}

// reassemble consumes a ref slot at seq and the segCount segment slots
// that follow it, returning how many slots it consumed and, if the
// Dispatcher is interested in the original tag, the reassembled payload
// and original tag. Segments belonging to an attachment no one wants are
// still skipped slot for slot so the caller's cursor accounting stays
// correct (spec.md §4.3 "if no type matches ... filtering advances the
// cursor").
//
// domain.PublishAttachment claims the ref and every segment as one
// contiguous range and commits them in a single call. wait reports true
// when the ring's committed sequence does not yet reach the span's last
// segment; the caller re-peeks rather than this function ever synthesizing
// a standalone dispatch out of a segment slot. A span that is committed but
// reaches past the caller's Peek-clamped batch is consumed here in full,
// and the caller extends its batch to cover it.
func (c *Context) reassemble(r *envelope.Reassembler, d *dispatch.Dispatcher, slot []byte, seq uint64) (consumed uint64, payload []byte, matchedTag tag.Tag, ok bool, wait bool) {
	ref := envelope.ReadFragRef(envelope.Payload(slot))
	segSize := c.ring.Width() - envelope.HeaderSize
	segCount := uint64(envelope.SegmentsNeeded(int(ref.AttachmentLen), segSize))
	total := 1 + segCount

	if seq+total-1 > c.ring.Committed() {
		return 0, nil, 0, false, true
	}
	if !d.Matches(ref.OriginalTag) {
		return total, nil, 0, false, false
	}

	r.Reset()
	if ref.AttachmentLen == 0 {
		return total, nil, ref.OriginalTag, true, false
	}
	_ = r.Begin(ref.OriginalTag, int(ref.AttachmentLen))
	for i := uint64(0); i < segCount; i++ {
		segSlot := c.ring.SlotAt(seq + 1 + i)
		segHdr := envelope.ReadHeader(segSlot)
		body := envelope.Payload(segSlot)
		n := int(segHdr.InbandLen)
		if n > len(body) {
			n = len(body)
		}
		complete, err := r.Append(body[:n])
		if err != nil {
			return total, nil, 0, false, false
		}
		if complete {
			break
		}
	}
	out := append([]byte(nil), r.Bytes()...)
	t := r.Tag()
	r.Reset()
	return total, out, t, true, false
}

// Shutdown stops every subscriber loop and waits for them to exit.
func (c *Context) Shutdown() {
	close(c.stopCh)
	c.wg.Wait()
}

// Ring exposes the underlying RingBuffer, e.g. so a Pump can publish into
// it directly.
func (c *Context) Ring() *ring.RingBuffer { return c.ring }

// SetSelfPID enables IPC loop-avoidance: envelopes whose SenderPID equals
// pid are wasted (cursor advanced) without being dispatched, since this
// process already delivered them to its Nodes via the local Context
// before relaying a copy into the IPC ring (spec.md §4.6 "stamped with
// the sender pid to suppress self-delivery").
func (c *Context) SetSelfPID(pid uint32) { c.selfPID = pid }
