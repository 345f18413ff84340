package context

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tipscore/corebus/dispatch"
	"github.com/tipscore/corebus/envelope"
	"github.com/tipscore/corebus/ring"
	"github.com/tipscore/corebus/subtable"
	"github.com/tipscore/corebus/tag"
)

func noopLogger() zerolog.Logger { return zerolog.Nop() }

// TestTwoSubscribersSeeEveryMessageInOrder covers spec.md §8 scenario 2:
// intra-process fanout, 2 subscribers, 1000 messages, order preserved.
func TestTwoSubscribersSeeEveryMessageInOrder(t *testing.T) {
	const n = 1000
	r := ring.New(1<<12, 32, 4)
	tbl := subtable.New()
	ctx := New(r, Broadcast, tbl, "test", noopLogger())

	var mu1, mu2 sync.Mutex
	var got1, got2 []int

	makeDispatcher := func(mu *sync.Mutex, out *[]int) *dispatch.Dispatcher {
		return dispatch.New([]dispatch.Registration{
			{Interest: tag.Interest{Start: 1002}, Handler: func(_ tag.Tag, payload []byte, _ *envelope.Attachment) dispatch.Outcome {
				mu.Lock()
				*out = append(*out, int(payload[0])|int(payload[1])<<8)
				mu.Unlock()
				return dispatch.Continue
			}},
		}, nil)
	}

	var wg1, wg2 sync.WaitGroup
	wg1.Add(n)
	wg2.Add(n)

	d1 := makeDispatcher(&mu1, &got1)
	d2 := makeDispatcher(&mu2, &got2)

	ctx.Admit(Subscriber{
		Interests:  []tag.Interest{{Start: 1002}},
		Dispatcher: d1,
		OnBatchEnd: func(count int) {
			for i := 0; i < count; i++ {
				wg1.Done()
			}
		},
	})
	ctx.Admit(Subscriber{
		Interests:  []tag.Interest{{Start: 1002}},
		Dispatcher: d2,
		OnBatchEnd: func(count int) {
			for i := 0; i < count; i++ {
				wg2.Done()
			}
		},
	})

	for i := 0; i < n; i++ {
		claimed := r.Claim(1)
		slot := claimed.Slots(r)[0]
		envelope.WriteHeader(slot, envelope.Header{TypeTag: tag.Tag(1002)})
		payload := envelope.Payload(slot)
		payload[0] = byte(i)
		payload[1] = byte(i >> 8)
		r.Commit(claimed)
	}

	waitTimeout(t, &wg1, 5*time.Second)
	waitTimeout(t, &wg2, 5*time.Second)
	ctx.Shutdown()

	mu1.Lock()
	defer mu1.Unlock()
	mu2.Lock()
	defer mu2.Unlock()
	if len(got1) != n || len(got2) != n {
		t.Fatalf("expected %d messages each, got %d and %d", n, len(got1), len(got2))
	}
	for i := 0; i < n; i++ {
		if got1[i] != i || got2[i] != i {
			t.Fatalf("order broken at index %d: got1=%d got2=%d", i, got1[i], got2[i])
		}
	}
}

func TestAdmitRegistersInterestsInSubscriptionTable(t *testing.T) {
	r := ring.New(16, 16, 2)
	tbl := subtable.New()
	ctx := New(r, Broadcast, tbl, "test", noopLogger())

	h, err := ctx.Admit(Subscriber{
		Interests:  []tag.Interest{{Start: 1002}},
		Dispatcher: dispatch.New(nil, nil),
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if tbl.Check(tag.Tag(1002)) != 1 {
		t.Fatalf("expected subscription table incremented")
	}

	ctx.Drop(h)
	if tbl.Check(tag.Tag(1002)) != 0 {
		t.Fatalf("expected subscription table decremented after Drop")
	}
	ctx.Shutdown()
}

func TestPurgerFreesStuckConsumerAndFlushes(t *testing.T) {
	r := ring.New(4, 16, 2)
	tbl := subtable.New()
	ctx := New(r, Broadcast, tbl, "test", noopLogger())

	// A handler that blocks forever simulates a genuinely stuck consumer:
	// its runLoop never reaches Waste, so its read cursor never advances.
	// The goroutine is intentionally leaked for the life of this test.
	block := make(chan struct{})
	dropped := make(chan struct{}, 1)
	ctx.Admit(Subscriber{
		Interests: []tag.Interest{{Start: 1}},
		Dispatcher: dispatch.New([]dispatch.Registration{
			{Interest: tag.Interest{Start: 1}, Handler: func(tag.Tag, []byte, *envelope.Attachment) dispatch.Outcome {
				<-block
				return dispatch.Continue
			}},
		}, nil),
		OnDrop: func() { dropped <- struct{}{} },
	})

	// Fill the ring so the stuck consumer is actually holding back producers.
	claimed := r.Claim(4)
	envelope.WriteHeader(claimed.Slots(r)[0], envelope.Header{TypeTag: tag.Tag(1)})
	r.Commit(claimed)

	stop := ctx.StartPurger(5 * time.Millisecond)
	defer stop()

	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected purger to drop the stuck consumer")
	}
}

// TestFragmentedAttachmentReassembledBeforeDispatch covers spec.md §4.2's
// ref+segments framing reaching a subscriber as one payload, and confirms
// an uninterested subscriber's dispatcher still advances its cursor past
// every segment (no partial-attachment leakage into the next batch).
func TestFragmentedAttachmentReassembledBeforeDispatch(t *testing.T) {
	r := ring.New(16, 32, 2) // width 32 => 21-byte inline capacity per slot
	tbl := subtable.New()
	ctx := New(r, Broadcast, tbl, "test", noopLogger())

	var mu sync.Mutex
	var gotTag tag.Tag
	var gotPayload []byte
	delivered := make(chan struct{})

	d := dispatch.New([]dispatch.Registration{
		{Interest: tag.Interest{Start: 3000}, Handler: func(matched tag.Tag, payload []byte, _ *envelope.Attachment) dispatch.Outcome {
			mu.Lock()
			gotTag = matched
			gotPayload = append([]byte(nil), payload...)
			mu.Unlock()
			close(delivered)
			return dispatch.Continue
		}},
	}, nil)

	ctx.Admit(Subscriber{
		Interests:  []tag.Interest{{Start: 3000}},
		Dispatcher: d,
	})

	body := []byte("an attachment body long enough to span four ring slots of inline capacity")
	segSize := r.Width() - envelope.HeaderSize
	segCount := envelope.SegmentsNeeded(len(body), segSize)

	claimed := r.Claim(1 + segCount)
	slots := claimed.Slots(r)
	envelope.WriteHeader(slots[0], envelope.Header{TypeTag: 3000, DescFlag: envelope.FlagAttachmentRef})
	envelope.WriteFragRef(envelope.Payload(slots[0]), envelope.FragRef{OriginalTag: 3000, AttachmentLen: uint32(len(body))})
	off := 0
	for i := 0; i < segCount; i++ {
		n := segSize
		if rem := len(body) - off; rem < n {
			n = rem
		}
		envelope.WriteHeader(slots[1+i], envelope.Header{TypeTag: 3000, InbandTag: 3000, InbandLen: uint16(n)})
		copy(envelope.Payload(slots[1+i]), body[off:off+n])
		off += n
	}
	r.Commit(claimed)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reassembled attachment to be dispatched")
	}
	ctx.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if gotTag != tag.Tag(3000) {
		t.Fatalf("expected dispatched tag 3000, got %d", gotTag)
	}
	if string(gotPayload) != string(body) {
		t.Fatalf("expected reassembled payload %q, got %q", body, gotPayload)
	}
}

// TestFragmentedAttachmentSkippedWhenNoSubscriberInterested confirms a
// ref+segments run is skipped without paying for reassembly, and the
// cursor still advances past every segment slot.
func TestFragmentedAttachmentSkippedWhenNoSubscriberInterested(t *testing.T) {
	r := ring.New(16, 32, 2)
	tbl := subtable.New()
	ctx := New(r, Broadcast, tbl, "test", noopLogger())

	var count int
	var mu sync.Mutex
	batchEnded := make(chan struct{}, 8)

	d := dispatch.New(nil, nil) // no registrations at all: tag 3000 matches nothing

	ctx.Admit(Subscriber{
		Interests:  []tag.Interest{{Start: 4000}}, // registered tag differs from the attachment's tag
		Dispatcher: d,
		OnBatchEnd: func(n int) {
			mu.Lock()
			count += n
			mu.Unlock()
			batchEnded <- struct{}{}
		},
	})

	body := []byte("nobody wants this attachment but the cursor must still move past it")
	segSize := r.Width() - envelope.HeaderSize
	segCount := envelope.SegmentsNeeded(len(body), segSize)

	claimed := r.Claim(1 + segCount)
	slots := claimed.Slots(r)
	envelope.WriteHeader(slots[0], envelope.Header{TypeTag: 3000, DescFlag: envelope.FlagAttachmentRef})
	envelope.WriteFragRef(envelope.Payload(slots[0]), envelope.FragRef{OriginalTag: 3000, AttachmentLen: uint32(len(body))})
	off := 0
	for i := 0; i < segCount; i++ {
		n := segSize
		if rem := len(body) - off; rem < n {
			n = rem
		}
		envelope.WriteHeader(slots[1+i], envelope.Header{TypeTag: 3000, InbandTag: 3000, InbandLen: uint16(n)})
		copy(envelope.Payload(slots[1+i]), body[off:off+n])
		off += n
	}
	r.Commit(claimed)

	select {
	case <-batchEnded:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for OnBatchEnd")
	}
	ctx.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if count != 1+segCount {
		t.Fatalf("expected cursor to advance past ref+%d segments (%d slots), got %d", segCount, 1+segCount, count)
	}
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timed out waiting for WaitGroup")
	}
}
