package envelope

import (
	"sync/atomic"
	"testing"

	"github.com/tipscore/corebus/tag"
)

func TestHeaderRoundTrip(t *testing.T) {
	slot := make([]byte, 64)
	h := Header{
		TypeTag:   tag.Tag(1002),
		DescFlag:  FlagAttachmentRef,
		SenderPID: 4242,
		InbandTag: tag.Tag(1002),
		InbandLen: 37,
	}
	WriteHeader(slot, h)
	got := ReadHeader(slot)
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
	if !got.HasAttachmentRef() {
		t.Fatalf("expected HasAttachmentRef true")
	}
	if got.IsPooled() {
		t.Fatalf("expected IsPooled false")
	}
}

func TestMaxInlinePayload(t *testing.T) {
	if got := MaxInlinePayload(64); got != 53 {
		t.Fatalf("expected 53, got %d", got)
	}
}

func TestFragRefRoundTrip(t *testing.T) {
	payload := make([]byte, 32)
	r := FragRef{OriginalTag: tag.Tag(1005), AttachmentLen: 200}
	WriteFragRef(payload, r)
	got := ReadFragRef(payload)
	if got != r {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, r)
	}
}

func TestSegmentsNeeded(t *testing.T) {
	cases := []struct{ attLen, segSize, want int }{
		{200, 53, 4}, // 53*3=159, 53*4=212 >= 200
		{0, 53, 0},
		{53, 53, 1},
	}
	for _, c := range cases {
		if got := SegmentsNeeded(c.attLen, c.segSize); got != c.want {
			t.Fatalf("SegmentsNeeded(%d,%d) = %d, want %d", c.attLen, c.segSize, got, c.want)
		}
	}
}

func TestPooledRefRoundTrip(t *testing.T) {
	payload := make([]byte, 32)
	r := PooledRef{OriginalTag: tag.Tag(1009), PoolOffset: 1024, RefCountOffset: 1032, AttachmentLen: 4096}
	WritePooledRef(payload, r)
	got := ReadPooledRef(payload)
	if got != r {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, r)
	}
}

func TestAttachmentReleaseRunsExactlyOnceAtZero(t *testing.T) {
	freed := 0
	rc := &atomic.Int64{}
	rc.Store(2)
	a := NewPooled([]byte("hello"), rc, func() { freed++ })

	a.Release()
	if freed != 0 {
		t.Fatalf("expected no release yet, freed=%d", freed)
	}
	a.Release()
	if freed != 1 {
		t.Fatalf("expected exactly one release, freed=%d", freed)
	}
}

func TestInlineAttachmentHoldersMatchPublishTimeFanout(t *testing.T) {
	a := NewInline([]byte("payload"), 3)
	a.Release()
	a.Release()
	if a.Len() != 7 {
		t.Fatalf("expected len 7, got %d", a.Len())
	}
	// Third release should not panic even though no releaseFn is set.
	a.Release()
}

func TestReassemblerCompletesAtDeclaredLength(t *testing.T) {
	var r Reassembler
	if err := r.Begin(tag.Tag(1005), 10); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if complete, err := r.Append([]byte("hello")); err != nil || complete {
		t.Fatalf("expected incomplete after 5 bytes, got complete=%v err=%v", complete, err)
	}
	complete, err := r.Append([]byte("world"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !complete {
		t.Fatalf("expected complete after 10 bytes")
	}
	if string(r.Bytes()) != "helloworld" {
		t.Fatalf("got %q", r.Bytes())
	}
	r.Reset()
	if r.Active() {
		t.Fatalf("expected inactive after Reset")
	}
}

func TestReassemblerRejectsOverlappingBegin(t *testing.T) {
	var r Reassembler
	r.Begin(tag.Tag(1), 10)
	if err := r.Begin(tag.Tag(2), 10); err != ErrReassemblyInProgress {
		t.Fatalf("expected ErrReassemblyInProgress, got %v", err)
	}
}
