package net

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tipscore/corebus/envelope"
	"github.com/tipscore/corebus/tag"
)

func TestSubscribeLineEncoding(t *testing.T) {
	cases := []struct {
		tg   tag.Tag
		add  bool
		want string
	}{
		{tg: 0, add: true, want: "+0\t"},
		{tg: 7, add: false, want: "-7\t"},
		{tg: 1234, add: true, want: "+1234\t"},
	}
	for _, c := range cases {
		got := string(subscribeLine(c.tg, c.add))
		if got != c.want {
			t.Fatalf("subscribeLine(%d, %v): expected %q, got %q", c.tg, c.add, c.want, got)
		}
	}
}

func TestParseUintRejectsNonDigitsAndOverflow(t *testing.T) {
	if _, ok := parseUint([]byte("12a")); ok {
		t.Fatalf("expected parseUint to reject non-digit input")
	}
	if _, ok := parseUint([]byte("99999")); ok {
		t.Fatalf("expected parseUint to reject a value overflowing uint16")
	}
	v, ok := parseUint([]byte("65535"))
	if !ok || v != 65535 {
		t.Fatalf("expected (65535, true), got (%d, %v)", v, ok)
	}
}

type recordingDeliverer struct {
	tags     []tag.Tag
	payloads [][]byte
}

func (r *recordingDeliverer) Deliver(t tag.Tag, payload []byte) error {
	r.tags = append(r.tags, t)
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
	return nil
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// TestSessionHandshakeDeliversSingleFrameEnvelope wires an outbound Session
// to an inbound Session over an in-memory pipe, sends one control
// subscription line, then one data frame, and checks the inbound session's
// remote-interest map and the outbound session's Deliverer both observe it.
func TestSessionHandshakeDeliversSingleFrameEnvelope(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	deliver := &recordingDeliverer{}
	outbound := NewOutboundSession(clientConn, 50*time.Millisecond, deliver, nil, false, testLogger())
	inbound := NewInboundSession(serverConn, time.Second, nil, false, testLogger())

	outbound.Start(func(string) {})
	inbound.Start(func(string) {})
	defer outbound.Close("test done")
	defer inbound.Close("test done")

	outbound.Subscribe(tag.Tag(1000))
	outbound.EndInitialSubscriptions()

	waitFor(t, func() bool { return inbound.Wants(tag.Tag(1000)) })

	slot := make([]byte, envelope.HeaderSize+5)
	envelope.WriteHeader(slot, envelope.Header{TypeTag: 1000})
	copy(envelope.Payload(slot), "hello")
	inbound.SendEnvelope(slot)

	waitFor(t, func() bool { return len(deliver.tags) == 1 })
	if deliver.tags[0] != tag.Tag(1000) {
		t.Fatalf("expected delivered tag 1000, got %d", deliver.tags[0])
	}
	if string(deliver.payloads[0]) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", deliver.payloads[0])
	}
}

// TestSessionHandshakeDeliversFragmentedAttachment exercises the ref+segment
// path: an inbound session streams a ref frame declaring a multi-segment
// attachment, followed by the segments, and the outbound side's reassembler
// must hand the whole body to Deliver exactly once.
func TestSessionHandshakeDeliversFragmentedAttachment(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	deliver := &recordingDeliverer{}
	outbound := NewOutboundSession(clientConn, 50*time.Millisecond, deliver, nil, false, testLogger())
	inbound := NewInboundSession(serverConn, time.Second, nil, false, testLogger())

	outbound.Start(func(string) {})
	inbound.Start(func(string) {})
	defer outbound.Close("test done")
	defer inbound.Close("test done")

	outbound.Subscribe(tag.Tag(2000))
	outbound.EndInitialSubscriptions()
	waitFor(t, func() bool { return inbound.Wants(tag.Tag(2000)) })

	body := []byte("a fragmented attachment body that spans four segments!!")
	segSize := 16
	refSlot := make([]byte, envelope.HeaderSize+envelope.FragRefSize)
	envelope.WriteHeader(refSlot, envelope.Header{TypeTag: 2000, DescFlag: envelope.FlagAttachmentRef})
	envelope.WriteFragRef(envelope.Payload(refSlot), envelope.FragRef{OriginalTag: 2000, AttachmentLen: uint32(len(body))})
	inbound.SendAttachmentRef(refSlot)

	off := 0
	for off < len(body) {
		n := segSize
		if rem := len(body) - off; rem < n {
			n = rem
		}
		segSlot := make([]byte, envelope.HeaderSize+n)
		envelope.WriteHeader(segSlot, envelope.Header{TypeTag: 2000, InbandTag: 2000, InbandLen: uint16(n)})
		copy(envelope.Payload(segSlot), body[off:off+n])
		inbound.SendEnvelope(segSlot)
		off += n
	}

	waitFor(t, func() bool { return len(deliver.tags) == 1 })
	if deliver.tags[0] != tag.Tag(2000) {
		t.Fatalf("expected delivered tag 2000, got %d", deliver.tags[0])
	}
	if string(deliver.payloads[0]) != string(body) {
		t.Fatalf("expected reassembled body %q, got %q", body, deliver.payloads[0])
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never became true")
}
