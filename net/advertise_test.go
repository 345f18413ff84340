package net

import (
	"testing"

	"github.com/tipscore/corebus/tag"
)

func TestEncodeDecodeTypeTagSourceRoundTrip(t *testing.T) {
	msg := TypeTagSource{
		IP:       "10.0.0.5",
		TCPPort:  30010,
		PID:      4242,
		Loopback: true,
		Tags:     []tag.Tag{1000, 1001, 1002},
	}

	buf, err := EncodeTypeTagSource(msg)
	if err != nil {
		t.Fatalf("EncodeTypeTagSource: %v", err)
	}
	if len(buf) != typeTagSourceWireSize {
		t.Fatalf("expected wire size %d, got %d", typeTagSourceWireSize, len(buf))
	}

	got, err := DecodeTypeTagSource(buf)
	if err != nil {
		t.Fatalf("DecodeTypeTagSource: %v", err)
	}
	if got.IP != msg.IP || got.TCPPort != msg.TCPPort || got.PID != msg.PID || got.Loopback != msg.Loopback {
		t.Fatalf("expected %+v, got %+v", msg, got)
	}
	if len(got.Tags) != len(msg.Tags) {
		t.Fatalf("expected %d tags, got %d", len(msg.Tags), len(got.Tags))
	}
	for i, tg := range msg.Tags {
		if got.Tags[i] != tg {
			t.Fatalf("tag %d: expected %d, got %d", i, tg, got.Tags[i])
		}
	}
}

func TestEncodeTypeTagSourceRejectsTooManyTags(t *testing.T) {
	tags := make([]tag.Tag, MaxTagsPerSource+1)
	if _, err := EncodeTypeTagSource(TypeTagSource{Tags: tags}); err != ErrTooManyTags {
		t.Fatalf("expected ErrTooManyTags, got %v", err)
	}
}

func TestDecodeTypeTagSourceRejectsShortDatagram(t *testing.T) {
	if _, err := DecodeTypeTagSource(make([]byte, 4)); err == nil {
		t.Fatalf("expected error decoding a short datagram")
	}
}

func TestChunkTagsSplitsAtMaxTagsPerSource(t *testing.T) {
	tags := make([]tag.Tag, MaxTagsPerSource+5)
	for i := range tags {
		tags[i] = tag.Tag(1000 + i)
	}

	chunks := chunkTags(tags)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != MaxTagsPerSource {
		t.Fatalf("expected first chunk of %d, got %d", MaxTagsPerSource, len(chunks[0]))
	}
	if len(chunks[1]) != 5 {
		t.Fatalf("expected second chunk of 5, got %d", len(chunks[1]))
	}
}

func TestChunkTagsEmptyYieldsOneEmptyChunk(t *testing.T) {
	chunks := chunkTags(nil)
	if len(chunks) != 1 || len(chunks[0]) != 0 {
		t.Fatalf("expected one empty chunk for an advertiser with no sourced tags, got %+v", chunks)
	}
}
