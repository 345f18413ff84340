// Package envelope defines the CORE's slot-sized wire/in-memory record
// (spec.md §3 "Message envelope", §4.2 "Envelope & Attachment Framing") and
// the attachment variants it can carry: inline bytes, a fragmented
// in-band reference, or a zero-copy pooled reference.
//
// An Envelope never owns the slot it is built atop — callers hand it a
// ring.RingBuffer slot (or any other W-byte buffer) and envelope only reads
// and writes fixed offsets within it, keeping this package free of a
// dependency on ring or shm.
package envelope

import (
	"encoding/binary"
	"fmt"

	"github.com/tipscore/corebus/tag"
)

// HeaderSize is the fixed header width: typeTag(2) + descFlag(1) +
// scratchpad.ipc(8), matching spec.md §3's envelope table.
const HeaderSize = 11

// Desc flag bits (spec.md §3, §4.2).
const (
	FlagAttachmentRef    uint8 = 1 << 0 // payload begins with an InBandAttachmentRef
	FlagAttachmentPooled uint8 = 1 << 1 // the ref is a zero-copy pool handle, not a fragmented stream
)

// Header is the envelope's fixed-width prefix, decoded from/encoded to the
// first HeaderSize bytes of a slot.
type Header struct {
	TypeTag   tag.Tag
	DescFlag  uint8
	SenderPID uint32 // scratchpad.ipc: loop-avoidance — a receiver ignores frames it originated
	InbandTag tag.Tag
	InbandLen uint16 // length of the in-band segment carried by THIS slot, not the whole attachment
}

// HasAttachmentRef reports whether the payload begins with an
// InBandAttachmentRef rather than a plain message body.
func (h Header) HasAttachmentRef() bool { return h.DescFlag&FlagAttachmentRef != 0 }

// IsPooled reports whether an attachment ref is a zero-copy pool handle.
func (h Header) IsPooled() bool { return h.DescFlag&FlagAttachmentPooled != 0 }

// MaxInlinePayload returns the largest message body that fits in one slot
// of the given width without spilling into a fragmented attachment.
func MaxInlinePayload(width int) int { return width - HeaderSize }

// WriteHeader encodes h into the first HeaderSize bytes of slot.
func WriteHeader(slot []byte, h Header) {
	binary.LittleEndian.PutUint16(slot[0:2], uint16(h.TypeTag))
	slot[2] = h.DescFlag
	binary.LittleEndian.PutUint32(slot[3:7], h.SenderPID)
	binary.LittleEndian.PutUint16(slot[7:9], uint16(h.InbandTag))
	binary.LittleEndian.PutUint16(slot[9:11], h.InbandLen)
}

// ReadHeader decodes the first HeaderSize bytes of slot.
func ReadHeader(slot []byte) Header {
	return Header{
		TypeTag:   tag.Tag(binary.LittleEndian.Uint16(slot[0:2])),
		DescFlag:  slot[2],
		SenderPID: binary.LittleEndian.Uint32(slot[3:7]),
		InbandTag: tag.Tag(binary.LittleEndian.Uint16(slot[7:9])),
		InbandLen: binary.LittleEndian.Uint16(slot[9:11]),
	}
}

// Payload returns the mutable view of slot following the header.
func Payload(slot []byte) []byte { return slot[HeaderSize:] }

// FragRefSize is the encoded size of a FragRef.
const FragRefSize = 6

// FragRef begins the payload of a slot whose header has FlagAttachmentRef
// set and FlagAttachmentPooled clear: the attachment body follows in
// ceil(AttachmentLen/segSize) subsequent slots (spec.md §4.2).
type FragRef struct {
	OriginalTag   tag.Tag
	AttachmentLen uint32
}

// WriteFragRef encodes r into the start of payload.
func WriteFragRef(payload []byte, r FragRef) {
	binary.LittleEndian.PutUint16(payload[0:2], uint16(r.OriginalTag))
	binary.LittleEndian.PutUint32(payload[2:6], r.AttachmentLen)
}

// ReadFragRef decodes a FragRef from the start of payload.
func ReadFragRef(payload []byte) FragRef {
	return FragRef{
		OriginalTag:   tag.Tag(binary.LittleEndian.Uint16(payload[0:2])),
		AttachmentLen: binary.LittleEndian.Uint32(payload[2:6]),
	}
}

// SegmentsNeeded returns how many additional slots a fragmented attachment
// of attachmentLen bytes needs, given a per-slot segment capacity.
func SegmentsNeeded(attachmentLen, segSize int) int {
	if attachmentLen <= 0 {
		return 0
	}
	return (attachmentLen + segSize - 1) / segSize
}

// PooledRefSize is the encoded size of a PooledRef.
const PooledRefSize = 14

// PooledRef begins the payload of a slot whose header has both
// FlagAttachmentRef and FlagAttachmentPooled set: the attachment bytes
// already live in the shared zero-copy pool at PoolOffset, and
// RefCountOffset names the atomic counter guarding its lifetime
// (spec.md §4.2 "Zero-copy attachment path").
type PooledRef struct {
	OriginalTag    tag.Tag
	PoolOffset     uint32
	RefCountOffset uint32
	AttachmentLen  uint32
}

// WritePooledRef encodes r into the start of payload.
func WritePooledRef(payload []byte, r PooledRef) {
	binary.LittleEndian.PutUint16(payload[0:2], uint16(r.OriginalTag))
	binary.LittleEndian.PutUint32(payload[2:6], r.PoolOffset)
	binary.LittleEndian.PutUint32(payload[6:10], r.RefCountOffset)
	binary.LittleEndian.PutUint32(payload[10:14], r.AttachmentLen)
}

// ReadPooledRef decodes a PooledRef from the start of payload.
func ReadPooledRef(payload []byte) PooledRef {
	return PooledRef{
		OriginalTag:    tag.Tag(binary.LittleEndian.Uint16(payload[0:2])),
		PoolOffset:     binary.LittleEndian.Uint32(payload[2:6]),
		RefCountOffset: binary.LittleEndian.Uint32(payload[6:10]),
		AttachmentLen:  binary.LittleEndian.Uint32(payload[10:14]),
	}
}

// ErrPayloadTooLarge is returned when a message body does not fit in a
// single slot and the caller did not ask for attachment framing.
var ErrPayloadTooLarge = fmt.Errorf("envelope: payload exceeds slot capacity")
