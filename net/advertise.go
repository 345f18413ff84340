package net

import (
	"encoding/binary"
	"fmt"

	"github.com/tipscore/corebus/tag"
)

// MaxTagsPerSource is the most tags one TypeTagSource datagram can carry
// (spec.md §4.7 "messages <= 64 tags per datagram; the sender splits
// across multiple datagrams if needed"), grounded on
// original_source/hmbdc/tips/tcpcast/Messages.hpp's
// `XmitEndian<uint16_t> typeTags[64]`.
const MaxTagsPerSource = 64

// typeTagSourceWireSize is ip(16) + tcpPort(2) + pid(4) + loopback(1) +
// tagCount(2) + 64*tag(2).
const typeTagSourceWireSize = 16 + 2 + 4 + 1 + 2 + MaxTagsPerSource*2

// TypeTagSource announces that this process sources messages on Tags,
// reachable over TCP at (IP, TCPPort). Reserved control tag 250
// (spec.md §6).
type TypeTagSource struct {
	IP       string
	TCPPort  uint16
	PID      uint32
	Loopback bool
	Tags     []tag.Tag
}

// ErrTooManyTags is returned when more than MaxTagsPerSource tags are
// given to EncodeTypeTagSource; callers must split across datagrams
// themselves (see Advertiser.advertiseOnce).
var ErrTooManyTags = fmt.Errorf("net: more than %d tags in one TypeTagSource", MaxTagsPerSource)

// EncodeTypeTagSource serializes m into a fixed-size little-endian
// datagram payload.
func EncodeTypeTagSource(m TypeTagSource) ([]byte, error) {
	if len(m.Tags) > MaxTagsPerSource {
		return nil, ErrTooManyTags
	}
	buf := make([]byte, typeTagSourceWireSize)
	copy(buf[0:16], []byte(m.IP))
	binary.LittleEndian.PutUint16(buf[16:18], m.TCPPort)
	binary.LittleEndian.PutUint32(buf[18:22], m.PID)
	if m.Loopback {
		buf[22] = 1
	}
	binary.LittleEndian.PutUint16(buf[23:25], uint16(len(m.Tags)))
	for i, t := range m.Tags {
		off := 25 + i*2
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(t))
	}
	return buf, nil
}

// DecodeTypeTagSource parses a datagram payload produced by
// EncodeTypeTagSource.
func DecodeTypeTagSource(buf []byte) (TypeTagSource, error) {
	if len(buf) < typeTagSourceWireSize {
		return TypeTagSource{}, fmt.Errorf("net: short TypeTagSource datagram: %d bytes", len(buf))
	}
	ip := string(trimZero(buf[0:16]))
	tcpPort := binary.LittleEndian.Uint16(buf[16:18])
	pid := binary.LittleEndian.Uint32(buf[18:22])
	loopback := buf[22] != 0
	count := binary.LittleEndian.Uint16(buf[23:25])
	if count > MaxTagsPerSource {
		return TypeTagSource{}, fmt.Errorf("net: TypeTagSource claims %d tags, max %d", count, MaxTagsPerSource)
	}
	tags := make([]tag.Tag, count)
	for i := range tags {
		off := 25 + i*2
		tags[i] = tag.Tag(binary.LittleEndian.Uint16(buf[off : off+2]))
	}
	return TypeTagSource{IP: ip, TCPPort: tcpPort, PID: pid, Loopback: loopback, Tags: tags}, nil
}

func trimZero(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// chunkTags splits tags into groups of at most MaxTagsPerSource, so an
// Advertiser with more sourced tags than fit in one datagram emits several
// (spec.md §4.7).
func chunkTags(tags []tag.Tag) [][]tag.Tag {
	if len(tags) == 0 {
		return [][]tag.Tag{{}}
	}
	var out [][]tag.Tag
	for len(tags) > 0 {
		n := MaxTagsPerSource
		if n > len(tags) {
			n = len(tags)
		}
		out = append(out, tags[:n])
		tags = tags[n:]
	}
	return out
}
