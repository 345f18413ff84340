package envelope

import (
	"fmt"

	"github.com/tipscore/corebus/tag"
)

// Reassembler accumulates a fragmented attachment's segments into a single
// contiguous buffer (spec.md §4.2 "The receiver reassembles by ..."). It
// holds at most one in-flight attachment at a time, matching the "per-peer
// ... inbound reassembly buffer" spec.md §3 assigns to a Session: a single
// TCP connection (or a single IPC producer slot sequence) delivers its own
// fragments in order, so there is never more than one reassembly in
// progress per Reassembler.
type Reassembler struct {
	active bool
	tag    tag.Tag
	want   int
	buf    []byte
}

// ErrReassemblyInProgress is returned by Begin when a previous attachment
// has not yet completed.
var ErrReassemblyInProgress = fmt.Errorf("envelope: reassembly already in progress")

// ErrNoReassemblyInProgress is returned by Append when nothing has been
// started.
var ErrNoReassemblyInProgress = fmt.Errorf("envelope: no reassembly in progress")

// Begin starts reassembling a new attachment of totalLen bytes for
// originalTag, per a received FragRef.
func (r *Reassembler) Begin(originalTag tag.Tag, totalLen int) error {
	if r.active {
		return ErrReassemblyInProgress
	}
	r.active = true
	r.tag = originalTag
	r.want = totalLen
	r.buf = make([]byte, 0, totalLen)
	return nil
}

// Append adds one segment's bytes. It returns true once the accumulated
// length reaches the declared total, at which point Bytes/Tag are valid
// and the caller should dispatch, then call Reset.
func (r *Reassembler) Append(segment []byte) (complete bool, err error) {
	if !r.active {
		return false, ErrNoReassemblyInProgress
	}
	r.buf = append(r.buf, segment...)
	if len(r.buf) >= r.want {
		r.buf = r.buf[:r.want]
		return true, nil
	}
	return false, nil
}

// Tag returns the original message tag being reassembled.
func (r *Reassembler) Tag() tag.Tag { return r.tag }

// Bytes returns the bytes accumulated so far (exactly r.want once complete).
func (r *Reassembler) Bytes() []byte { return r.buf }

// Active reports whether a reassembly is in progress.
func (r *Reassembler) Active() bool { return r.active }

// Reset clears the reassembler so it can begin a new attachment.
func (r *Reassembler) Reset() {
	r.active = false
	r.tag = 0
	r.want = 0
	r.buf = nil
}
