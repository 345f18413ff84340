// Package dispatch implements the compare-and-invoke dispatcher spec.md
// §4.3 describes: given a set of interests (fixed tags or tag ranges) each
// bound to a callback, route one envelope to exactly one callback. Up to
// 16 registered interests it does a straight linear scan; above that it
// binary-searches the sorted interest table, matching the spec's
// "linear scan (≤16 types) vs binary search (>16 types)" split and its
// fixed-tag-before-range-tag tie-break (tag.SortInterests already encodes
// the tie-break in the sort order this package relies on).
package dispatch

import (
	"sort"

	"github.com/tipscore/corebus/envelope"
	"github.com/tipscore/corebus/tag"
)

// LinearScanThreshold is the registration count at or below which Dispatcher
// uses a linear scan instead of a binary search, per spec.md §4.3.
const LinearScanThreshold = 16

// Outcome is a callback's verdict, replacing exceptions-for-control-flow
// (spec.md §9's design note) with an explicit return value: Stop removes
// the subscriber from its Context exactly as a callback failure would.
type Outcome int

const (
	Continue Outcome = iota
	Stop
)

// Handler is invoked with the envelope's resolved tag, its payload (the
// fully reassembled body when the message arrived as a fragmented
// attachment), and whatever attachment the caller of Dispatch passed, which
// may be nil.
type Handler func(matched tag.Tag, payload []byte, att *envelope.Attachment) Outcome

// Registration binds one interest (fixed tag or range) to a handler.
type Registration struct {
	Interest tag.Interest
	Handler  Handler
}

// Dispatcher routes envelopes against a fixed set of registrations plus an
// optional JustBytes fallback for tags nothing else claims.
type Dispatcher struct {
	regs      []Registration
	justBytes Handler
	linear    bool
}

// New builds a Dispatcher from regs (order does not matter; New sorts a
// copy) and an optional justBytes fallback (spec.md §4.3 "if no type
// matches and the subscriber admits raw bytes").
func New(regs []Registration, justBytes Handler) *Dispatcher {
	sorted := make([]Registration, len(regs))
	copy(sorted, regs)
	interests := make([]tag.Interest, len(sorted))
	for i, r := range sorted {
		interests[i] = r.Interest
	}
	// Sort regs in lockstep with their interests so tag.SortInterests'
	// ordering (Start, then fixed-before-range) governs match precedence.
	idx := make([]int, len(sorted))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ia, ib := interests[idx[a]], interests[idx[b]]
		if ia.Start != ib.Start {
			return ia.Start < ib.Start
		}
		return !ia.IsRange() && ib.IsRange()
	})
	ordered := make([]Registration, len(sorted))
	for i, j := range idx {
		ordered[i] = sorted[j]
	}

	return &Dispatcher{
		regs:      ordered,
		justBytes: justBytes,
		linear:    len(ordered) <= LinearScanThreshold,
	}
}

// find returns the index of the registration matching t, or -1. A fixed-tag
// registration always wins over a containing range, regardless of which
// path below finds it (spec.md §4.3: "tag-range types are tested last,
// after fixed-tag types, to avoid shadowing").
func (d *Dispatcher) find(t tag.Tag) int {
	if d.linear {
		return d.linearFind(t)
	}
	return d.binarySearch(t)
}

// linearFind scans every registration once, returning the first fixed-tag
// match immediately but holding a range match until the scan confirms no
// fixed tag also claims t.
func (d *Dispatcher) linearFind(t tag.Tag) int {
	rangeMatch := -1
	for i, r := range d.regs {
		if !r.Interest.Matches(t) {
			continue
		}
		if !r.Interest.IsRange() {
			return i
		}
		if rangeMatch < 0 {
			rangeMatch = i
		}
	}
	return rangeMatch
}

// binarySearch locates the highest-priority registration covering t.
// Registrations are sorted by Start ascending, with a fixed tag sorted
// before a range sharing the same Start (tag.SortInterests'/New's
// tie-break), so a fixed registration exactly at t — if one exists — is
// the first entry at or after Start==t. Check for it with its own bounded
// search before falling back to the range walk, so the range walk only
// ever returns a range.
//
// The range walk is only O(log n) amortized when ranges are narrow
// relative to the tag space. A registration set above LinearScanThreshold
// that is dense with wide, overlapping ranges degrades toward O(n) per
// lookup, same as the linear-scan path it was meant to beat. Accepted for
// now: nothing in the pack's dispatch tables approaches that density.
func (d *Dispatcher) binarySearch(t tag.Tag) int {
	n := len(d.regs)
	lo := sort.Search(n, func(i int) bool { return d.regs[i].Interest.Start >= t })
	if lo < n && d.regs[lo].Interest.Start == t && !d.regs[lo].Interest.IsRange() {
		return lo
	}

	at := sort.Search(n, func(i int) bool { return d.regs[i].Interest.Start > t })
	for i := at - 1; i >= 0; i-- {
		if d.regs[i].Interest.IsRange() && d.regs[i].Interest.Matches(t) {
			return i
		}
	}
	return -1
}

// Matches reports whether t is covered by any registration, without
// invoking a handler. Used by context.Context to decide, before paying for
// a fragmented-attachment reassembly, whether anything wants the result
// (spec.md §4.3 "if E begins an in-band attachment for Tᵢ and S is
// interested in Tᵢ, accumulate segments").
func (d *Dispatcher) Matches(t tag.Tag) bool {
	return d.find(t) >= 0
}

// Dispatch routes one envelope. payload is the message body (already
// reassembled if it arrived as a fragmented attachment); att is passed
// through to the handler unchanged and may be nil.
func (d *Dispatcher) Dispatch(t tag.Tag, payload []byte, att *envelope.Attachment) Outcome {
	if i := d.find(t); i >= 0 {
		return d.regs[i].Handler(t, payload, att)
	}
	if d.justBytes != nil {
		return d.justBytes(t, payload, att)
	}
	return Continue
}
