package tag

import "testing"

func TestRangeContainsAndOffset(t *testing.T) {
	r := Range{Start: 1002, Count: 100}
	if !r.Contains(1002) || !r.Contains(1101) {
		t.Fatalf("expected boundary tags contained")
	}
	if r.Contains(1102) {
		t.Fatalf("expected tag just past range to be excluded")
	}
	if off, ok := r.Offset(1005); !ok || off != 3 {
		t.Fatalf("expected offset 3, got %d,%v", off, ok)
	}
	if _, ok := r.Offset(999); ok {
		t.Fatalf("expected tag before range to be rejected")
	}
}

func TestInterestTagRangeSubscription(t *testing.T) {
	// spec.md §8 scenario 6: range [1002,1102), subscriber registers offsets
	// {0,3}, publisher emits 1002, 1005, 1009 — only 1002 and 1005 match.
	in := Interest{Start: 1002, Count: 4} // offsets 0..3 => tags 1002..1005
	cases := map[Tag]bool{1002: true, 1005: true, 1009: false}
	for tg, want := range cases {
		if got := in.Matches(tg); got != want {
			t.Fatalf("Matches(%d) = %v, want %v", tg, got, want)
		}
	}
}

func TestFixedTagInterestMatchesOnlyItself(t *testing.T) {
	in := Interest{Start: 1002}
	if !in.Matches(1002) {
		t.Fatalf("expected fixed tag to match itself")
	}
	if in.Matches(1003) {
		t.Fatalf("expected fixed tag to reject others")
	}
	if in.IsRange() {
		t.Fatalf("expected fixed tag interest to report IsRange() == false")
	}
}

func TestSortInterestsPutsFixedBeforeRangeAtSameStart(t *testing.T) {
	in := []Interest{
		{Start: 1002, Count: 100},
		{Start: 1002},
		{Start: 999},
	}
	SortInterests(in)
	if in[0].Start != 999 {
		t.Fatalf("expected 999 first, got %+v", in)
	}
	if in[1].Start != 1002 || in[1].IsRange() {
		t.Fatalf("expected fixed tag 1002 before its range sibling, got %+v", in)
	}
	if in[2].Start != 1002 || !in[2].IsRange() {
		t.Fatalf("expected range 1002 last, got %+v", in)
	}
}
