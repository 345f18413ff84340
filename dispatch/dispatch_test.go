package dispatch

import (
	"testing"

	"github.com/tipscore/corebus/envelope"
	"github.com/tipscore/corebus/tag"
)

func recordingHandler(calls *[]string, name string) Handler {
	return func(matched tag.Tag, payload []byte, att *envelope.Attachment) Outcome {
		*calls = append(*calls, name)
		return Continue
	}
}

func TestFixedTagMatchesExactly(t *testing.T) {
	var calls []string
	d := New([]Registration{
		{Interest: tag.Interest{Start: 1002}, Handler: recordingHandler(&calls, "a")},
		{Interest: tag.Interest{Start: 1003}, Handler: recordingHandler(&calls, "b")},
	}, nil)

	d.Dispatch(1002, nil, nil)
	if len(calls) != 1 || calls[0] != "a" {
		t.Fatalf("expected handler a, got %v", calls)
	}
}

func TestTagRangeSubscriptionScenario(t *testing.T) {
	// spec.md §8 scenario 6.
	var calls []string
	d := New([]Registration{
		{Interest: tag.Interest{Start: 1002, Count: 4}, Handler: recordingHandler(&calls, "range")},
	}, nil)

	for _, tg := range []tag.Tag{1002, 1005, 1009} {
		d.Dispatch(tg, nil, nil)
	}
	if len(calls) != 2 {
		t.Fatalf("expected exactly 2 dispatches (1002 and 1005), got %d: %v", len(calls), calls)
	}
}

func TestFixedTagTakesPrecedenceOverRangeAtSameStart(t *testing.T) {
	var calls []string
	d := New([]Registration{
		{Interest: tag.Interest{Start: 1002, Count: 100}, Handler: recordingHandler(&calls, "range")},
		{Interest: tag.Interest{Start: 1002}, Handler: recordingHandler(&calls, "fixed")},
	}, nil)

	d.Dispatch(1002, nil, nil)
	if len(calls) != 1 || calls[0] != "fixed" {
		t.Fatalf("expected fixed handler to win, got %v", calls)
	}
}

func TestJustBytesFallback(t *testing.T) {
	var calls []string
	d := New([]Registration{
		{Interest: tag.Interest{Start: 1002}, Handler: recordingHandler(&calls, "a")},
	}, recordingHandler(&calls, "justbytes"))

	d.Dispatch(9999, nil, nil)
	if len(calls) != 1 || calls[0] != "justbytes" {
		t.Fatalf("expected justbytes fallback, got %v", calls)
	}
}

func TestNoMatchNoFallbackIsSilentlyFiltered(t *testing.T) {
	d := New([]Registration{
		{Interest: tag.Interest{Start: 1002}, Handler: func(tag.Tag, []byte, *envelope.Attachment) Outcome { return Continue }},
	}, nil)

	if got := d.Dispatch(9999, nil, nil); got != Continue {
		t.Fatalf("expected Continue for unmatched tag with no fallback, got %v", got)
	}
}

func TestBinarySearchPathAboveThreshold(t *testing.T) {
	var calls []string
	var regs []Registration
	for i := 0; i < 32; i++ {
		name := string(rune('a' + i%26))
		regs = append(regs, Registration{
			Interest: tag.Interest{Start: tag.Tag(1000 + i*10)},
			Handler:  recordingHandler(&calls, name),
		})
	}
	d := New(regs, nil)
	if d.linear {
		t.Fatalf("expected binary-search mode above threshold")
	}

	d.Dispatch(tag.Tag(1000+15*10), nil, nil)
	if len(calls) != 1 {
		t.Fatalf("expected exactly one dispatch, got %v", calls)
	}
}

func TestCallbackStopRemovesSubscriberSignal(t *testing.T) {
	d := New([]Registration{
		{Interest: tag.Interest{Start: 1002}, Handler: func(tag.Tag, []byte, *envelope.Attachment) Outcome { return Stop }},
	}, nil)

	if got := d.Dispatch(1002, nil, nil); got != Stop {
		t.Fatalf("expected Stop to propagate, got %v", got)
	}
}
