package priority

import (
	"context"
	"testing"
)

func TestNextCandidateSelectionDefaultWindow(t *testing.T) {
	s := NewSimpleWeightedChoiceStrategy(0, 0)
	sel, err := s.NextCandidateSelection(context.Background(), "parent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Lo != 0 || sel.Hi != defaultQueueSelectionCount-1 {
		t.Fatalf("unexpected default window: [%d,%d]", sel.Lo, sel.Hi)
	}
	if sel.SelectionID == "" {
		t.Fatal("expected non-empty selection id")
	}
}

func TestChooseQueueExcludesZeroCapacity(t *testing.T) {
	s := NewSimpleWeightedChoiceStrategy(12, 10_000)
	s.nowMs = func() int64 { return 1000 }

	candidates := []Candidate{
		{QueueKey: "q1", Score: 0, QueueCurrent: 10, QueueLimit: 10, EnvCurrent: 0, EnvLimit: 10, OrgCurrent: 0, OrgLimit: 10},
		{QueueKey: "q2", Score: 0, QueueCurrent: 0, QueueLimit: 10, EnvCurrent: 10, EnvLimit: 10, OrgCurrent: 0, OrgLimit: 10},
	}
	_, ok := s.ChooseQueue(context.Background(), candidates, "parent", "sel")
	if ok {
		t.Fatal("expected no queue to be chosen when all candidates are saturated")
	}
}

func TestChooseQueuePrefersOlderAndLessSaturated(t *testing.T) {
	s := NewSimpleWeightedChoiceStrategy(12, 10_000)
	s.nowMs = func() int64 { return 100_000 }
	// Force determinism: pick the point halfway through the weighted range.
	s.rand = func() float64 { return 0.5 }

	candidates := []Candidate{
		// Older (score closer to 0 => larger age) and with more headroom, and
		// sorted lexicographically after "a-young", so it wins only by weight:
		// q-old weighs 10*(1+100000/10000) = 110, a-young 1*(1+1000/10000) = 1.1.
		// The sorted pool is [a-young 0..1.1, q-old 1.1..111.1] and rand()=0.5
		// lands at 55.55.
		{QueueKey: "q-old", Score: 0, QueueCurrent: 0, QueueLimit: 10, EnvCurrent: 0, EnvLimit: 10, OrgCurrent: 0, OrgLimit: 10},
		{QueueKey: "a-young", Score: 99_000, QueueCurrent: 9, QueueLimit: 10, EnvCurrent: 0, EnvLimit: 10, OrgCurrent: 0, OrgLimit: 10},
	}
	chosen, ok := s.ChooseQueue(context.Background(), candidates, "parent", "sel")
	if !ok {
		t.Fatal("expected a queue to be chosen")
	}
	if chosen != "q-old" {
		t.Fatalf("expected q-old to win with rand()=0.5, got %s", chosen)
	}
}

func TestChooseQueueDeterministicTieBreak(t *testing.T) {
	s := NewSimpleWeightedChoiceStrategy(12, 10_000)
	s.nowMs = func() int64 { return 0 }
	s.rand = func() float64 { return 0 }

	candidates := []Candidate{
		{QueueKey: "z-queue", Score: 0, QueueCurrent: 0, QueueLimit: 5, EnvCurrent: 0, EnvLimit: 5, OrgCurrent: 0, OrgLimit: 5},
		{QueueKey: "a-queue", Score: 0, QueueCurrent: 0, QueueLimit: 5, EnvCurrent: 0, EnvLimit: 5, OrgCurrent: 0, OrgLimit: 5},
	}
	chosen, ok := s.ChooseQueue(context.Background(), candidates, "parent", "sel")
	if !ok {
		t.Fatal("expected a queue to be chosen")
	}
	if chosen != "a-queue" {
		t.Fatalf("expected deterministic tie-break to favor lexicographically smaller key, got %s", chosen)
	}
}

func TestChooseQueueNoCandidates(t *testing.T) {
	s := NewSimpleWeightedChoiceStrategy(12, 10_000)
	_, ok := s.ChooseQueue(context.Background(), nil, "parent", "sel")
	if ok {
		t.Fatal("expected false for empty candidate list")
	}
}
