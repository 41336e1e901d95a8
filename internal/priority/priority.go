// Package priority implements MarQS's weighted, age-aware queue selection
// strategy: given a parent "queue of queues", it picks a candidate window of
// child queues and then chooses one to dequeue from, favoring older and
// less-saturated queues while still giving every eligible queue a chance.
package priority

import (
	"context"
	"sort"

	"github.com/google/uuid"
)

// Candidate is one child queue under consideration, along with everything
// the strategy needs to score it.
type Candidate struct {
	QueueKey string
	Score    float64 // the parent ZSET score: the child's oldest-member enqueue timestamp (ms)

	QueueCurrent, QueueLimit int
	EnvCurrent, EnvLimit     int
	OrgCurrent, OrgLimit     int
}

// available returns the number of additional in-flight slots this candidate
// could take on right now, the minimum of the three nested ceilings.
func (c Candidate) available() int {
	av := c.QueueLimit - c.QueueCurrent
	if v := c.EnvLimit - c.EnvCurrent; v < av {
		av = v
	}
	if v := c.OrgLimit - c.OrgCurrent; v < av {
		av = v
	}
	return av
}

// CandidateSelection is the range into a parent ZSET to inspect next, plus
// an opaque id correlating that window with the subsequent ChooseQueue call.
type CandidateSelection struct {
	Lo, Hi      int64
	SelectionID string
}

// Strategy picks which child queue a dequeue call should service next.
type Strategy interface {
	// NextCandidateSelection returns the [lo, hi] index range (ascending
	// score order: oldest head first) to fetch from parentQueue's ZSET.
	NextCandidateSelection(ctx context.Context, parentQueue string) (CandidateSelection, error)

	// ChooseQueue scores candidates and returns the winning queue key, or
	// ok=false when every candidate is excluded (no capacity anywhere).
	ChooseQueue(ctx context.Context, candidates []Candidate, parentQueue, selectionID string) (queueKey string, ok bool)
}

// SimpleWeightedChoiceStrategy is the default Strategy: a fixed-size
// candidate window and weighted-random selection where weight is
// available-capacity times an age boost.
type SimpleWeightedChoiceStrategy struct {
	// QueueSelectionCount is the candidate window size K. Default 12.
	QueueSelectionCount int
	// AgeNormalizerMs controls how strongly age boosts weight: weight =
	// available * (1 + ageMs/AgeNormalizerMs). Default 10_000 (10s).
	AgeNormalizerMs float64

	// rand produces a float64 in [0,1); overridable by tests for determinism.
	rand func() float64
	// nowMs returns the current time in epoch milliseconds; overridable by tests.
	nowMs func() int64
}

const (
	defaultQueueSelectionCount = 12
	defaultAgeNormalizerMs     = 10_000.0
)

// NewSimpleWeightedChoiceStrategy returns a strategy with the given window
// size and age normalizer, falling back to the documented defaults for
// non-positive inputs.
func NewSimpleWeightedChoiceStrategy(queueSelectionCount int, ageNormalizerMs float64) *SimpleWeightedChoiceStrategy {
	if queueSelectionCount <= 0 {
		queueSelectionCount = defaultQueueSelectionCount
	}
	if ageNormalizerMs <= 0 {
		ageNormalizerMs = defaultAgeNormalizerMs
	}
	return &SimpleWeightedChoiceStrategy{
		QueueSelectionCount: queueSelectionCount,
		AgeNormalizerMs:     ageNormalizerMs,
	}
}

// NextCandidateSelection always returns the head window [0, K-1] of the
// parent ZSET — the K oldest child queues — tagged with a fresh selection id.
func (s *SimpleWeightedChoiceStrategy) NextCandidateSelection(_ context.Context, _ string) (CandidateSelection, error) {
	k := s.QueueSelectionCount
	if k <= 0 {
		k = defaultQueueSelectionCount
	}
	return CandidateSelection{
		Lo:          0,
		Hi:          int64(k - 1),
		SelectionID: uuid.New().String(),
	}, nil
}

// ChooseQueue implements the weighted-random pick described in spec.md §4.2.
func (s *SimpleWeightedChoiceStrategy) ChooseQueue(_ context.Context, candidates []Candidate, _, _ string) (string, bool) {
	now := s.now()
	normalizer := s.AgeNormalizerMs
	if normalizer <= 0 {
		normalizer = defaultAgeNormalizerMs
	}

	type weighted struct {
		queueKey string
		weight   float64
	}
	var pool []weighted
	var total float64

	for _, c := range candidates {
		av := c.available()
		if av <= 0 {
			continue
		}
		ageMs := float64(now) - c.Score
		if ageMs < 0 {
			ageMs = 0
		}
		weight := float64(av) * (1 + ageMs/normalizer)
		if weight <= 0 {
			continue
		}
		pool = append(pool, weighted{queueKey: c.QueueKey, weight: weight})
		total += weight
	}

	if len(pool) == 0 {
		return "", false
	}

	// Deterministic tie-break by queue key keeps selection reproducible
	// for candidates with identical weight.
	sort.Slice(pool, func(i, j int) bool { return pool[i].queueKey < pool[j].queueKey })

	r := s.randFloat() * total
	var cursor float64
	for _, w := range pool {
		cursor += w.weight
		if r < cursor {
			return w.queueKey, true
		}
	}
	// Floating point rounding may leave r==total; fall back to the last.
	return pool[len(pool)-1].queueKey, true
}

func (s *SimpleWeightedChoiceStrategy) randFloat() float64 {
	if s.rand != nil {
		return s.rand()
	}
	return defaultRandFloat()
}

func (s *SimpleWeightedChoiceStrategy) now() int64 {
	if s.nowMs != nil {
		return s.nowMs()
	}
	return defaultNowMs()
}
