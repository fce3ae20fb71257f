package engine

import (
	"sort"

	"github.com/tarrragon/book-overview-v1-sub017/pkg/types"
)

// Learning constants: satisfaction bands and the bounded per-record
// confidence delta they contribute.
const (
	learningWindow   = 50
	satisfactionHigh = 0.8
	satisfactionLow  = 0.3
	learningDelta    = 0.05
)

// Recommendation ranks one strategy for a conflict.
type Recommendation struct {
	Strategy    string  `json:"strategy"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// HistoryReader is the read side of the history store the recommender
// learns from.
type HistoryReader interface {
	Recent(limit int) []types.HistoryRecord
}

// Recommender ranks applicable strategies for a conflict by a static
// per-type confidence table, optionally nudged by observed feedback.
// The static table is never mutated; learning produces a derived
// overlay recomputed per call, so rankings stay deterministic for
// identical input plus identical history state.
type Recommender struct {
	registry *Registry
	history  HistoryReader
	baseline map[types.ConflictType][]Recommendation
}

// NewRecommender creates a recommender over the given strategy catalog.
// history may be nil, which disables learning adjustments.
func NewRecommender(registry *Registry, history HistoryReader) *Recommender {
	return &Recommender{
		registry: registry,
		history:  history,
		baseline: baselineTable(),
	}
}

func baselineTable() map[types.ConflictType][]Recommendation {
	return map[types.ConflictType][]Recommendation{
		types.ConflictTypeProgress: {
			{Strategy: StrategyLatestWins, Confidence: 0.8},
			{Strategy: StrategySourcePriority, Confidence: 0.6},
		},
		types.ConflictTypeTimestamp: {
			{Strategy: StrategyLatestWins, Confidence: 0.9},
			{Strategy: StrategySourcePriority, Confidence: 0.5},
		},
		types.ConflictTypeTitle: {
			{Strategy: StrategyDeferToHuman, Confidence: 0.9},
		},
		types.ConflictTypeTag: {
			{Strategy: StrategyValueMerge, Confidence: 0.7},
			{Strategy: StrategyDeferToHuman, Confidence: 0.4},
		},
		types.ConflictTypeUnknown: {
			{Strategy: StrategyDeferToHuman, Confidence: 0.5},
		},
	}
}

// Recommend returns strategies ordered descending by confidence. When
// learning is enabled, recent history records with strong satisfaction
// signals shift the (conflict type, strategy) pair's confidence by a
// bounded delta per record, clamped to [0,1].
func (r *Recommender) Recommend(conflict types.Conflict, prefs types.UserPreferences) []Recommendation {
	base, ok := r.baseline[conflict.Type]
	if !ok {
		base = r.baseline[types.ConflictTypeUnknown]
	}

	out := make([]Recommendation, len(base))
	copy(out, base)
	for i := range out {
		if s, found := r.registry.Get(out[i].Strategy); found {
			out[i].Description = s.Description()
		}
	}

	if prefs.LearningEnabled && r.history != nil {
		adjust := r.learningOverlay(conflict.Type)
		for i := range out {
			out[i].Confidence = clamp01(out[i].Confidence + adjust[out[i].Strategy])
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Strategy < out[j].Strategy
	})
	return out
}

// learningOverlay derives per-strategy confidence deltas for one
// conflict type from the most recent history records. Adjustments are
// forward-only: undoing a record simply stops contributing from the
// next recomputation on, no inverse delta is synthesized.
func (r *Recommender) learningOverlay(ct types.ConflictType) map[string]float64 {
	overlay := make(map[string]float64)
	for _, rec := range r.history.Recent(learningWindow) {
		if rec.ConflictType != ct || rec.UserSatisfaction == nil {
			continue
		}
		switch sat := *rec.UserSatisfaction; {
		case sat >= satisfactionHigh:
			overlay[rec.Resolution.Strategy] += learningDelta
		case sat <= satisfactionLow:
			overlay[rec.Resolution.Strategy] -= learningDelta
		}
	}
	return overlay
}
