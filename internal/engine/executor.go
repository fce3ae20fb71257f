package engine

import (
	"time"

	stderrors "github.com/tarrragon/book-overview-v1-sub017/internal/errors"
	"github.com/tarrragon/book-overview-v1-sub017/pkg/types"
)

// Executor applies a chosen or recommended strategy to a conflict,
// producing a terminal Resolution. It never retries a strategy: a
// failing strategy function is a programming error, not a transient
// fault, and propagates immediately with the conflict attached.
type Executor struct {
	registry    *Registry
	recommender *Recommender
	clock       func() time.Time
}

// NewExecutor creates a resolution executor.
func NewExecutor(registry *Registry, recommender *Recommender) *Executor {
	return &Executor{
		registry:    registry,
		recommender: recommender,
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// Resolve applies strategyName to the conflict. When strategyName is
// empty, the preferences' default strategy is used if set; otherwise
// the recommender's top-ranked strategy, falling back to manual review
// when its confidence is below the auto-resolve threshold.
func (e *Executor) Resolve(conflict types.Conflict, strategyName string, opts StrategyOptions, prefs types.UserPreferences) (*types.Resolution, error) {
	name := strategyName
	if name == "" {
		name = e.pick(conflict, prefs)
	}

	strategy, ok := e.registry.Get(name)
	if !ok {
		return nil, stderrors.NewUnknownStrategyError(name)
	}

	core, err := strategy.Resolve(conflict, opts)
	if err != nil {
		return nil, stderrors.NewResolutionError(conflict.ID, err)
	}

	return &types.Resolution{
		ConflictID:           conflict.ID,
		Strategy:             name,
		ResolvedValue:        core.ResolvedValue,
		Confidence:           core.Confidence,
		Reason:               core.Reason,
		RequiresManualReview: core.RequiresManualReview,
		ReviewOptions:        core.ReviewOptions,
		ResolvedAt:           e.clock(),
	}, nil
}

func (e *Executor) pick(conflict types.Conflict, prefs types.UserPreferences) string {
	if prefs.DefaultStrategy != "" {
		return prefs.DefaultStrategy
	}

	recs := e.recommender.Recommend(conflict, prefs)
	if len(recs) == 0 {
		return StrategyDeferToHuman
	}
	if recs[0].Confidence < prefs.AutoResolveThreshold {
		return StrategyDeferToHuman
	}
	return recs[0].Strategy
}
