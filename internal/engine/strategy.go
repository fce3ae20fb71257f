package engine

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/tarrragon/book-overview-v1-sub017/pkg/types"
)

// Strategy names form a closed catalog.
const (
	StrategyLatestWins     = "latest-wins"
	StrategySourcePriority = "source-priority"
	StrategyValueMerge     = "value-merge"
	StrategyDeferToHuman   = "defer-to-human"
)

// DefaultSourcePriority is the snapshot-origin order used when the
// caller supplies none.
var DefaultSourcePriority = []string{"local", "remote", "import"}

// ResolutionCore is the strategy-intrinsic part of a Resolution.
type ResolutionCore struct {
	ResolvedValue        types.Record
	Reason               string
	Confidence           float64
	RequiresManualReview bool
	ReviewOptions        []types.ReviewOption
}

// StrategyOptions is the options bag passed to every strategy.
type StrategyOptions struct {
	SourcePriority []string `mapstructure:"source_priority"`

	// now stamps merged values; zero means wall clock.
	now time.Time
}

// DecodeStrategyOptions overlays a loose options bag onto base.
func DecodeStrategyOptions(base StrategyOptions, raw map[string]any) (StrategyOptions, error) {
	if len(raw) == 0 {
		return base, nil
	}
	out := base
	if err := mapstructure.WeakDecode(raw, &out); err != nil {
		return base, fmt.Errorf("invalid strategy options: %w", err)
	}
	return out, nil
}

func (o StrategyOptions) timestamp() time.Time {
	if o.now.IsZero() {
		return time.Now().UTC()
	}
	return o.now
}

func (o StrategyOptions) priority() []string {
	if len(o.SourcePriority) > 0 {
		return o.SourcePriority
	}
	return DefaultSourcePriority
}

// Strategy is a pure decision function over a single Conflict plus an
// options bag.
type Strategy interface {
	Name() string
	Description() string
	Resolve(conflict types.Conflict, opts StrategyOptions) (ResolutionCore, error)
}

// Registry is the fixed catalog of resolution strategies, selected at
// construction time.
type Registry struct {
	order      []string
	strategies map[string]Strategy
}

// NewRegistry builds a registry from concrete strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		if _, dup := r.strategies[s.Name()]; dup {
			continue
		}
		r.strategies[s.Name()] = s
		r.order = append(r.order, s.Name())
	}
	return r
}

// DefaultRegistry returns the standard four-strategy catalog.
func DefaultRegistry() *Registry {
	return NewRegistry(
		latestWinsStrategy{},
		sourcePriorityStrategy{},
		valueMergeStrategy{},
		deferToHumanStrategy{},
	)
}

// Get looks up a strategy by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// Names returns the registered strategy names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// latestWinsStrategy picks the record with the larger timestamp-like
// field; ties favor data1.
type latestWinsStrategy struct{}

func (latestWinsStrategy) Name() string { return StrategyLatestWins }

func (latestWinsStrategy) Description() string {
	return "picks the record with the most recent timestamp"
}

func (latestWinsStrategy) Resolve(conflict types.Conflict, _ StrategyOptions) (ResolutionCore, error) {
	ts1, _ := conflict.Data1.Timestamp()
	ts2, _ := conflict.Data2.Timestamp()

	winner := conflict.Data1
	reason := "data1 has the most recent timestamp"
	if ts2.After(ts1) {
		winner = conflict.Data2
		reason = "data2 has the most recent timestamp"
	}

	// Definitionally authoritative for timestamp conflicts.
	confidence := 0.8
	if conflict.Type == types.ConflictTypeTimestamp {
		confidence = 0.9
	}

	return ResolutionCore{
		ResolvedValue: winner.Clone(),
		Reason:        reason,
		Confidence:    confidence,
	}, nil
}

// sourcePriorityStrategy picks the record whose declared source has the
// lowest index in the priority list; unknown sources sort last.
type sourcePriorityStrategy struct{}

func (sourcePriorityStrategy) Name() string { return StrategySourcePriority }

func (sourcePriorityStrategy) Description() string {
	return "picks the record from the highest-priority source"
}

func (sourcePriorityStrategy) Resolve(conflict types.Conflict, opts StrategyOptions) (ResolutionCore, error) {
	priority := opts.priority()
	rank := func(source string) int {
		for i, s := range priority {
			if s == source {
				return i
			}
		}
		return len(priority)
	}

	r1 := rank(conflict.Data1.Source())
	r2 := rank(conflict.Data2.Source())

	winner := conflict.Data1
	reason := fmt.Sprintf("source %q outranks %q", conflict.Data1.Source(), conflict.Data2.Source())
	if r2 < r1 {
		winner = conflict.Data2
		reason = fmt.Sprintf("source %q outranks %q", conflict.Data2.Source(), conflict.Data1.Source())
	}

	return ResolutionCore{
		ResolvedValue: winner.Clone(),
		Reason:        reason,
		Confidence:    0.6,
	}, nil
}

// valueMergeStrategy unions tag sets for tag conflicts and otherwise
// shallow-merges data2 over data1 with a merge timestamp.
type valueMergeStrategy struct{}

func (valueMergeStrategy) Name() string { return StrategyValueMerge }

func (valueMergeStrategy) Description() string {
	return "combines both snapshot values into one merged record"
}

func (valueMergeStrategy) Resolve(conflict types.Conflict, opts StrategyOptions) (ResolutionCore, error) {
	if conflict.Type == types.ConflictTypeTag {
		tags1, _ := conflict.Data1.Tags()
		tags2, _ := conflict.Data2.Tags()

		merged := conflict.Data1.Clone()
		merged[types.FieldTags] = unionFirstSeen(tags1, tags2)
		return ResolutionCore{
			ResolvedValue: merged,
			Reason:        "union of both tag sets, first-seen order",
			Confidence:    0.7,
		}, nil
	}

	merged := conflict.Data1.Clone()
	for k, v := range conflict.Data2 {
		merged[k] = v
	}
	merged["merged_at"] = opts.timestamp().Format(time.RFC3339)

	return ResolutionCore{
		ResolvedValue: merged,
		Reason:        "data2 fields merged over data1",
		Confidence:    0.7,
	}, nil
}

// deferToHumanStrategy produces no value and flags the conflict for
// manual review with both snapshot values plus a custom option.
type deferToHumanStrategy struct{}

func (deferToHumanStrategy) Name() string { return StrategyDeferToHuman }

func (deferToHumanStrategy) Description() string {
	return "defers the decision to a human reviewer"
}

func (deferToHumanStrategy) Resolve(conflict types.Conflict, _ StrategyOptions) (ResolutionCore, error) {
	return ResolutionCore{
		ResolvedValue:        nil,
		Reason:               "conflict requires human judgment",
		Confidence:           0.0,
		RequiresManualReview: true,
		ReviewOptions: []types.ReviewOption{
			{Key: "data1", Label: "keep first snapshot value", Value: conflict.Data1},
			{Key: "data2", Label: "keep second snapshot value", Value: conflict.Data2},
			{Key: "custom", Label: "provide a custom value"},
		},
	}, nil
}

// unionFirstSeen dedups both lists preserving first-seen order.
func unionFirstSeen(tags1, tags2 []string) []string {
	seen := make(map[string]bool, len(tags1)+len(tags2))
	out := make([]string, 0, len(tags1)+len(tags2))
	for _, t := range tags1 {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range tags2 {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
