package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tarrragon/book-overview-v1-sub017/pkg/types"
)

// DetectOptions tunes the per-field comparators and severity heuristic.
type DetectOptions struct {
	// TitleSimilarityThreshold: token-set Jaccard similarity below this
	// value triggers a TITLE_DIFFERENCE conflict.
	TitleSimilarityThreshold float64 `mapstructure:"title_similarity_threshold"`
	// TimestampToleranceMs: timestamp inequality beyond this tolerance
	// triggers a TIMESTAMP_CONFLICT.
	TimestampToleranceMs int64 `mapstructure:"timestamp_tolerance_ms"`
	// Severity thresholds over the per-conflict divergence score.
	SeverityLow    float64 `mapstructure:"severity_low"`
	SeverityMedium float64 `mapstructure:"severity_medium"`
	SeverityHigh   float64 `mapstructure:"severity_high"`
	// FieldWeights scales divergence per conflict type before severity
	// assignment. Keys: "progress", "title", "timestamp", "tags".
	FieldWeights map[string]float64 `mapstructure:"field_weights"`
}

// DefaultDetectOptions returns the documented defaults.
func DefaultDetectOptions() DetectOptions {
	return DetectOptions{
		TitleSimilarityThreshold: 0.8,
		TimestampToleranceMs:     1000,
		SeverityLow:              0.3,
		SeverityMedium:           0.6,
		SeverityHigh:             0.8,
	}
}

// DecodeDetectOptions overlays a loose options bag onto base. Detection
// is best-effort: an undecodable bag yields base unchanged, never an error
// surfaced to the caller.
func DecodeDetectOptions(base DetectOptions, raw map[string]any) DetectOptions {
	if len(raw) == 0 {
		return base
	}
	out := base
	if err := mapstructure.WeakDecode(raw, &out); err != nil {
		return base
	}
	return out
}

// Detector compares two snapshots of a record collection and reports
// per-field disagreements as typed conflicts. It is stateless per
// request; accumulated counters live in the Service.
type Detector struct {
	fold cases.Caser
}

// NewDetector creates a conflict detector.
func NewDetector() *Detector {
	return &Detector{fold: cases.Lower(language.Und)}
}

// Detect pairs records by identity key and runs one comparator per
// tracked field. Unmatched records are additions/removals, not
// conflicts, and are skipped. Malformed records (no identity) are
// ignored rather than failing the call.
func (d *Detector) Detect(collectionA, collectionB []types.Record, opts DetectOptions) *types.DetectionResult {
	result := &types.DetectionResult{
		Conflicts: []types.Conflict{},
		Summary: types.DetectionSummary{
			ConflictTypes:        map[types.ConflictType]int{},
			SeverityDistribution: map[types.ConflictSeverity]int{},
		},
	}

	indexB := make(map[string]types.Record, len(collectionB))
	for _, rec := range collectionB {
		key := rec.IdentityKey()
		if key == "" {
			continue
		}
		if _, seen := indexB[key]; !seen {
			indexB[key] = rec
		}
	}

	now := time.Now().UTC()
	for _, a := range collectionA {
		key := a.IdentityKey()
		if key == "" {
			continue
		}
		b, matched := indexB[key]
		if !matched {
			continue
		}
		result.Summary.RecordsCompared++

		for _, c := range d.compare(key, a, b, opts, now) {
			result.Conflicts = append(result.Conflicts, c)
			result.Summary.ConflictTypes[c.Type]++
			result.Summary.SeverityDistribution[c.Severity]++
		}
	}

	result.Summary.TotalConflicts = len(result.Conflicts)
	return result
}

// compare runs the per-field comparators for one matched pair. Conflict
// ids are deterministic over the inputs so repeated detection of the
// same snapshots yields the same conflict set.
func (d *Detector) compare(key string, a, b types.Record, opts DetectOptions, now time.Time) []types.Conflict {
	var conflicts []types.Conflict

	emit := func(ct types.ConflictType, field string, divergence float64) {
		if w, ok := opts.FieldWeights[field]; ok {
			divergence = clamp01(divergence * w)
		}
		conflicts = append(conflicts, types.Conflict{
			ID:         conflictID(key, ct),
			Type:       ct,
			Severity:   severityFor(divergence, opts),
			Data1:      a,
			Data2:      b,
			Divergence: divergence,
			DetectedAt: now,
		})
	}

	if p1, ok1 := a.Progress(); ok1 {
		if p2, ok2 := b.Progress(); ok2 && p1 != p2 {
			emit(types.ConflictTypeProgress, "progress", clamp01(abs(p1-p2)/100))
		}
	}

	if t1, ok1 := a.Title(); ok1 {
		if t2, ok2 := b.Title(); ok2 && t1 != t2 {
			sim := d.titleSimilarity(t1, t2)
			if sim < opts.TitleSimilarityThreshold {
				emit(types.ConflictTypeTitle, "title", clamp01(1-sim))
			}
		}
	}

	if ts1, ok1 := a.Timestamp(); ok1 {
		if ts2, ok2 := b.Timestamp(); ok2 {
			diff := ts2.Sub(ts1)
			if diff < 0 {
				diff = -diff
			}
			if diff.Milliseconds() > opts.TimestampToleranceMs {
				emit(types.ConflictTypeTimestamp, "timestamp",
					clamp01(diff.Hours()/24))
			}
		}
	}

	if tags1, ok1 := a.Tags(); ok1 {
		if tags2, ok2 := b.Tags(); ok2 {
			if div, differs := tagDivergence(tags1, tags2); differs {
				emit(types.ConflictTypeTag, "tags", div)
			}
		}
	}

	return conflicts
}

// titleSimilarity computes token-set Jaccard similarity with
// Unicode-aware case folding.
func (d *Detector) titleSimilarity(t1, t2 string) float64 {
	set1 := d.tokenSet(t1)
	set2 := d.tokenSet(t2)
	if len(set1) == 0 || len(set2) == 0 {
		return 0
	}

	intersection := 0
	for tok := range set2 {
		if set1[tok] {
			intersection++
		}
	}
	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func (d *Detector) tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(d.fold.String(s)) {
		set[tok] = true
	}
	return set
}

// tagDivergence reports the symmetric-difference share of the tag union
// and whether the sets differ at all.
func tagDivergence(tags1, tags2 []string) (float64, bool) {
	set1 := make(map[string]bool, len(tags1))
	for _, t := range tags1 {
		set1[t] = true
	}
	set2 := make(map[string]bool, len(tags2))
	for _, t := range tags2 {
		set2[t] = true
	}

	union := 0
	symdiff := 0
	for t := range set1 {
		union++
		if !set2[t] {
			symdiff++
		}
	}
	for t := range set2 {
		if !set1[t] {
			union++
			symdiff++
		}
	}

	if union == 0 || symdiff == 0 {
		return 0, false
	}
	return float64(symdiff) / float64(union), true
}

func severityFor(divergence float64, opts DetectOptions) types.ConflictSeverity {
	switch {
	case divergence >= opts.SeverityHigh:
		return types.SeverityHigh
	case divergence >= opts.SeverityMedium:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

func conflictID(key string, ct types.ConflictType) string {
	return "conflict:" + string(ct) + ":" + key
}

// SortConflicts orders conflicts by severity then divergence, both
// descending, with the deterministic id as the final tie-break.
func SortConflicts(conflicts []types.Conflict) {
	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].Severity != conflicts[j].Severity {
			return conflicts[i].Severity.Weight() > conflicts[j].Severity.Weight()
		}
		if conflicts[i].Divergence != conflicts[j].Divergence {
			return conflicts[i].Divergence > conflicts[j].Divergence
		}
		return conflicts[i].ID < conflicts[j].ID
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
