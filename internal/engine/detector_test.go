package engine

import (
	"reflect"
	"testing"
	"time"

	"github.com/tarrragon/book-overview-v1-sub017/pkg/types"
)

func record(fields map[string]any) types.Record {
	return types.Record(fields)
}

func TestDetectProgressMismatch(t *testing.T) {
	detector := NewDetector()

	a := []types.Record{record(map[string]any{
		"id": "book-1", "title": "The Go Programming Language", "progress": 40.0, "source": "local",
	})}
	b := []types.Record{record(map[string]any{
		"id": "book-1", "title": "The Go Programming Language", "progress": 70.0, "source": "remote",
	})}

	result := detector.Detect(a, b, DefaultDetectOptions())

	if result.Summary.TotalConflicts != 1 {
		t.Fatalf("expected 1 conflict, got %d", result.Summary.TotalConflicts)
	}
	c := result.Conflicts[0]
	if c.Type != types.ConflictTypeProgress {
		t.Errorf("expected progress conflict, got %s", c.Type)
	}
	if c.Divergence != 0.3 {
		t.Errorf("expected divergence 0.3, got %f", c.Divergence)
	}
	if c.Severity != types.SeverityLow {
		t.Errorf("expected LOW severity at 0.3 divergence, got %s", c.Severity)
	}
	if result.Summary.RecordsCompared != 1 {
		t.Errorf("expected 1 record compared, got %d", result.Summary.RecordsCompared)
	}
}

func TestDetectSeverityThresholds(t *testing.T) {
	detector := NewDetector()
	opts := DefaultDetectOptions()

	tests := []struct {
		name     string
		p1, p2   float64
		severity types.ConflictSeverity
	}{
		{"small gap is low", 10, 30, types.SeverityLow},
		{"boundary gap is medium", 10, 70, types.SeverityMedium},
		{"large gap is high", 0, 90, types.SeverityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := []types.Record{record(map[string]any{"id": "r", "progress": tt.p1})}
			b := []types.Record{record(map[string]any{"id": "r", "progress": tt.p2})}

			result := detector.Detect(a, b, opts)
			if len(result.Conflicts) != 1 {
				t.Fatalf("expected 1 conflict, got %d", len(result.Conflicts))
			}
			if got := result.Conflicts[0].Severity; got != tt.severity {
				t.Errorf("expected %s, got %s", tt.severity, got)
			}
		})
	}
}

func TestDetectTitleDifference(t *testing.T) {
	detector := NewDetector()
	opts := DefaultDetectOptions()

	tests := []struct {
		name     string
		t1, t2   string
		conflict bool
	}{
		{"identical titles", "Learning Go", "Learning Go", false},
		{"case-only difference", "Learning Go", "learning go", false},
		{"disjoint titles", "Learning Go", "Mastering Rust", true},
		{"mostly shared tokens", "The Art of Computer Programming Volume One", "The Art of Computer Programming Volume Two", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := []types.Record{record(map[string]any{"id": "r", "title": tt.t1})}
			b := []types.Record{record(map[string]any{"id": "r", "title": tt.t2})}

			result := detector.Detect(a, b, opts)
			got := result.Summary.ConflictTypes[types.ConflictTypeTitle] > 0
			if got != tt.conflict {
				t.Errorf("title conflict = %v, want %v", got, tt.conflict)
			}
		})
	}
}

func TestDetectTitleThresholdControlsSensitivity(t *testing.T) {
	detector := NewDetector()

	// Similarity 6/8 = 0.75: below the 0.8 default but above 0.7.
	a := []types.Record{record(map[string]any{"id": "r", "title": "The Art of Computer Programming Volume One"})}
	b := []types.Record{record(map[string]any{"id": "r", "title": "The Art of Computer Programming Volume Two"})}

	strict := DefaultDetectOptions()
	if got := detector.Detect(a, b, strict).Summary.TotalConflicts; got != 1 {
		t.Errorf("expected conflict at 0.8 threshold, got %d", got)
	}

	lenient := DefaultDetectOptions()
	lenient.TitleSimilarityThreshold = 0.7
	if got := detector.Detect(a, b, lenient).Summary.TotalConflicts; got != 0 {
		t.Errorf("expected no conflict at 0.7 threshold, got %d", got)
	}
}

func TestDetectTimestampConflict(t *testing.T) {
	detector := NewDetector()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		delta    time.Duration
		conflict bool
	}{
		{"within tolerance", 500 * time.Millisecond, false},
		{"exactly tolerance", time.Second, false},
		{"beyond tolerance", 2 * time.Second, true},
		{"hours apart", 6 * time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := []types.Record{record(map[string]any{"id": "r", "timestamp": base})}
			b := []types.Record{record(map[string]any{"id": "r", "timestamp": base.Add(tt.delta)})}

			result := detector.Detect(a, b, DefaultDetectOptions())
			got := result.Summary.ConflictTypes[types.ConflictTypeTimestamp] > 0
			if got != tt.conflict {
				t.Errorf("timestamp conflict = %v, want %v", got, tt.conflict)
			}
		})
	}
}

func TestDetectTimestampAcceptsEpochMillisAndRFC3339(t *testing.T) {
	detector := NewDetector()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := []types.Record{record(map[string]any{"id": "r", "timestamp": float64(base.UnixMilli())})}
	b := []types.Record{record(map[string]any{"id": "r", "timestamp": base.Add(3 * time.Hour).Format(time.RFC3339)})}

	result := detector.Detect(a, b, DefaultDetectOptions())
	if result.Summary.ConflictTypes[types.ConflictTypeTimestamp] != 1 {
		t.Fatalf("expected timestamp conflict across representations, got %+v", result.Summary.ConflictTypes)
	}
}

func TestDetectTagDifference(t *testing.T) {
	detector := NewDetector()

	a := []types.Record{record(map[string]any{"id": "r", "tags": []string{"a", "b"}})}
	b := []types.Record{record(map[string]any{"id": "r", "tags": []any{"b", "c"}})}

	result := detector.Detect(a, b, DefaultDetectOptions())
	if result.Summary.TotalConflicts != 1 {
		t.Fatalf("expected 1 conflict, got %d", result.Summary.TotalConflicts)
	}
	c := result.Conflicts[0]
	if c.Type != types.ConflictTypeTag {
		t.Fatalf("expected tag conflict, got %s", c.Type)
	}
	// Symmetric difference {a,c} over union {a,b,c}.
	want := 2.0 / 3.0
	if diff := c.Divergence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected divergence %f, got %f", want, c.Divergence)
	}
}

func TestDetectEqualTagSetsIgnoreOrder(t *testing.T) {
	detector := NewDetector()

	a := []types.Record{record(map[string]any{"id": "r", "tags": []string{"x", "y"}})}
	b := []types.Record{record(map[string]any{"id": "r", "tags": []string{"y", "x"}})}

	result := detector.Detect(a, b, DefaultDetectOptions())
	if result.Summary.TotalConflicts != 0 {
		t.Errorf("expected no conflict for reordered tags, got %d", result.Summary.TotalConflicts)
	}
}

func TestDetectSkipsUnmatchedAndMalformedRecords(t *testing.T) {
	detector := NewDetector()

	a := []types.Record{
		record(map[string]any{"id": "only-in-a", "progress": 10.0}),
		record(map[string]any{"progress": 99.0}), // no identity
		record(map[string]any{"id": "shared", "progress": 20.0}),
	}
	b := []types.Record{
		record(map[string]any{"id": "only-in-b", "progress": 30.0}),
		record(map[string]any{"id": "shared", "progress": 80.0}),
	}

	result := detector.Detect(a, b, DefaultDetectOptions())
	if result.Summary.RecordsCompared != 1 {
		t.Errorf("expected 1 compared record, got %d", result.Summary.RecordsCompared)
	}
	if result.Summary.TotalConflicts != 1 {
		t.Errorf("expected 1 conflict, got %d", result.Summary.TotalConflicts)
	}
}

func TestDetectEmptyInputs(t *testing.T) {
	detector := NewDetector()

	for _, tc := range []struct {
		name string
		a, b []types.Record
	}{
		{"both nil", nil, nil},
		{"a empty", []types.Record{}, []types.Record{record(map[string]any{"id": "r"})}},
		{"b empty", []types.Record{record(map[string]any{"id": "r"})}, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			result := detector.Detect(tc.a, tc.b, DefaultDetectOptions())
			if result == nil {
				t.Fatal("expected non-nil result")
			}
			if result.Summary.TotalConflicts != 0 || len(result.Conflicts) != 0 {
				t.Errorf("expected empty result, got %+v", result.Summary)
			}
		})
	}
}

func TestDetectIsDeterministic(t *testing.T) {
	detector := NewDetector()

	a := []types.Record{record(map[string]any{
		"id": "r", "title": "Alpha", "progress": 10.0, "tags": []string{"a"},
	})}
	b := []types.Record{record(map[string]any{
		"id": "r", "title": "Omega", "progress": 90.0, "tags": []string{"b"},
	})}

	first := detector.Detect(a, b, DefaultDetectOptions())
	second := detector.Detect(a, b, DefaultDetectOptions())

	if len(first.Conflicts) != len(second.Conflicts) {
		t.Fatalf("conflict counts differ: %d vs %d", len(first.Conflicts), len(second.Conflicts))
	}
	for i := range first.Conflicts {
		if first.Conflicts[i].ID != second.Conflicts[i].ID {
			t.Errorf("conflict id differs at %d: %s vs %s", i, first.Conflicts[i].ID, second.Conflicts[i].ID)
		}
	}
}

func TestDetectSummaryCountsMatchConflicts(t *testing.T) {
	detector := NewDetector()

	a := []types.Record{
		record(map[string]any{"id": "r1", "title": "Alpha Beta", "progress": 5.0}),
		record(map[string]any{"id": "r2", "tags": []string{"a", "b"}}),
	}
	b := []types.Record{
		record(map[string]any{"id": "r1", "title": "Gamma Delta", "progress": 95.0}),
		record(map[string]any{"id": "r2", "tags": []string{"b", "c"}}),
	}

	result := detector.Detect(a, b, DefaultDetectOptions())

	typeTotal := 0
	for _, n := range result.Summary.ConflictTypes {
		typeTotal += n
	}
	severityTotal := 0
	for _, n := range result.Summary.SeverityDistribution {
		severityTotal += n
	}
	if typeTotal != result.Summary.TotalConflicts || severityTotal != result.Summary.TotalConflicts {
		t.Errorf("summary counts inconsistent: types=%d severities=%d total=%d",
			typeTotal, severityTotal, result.Summary.TotalConflicts)
	}
	if result.Summary.TotalConflicts != len(result.Conflicts) {
		t.Errorf("total %d != conflicts %d", result.Summary.TotalConflicts, len(result.Conflicts))
	}
}

func TestDecodeDetectOptions(t *testing.T) {
	base := DefaultDetectOptions()

	t.Run("overlays known keys", func(t *testing.T) {
		out := DecodeDetectOptions(base, map[string]any{
			"title_similarity_threshold": 0.5,
			"timestamp_tolerance_ms":     5000,
		})
		if out.TitleSimilarityThreshold != 0.5 {
			t.Errorf("threshold not applied: %f", out.TitleSimilarityThreshold)
		}
		if out.TimestampToleranceMs != 5000 {
			t.Errorf("tolerance not applied: %d", out.TimestampToleranceMs)
		}
		if out.SeverityHigh != base.SeverityHigh {
			t.Errorf("untouched field changed: %f", out.SeverityHigh)
		}
	})

	t.Run("undecodable bag returns base", func(t *testing.T) {
		out := DecodeDetectOptions(base, map[string]any{
			"timestamp_tolerance_ms": map[string]any{"nested": true},
		})
		if !reflect.DeepEqual(out, base) {
			t.Errorf("expected base options back, got %+v", out)
		}
	})
}

func TestSortConflictsOrdering(t *testing.T) {
	conflicts := []types.Conflict{
		{ID: "c", Severity: types.SeverityLow, Divergence: 0.2},
		{ID: "a", Severity: types.SeverityHigh, Divergence: 0.9},
		{ID: "b", Severity: types.SeverityHigh, Divergence: 0.95},
		{ID: "d", Severity: types.SeverityMedium, Divergence: 0.5},
	}

	SortConflicts(conflicts)

	wantOrder := []string{"b", "a", "d", "c"}
	for i, id := range wantOrder {
		if conflicts[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, conflicts[i].ID)
		}
	}
}

func TestFieldWeightsScaleDivergence(t *testing.T) {
	detector := NewDetector()
	opts := DefaultDetectOptions()
	opts.FieldWeights = map[string]float64{"progress": 2.0}

	a := []types.Record{record(map[string]any{"id": "r", "progress": 0.0})}
	b := []types.Record{record(map[string]any{"id": "r", "progress": 40.0})}

	result := detector.Detect(a, b, opts)
	if len(result.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(result.Conflicts))
	}
	if got := result.Conflicts[0].Divergence; got != 0.8 {
		t.Errorf("expected weighted divergence 0.8, got %f", got)
	}
	if got := result.Conflicts[0].Severity; got != types.SeverityHigh {
		t.Errorf("expected HIGH after weighting, got %s", got)
	}
}
