// Package types defines the shared domain model for the record
// reconciliation engine: records, conflicts, resolutions, batch jobs,
// and the history entries used for auditing and learning.
package types

import (
	"strconv"
	"time"
)

// ConflictType classifies the kind of field-level disagreement detected
// between two snapshots of the same record.
type ConflictType string

const (
	ConflictTypeProgress  ConflictType = "PROGRESS_MISMATCH"
	ConflictTypeTitle     ConflictType = "TITLE_DIFFERENCE"
	ConflictTypeTimestamp ConflictType = "TIMESTAMP_CONFLICT"
	ConflictTypeTag       ConflictType = "TAG_DIFFERENCE"
	ConflictTypeUnknown   ConflictType = "UNKNOWN"
)

// ConflictSeverity represents the severity level of a conflict.
type ConflictSeverity string

const (
	SeverityLow    ConflictSeverity = "LOW"
	SeverityMedium ConflictSeverity = "MEDIUM"
	SeverityHigh   ConflictSeverity = "HIGH"
)

// Weight returns a sortable weight for a severity level.
func (s ConflictSeverity) Weight() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Record is an opaque, externally-defined map of named fields with a
// stable identity key. The engine never mutates a Record in place; it
// only reads records and produces new merged ones.
type Record map[string]any

// Well-known field names. Callers may carry arbitrary extra fields.
const (
	FieldID        = "id"
	FieldTitle     = "title"
	FieldProgress  = "progress"
	FieldTimestamp = "timestamp"
	FieldTags      = "tags"
	FieldSource    = "source"
)

// IdentityKey returns the record's stable identity as a string, or ""
// when the record carries no usable identity.
func (r Record) IdentityKey() string {
	v, ok := r[FieldID]
	if !ok {
		return ""
	}
	return scalarString(v)
}

// Title returns the record's title field.
func (r Record) Title() (string, bool) {
	s, ok := r[FieldTitle].(string)
	return s, ok
}

// Progress returns the record's numeric progress field.
func (r Record) Progress() (float64, bool) {
	return numeric(r[FieldProgress])
}

// Source returns the record's declared origin (e.g. "local", "remote").
func (r Record) Source() string {
	s, _ := r[FieldSource].(string)
	return s
}

// Timestamp returns the record's timestamp field. Both RFC3339 strings
// and epoch milliseconds are accepted; the original system used epoch ms.
func (r Record) Timestamp() (time.Time, bool) {
	switch v := r[FieldTimestamp].(type) {
	case time.Time:
		return v, true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
		return time.Time{}, false
	default:
		if ms, ok := numeric(v); ok {
			return time.UnixMilli(int64(ms)).UTC(), true
		}
		return time.Time{}, false
	}
}

// Tags returns the record's tag list. JSON decoding yields []any, so
// both []string and []any are accepted.
func (r Record) Tags() ([]string, bool) {
	switch v := r[FieldTags].(type) {
	case []string:
		return v, true
	case []any:
		tags := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags, true
	default:
		return nil, false
	}
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Conflict is a detected field-level disagreement between two snapshots
// of the same logical record. Immutable after detection.
type Conflict struct {
	ID         string           `json:"id"`
	Type       ConflictType     `json:"type"`
	Severity   ConflictSeverity `json:"severity"`
	Data1      Record           `json:"data1"`
	Data2      Record           `json:"data2"`
	Divergence float64          `json:"divergence"`
	DetectedAt time.Time        `json:"detected_at"`
}

// DetectionSummary contains exact counts over a returned conflict set.
type DetectionSummary struct {
	TotalConflicts       int                      `json:"total_conflicts"`
	ConflictTypes        map[ConflictType]int     `json:"conflict_types"`
	SeverityDistribution map[ConflictSeverity]int `json:"severity_distribution"`
	RecordsCompared      int                      `json:"records_compared"`
}

// DetectionResult is the output of one detection call.
type DetectionResult struct {
	Conflicts []Conflict       `json:"conflicts"`
	Summary   DetectionSummary `json:"summary"`
}

// ReviewOption is one candidate value offered for manual review.
type ReviewOption struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Value Record `json:"value,omitempty"`
}

// Resolution is the terminal outcome of applying a strategy to a
// Conflict. Once returned it is immutable; a later manual override
// produces a new HistoryRecord, not a mutation of the Resolution.
type Resolution struct {
	ConflictID           string         `json:"conflict_id"`
	Strategy             string         `json:"strategy"`
	ResolvedValue        Record         `json:"resolved_value,omitempty"`
	Confidence           float64        `json:"confidence"`
	Reason               string         `json:"reason"`
	RequiresManualReview bool           `json:"requires_manual_review"`
	ReviewOptions        []ReviewOption `json:"review_options,omitempty"`
	ResolvedAt           time.Time      `json:"resolved_at"`
}

// ResolutionEntry pairs a conflict with its resolution or the error
// that prevented one. Exactly one entry is produced per input conflict.
type ResolutionEntry struct {
	ConflictID string      `json:"conflict_id"`
	Resolution *Resolution `json:"resolution"`
	Error      string      `json:"error,omitempty"`
}

// BatchStatus is the lifecycle state of a BatchJob.
type BatchStatus string

const (
	BatchStatusRunning   BatchStatus = "RUNNING"
	BatchStatusCompleted BatchStatus = "COMPLETED"
	BatchStatusFailed    BatchStatus = "FAILED"
)

// Terminal reports whether the status is an end state.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// BatchJob tracks one batch resolution request. Mutated only by the
// batch orchestrator; garbage-collected after a retention window once
// terminal.
type BatchJob struct {
	ID               string      `json:"id"`
	Status           BatchStatus `json:"status"`
	TotalBatches     int         `json:"total_batches"`
	CompletedBatches int         `json:"completed_batches"`
	StartTime        time.Time   `json:"start_time"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
}

// BatchProgress is reported after each batch completes.
type BatchProgress struct {
	BatchID      string  `json:"batch_id"`
	Progress     float64 `json:"progress"`
	CurrentBatch int     `json:"current_batch"`
	TotalBatches int     `json:"total_batches"`
}

// BatchResult is the outcome of processing one batch.
type BatchResult struct {
	BatchID  string            `json:"batch_id"`
	Success  bool              `json:"success"`
	Error    string            `json:"error,omitempty"`
	Resolved []ResolutionEntry `json:"resolved,omitempty"`
}

// BatchSummary aggregates a whole batch job.
type BatchSummary struct {
	TotalBatches           int `json:"total_batches"`
	SuccessfulBatches      int `json:"successful_batches"`
	TotalConflictsResolved int `json:"total_conflicts_resolved"`
}

// BatchReport is the final result of a batch resolution request.
type BatchReport struct {
	BatchID string        `json:"batch_id"`
	Results []BatchResult `json:"results"`
	Summary BatchSummary  `json:"summary"`
}

// HistoryRecord is an append-only log entry of a resolution, whether
// engine-chosen or human-overridden. Never deleted except by bounded
// retention trimming or an explicit undo.
type HistoryRecord struct {
	ID               string       `json:"id"`
	ConflictID       string       `json:"conflict_id"`
	ConflictType     ConflictType `json:"conflict_type"`
	Resolution       Resolution   `json:"resolution"`
	Manual           bool         `json:"manual"`
	UserSatisfaction *float64     `json:"user_satisfaction,omitempty"`
	Timestamp        time.Time    `json:"timestamp"`
}

// LearningUpdate describes the recommender adjustment derived from one
// recorded resolution.
type LearningUpdate struct {
	Applied      bool         `json:"applied"`
	ConflictType ConflictType `json:"conflict_type,omitempty"`
	Strategy     string       `json:"strategy,omitempty"`
	Delta        float64      `json:"delta"`
}

// UserPreferences is process-wide engine configuration with an explicit
// load/update lifecycle.
type UserPreferences struct {
	DefaultStrategy      string  `json:"default_strategy"`
	AutoResolveThreshold float64 `json:"auto_resolve_threshold"`
	LearningEnabled      bool    `json:"learning_enabled"`
}

// Statistics is a computed-on-demand snapshot of engine counters.
type Statistics struct {
	ConflictsDetected         int64         `json:"conflicts_detected"`
	ConflictsResolved         int64         `json:"conflicts_resolved"`
	AutoResolutionSuccessRate float64       `json:"auto_resolution_success_rate"`
	UserSatisfactionScore     float64       `json:"user_satisfaction_score"`
	AverageResolutionTime     time.Duration `json:"average_resolution_time"`
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// JSON numbers decode as float64; integral identities are common.
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return ""
	}
}
