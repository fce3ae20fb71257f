package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	stderrors "github.com/tarrragon/book-overview-v1-sub017/internal/errors"
	"github.com/tarrragon/book-overview-v1-sub017/internal/logging"
	"github.com/tarrragon/book-overview-v1-sub017/pkg/types"
)

// HistoryBackend persists history records durably. The engine defines
// the record shape and delegates storage; implementations live in
// internal/storage.
type HistoryBackend interface {
	Append(ctx context.Context, rec types.HistoryRecord) error
	Remove(ctx context.Context, id string) error
	Load(ctx context.Context, limit int) ([]types.HistoryRecord, error)
	Trim(ctx context.Context, maxRecords int) error
	Close() error
}

// HistoryStore is the append-only record of applied and overridden
// resolutions. Reads feed the recommender's learning overlay and the
// satisfaction statistic; trimming happens in background maintenance,
// never on the hot resolve path.
type HistoryStore struct {
	mu         sync.RWMutex
	records    []types.HistoryRecord // oldest first
	maxRecords int
	backend    HistoryBackend
	logger     logging.Logger
}

// NewHistoryStore creates a history store bounded to maxRecords.
// backend may be nil for purely in-memory operation.
func NewHistoryStore(maxRecords int, backend HistoryBackend, logger logging.Logger) *HistoryStore {
	return &HistoryStore{
		maxRecords: maxRecords,
		backend:    backend,
		logger:     logger.WithComponent("history"),
	}
}

// Load hydrates the in-memory log from the backend, if one is set.
func (h *HistoryStore) Load(ctx context.Context) error {
	if h.backend == nil {
		return nil
	}
	records, err := h.backend.Load(ctx, h.maxRecords)
	if err != nil {
		return stderrors.Wrap(stderrors.ErrorCodeStorage, "failed to load history", err)
	}
	h.mu.Lock()
	h.records = records
	h.mu.Unlock()
	return nil
}

// Append records a resolution. Recording is intentionally forgiving:
// a backend write failure is logged, not surfaced, because losing a
// manual decision is worse than recording one without durability.
func (h *HistoryStore) Append(ctx context.Context, rec types.HistoryRecord) types.HistoryRecord {
	if rec.ID == "" {
		rec.ID = "hist_" + uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()

	if h.backend != nil {
		if err := h.backend.Append(ctx, rec); err != nil {
			h.logger.ErrorContext(ctx, "history backend append failed",
				"record_id", rec.ID, "error", err.Error())
		}
	}
	return rec
}

// Undo removes a history record and returns it. Learning adjustments
// already derived from the record are not reversed retroactively.
func (h *HistoryStore) Undo(ctx context.Context, id string) (types.HistoryRecord, error) {
	h.mu.Lock()
	idx := -1
	for i := range h.records {
		if h.records[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		h.mu.Unlock()
		return types.HistoryRecord{}, stderrors.NewNotFoundError("history record", id)
	}
	removed := h.records[idx]
	h.records = append(h.records[:idx], h.records[idx+1:]...)
	h.mu.Unlock()

	if h.backend != nil {
		if err := h.backend.Remove(ctx, id); err != nil {
			h.logger.ErrorContext(ctx, "history backend remove failed",
				"record_id", id, "error", err.Error())
		}
	}
	return removed, nil
}

// Recent returns up to limit of the most recent records, oldest first.
func (h *HistoryStore) Recent(limit int) []types.HistoryRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	start := 0
	if limit > 0 && len(h.records) > limit {
		start = len(h.records) - limit
	}
	out := make([]types.HistoryRecord, len(h.records)-start)
	copy(out, h.records[start:])
	return out
}

// Len returns the number of in-memory records.
func (h *HistoryStore) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// SatisfactionMean returns the mean userSatisfaction over the most
// recent records carrying one, and how many contributed.
func (h *HistoryStore) SatisfactionMean(limit int) (float64, int) {
	sum := 0.0
	count := 0
	for _, rec := range h.Recent(limit) {
		if rec.UserSatisfaction != nil {
			sum += *rec.UserSatisfaction
			count++
		}
	}
	if count == 0 {
		return 0, 0
	}
	return sum / float64(count), count
}

// Maintain trims the log to the retention bound, in memory and in the
// backend.
func (h *HistoryStore) Maintain(ctx context.Context) {
	h.mu.Lock()
	if len(h.records) > h.maxRecords {
		h.records = append([]types.HistoryRecord(nil), h.records[len(h.records)-h.maxRecords:]...)
	}
	h.mu.Unlock()

	if h.backend != nil {
		if err := h.backend.Trim(ctx, h.maxRecords); err != nil {
			h.logger.ErrorContext(ctx, "history backend trim failed", "error", err.Error())
		}
	}
}

// StartMaintenance runs Maintain on the given interval until ctx ends.
func (h *HistoryStore) StartMaintenance(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Maintain(ctx)
			}
		}
	}()
}
