package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	stderrors "github.com/tarrragon/book-overview-v1-sub017/internal/errors"
	"github.com/tarrragon/book-overview-v1-sub017/internal/logging"
	"github.com/tarrragon/book-overview-v1-sub017/pkg/types"
)

func historyEntry(conflictID string) types.HistoryRecord {
	return types.HistoryRecord{
		ConflictID:   conflictID,
		ConflictType: types.ConflictTypeProgress,
		Resolution:   types.Resolution{ConflictID: conflictID, Strategy: StrategyLatestWins},
	}
}

func TestHistoryAppendAssignsIDAndTimestamp(t *testing.T) {
	store := NewHistoryStore(10, nil, logging.NewNoop())

	rec := store.Append(context.Background(), historyEntry("c1"))
	if rec.ID == "" {
		t.Error("expected generated id")
	}
	if rec.Timestamp.IsZero() {
		t.Error("expected assigned timestamp")
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 record, got %d", store.Len())
	}

	other := store.Append(context.Background(), historyEntry("c2"))
	if other.ID == rec.ID {
		t.Error("ids must be unique")
	}
}

func TestHistoryUndo(t *testing.T) {
	store := NewHistoryStore(10, nil, logging.NewNoop())
	rec := store.Append(context.Background(), historyEntry("c1"))

	removed, err := store.Undo(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed.ConflictID != "c1" {
		t.Errorf("wrong record removed: %s", removed.ConflictID)
	}
	if store.Len() != 0 {
		t.Errorf("expected empty store, got %d", store.Len())
	}

	// Second undo of the same id is NotFound.
	if _, err := store.Undo(context.Background(), rec.ID); !stderrors.IsCode(err, stderrors.ErrorCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestHistoryRecentOrderAndLimit(t *testing.T) {
	store := NewHistoryStore(100, nil, logging.NewNoop())
	for i := 0; i < 5; i++ {
		store.Append(context.Background(), historyEntry(fmt.Sprintf("c%d", i)))
	}

	recent := store.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recent))
	}
	// Oldest-first within the window: c2, c3, c4.
	for i, want := range []string{"c2", "c3", "c4"} {
		if recent[i].ConflictID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, recent[i].ConflictID)
		}
	}

	all := store.Recent(0)
	if len(all) != 5 {
		t.Errorf("limit 0 should return everything, got %d", len(all))
	}
}

func TestHistoryMaintainTrimsToBound(t *testing.T) {
	store := NewHistoryStore(3, nil, logging.NewNoop())
	for i := 0; i < 10; i++ {
		store.Append(context.Background(), historyEntry(fmt.Sprintf("c%d", i)))
	}

	// Append never trims inline.
	if store.Len() != 10 {
		t.Fatalf("expected 10 before maintenance, got %d", store.Len())
	}

	store.Maintain(context.Background())
	if store.Len() != 3 {
		t.Fatalf("expected 3 after maintenance, got %d", store.Len())
	}
	// The newest records survive.
	recent := store.Recent(0)
	for i, want := range []string{"c7", "c8", "c9"} {
		if recent[i].ConflictID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, recent[i].ConflictID)
		}
	}
}

func TestHistorySatisfactionMean(t *testing.T) {
	store := NewHistoryStore(100, nil, logging.NewNoop())

	if mean, count := store.SatisfactionMean(10); mean != 0 || count != 0 {
		t.Errorf("empty store: expected 0/0, got %f/%d", mean, count)
	}

	withSat := historyEntry("c1")
	withSat.UserSatisfaction = satisfied(0.9)
	store.Append(context.Background(), withSat)
	store.Append(context.Background(), historyEntry("c2")) // no feedback
	withSat2 := historyEntry("c3")
	withSat2.UserSatisfaction = satisfied(0.5)
	store.Append(context.Background(), withSat2)

	mean, count := store.SatisfactionMean(10)
	if count != 2 {
		t.Errorf("expected 2 contributing records, got %d", count)
	}
	if want := (0.9 + 0.5) / 2; mean != want {
		t.Errorf("expected mean %f, got %f", want, mean)
	}
}

// stubBackend records calls and optionally fails them.
type stubBackend struct {
	records   []types.HistoryRecord
	appendErr error
	loadErr   error
	removed   []string
	trimmedTo int
}

func (b *stubBackend) Append(_ context.Context, rec types.HistoryRecord) error {
	if b.appendErr != nil {
		return b.appendErr
	}
	b.records = append(b.records, rec)
	return nil
}

func (b *stubBackend) Remove(_ context.Context, id string) error {
	b.removed = append(b.removed, id)
	return nil
}

func (b *stubBackend) Load(_ context.Context, _ int) ([]types.HistoryRecord, error) {
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	return b.records, nil
}

func (b *stubBackend) Trim(_ context.Context, maxRecords int) error {
	b.trimmedTo = maxRecords
	return nil
}

func (b *stubBackend) Close() error { return nil }

func TestHistoryLoadHydratesFromBackend(t *testing.T) {
	backend := &stubBackend{records: []types.HistoryRecord{
		{ID: "h1", ConflictID: "c1"},
		{ID: "h2", ConflictID: "c2"},
	}}
	store := NewHistoryStore(10, backend, logging.NewNoop())

	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 hydrated records, got %d", store.Len())
	}
}

func TestHistoryLoadWrapsBackendFailure(t *testing.T) {
	backend := &stubBackend{loadErr: errors.New("disk gone")}
	store := NewHistoryStore(10, backend, logging.NewNoop())

	err := store.Load(context.Background())
	if !stderrors.IsCode(err, stderrors.ErrorCodeStorage) {
		t.Errorf("expected STORAGE_ERROR, got %v", err)
	}
}

func TestHistoryBackendAppendFailureIsNotSurfaced(t *testing.T) {
	backend := &stubBackend{appendErr: errors.New("write failed")}
	store := NewHistoryStore(10, backend, logging.NewNoop())

	rec := store.Append(context.Background(), historyEntry("c1"))
	if rec.ID == "" {
		t.Error("append must still assign an id")
	}
	// The record stays available in memory.
	if store.Len() != 1 {
		t.Errorf("expected 1 in-memory record, got %d", store.Len())
	}
}

func TestHistoryUndoPropagatesToBackend(t *testing.T) {
	backend := &stubBackend{}
	store := NewHistoryStore(10, backend, logging.NewNoop())
	rec := store.Append(context.Background(), historyEntry("c1"))

	if _, err := store.Undo(context.Background(), rec.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backend.removed) != 1 || backend.removed[0] != rec.ID {
		t.Errorf("backend remove not called: %v", backend.removed)
	}
}

func TestHistoryMaintainTrimsBackend(t *testing.T) {
	backend := &stubBackend{}
	store := NewHistoryStore(7, backend, logging.NewNoop())

	store.Maintain(context.Background())
	if backend.trimmedTo != 7 {
		t.Errorf("expected backend trim to 7, got %d", backend.trimmedTo)
	}
}
