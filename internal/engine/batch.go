package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	stderrors "github.com/tarrragon/book-overview-v1-sub017/internal/errors"
	"github.com/tarrragon/book-overview-v1-sub017/internal/logging"
	"github.com/tarrragon/book-overview-v1-sub017/pkg/types"
)

// BatchOptions configures one batch resolution request.
type BatchOptions struct {
	// Strategy forces one strategy for every conflict; empty lets the
	// recommender choose per conflict.
	Strategy string
	// StrategyOptions is forwarded to every strategy invocation.
	StrategyOptions StrategyOptions
	// OnProgress, when set, is called synchronously after each batch
	// completes. Granularity is per batch, not per conflict.
	OnProgress func(types.BatchProgress)
}

// Orchestrator splits batch resolution work across bounded batches,
// isolates per-batch failures, emits progress, and tracks BatchJobs
// until a retention window expires.
type Orchestrator struct {
	executor  *Executor
	logger    logging.Logger
	retention time.Duration

	mu   sync.RWMutex
	jobs map[string]*types.BatchJob
}

// NewOrchestrator creates a batch orchestrator. Terminal jobs are kept
// for the retention window so callers can inspect them.
func NewOrchestrator(executor *Executor, logger logging.Logger, retention time.Duration) *Orchestrator {
	return &Orchestrator{
		executor:  executor,
		logger:    logger.WithComponent("batch"),
		retention: retention,
		jobs:      make(map[string]*types.BatchJob),
	}
}

// ResolveBatches processes the batches sequentially so progress stays
// monotonic and the report deterministic. One bad batch never aborts
// the job: its failure is recorded in the report and processing moves
// on.
func (o *Orchestrator) ResolveBatches(ctx context.Context, batches [][]types.Conflict, opts BatchOptions, prefs types.UserPreferences) (*types.BatchReport, error) {
	job := &types.BatchJob{
		ID:           "batch_" + uuid.New().String(),
		Status:       types.BatchStatusRunning,
		TotalBatches: len(batches),
		StartTime:    time.Now().UTC(),
	}
	o.mu.Lock()
	o.jobs[job.ID] = job
	o.mu.Unlock()

	report := &types.BatchReport{
		BatchID: job.ID,
		Results: make([]types.BatchResult, 0, len(batches)),
		Summary: types.BatchSummary{TotalBatches: len(batches)},
	}

	for i, batch := range batches {
		result := o.resolveBatch(ctx, job.ID, i, batch, opts, prefs)
		report.Results = append(report.Results, result)
		if result.Success {
			report.Summary.SuccessfulBatches++
		}
		for _, entry := range result.Resolved {
			if entry.Resolution != nil {
				report.Summary.TotalConflictsResolved++
			}
		}

		o.mu.Lock()
		job.CompletedBatches = i + 1
		o.mu.Unlock()

		if opts.OnProgress != nil {
			opts.OnProgress(types.BatchProgress{
				BatchID:      job.ID,
				Progress:     float64(i+1) / float64(len(batches)),
				CurrentBatch: i + 1,
				TotalBatches: len(batches),
			})
		}
	}

	status := types.BatchStatusCompleted
	if ctx.Err() != nil {
		status = types.BatchStatusFailed
	} else if len(batches) > 0 && report.Summary.SuccessfulBatches == 0 {
		status = types.BatchStatusFailed
	}

	now := time.Now().UTC()
	o.mu.Lock()
	job.Status = status
	job.CompletedAt = &now
	o.mu.Unlock()

	o.logger.InfoContext(ctx, "batch job finished",
		"job_id", job.ID,
		"status", string(status),
		"batches", len(batches),
		"resolved", report.Summary.TotalConflictsResolved)

	return report, nil
}

// resolveBatch processes one batch with panic isolation: a panicking
// strategy fails this batch only, never its siblings.
func (o *Orchestrator) resolveBatch(ctx context.Context, jobID string, index int, conflicts []types.Conflict, opts BatchOptions, prefs types.UserPreferences) (result types.BatchResult) {
	result = types.BatchResult{
		BatchID: fmt.Sprintf("%s#%d", jobID, index),
		Success: true,
	}

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("batch panicked: %v", r)
			o.logger.Error("batch failed", "job_id", jobID, "batch", index, "panic", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		result.Success = false
		result.Error = err.Error()
		return result
	}

	entries := make([]types.ResolutionEntry, 0, len(conflicts))
	for i := range conflicts {
		entry := types.ResolutionEntry{ConflictID: conflicts[i].ID}
		resolution, err := o.executor.Resolve(conflicts[i], opts.Strategy, opts.StrategyOptions, prefs)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Resolution = resolution
		}
		entries = append(entries, entry)
	}
	result.Resolved = entries
	return result
}

// Job returns a snapshot of one tracked job.
func (o *Orchestrator) Job(id string) (types.BatchJob, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	job, ok := o.jobs[id]
	if !ok {
		return types.BatchJob{}, stderrors.NewNotFoundError("batch job", id)
	}
	return *job, nil
}

// Jobs returns snapshots of all tracked jobs, newest first.
func (o *Orchestrator) Jobs() []types.BatchJob {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]types.BatchJob, 0, len(o.jobs))
	for _, job := range o.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

// GC drops terminal jobs older than the retention window and returns
// how many were removed. Runs outside the hot resolve path.
func (o *Orchestrator) GC(now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for id, job := range o.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && now.Sub(*job.CompletedAt) > o.retention {
			delete(o.jobs, id)
			removed++
		}
	}
	return removed
}
