package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	stderrors "github.com/tarrragon/book-overview-v1-sub017/internal/errors"
	"github.com/tarrragon/book-overview-v1-sub017/internal/logging"
	"github.com/tarrragon/book-overview-v1-sub017/pkg/types"
)

// ServiceOptions configures the reconciliation service.
type ServiceOptions struct {
	Detect       DetectOptions
	Strategy     StrategyOptions
	Preferences  types.UserPreferences
	BatchSize    int
	JobRetention time.Duration
	History      *HistoryStore
	Logger       logging.Logger
}

// Service is the engine façade. It validates requests, drives detector,
// recommender, executor and batch orchestrator, persists resolutions to
// the history store, and exposes statistics and health.
//
// Shared mutable state (counters, preferences) sits behind one mutex:
// there is exactly one logical writer role even when multiple callers
// invoke the service concurrently. Detection and individual strategy
// execution are pure and need no coordination.
type Service struct {
	detector     *Detector
	registry     *Registry
	recommender  *Recommender
	executor     *Executor
	orchestrator *Orchestrator
	history      *HistoryStore
	logger       logging.Logger

	detectDefaults   DetectOptions
	strategyDefaults StrategyOptions
	batchSize        int

	mu                  sync.Mutex
	initialized         bool
	startedAt           time.Time
	prefs               types.UserPreferences
	conflictsDetected   int64
	conflictsResolved   int64
	resolutionTimeTotal time.Duration
	resolutionTimeCount int64
}

// NewService wires the engine components. Strategies are fixed at
// construction; there is no runtime strategy discovery.
func NewService(opts ServiceOptions) *Service {
	if opts.Logger == nil {
		opts.Logger = logging.NewNoop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.JobRetention <= 0 {
		opts.JobRetention = time.Hour
	}
	if opts.History == nil {
		opts.History = NewHistoryStore(1000, nil, opts.Logger)
	}
	if opts.Preferences.AutoResolveThreshold == 0 {
		opts.Preferences.AutoResolveThreshold = 0.8
	}
	def := DefaultDetectOptions()
	if opts.Detect.TitleSimilarityThreshold == 0 {
		opts.Detect.TitleSimilarityThreshold = def.TitleSimilarityThreshold
	}
	if opts.Detect.TimestampToleranceMs == 0 {
		opts.Detect.TimestampToleranceMs = def.TimestampToleranceMs
	}
	if opts.Detect.SeverityLow == 0 && opts.Detect.SeverityMedium == 0 && opts.Detect.SeverityHigh == 0 {
		opts.Detect.SeverityLow = def.SeverityLow
		opts.Detect.SeverityMedium = def.SeverityMedium
		opts.Detect.SeverityHigh = def.SeverityHigh
	}

	registry := DefaultRegistry()
	recommender := NewRecommender(registry, opts.History)
	executor := NewExecutor(registry, recommender)

	return &Service{
		detector:         NewDetector(),
		registry:         registry,
		recommender:      recommender,
		executor:         executor,
		orchestrator:     NewOrchestrator(executor, opts.Logger, opts.JobRetention),
		history:          opts.History,
		logger:           opts.Logger.WithComponent("service"),
		detectDefaults:   opts.Detect,
		strategyDefaults: opts.Strategy,
		batchSize:        opts.BatchSize,
		prefs:            opts.Preferences,
	}
}

// Initialize transitions the service to its initialized state and
// hydrates history from the durable backend. Re-initialization is a
// no-op, not an error.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.history.Load(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.initialized = true
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "reconciliation service initialized",
		"history_records", s.history.Len())
	return nil
}

func (s *Service) requireInitialized(operation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return stderrors.NewNotInitializedError(operation)
	}
	return nil
}

// DetectConflicts compares two snapshots. Detection is advisory and
// never fails on malformed inputs: nil collections or an undecodable
// options bag yield an empty result with a zero-conflict summary.
func (s *Service) DetectConflicts(ctx context.Context, collectionA, collectionB []types.Record, rawOpts map[string]any) (*types.DetectionResult, error) {
	if err := s.requireInitialized("DetectConflicts"); err != nil {
		return nil, err
	}

	opts := DecodeDetectOptions(s.detectDefaults, rawOpts)
	result := s.detector.Detect(collectionA, collectionB, opts)
	SortConflicts(result.Conflicts)

	s.mu.Lock()
	s.conflictsDetected += int64(result.Summary.TotalConflicts)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "detection completed",
		"records_compared", result.Summary.RecordsCompared,
		"conflicts", result.Summary.TotalConflicts)
	return result, nil
}

// ResolveConflicts resolves each conflict independently. Every input
// conflict yields exactly one entry: a resolution or the error that
// prevented one. A silently dropped conflict is a defect.
func (s *Service) ResolveConflicts(ctx context.Context, conflicts []types.Conflict, strategyName string, rawOpts map[string]any) ([]types.ResolutionEntry, error) {
	if err := s.requireInitialized("ResolveConflicts"); err != nil {
		return nil, err
	}

	opts, err := DecodeStrategyOptions(s.strategyDefaults, rawOpts)
	if err != nil {
		return nil, stderrors.Wrap(stderrors.ErrorCodeValidation, "bad resolve options", err)
	}
	prefs := s.Preferences()

	entries := make([]types.ResolutionEntry, 0, len(conflicts))
	for i := range conflicts {
		entries = append(entries, s.resolveOne(ctx, conflicts[i], strategyName, opts, prefs))
	}
	return entries, nil
}

// resolveOne isolates a single conflict's resolution, converting a
// panicking strategy into a per-item error entry.
func (s *Service) resolveOne(ctx context.Context, conflict types.Conflict, strategyName string, opts StrategyOptions, prefs types.UserPreferences) (entry types.ResolutionEntry) {
	entry = types.ResolutionEntry{ConflictID: conflict.ID}

	defer func() {
		if r := recover(); r != nil {
			entry.Resolution = nil
			entry.Error = fmt.Sprintf("strategy panicked: %v", r)
			s.logger.ErrorContext(ctx, "resolution panicked",
				"conflict_id", conflict.ID, "panic", r)
		}
	}()

	started := time.Now()
	resolution, err := s.executor.Resolve(conflict, strategyName, opts, prefs)
	if err != nil {
		entry.Error = err.Error()
		return entry
	}
	entry.Resolution = resolution
	s.recordResolution(ctx, conflict.Type, *resolution, time.Since(started))
	return entry
}

// recordResolution updates counters and appends the applied resolution
// to history under the single writer boundary.
func (s *Service) recordResolution(ctx context.Context, ct types.ConflictType, res types.Resolution, took time.Duration) {
	s.mu.Lock()
	if !res.RequiresManualReview {
		s.conflictsResolved++
	}
	s.resolutionTimeTotal += took
	s.resolutionTimeCount++
	s.mu.Unlock()

	if !res.RequiresManualReview {
		s.history.Append(ctx, types.HistoryRecord{
			ConflictID:   res.ConflictID,
			ConflictType: ct,
			Resolution:   res,
			Manual:       false,
		})
	}
}

// ResolveBatchConflicts delegates to the batch orchestrator, then
// accounts resolutions and history for the successful entries.
func (s *Service) ResolveBatchConflicts(ctx context.Context, batches [][]types.Conflict, rawOpts map[string]any, onProgress func(types.BatchProgress)) (*types.BatchReport, error) {
	if err := s.requireInitialized("ResolveBatchConflicts"); err != nil {
		return nil, err
	}

	strategyOpts, err := DecodeStrategyOptions(s.strategyDefaults, rawOpts)
	if err != nil {
		return nil, stderrors.Wrap(stderrors.ErrorCodeValidation, "bad batch options", err)
	}
	opts := BatchOptions{
		StrategyOptions: strategyOpts,
		OnProgress:      onProgress,
	}
	if name, ok := rawOpts["strategy"].(string); ok {
		opts.Strategy = name
	}

	started := time.Now()
	report, err := s.orchestrator.ResolveBatches(ctx, batches, opts, s.Preferences())
	if err != nil {
		return nil, err
	}

	conflictTypes := conflictTypeIndex(batches)
	resolved := int64(0)
	for _, result := range report.Results {
		for _, entry := range result.Resolved {
			if entry.Resolution == nil {
				continue
			}
			if !entry.Resolution.RequiresManualReview {
				resolved++
				s.history.Append(ctx, types.HistoryRecord{
					ConflictID:   entry.ConflictID,
					ConflictType: conflictTypes[entry.ConflictID],
					Resolution:   *entry.Resolution,
					Manual:       false,
				})
			}
		}
	}

	s.mu.Lock()
	s.conflictsResolved += resolved
	s.resolutionTimeTotal += time.Since(started)
	s.resolutionTimeCount += resolved
	s.mu.Unlock()

	return report, nil
}

func conflictTypeIndex(batches [][]types.Conflict) map[string]types.ConflictType {
	index := make(map[string]types.ConflictType)
	for _, batch := range batches {
		for i := range batch {
			index[batch[i].ID] = batch[i].Type
		}
	}
	return index
}

// RecordManualResolution appends a human decision to history and
// reports the learning adjustment it will contribute. Recording always
// succeeds for well-formed inputs.
func (s *Service) RecordManualResolution(ctx context.Context, conflictID string, conflictType types.ConflictType, resolution types.Resolution, satisfaction *float64) (types.HistoryRecord, types.LearningUpdate, error) {
	if err := s.requireInitialized("RecordManualResolution"); err != nil {
		return types.HistoryRecord{}, types.LearningUpdate{}, err
	}
	if conflictID == "" {
		return types.HistoryRecord{}, types.LearningUpdate{}, stderrors.NewValidationError("conflictId", "must not be empty")
	}
	if resolution.Strategy == "" {
		resolution.Strategy = StrategyDeferToHuman
	}
	if conflictType == "" {
		conflictType = types.ConflictTypeUnknown
	}
	resolution.ConflictID = conflictID

	rec := s.history.Append(ctx, types.HistoryRecord{
		ConflictID:       conflictID,
		ConflictType:     conflictType,
		Resolution:       resolution,
		Manual:           true,
		UserSatisfaction: satisfaction,
	})

	update := types.LearningUpdate{ConflictType: conflictType, Strategy: resolution.Strategy}
	if s.Preferences().LearningEnabled && satisfaction != nil {
		switch {
		case *satisfaction >= satisfactionHigh:
			update.Applied = true
			update.Delta = learningDelta
		case *satisfaction <= satisfactionLow:
			update.Applied = true
			update.Delta = -learningDelta
		}
	}

	s.mu.Lock()
	s.conflictsResolved++
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "manual resolution recorded",
		"conflict_id", conflictID, "strategy", resolution.Strategy,
		"learning_applied", update.Applied)
	return rec, update, nil
}

// UndoResolution removes a history record and returns it. Recommender
// adjustments already derived from the record are not reversed.
func (s *Service) UndoResolution(ctx context.Context, recordID string) (types.HistoryRecord, error) {
	if err := s.requireInitialized("UndoResolution"); err != nil {
		return types.HistoryRecord{}, err
	}
	return s.history.Undo(ctx, recordID)
}

// Recommend exposes the recommender's ranking for a conflict.
func (s *Service) Recommend(conflict types.Conflict) ([]Recommendation, error) {
	if err := s.requireInitialized("Recommend"); err != nil {
		return nil, err
	}
	return s.recommender.Recommend(conflict, s.Preferences()), nil
}

// GetStatistics computes a fresh snapshot; nothing is cached.
func (s *Service) GetStatistics() (types.Statistics, error) {
	if err := s.requireInitialized("GetStatistics"); err != nil {
		return types.Statistics{}, err
	}

	s.mu.Lock()
	stats := types.Statistics{
		ConflictsDetected: s.conflictsDetected,
		ConflictsResolved: s.conflictsResolved,
	}
	if s.conflictsDetected > 0 {
		stats.AutoResolutionSuccessRate = float64(s.conflictsResolved) / float64(s.conflictsDetected)
	}
	if s.resolutionTimeCount > 0 {
		stats.AverageResolutionTime = s.resolutionTimeTotal / time.Duration(s.resolutionTimeCount)
	}
	s.mu.Unlock()

	stats.UserSatisfactionScore, _ = s.history.SatisfactionMean(learningWindow)
	return stats, nil
}

// Preferences returns the current user preferences.
func (s *Service) Preferences() types.UserPreferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// UpdatePreferences replaces the preferences through the single
// explicit update operation.
func (s *Service) UpdatePreferences(prefs types.UserPreferences) error {
	if prefs.AutoResolveThreshold < 0 || prefs.AutoResolveThreshold > 1 {
		return stderrors.NewValidationError("autoResolveThreshold", "must be within [0,1]")
	}
	if prefs.DefaultStrategy != "" {
		if _, ok := s.registry.Get(prefs.DefaultStrategy); !ok {
			return stderrors.NewUnknownStrategyError(prefs.DefaultStrategy)
		}
	}

	s.mu.Lock()
	s.prefs = prefs
	s.mu.Unlock()
	return nil
}

// Health describes the service's current condition.
type Health struct {
	Initialized    bool          `json:"initialized"`
	Uptime         time.Duration `json:"uptime"`
	HistoryRecords int           `json:"history_records"`
	Strategies     []string      `json:"strategies"`
	TrackedJobs    int           `json:"tracked_jobs"`
}

// GetHealth reports liveness information; callable before Initialize.
func (s *Service) GetHealth() Health {
	s.mu.Lock()
	initialized := s.initialized
	startedAt := s.startedAt
	s.mu.Unlock()

	h := Health{
		Initialized:    initialized,
		HistoryRecords: s.history.Len(),
		Strategies:     s.registry.Names(),
		TrackedJobs:    len(s.orchestrator.Jobs()),
	}
	if initialized {
		h.Uptime = time.Since(startedAt)
	}
	return h
}

// Jobs lists tracked batch jobs.
func (s *Service) Jobs() ([]types.BatchJob, error) {
	if err := s.requireInitialized("Jobs"); err != nil {
		return nil, err
	}
	return s.orchestrator.Jobs(), nil
}

// Job returns one tracked batch job.
func (s *Service) Job(id string) (types.BatchJob, error) {
	if err := s.requireInitialized("Job"); err != nil {
		return types.BatchJob{}, err
	}
	return s.orchestrator.Job(id)
}

// StartMaintenance launches the background retention loops for history
// trimming and job GC.
func (s *Service) StartMaintenance(ctx context.Context, interval time.Duration) {
	s.history.StartMaintenance(ctx, interval)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := s.orchestrator.GC(time.Now().UTC()); removed > 0 {
					s.logger.Debug("batch jobs collected", "removed", removed)
				}
			}
		}
	}()
}

// SplitIntoBatches partitions conflicts into bounded batches preserving
// input order; used by callers that hold one flat conflict list.
func SplitIntoBatches(conflicts []types.Conflict, batchSize int) [][]types.Conflict {
	if batchSize <= 0 {
		batchSize = 50
	}
	var batches [][]types.Conflict
	for start := 0; start < len(conflicts); start += batchSize {
		end := start + batchSize
		if end > len(conflicts) {
			end = len(conflicts)
		}
		batches = append(batches, conflicts[start:end])
	}
	return batches
}
