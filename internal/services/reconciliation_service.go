package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	domain "github.com/rrgs/catalog-api/internal/domain"
	"github.com/rrgs/catalog-api/internal/repositories"
)

const (
	defaultCandidateLimit  = 2000
	defaultLeaseTimeout    = 10 * time.Minute
	defaultTruthBatchSize  = 10
	defaultTruthBatchPause = 100 * time.Millisecond
	defaultImageBatchSize  = 20
)

// ReconciliationServiceDeps bundles collaborators required to construct the reconciliation service.
type ReconciliationServiceDeps struct {
	Catalog   repositories.BulkCatalogRepository
	Counts    repositories.CategoryCountRepository
	Truth     TruthItemSource
	Images    ImageValidator
	Publisher RecalculationEventPublisher
	Patterns  []CategoryPattern
	Clock     func() time.Time
	Logger    *zap.Logger

	CandidateLimit  int
	LeaseTimeout    time.Duration
	TruthBatchSize  int
	TruthBatchPause time.Duration
	ImageBatchSize  int
	// Sleep waits between truth system batches. Overridable for tests.
	Sleep func(ctx context.Context, d time.Duration)
}

type reconciliationService struct {
	catalog   repositories.BulkCatalogRepository
	counts    repositories.CategoryCountRepository
	truth     TruthItemSource
	images    ImageValidator
	publisher RecalculationEventPublisher
	patterns  []CategoryPattern
	clock     func() time.Time
	logger    *zap.Logger

	candidateLimit  int
	leaseTimeout    time.Duration
	truthBatchSize  int
	truthBatchPause time.Duration
	imageBatchSize  int
	sleep           func(ctx context.Context, d time.Duration)

	mu      sync.Mutex
	running map[string]bool
}

var _ ReconciliationService = (*reconciliationService)(nil)

// NewReconciliationService assembles the category reconciliation engine.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("reconciliation service: bulk catalog repository is required")
	}
	if deps.Counts == nil {
		return nil, errors.New("reconciliation service: category count repository is required")
	}
	if deps.Truth == nil {
		return nil, errors.New("reconciliation service: truth item source is required")
	}
	if deps.Images == nil {
		return nil, errors.New("reconciliation service: image validator is required")
	}

	patterns := deps.Patterns
	if len(patterns) == 0 {
		patterns = domain.DefaultCategoryPatterns()
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	candidateLimit := deps.CandidateLimit
	if candidateLimit <= 0 {
		candidateLimit = defaultCandidateLimit
	}
	leaseTimeout := deps.LeaseTimeout
	if leaseTimeout <= 0 {
		leaseTimeout = defaultLeaseTimeout
	}
	truthBatchSize := deps.TruthBatchSize
	if truthBatchSize <= 0 {
		truthBatchSize = defaultTruthBatchSize
	}
	truthBatchPause := deps.TruthBatchPause
	if truthBatchPause <= 0 {
		truthBatchPause = defaultTruthBatchPause
	}
	imageBatchSize := deps.ImageBatchSize
	if imageBatchSize <= 0 {
		imageBatchSize = defaultImageBatchSize
	}

	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &reconciliationService{
		catalog:   deps.Catalog,
		counts:    deps.Counts,
		truth:     deps.Truth,
		images:    deps.Images,
		publisher: deps.Publisher,
		patterns:  patterns,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:          logger,
		candidateLimit:  candidateLimit,
		leaseTimeout:    leaseTimeout,
		truthBatchSize:  truthBatchSize,
		truthBatchPause: truthBatchPause,
		imageBatchSize:  imageBatchSize,
		sleep:           sleep,
		running:         make(map[string]bool),
	}, nil
}

func (s *reconciliationService) CategoryCounts(ctx context.Context) ([]CategoryCount, error) {
	return s.counts.List(ctx)
}

func (s *reconciliationService) CategoryCountDetails(ctx context.Context) ([]CategoryCount, error) {
	return s.counts.ListDetails(ctx)
}

// RecalculateCategory runs the full pipeline for one category: load bulk
// candidates, check truth system presence in batches, validate images of the
// survivors, and persist the aggregate. The persisted lease is released even
// when the run fails.
func (s *reconciliationService) RecalculateCategory(ctx context.Context, categoryName string) (CalculationResult, error) {
	pattern, ok := domain.FindCategoryPattern(s.patterns, categoryName)
	if !ok {
		return CalculationResult{}, fmt.Errorf("%w: %q", ErrUnknownCategory, categoryName)
	}

	if !s.tryAcquire(pattern.Name) {
		return CalculationResult{}, fmt.Errorf("%w: %s", ErrRecalculationInProgress, pattern.Name)
	}
	defer s.release(pattern.Name)

	runID := ulid.Make().String()
	logger := s.logger.With(
		zap.String("run_id", runID),
		zap.String("category", pattern.Name),
	)

	if err := s.counts.BeginCalculation(ctx, pattern.Name, s.clock(), s.leaseTimeout); err != nil {
		var calcErr *repositories.CalculationError
		if errors.As(err, &calcErr) && calcErr.IsConflict() {
			return CalculationResult{}, fmt.Errorf("%w: %s", ErrRecalculationInProgress, pattern.Name)
		}
		return CalculationResult{}, fmt.Errorf("begin calculation for %s: %w", pattern.Name, err)
	}

	result, err := s.runPipeline(ctx, logger, pattern)
	if err != nil {
		if clearErr := s.counts.ClearCalculating(ctx, pattern.Name, s.clock()); clearErr != nil {
			logger.Error("release calculation lease", zap.Error(clearErr))
		}
		s.publishEvent(ctx, logger, RecalculationEventMessage{
			RunID:        runID,
			CategoryName: pattern.Name,
			Status:       RecalculationStatusFailed,
			Error:        err.Error(),
			CompletedAt:  s.clock(),
		})
		return CalculationResult{}, err
	}

	if err := s.counts.SaveResult(ctx, result, s.clock()); err != nil {
		saveErr := fmt.Errorf("save result for %s: %w", pattern.Name, err)
		if clearErr := s.counts.ClearCalculating(ctx, pattern.Name, s.clock()); clearErr != nil {
			logger.Error("release calculation lease", zap.Error(clearErr))
		}
		s.publishEvent(ctx, logger, RecalculationEventMessage{
			RunID:        runID,
			CategoryName: pattern.Name,
			Status:       RecalculationStatusFailed,
			Error:        saveErr.Error(),
			CompletedAt:  s.clock(),
		})
		return CalculationResult{}, saveErr
	}

	s.publishEvent(ctx, logger, RecalculationEventMessage{
		RunID:                  runID,
		CategoryName:           pattern.Name,
		Status:                 RecalculationStatusCompleted,
		ItemCount:              result.FinalCount,
		TotalInBulkSource:      result.TotalInBulkSource,
		AvailableInTruthSystem: result.AvailableInTruthSystem,
		WithValidImages:        result.WithValidImages,
		CompletedAt:            s.clock(),
	})

	logger.Info("category reconciliation complete",
		zap.Int("total_in_bulk", result.TotalInBulkSource),
		zap.Int("available_in_truth", result.AvailableInTruthSystem),
		zap.Int("with_valid_images", result.WithValidImages),
		zap.Int("final_count", result.FinalCount),
	)
	return result, nil
}

// RecalculateAll reconciles every configured category sequentially. A failing
// category yields a zeroed, error-annotated entry and does not abort the batch.
func (s *reconciliationService) RecalculateAll(ctx context.Context) ([]CalculationResult, error) {
	results := make([]CalculationResult, 0, len(s.patterns))
	for _, pattern := range s.patterns {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result, err := s.RecalculateCategory(ctx, pattern.Name)
		if err != nil {
			s.logger.Error("category recalculation failed",
				zap.String("category", pattern.Name),
				zap.Error(err),
			)
			results = append(results, CalculationResult{
				CategoryName: pattern.Name,
				Notes:        []string{fmt.Sprintf("Error: %s", err.Error())},
			})
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// ClearImageCache flushes the image verdict cache. Stale negative image
// entries can outlive a fixed broken-image deployment, so admins get an
// explicit reset. Truth system lookups keep their cache; wiping it would
// discard the negative entries that shield a struggling upstream.
func (s *reconciliationService) ClearImageCache(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.images.FlushCache()
	s.logger.Info("image verdict cache cleared")
	return nil
}

func (s *reconciliationService) runPipeline(ctx context.Context, logger *zap.Logger, pattern CategoryPattern) (CalculationResult, error) {
	result := CalculationResult{CategoryName: pattern.Name}

	candidates, err := s.catalog.CandidatesByPattern(ctx, pattern.Pattern, s.candidateLimit)
	if err != nil {
		return result, fmt.Errorf("load candidates for %s: %w", pattern.Name, err)
	}
	result.TotalInBulkSource = len(candidates)
	result.Notes = append(result.Notes, fmt.Sprintf("Found %d items in Orgill", len(candidates)))

	if len(candidates) == s.candidateLimit {
		if total, countErr := s.catalog.CountByPattern(ctx, pattern.Pattern); countErr == nil && total > s.candidateLimit {
			logger.Warn("candidate cap reached, remaining rows skipped",
				zap.Int("cap", s.candidateLimit),
				zap.Int("matching_rows", total),
			)
		}
	}

	if len(candidates) == 0 {
		return result, nil
	}

	available, err := s.filterAvailable(ctx, logger, candidates)
	if err != nil {
		return result, err
	}
	result.AvailableInTruthSystem = len(available)
	result.Notes = append(result.Notes, fmt.Sprintf("%d items available in Counterpoint", len(available)))

	if len(available) == 0 {
		return result, nil
	}

	validImages := s.countValidImages(ctx, available)
	result.WithValidImages = validImages
	result.FinalCount = validImages
	result.Notes = append(result.Notes, fmt.Sprintf("%d items with valid images", validImages))

	return result, nil
}

// filterAvailable checks truth system presence in batches, pausing between
// batches to stay under upstream rate limits. Lookup failures count as absent.
func (s *reconciliationService) filterAvailable(ctx context.Context, logger *zap.Logger, candidates []CandidateItem) ([]CandidateItem, error) {
	present := make([]bool, len(candidates))

	for start := 0; start < len(candidates); start += s.truthBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+s.truthBatchSize, len(candidates))

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				item, err := s.truth.GetItemBySKU(ctx, candidates[i].SKU)
				if err != nil {
					logger.Warn("truth system lookup failed",
						zap.String("sku", candidates[i].SKU),
						zap.Error(err),
					)
					return
				}
				present[i] = item != nil
			}(i)
		}
		wg.Wait()

		if end < len(candidates) && s.truthBatchPause > 0 {
			s.sleep(ctx, s.truthBatchPause)
		}
	}

	var available []CandidateItem
	for i, candidate := range candidates {
		if present[i] {
			available = append(available, candidate)
		}
	}
	return available, nil
}

func (s *reconciliationService) countValidImages(ctx context.Context, items []CandidateItem) int {
	valid := 0
	for start := 0; start < len(items); start += s.imageBatchSize {
		end := min(start+s.imageBatchSize, len(items))
		urls := make([]*string, 0, end-start)
		for _, item := range items[start:end] {
			urls = append(urls, item.ImageURL)
		}
		for _, ok := range s.images.ValidateBatch(ctx, urls) {
			if ok {
				valid++
			}
		}
	}
	return valid
}

func (s *reconciliationService) publishEvent(ctx context.Context, logger *zap.Logger, message RecalculationEventMessage) {
	if s.publisher == nil {
		return
	}
	id, err := s.publisher.PublishRecalculationEvent(ctx, message)
	if err != nil {
		logger.Warn("publish recalculation event", zap.Error(err))
		return
	}
	logger.Debug("recalculation event published", zap.String("message_id", id))
}

func (s *reconciliationService) tryAcquire(categoryName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[categoryName] {
		return false
	}
	s.running[categoryName] = true
	return true
}

func (s *reconciliationService) release(categoryName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, categoryName)
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
