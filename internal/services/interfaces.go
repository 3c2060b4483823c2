package services

import (
	"context"
	"time"

	domain "github.com/rrgs/catalog-api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	BulkProduct        = domain.BulkProduct
	CandidateItem      = domain.CandidateItem
	CategoryCount      = domain.CategoryCount
	CategoryPattern    = domain.CategoryPattern
	CalculationResult  = domain.CalculationResult
	TruthItem          = domain.TruthItem
	UnifiedProduct     = domain.UnifiedProduct
	SystemHealthReport = domain.SystemHealthReport
)

// ReconciliationService runs the category availability pipeline and exposes its
// persisted results.
type ReconciliationService interface {
	// CategoryCounts returns the public per-category counts ordered by name.
	CategoryCounts(ctx context.Context) ([]CategoryCount, error)
	// CategoryCountDetails returns the full stored rows, including notes and
	// calculation state, most recently updated first.
	CategoryCountDetails(ctx context.Context) ([]CategoryCount, error)
	// RecalculateCategory reconciles a single category and persists the result.
	RecalculateCategory(ctx context.Context, categoryName string) (CalculationResult, error)
	// RecalculateAll reconciles every configured category sequentially.
	RecalculateAll(ctx context.Context) ([]CalculationResult, error)
	// ClearImageCache drops every cached image verdict. Truth system lookups
	// are unaffected.
	ClearImageCache(ctx context.Context) error
}

// ProductService merges bulk catalog rows with truth system records.
type ProductService interface {
	GetUnifiedProduct(ctx context.Context, sku string) (UnifiedProduct, error)
}

// SystemService aggregates utility endpoints such as health reporting.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// TruthItemSource looks up point-of-sale item records, typically via the
// Counterpoint HTTP client.
type TruthItemSource interface {
	// GetItemBySKU returns the item record, or nil when the SKU is unknown.
	GetItemBySKU(ctx context.Context, sku string) (*TruthItem, error)
}

// ImageValidator probes image URLs and reports whether they serve content.
type ImageValidator interface {
	Validate(ctx context.Context, imageURL *string) bool
	// ValidateBatch returns verdicts aligned with the input order.
	ValidateBatch(ctx context.Context, urls []*string) []bool
	// FlushCache drops every cached verdict.
	FlushCache()
}

// RecalculationEventPublisher accepts recalculation lifecycle events for
// downstream processing. Implementations return the broker message ID.
type RecalculationEventPublisher interface {
	PublishRecalculationEvent(ctx context.Context, message RecalculationEventMessage) (string, error)
}

// Recalculation event statuses.
const (
	RecalculationStatusCompleted = "completed"
	RecalculationStatusFailed    = "failed"
)

// RecalculationEventMessage is the payload published after each category run.
type RecalculationEventMessage struct {
	RunID                  string    `json:"runId"`
	CategoryName           string    `json:"categoryName"`
	Status                 string    `json:"status"`
	ItemCount              int       `json:"itemCount"`
	TotalInBulkSource      int       `json:"totalInOrgill"`
	AvailableInTruthSystem int       `json:"availableInCounterpoint"`
	WithValidImages        int       `json:"withValidImages"`
	Error                  string    `json:"error,omitempty"`
	CompletedAt            time.Time `json:"completedAt"`
}
