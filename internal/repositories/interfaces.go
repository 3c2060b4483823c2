package repositories

import (
	"context"
	"errors"
	"time"

	domain "github.com/rrgs/catalog-api/internal/domain"
)

// ErrNotFound reports a missing record regardless of the backing store.
var ErrNotFound = errors.New("repositories: not found")

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// BulkCatalogRepository reads wholesale catalog rows from the relational bulk feed.
type BulkCatalogRepository interface {
	// FindBySKU loads the full catalog row for one item, including the raw column map.
	FindBySKU(ctx context.Context, sku string) (domain.BulkProduct, error)
	// CandidatesByPattern returns SKU and primary image URL for rows whose category
	// description matches the pattern, capped at limit.
	CandidatesByPattern(ctx context.Context, pattern string, limit int) ([]domain.CandidateItem, error)
	// CountByPattern counts all rows whose category description matches the pattern.
	CountByPattern(ctx context.Context, pattern string) (int, error)
}

// CategoryCountRepository persists reconciliation results per category.
type CategoryCountRepository interface {
	// List returns all stored category counts ordered by category name.
	List(ctx context.Context) ([]domain.CategoryCount, error)
	// ListDetails returns all stored category counts ordered by most recent update first.
	ListDetails(ctx context.Context) ([]domain.CategoryCount, error)
	// Get loads the stored count for a single category.
	Get(ctx context.Context, categoryName string) (domain.CategoryCount, error)
	// BeginCalculation takes the calculation lease for a category. A lease younger
	// than staleAfter yields ErrCalculationInProgress.
	BeginCalculation(ctx context.Context, categoryName string, now time.Time, staleAfter time.Duration) error
	// SaveResult upserts the final counts for a category and releases the lease.
	SaveResult(ctx context.Context, result domain.CalculationResult, now time.Time) error
	// ClearCalculating releases the lease without touching stored counts.
	ClearCalculating(ctx context.Context, categoryName string, now time.Time) error
	// ClearAllCalculating releases every outstanding lease, returning how many were cleared.
	ClearAllCalculating(ctx context.Context, now time.Time) (int, error)
}
