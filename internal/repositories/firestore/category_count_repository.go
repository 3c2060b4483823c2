// Package firestore persists category reconciliation results.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/rrgs/catalog-api/internal/domain"
	pfirestore "github.com/rrgs/catalog-api/internal/platform/firestore"
	"github.com/rrgs/catalog-api/internal/repositories"
)

const categoryCountsCollection = "category_counts"

// notesSeparator joins per-run notes into the persisted calculation_notes field.
const notesSeparator = "; "

type categoryCountDocument struct {
	CategoryName           string     `firestore:"category_name"`
	ItemCount              int        `firestore:"item_count"`
	TotalInBulkSource      int        `firestore:"total_in_orgill"`
	AvailableInTruthSystem int        `firestore:"available_in_counterpoint"`
	WithValidImages        int        `firestore:"with_valid_images"`
	CalculationNotes       string     `firestore:"calculation_notes"`
	IsCalculating          bool       `firestore:"is_calculating"`
	CalculatingSince       *time.Time `firestore:"calculating_since,omitempty"`
	CreatedAt              time.Time  `firestore:"created_at"`
	UpdatedAt              time.Time  `firestore:"updated_at"`
}

func (d categoryCountDocument) toDomain() domain.CategoryCount {
	return domain.CategoryCount{
		CategoryName:           d.CategoryName,
		ItemCount:              d.ItemCount,
		TotalInBulkSource:      d.TotalInBulkSource,
		AvailableInTruthSystem: d.AvailableInTruthSystem,
		WithValidImages:        d.WithValidImages,
		CalculationNotes:       d.CalculationNotes,
		IsCalculating:          d.IsCalculating,
		CalculatingSince:       d.CalculatingSince,
		CreatedAt:              d.CreatedAt,
		UpdatedAt:              d.UpdatedAt,
	}
}

// CategoryCountRepository implements repositories.CategoryCountRepository backed by Firestore.
type CategoryCountRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.CategoryCountRepository = (*CategoryCountRepository)(nil)

// NewCategoryCountRepository constructs a Firestore-backed category count repository.
func NewCategoryCountRepository(provider *pfirestore.Provider) (*CategoryCountRepository, error) {
	if provider == nil {
		return nil, errors.New("category count repository requires firestore provider")
	}
	return &CategoryCountRepository{provider: provider}, nil
}

// List returns all stored category counts ordered by category name.
func (r *CategoryCountRepository) List(ctx context.Context) ([]domain.CategoryCount, error) {
	return r.query(ctx, "category_counts.list", func(coll *firestore.CollectionRef) firestore.Query {
		return coll.OrderBy("category_name", firestore.Asc)
	})
}

// ListDetails returns all stored category counts ordered by most recent update first.
func (r *CategoryCountRepository) ListDetails(ctx context.Context) ([]domain.CategoryCount, error) {
	return r.query(ctx, "category_counts.list_details", func(coll *firestore.CollectionRef) firestore.Query {
		return coll.OrderBy("updated_at", firestore.Desc)
	})
}

// Get loads the stored count for a single category.
func (r *CategoryCountRepository) Get(ctx context.Context, categoryName string) (domain.CategoryCount, error) {
	ref, err := r.docRef(ctx, categoryName)
	if err != nil {
		return domain.CategoryCount{}, err
	}
	snapshot, err := ref.Get(ctx)
	if err != nil {
		return domain.CategoryCount{}, pfirestore.WrapError("category_counts.get", err)
	}
	doc, err := decodeCount(snapshot)
	if err != nil {
		return domain.CategoryCount{}, err
	}
	return doc.toDomain(), nil
}

// BeginCalculation takes the calculation lease for a category. A missing
// document is created with the lease held; a live lease younger than
// staleAfter yields a CalculationError conflict, an older one is taken over.
func (r *CategoryCountRepository) BeginCalculation(ctx context.Context, categoryName string, now time.Time, staleAfter time.Duration) error {
	ref, err := r.docRef(ctx, categoryName)
	if err != nil {
		return err
	}
	now = now.UTC()

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		since := now
		snapshot, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			return tx.Create(ref, categoryCountDocument{
				CategoryName:     categoryName,
				IsCalculating:    true,
				CalculatingSince: &since,
				CreatedAt:        now,
				UpdatedAt:        now,
			})
		case codes.OK:
		default:
			return err
		}

		doc, err := decodeCount(snapshot)
		if err != nil {
			return err
		}
		if doc.IsCalculating && doc.CalculatingSince != nil && staleAfter > 0 && now.Sub(doc.CalculatingSince.UTC()) < staleAfter {
			return repositories.NewCalculationError(
				repositories.CalculationErrorInProgress,
				fmt.Sprintf("calculation already running for %s", categoryName),
				nil,
			)
		}

		return tx.Update(ref, []firestore.Update{
			{Path: "is_calculating", Value: true},
			{Path: "calculating_since", Value: since},
			{Path: "updated_at", Value: now},
		})
	})
}

// SaveResult upserts the final counts for a category and releases the lease.
func (r *CategoryCountRepository) SaveResult(ctx context.Context, result domain.CalculationResult, now time.Time) error {
	ref, err := r.docRef(ctx, result.CategoryName)
	if err != nil {
		return err
	}
	now = now.UTC()

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		createdAt := now
		snapshot, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			// first result for this category
		case codes.OK:
			existing, err := decodeCount(snapshot)
			if err != nil {
				return err
			}
			if !existing.CreatedAt.IsZero() {
				createdAt = existing.CreatedAt
			}
		default:
			return err
		}

		return tx.Set(ref, categoryCountDocument{
			CategoryName:           result.CategoryName,
			ItemCount:              result.FinalCount,
			TotalInBulkSource:      result.TotalInBulkSource,
			AvailableInTruthSystem: result.AvailableInTruthSystem,
			WithValidImages:        result.WithValidImages,
			CalculationNotes:       strings.Join(result.Notes, notesSeparator),
			IsCalculating:          false,
			CalculatingSince:       nil,
			CreatedAt:              createdAt,
			UpdatedAt:              now,
		})
	})
}

// ClearCalculating releases the lease without touching stored counts.
func (r *CategoryCountRepository) ClearCalculating(ctx context.Context, categoryName string, now time.Time) error {
	ref, err := r.docRef(ctx, categoryName)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "is_calculating", Value: false},
		{Path: "calculating_since", Value: firestore.Delete},
		{Path: "updated_at", Value: now.UTC()},
	})
	return pfirestore.WrapError("category_counts.clear_calculating", err)
}

// ClearAllCalculating releases every outstanding lease and reports how many
// categories were cleared.
func (r *CategoryCountRepository) ClearAllCalculating(ctx context.Context, now time.Time) (int, error) {
	counts, err := r.query(ctx, "category_counts.clear_all", func(coll *firestore.CollectionRef) firestore.Query {
		return coll.Where("is_calculating", "==", true)
	})
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, count := range counts {
		if err := r.ClearCalculating(ctx, count.CategoryName, now); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

func (r *CategoryCountRepository) query(ctx context.Context, op string, build func(*firestore.CollectionRef) firestore.Query) ([]domain.CategoryCount, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	iter := build(coll).Documents(ctx)
	defer iter.Stop()

	var counts []domain.CategoryCount
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError(op, err)
		}
		doc, err := decodeCount(snapshot)
		if err != nil {
			return nil, err
		}
		counts = append(counts, doc.toDomain())
	}
	return counts, nil
}

func (r *CategoryCountRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(categoryCountsCollection), nil
}

func (r *CategoryCountRepository) docRef(ctx context.Context, categoryName string) (*firestore.DocumentRef, error) {
	id := strings.TrimSpace(categoryName)
	if id == "" {
		return nil, repositories.NewCalculationError(repositories.CalculationErrorInvalidInput, "category name is required", nil)
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func decodeCount(snapshot *firestore.DocumentSnapshot) (categoryCountDocument, error) {
	var doc categoryCountDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return doc, fmt.Errorf("firestore category_counts decode %s: %w", snapshot.Ref.ID, err)
	}
	return doc, nil
}
