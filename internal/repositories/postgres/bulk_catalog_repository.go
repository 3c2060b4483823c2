package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	domain "github.com/rrgs/catalog-api/internal/domain"
	"github.com/rrgs/catalog-api/internal/repositories"
)

const defaultCatalogTable = "public.orgill_products"

// imageColumns and documentColumns follow the bulk feed naming for per-item media slots.
var (
	imageColumns = []string{
		"item-image-item-image1",
		"item-image-item-image2",
		"item-image-item-image3",
		"item-image-item-image4",
	}
	documentColumns = []string{
		"item-document-name-1",
		"item-document-name-2",
		"item-document-name-3",
	}
)

// ErrProductNotFound indicates the SKU does not exist in the bulk catalog.
var ErrProductNotFound = fmt.Errorf("bulk catalog: product not found: %w", repositories.ErrNotFound)

// BulkCatalogRepository reads the wholesale catalog from Postgres.
type BulkCatalogRepository struct {
	db    *sql.DB
	table string
}

// BulkCatalogOption customises the repository.
type BulkCatalogOption func(*BulkCatalogRepository)

// WithTable overrides the catalog table name.
func WithTable(table string) BulkCatalogOption {
	return func(r *BulkCatalogRepository) {
		table = strings.TrimSpace(table)
		if table != "" {
			r.table = table
		}
	}
}

// NewBulkCatalogRepository constructs a repository bound to the bulk catalog table.
func NewBulkCatalogRepository(db *sql.DB, opts ...BulkCatalogOption) (*BulkCatalogRepository, error) {
	if db == nil {
		return nil, errors.New("bulk catalog: db handle is required")
	}
	repo := &BulkCatalogRepository{db: db, table: defaultCatalogTable}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// FindBySKU loads the full catalog row for one item, including the raw column map.
func (r *BulkCatalogRepository) FindBySKU(ctx context.Context, sku string) (domain.BulkProduct, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return domain.BulkProduct{}, errors.New("bulk catalog: sku is required")
	}

	query := fmt.Sprintf(`SELECT * FROM %s WHERE sku::text = $1 LIMIT 1`, r.table)
	rows, err := r.db.QueryContext(ctx, query, sku)
	if err != nil {
		return domain.BulkProduct{}, fmt.Errorf("bulk catalog: query sku %s: %w", sku, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return domain.BulkProduct{}, fmt.Errorf("bulk catalog: read columns: %w", err)
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.BulkProduct{}, fmt.Errorf("bulk catalog: iterate rows: %w", err)
		}
		return domain.BulkProduct{}, ErrProductNotFound
	}

	raw, err := scanRowToMap(rows, columns)
	if err != nil {
		return domain.BulkProduct{}, err
	}

	return productFromRow(sku, raw), nil
}

// CandidatesByPattern returns SKU and primary image URL for rows whose category
// description matches the pattern.
func (r *BulkCatalogRepository) CandidatesByPattern(ctx context.Context, pattern string, limit int) ([]domain.CandidateItem, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, errors.New("bulk catalog: pattern is required")
	}
	if limit <= 0 {
		return nil, errors.New("bulk catalog: limit must be positive")
	}

	query := fmt.Sprintf(`
		SELECT
			sku::text AS sku,
			"item-image-item-image1" AS image_url
		FROM %s
		WHERE "category-title-description" ILIKE $1
		LIMIT $2`, r.table)

	rows, err := r.db.QueryContext(ctx, query, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("bulk catalog: query candidates for %q: %w", pattern, err)
	}
	defer rows.Close()

	var items []domain.CandidateItem
	for rows.Next() {
		var (
			sku      string
			imageURL sql.NullString
		)
		if err := rows.Scan(&sku, &imageURL); err != nil {
			return nil, fmt.Errorf("bulk catalog: scan candidate: %w", err)
		}
		item := domain.CandidateItem{SKU: sku}
		if imageURL.Valid && strings.TrimSpace(imageURL.String) != "" {
			value := imageURL.String
			item.ImageURL = &value
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bulk catalog: iterate candidates: %w", err)
	}
	return items, nil
}

// CountByPattern counts all rows whose category description matches the pattern.
func (r *BulkCatalogRepository) CountByPattern(ctx context.Context, pattern string) (int, error) {
	if strings.TrimSpace(pattern) == "" {
		return 0, errors.New("bulk catalog: pattern is required")
	}

	query := fmt.Sprintf(`
		SELECT COUNT(*) AS count
		FROM %s
		WHERE "category-title-description" ILIKE $1`, r.table)

	var count int
	if err := r.db.QueryRowContext(ctx, query, pattern).Scan(&count); err != nil {
		return 0, fmt.Errorf("bulk catalog: count for %q: %w", pattern, err)
	}
	return count, nil
}

// Ping verifies connectivity for readiness probes.
func (r *BulkCatalogRepository) Ping(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("bulk catalog: db handle is required")
	}
	return r.db.PingContext(ctx)
}

func scanRowToMap(rows *sql.Rows, columns []string) (map[string]any, error) {
	values := make([]any, len(columns))
	for i := range values {
		values[i] = new(any)
	}
	if err := rows.Scan(values...); err != nil {
		return nil, fmt.Errorf("bulk catalog: scan row: %w", err)
	}

	raw := make(map[string]any, len(columns))
	for i, column := range columns {
		raw[column] = normaliseValue(*(values[i].(*any)))
	}
	return raw, nil
}

// normaliseValue converts driver-level values into JSON-friendly Go types.
func normaliseValue(value any) any {
	switch v := value.(type) {
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC()
	default:
		return v
	}
}

func productFromRow(requestedSKU string, raw map[string]any) domain.BulkProduct {
	product := domain.BulkProduct{Raw: raw}

	product.SKU = stringValue(raw, "sku")
	if product.SKU == "" {
		product.SKU = requestedSKU
	}

	product.UPCCode = stringPtr(raw, "upc-code")
	product.BrandName = stringPtr(raw, "brand-name")
	product.ModelNumber = stringPtr(raw, "model-number")
	product.CategoryCode = stringPtr(raw, "category-code")
	product.CategoryTitleDescription = stringPtr(raw, "category-title-description")
	product.OnlineTitleDescription = stringPtr(raw, "online-title-description")
	product.OnlineLongDescription = stringPtr(raw, "online-long-description")
	product.Subcategory = stringPtr(raw, "subcategory")
	product.Unit = stringPtr(raw, "unit")
	product.Weight = floatPtr(raw, "weight")
	product.Price = floatPtr(raw, "price")
	product.Taxable = boolPtr(raw, "taxable")

	for _, column := range imageColumns {
		if url := stringValue(raw, column); url != "" {
			product.Images = append(product.Images, url)
		}
	}
	for _, column := range documentColumns {
		if name := stringValue(raw, column); name != "" {
			product.Documents = append(product.Documents, name)
		}
	}

	product.Attributes = domain.ExtractAttributes(raw)
	return product
}

func stringValue(raw map[string]any, column string) string {
	value, ok := raw[column]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func stringPtr(raw map[string]any, column string) *string {
	if s := stringValue(raw, column); s != "" {
		return &s
	}
	return nil
}

func floatPtr(raw map[string]any, column string) *float64 {
	value, ok := raw[column]
	if !ok || value == nil {
		return nil
	}
	switch v := value.(type) {
	case float64:
		return &v
	case int64:
		f := float64(v)
		return &f
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return &f
		}
	}
	return nil
}

func boolPtr(raw map[string]any, column string) *bool {
	value, ok := raw[column]
	if !ok || value == nil {
		return nil
	}
	switch v := value.(type) {
	case bool:
		return &v
	case string:
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "Y", "TRUE", "T", "1":
			b := true
			return &b
		case "N", "FALSE", "F", "0":
			b := false
			return &b
		}
	case int64:
		b := v != 0
		return &b
	}
	return nil
}
