package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	domain "github.com/rrgs/catalog-api/internal/domain"
	"github.com/rrgs/catalog-api/internal/platform/storage"
	"github.com/rrgs/catalog-api/internal/repositories"
)

// DocumentLinkSource issues short-lived download URLs for document attachments.
type DocumentLinkSource interface {
	SignedDocumentURL(ctx context.Context, object string, opts storage.SignedLinkOptions) (storage.SignedLink, error)
}

// ProductServiceDeps bundles collaborators required to construct the product service.
type ProductServiceDeps struct {
	Catalog   repositories.BulkCatalogRepository
	Truth     TruthItemSource
	Documents DocumentLinkSource
	Logger    *zap.Logger
}

type productService struct {
	catalog   repositories.BulkCatalogRepository
	truth     TruthItemSource
	documents DocumentLinkSource
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
}

var _ ProductService = (*productService)(nil)

// NewProductService assembles the per-SKU product unifier.
func NewProductService(deps ProductServiceDeps) (ProductService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("product service: bulk catalog repository is required")
	}
	if deps.Truth == nil {
		return nil, errors.New("product service: truth item source is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &productService{
		catalog:   deps.Catalog,
		truth:     deps.Truth,
		documents: deps.Documents,
		sanitizer: bluemonday.UGCPolicy(),
		logger:    logger,
	}, nil
}

// GetUnifiedProduct merges the bulk catalog row and the truth system record for
// one SKU. Both sources are queried concurrently. Bulk fields win wherever both
// sources carry a value; the truth system alone decides availability. Truth
// system failures degrade to a bulk-only view rather than erroring the read.
func (s *productService) GetUnifiedProduct(ctx context.Context, sku string) (UnifiedProduct, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return UnifiedProduct{}, errors.New("product service: sku is required")
	}

	var (
		wg        sync.WaitGroup
		bulk      domain.BulkProduct
		bulkErr   error
		truthItem *TruthItem
		truthErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		bulk, bulkErr = s.catalog.FindBySKU(ctx, sku)
	}()
	go func() {
		defer wg.Done()
		truthItem, truthErr = s.truth.GetItemBySKU(ctx, sku)
	}()
	wg.Wait()

	hasBulk := true
	if bulkErr != nil {
		if !errors.Is(bulkErr, repositories.ErrNotFound) {
			return UnifiedProduct{}, fmt.Errorf("load bulk product %s: %w", sku, bulkErr)
		}
		hasBulk = false
		bulk = domain.BulkProduct{}
	}

	if truthErr != nil {
		s.logger.Warn("truth system lookup failed, merging bulk only",
			zap.String("sku", sku),
			zap.Error(truthErr),
		)
		truthItem = nil
	}

	if !hasBulk && truthItem == nil {
		return UnifiedProduct{}, fmt.Errorf("%w: %s", ErrProductNotFound, sku)
	}

	return s.unify(ctx, sku, bulk, truthItem), nil
}

func (s *productService) unify(ctx context.Context, requestedSKU string, bulk domain.BulkProduct, truthItem *TruthItem) UnifiedProduct {
	product := UnifiedProduct{
		SKU:              firstNonEmpty(bulk.SKU, truthValue(truthItem, domain.TruthFieldItemNo), requestedSKU),
		UPC:              firstString(bulk.UPCCode, truthString(truthItem, domain.TruthFieldBarcode)),
		Brand:            firstString(bulk.BrandName, truthString(truthItem, domain.TruthFieldBrand)),
		Model:            firstString(bulk.ModelNumber, truthString(truthItem, domain.TruthFieldModel)),
		Title:            firstString(bulk.OnlineTitleDescription, bulk.CategoryTitleDescription, truthString(truthItem, domain.TruthFieldDescription)),
		ShortDescription: firstString(bulk.OnlineTitleDescription, bulk.CategoryTitleDescription, truthString(truthItem, domain.TruthFieldDescription)),
		LongDescription:  s.sanitizedLongDescription(bulk.OnlineLongDescription),
		Category:         firstString(bulk.CategoryTitleDescription, truthString(truthItem, domain.TruthFieldCategoryCode)),
		Subcategory:      firstString(bulk.Subcategory, truthString(truthItem, domain.TruthFieldSubcategoryCode)),
		Price:            firstFloat(bulk.Price, truthNumber(truthItem, domain.TruthFieldPrice1), truthNumber(truthItem, domain.TruthFieldPreferredUnitPrice)),
		Unit:             firstString(bulk.Unit, truthString(truthItem, domain.TruthFieldStockUnit), truthString(truthItem, domain.TruthFieldPreferredUnitName)),
		Weight:           firstFloat(bulk.Weight, truthNumber(truthItem, domain.TruthFieldWeight)),
		Taxable:          firstBool(bulk.Taxable, truthTaxable(truthItem)),
		Availability:     availability(truthItem),
		EcommerceFlags: domain.EcommerceFlags{
			IsEcomm:      truthItem.Flag(domain.TruthFieldIsEcommItem),
			Discountable: truthItem.Flag(domain.TruthFieldDiscountable) && truthItem.Flag(domain.TruthFieldEcommDiscountable),
		},
		Images:     append([]string(nil), bulk.Images...),
		Documents:  s.documentLinks(ctx, bulk.Documents),
		Attributes: bulk.Attributes,
		Raw:        domain.UnifiedProductRaw{Bulk: bulk.Raw},
	}
	if truthItem != nil {
		product.Raw.TruthSystem = truthItem.Fields
	}
	return product
}

func (s *productService) sanitizedLongDescription(raw *string) *string {
	if raw == nil {
		return nil
	}
	clean := strings.TrimSpace(s.sanitizer.Sanitize(*raw))
	if clean == "" {
		return nil
	}
	return &clean
}

func (s *productService) documentLinks(ctx context.Context, names []string) []domain.ProductDocument {
	if len(names) == 0 {
		return nil
	}
	documents := make([]domain.ProductDocument, 0, len(names))
	for _, name := range names {
		doc := domain.ProductDocument{Name: name}
		if s.documents != nil {
			link, err := s.documents.SignedDocumentURL(ctx, name, storage.SignedLinkOptions{
				Disposition: fmt.Sprintf("attachment; filename=%q", name),
			})
			if err != nil {
				s.logger.Debug("sign document url", zap.String("document", name), zap.Error(err))
			} else {
				url := link.URL
				doc.URL = &url
			}
		}
		documents = append(documents, doc)
	}
	return documents
}

func availability(item *TruthItem) *string {
	if item == nil {
		return nil
	}
	status := "Out of Stock"
	if item.Active() {
		status = "In Stock"
	}
	return &status
}

func truthString(item *TruthItem, field string) *string {
	if s, ok := item.String(field); ok {
		return &s
	}
	return nil
}

func truthValue(item *TruthItem, field string) string {
	s, _ := item.String(field)
	return s
}

// truthNumber reads a numeric field, tolerating upstream records that carry
// numbers as strings.
func truthNumber(item *TruthItem, field string) *float64 {
	if n, ok := item.Number(field); ok {
		return &n
	}
	if s, ok := item.String(field); ok {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return &n
		}
	}
	return nil
}

func truthTaxable(item *TruthItem) *bool {
	s, ok := item.String(domain.TruthFieldTaxable)
	if !ok {
		return nil
	}
	switch s {
	case "Y":
		v := true
		return &v
	case "N":
		v := false
		return &v
	default:
		return nil
	}
}

func firstString(values ...*string) *string {
	for _, value := range values {
		if value == nil {
			continue
		}
		if trimmed := strings.TrimSpace(*value); trimmed != "" {
			v := trimmed
			return &v
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstFloat(values ...*float64) *float64 {
	for _, value := range values {
		if value != nil {
			return value
		}
	}
	return nil
}

func firstBool(values ...*bool) *bool {
	for _, value := range values {
		if value != nil {
			return value
		}
	}
	return nil
}
