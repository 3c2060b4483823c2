package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rrgs/catalog-api/internal/platform/httpx"
	"github.com/rrgs/catalog-api/internal/services"
)

// ProductHandlers serves the public product surface: materialized category
// counts and the merged per-SKU product view.
type ProductHandlers struct {
	reconciliation services.ReconciliationService
	products       services.ProductService
}

// NewProductHandlers constructs the public product handlers.
func NewProductHandlers(reconciliation services.ReconciliationService, products services.ProductService) (*ProductHandlers, error) {
	if reconciliation == nil {
		return nil, errors.New("product handlers: reconciliation service is required")
	}
	if products == nil {
		return nil, errors.New("product handlers: product service is required")
	}
	return &ProductHandlers{
		reconciliation: reconciliation,
		products:       products,
	}, nil
}

// Routes registers the public product endpoints.
func (h *ProductHandlers) Routes(r chi.Router) {
	r.Get("/filters/specific-categories/counts", h.CategoryCounts)
	r.Get("/{sku}/merged", h.MergedProduct)
}

// CategoryCounts returns the materialized category -> count map. This read
// never triggers computation; it only reflects the last persisted run.
func (h *ProductHandlers) CategoryCounts(w http.ResponseWriter, r *http.Request) {
	rows, err := h.reconciliation.CategoryCounts(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("category_counts_unavailable", "failed to load category counts", http.StatusInternalServerError))
		return
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.CategoryName] = row.ItemCount
	}
	respondJSON(w, http.StatusOK, counts)
}

// MergedProduct returns the unified product view for one SKU.
func (h *ProductHandlers) MergedProduct(w http.ResponseWriter, r *http.Request) {
	sku := strings.TrimSpace(chi.URLParam(r, "sku"))
	if sku == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_sku", "sku is required", http.StatusBadRequest))
		return
	}

	product, err := h.products.GetUnifiedProduct(r.Context(), sku)
	if err != nil {
		if errors.Is(err, services.ErrProductNotFound) {
			httpx.WriteError(r.Context(), w, httpx.NewError("product_not_found", "product "+sku+" not found", http.StatusNotFound))
			return
		}
		httpx.WriteError(r.Context(), w, httpx.NewError("product_unavailable", "failed to load product", http.StatusInternalServerError))
		return
	}

	respondJSON(w, http.StatusOK, product)
}
