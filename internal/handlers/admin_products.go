package handlers

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rrgs/catalog-api/internal/platform/httpx"
	"github.com/rrgs/catalog-api/internal/services"
)

// AdminProductHandlers serves the operator surface: full category count rows
// and the recalculation triggers.
type AdminProductHandlers struct {
	reconciliation services.ReconciliationService
	idempotency    func(http.Handler) http.Handler
	limiter        rateLimiter
}

// AdminProductOption customises admin handler construction.
type AdminProductOption func(*AdminProductHandlers)

// WithRecalculationIdempotency applies idempotency middleware to the
// recalculation POST endpoints.
func WithRecalculationIdempotency(mw func(http.Handler) http.Handler) AdminProductOption {
	return func(h *AdminProductHandlers) {
		h.idempotency = mw
	}
}

// WithRecalculationRateLimit throttles recalculation triggers per caller.
func WithRecalculationRateLimit(limit int, window time.Duration) AdminProductOption {
	return func(h *AdminProductHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewAdminProductHandlers constructs the admin product handlers.
func NewAdminProductHandlers(reconciliation services.ReconciliationService, opts ...AdminProductOption) (*AdminProductHandlers, error) {
	if reconciliation == nil {
		return nil, errors.New("admin product handlers: reconciliation service is required")
	}
	h := &AdminProductHandlers{reconciliation: reconciliation}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Routes registers the admin product endpoints.
func (h *AdminProductHandlers) Routes(r chi.Router) {
	r.Get("/filters/specific-categories/details", h.CategoryDetails)

	r.Route("/admin", func(admin chi.Router) {
		recalc := admin
		if h.idempotency != nil {
			recalc = admin.With(h.idempotency)
		}
		recalc.Post("/recalculate-categories", h.RecalculateAll)
		recalc.Post("/recalculate-category/{categoryName}", h.RecalculateCategory)
		admin.Post("/clear-image-cache", h.ClearImageCache)
	})
}

// CategoryDetails returns the full stored rows, including notes and
// calculation state.
func (h *AdminProductHandlers) CategoryDetails(w http.ResponseWriter, r *http.Request) {
	rows, err := h.reconciliation.CategoryCountDetails(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("category_details_unavailable", "failed to load category details", http.StatusInternalServerError))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"categories": rows})
}

// RecalculateAll runs the reconciliation pipeline for every configured category.
func (h *AdminProductHandlers) RecalculateAll(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(callerKey(r)) {
		httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many recalculation requests", http.StatusTooManyRequests))
		return
	}
	results, err := h.reconciliation.RecalculateAll(r.Context())
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("recalculation_failed", "recalculation aborted", http.StatusInternalServerError))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// RecalculateCategory runs the reconciliation pipeline for one category.
func (h *AdminProductHandlers) RecalculateCategory(w http.ResponseWriter, r *http.Request) {
	categoryName := strings.TrimSpace(chi.URLParam(r, "categoryName"))
	if categoryName == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_category", "category name is required", http.StatusBadRequest))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(callerKey(r)) {
		httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many recalculation requests", http.StatusTooManyRequests))
		return
	}

	result, err := h.reconciliation.RecalculateCategory(r.Context(), categoryName)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownCategory):
			httpx.WriteError(r.Context(), w, httpx.NewError("unknown_category", "category "+categoryName+" is not configured", http.StatusNotFound))
		case errors.Is(err, services.ErrRecalculationInProgress):
			httpx.WriteError(r.Context(), w, httpx.NewError("recalculation_in_progress", "recalculation already running for "+categoryName, http.StatusConflict))
		default:
			httpx.WriteError(r.Context(), w, httpx.NewError("recalculation_failed", "recalculation failed for "+categoryName, http.StatusInternalServerError))
		}
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func callerKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClearImageCache empties the image verdict cache and the truth system cache.
func (h *AdminProductHandlers) ClearImageCache(w http.ResponseWriter, r *http.Request) {
	if err := h.reconciliation.ClearImageCache(r.Context()); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("clear_cache_failed", "failed to clear image cache", http.StatusInternalServerError))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
