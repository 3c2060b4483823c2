package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rrgs/catalog-api/internal/services"
)

func newAdminRouter(t *testing.T, reconciliation services.ReconciliationService, opts ...AdminProductOption) chi.Router {
	t.Helper()

	handlers, err := NewAdminProductHandlers(reconciliation, opts...)
	if err != nil {
		t.Fatalf("NewAdminProductHandlers: %v", err)
	}
	r := chi.NewRouter()
	handlers.Routes(r)
	return r
}

func TestCategoryDetailsIncludesCalculationState(t *testing.T) {
	since := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	reconciliation := &stubReconciliationService{details: []services.CategoryCount{
		{
			CategoryName:     "Paint",
			ItemCount:        128,
			CalculationNotes: "Found 200 items in Orgill; 150 items available in Counterpoint; 128 items with valid images",
			IsCalculating:    true,
			CalculatingSince: &since,
		},
	}}
	router := newAdminRouter(t, reconciliation)

	req := httptest.NewRequest(http.MethodGet, "/filters/specific-categories/details", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var body struct {
		Categories []struct {
			CategoryName     string `json:"categoryName"`
			ItemCount        int    `json:"itemCount"`
			CalculationNotes string `json:"calculationNotes"`
			IsCalculating    bool   `json:"isCalculating"`
		} `json:"categories"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(body.Categories) != 1 {
		t.Fatalf("expected 1 row, got %d", len(body.Categories))
	}
	row := body.Categories[0]
	if row.CategoryName != "Paint" || row.ItemCount != 128 || !row.IsCalculating {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.CalculationNotes == "" {
		t.Fatal("expected calculation notes")
	}
}

func TestRecalculateCategoryReturnsResult(t *testing.T) {
	reconciliation := &stubReconciliationService{results: map[string]services.CalculationResult{
		"Paint": {
			CategoryName:           "Paint",
			TotalInBulkSource:      200,
			AvailableInTruthSystem: 150,
			WithValidImages:        128,
			FinalCount:             128,
			Notes:                  []string{"Found 200 items in Orgill"},
		},
	}}
	router := newAdminRouter(t, reconciliation)

	req := httptest.NewRequest(http.MethodPost, "/admin/recalculate-category/Paint", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var body services.CalculationResult
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if body.FinalCount != 128 || body.CategoryName != "Paint" {
		t.Fatalf("unexpected result: %+v", body)
	}
}

func TestRecalculateCategoryUnknownReturns404(t *testing.T) {
	router := newAdminRouter(t, &stubReconciliationService{})

	req := httptest.NewRequest(http.MethodPost, "/admin/recalculate-category/Groceries", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if body["error"] != "unknown_category" {
		t.Fatalf("unexpected error code %v", body["error"])
	}
}

func TestRecalculateCategoryConflictReturns409(t *testing.T) {
	reconciliation := &stubReconciliationService{
		recalcErr: fmt.Errorf("%w: Paint", services.ErrRecalculationInProgress),
	}
	router := newAdminRouter(t, reconciliation)

	req := httptest.NewRequest(http.MethodPost, "/admin/recalculate-category/Paint", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if body["error"] != "recalculation_in_progress" {
		t.Fatalf("unexpected error code %v", body["error"])
	}
}

func TestRecalculateAllReturnsPerCategoryResults(t *testing.T) {
	reconciliation := &stubReconciliationService{results: map[string]services.CalculationResult{
		"Paint": {CategoryName: "Paint", FinalCount: 128},
		"Tools": {CategoryName: "Tools", Notes: []string{"Error: connection reset"}},
	}}
	router := newAdminRouter(t, reconciliation)

	req := httptest.NewRequest(http.MethodPost, "/admin/recalculate-categories", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var body struct {
		Results []services.CalculationResult `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(body.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(body.Results))
	}
}

func TestClearImageCacheEndpoint(t *testing.T) {
	reconciliation := &stubReconciliationService{}
	router := newAdminRouter(t, reconciliation)

	req := httptest.NewRequest(http.MethodPost, "/admin/clear-image-cache", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !reconciliation.cacheCleared {
		t.Fatal("expected cache clear call")
	}
}

func TestRecalculateCategoryRateLimited(t *testing.T) {
	reconciliation := &stubReconciliationService{results: map[string]services.CalculationResult{
		"Paint": {CategoryName: "Paint"},
	}}
	router := newAdminRouter(t, reconciliation, WithRecalculationRateLimit(2, time.Minute))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/admin/recalculate-category/Paint", nil)
		req.RemoteAddr = "203.0.113.7:41234"
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("expected first two requests to pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third request throttled, got %v", codes)
	}

	var body map[string]any
	req := httptest.NewRequest(http.MethodPost, "/admin/recalculate-category/Paint", nil)
	req.RemoteAddr = "203.0.113.7:41234"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if body["error"] != "rate_limited" {
		t.Fatalf("unexpected error code %v", body["error"])
	}
}

func TestRecalculationEndpointsUseIdempotencyMiddleware(t *testing.T) {
	var wrapped []string
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped = append(wrapped, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	reconciliation := &stubReconciliationService{results: map[string]services.CalculationResult{
		"Paint": {CategoryName: "Paint"},
	}}
	router := newAdminRouter(t, reconciliation, WithRecalculationIdempotency(mw))

	for _, path := range []string{"/admin/recalculate-categories", "/admin/recalculate-category/Paint"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}

	if len(wrapped) != 2 {
		t.Fatalf("expected both POST routes wrapped, got %v", wrapped)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/clear-image-cache", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(wrapped) != 2 {
		t.Fatal("clear-image-cache must not pass through idempotency middleware")
	}
}
