package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rrgs/catalog-api/internal/services"
)

func newFullRouter(t *testing.T, reconciliation services.ReconciliationService, products services.ProductService, adminMW func(http.Handler) http.Handler) http.Handler {
	t.Helper()

	productHandlers, err := NewProductHandlers(reconciliation, products)
	if err != nil {
		t.Fatalf("NewProductHandlers: %v", err)
	}
	adminHandlers, err := NewAdminProductHandlers(reconciliation)
	if err != nil {
		t.Fatalf("NewAdminProductHandlers: %v", err)
	}

	opts := []Option{
		WithHealthHandlers(NewHealthHandlers(
			WithHealthClock(func() time.Time { return time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC) }),
		)),
		WithProductRoutes(productHandlers.Routes),
		WithAdminProductRoutes(adminHandlers.Routes),
	}
	if adminMW != nil {
		opts = append(opts, WithAdminMiddlewares(adminMW))
	}
	return NewRouter(opts...)
}

func TestRouterServesHealthEndpoints(t *testing.T) {
	router := newFullRouter(t, &stubReconciliationService{}, &stubProductService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRouterMountsProductRoutesUnderAPIPrefix(t *testing.T) {
	reconciliation := &stubReconciliationService{counts: []services.CategoryCount{
		{CategoryName: "Paint", ItemCount: 128},
	}}
	router := newFullRouter(t, reconciliation, &stubProductService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products/filters/specific-categories/counts", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var body map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if body["Paint"] != 128 {
		t.Fatalf("unexpected counts %v", body)
	}
}

func TestRouterAppliesAdminMiddlewareToAdminRoutes(t *testing.T) {
	adminMW := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Test-Admin") != "yes" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	reconciliation := &stubReconciliationService{results: map[string]services.CalculationResult{
		"Paint": {CategoryName: "Paint", FinalCount: 128},
	}}
	router := newFullRouter(t, reconciliation, &stubProductService{}, adminMW)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/products/admin/recalculate-category/Paint", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin header, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/products/admin/recalculate-category/Paint", nil)
	req.Header.Set("X-Test-Admin", "yes")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with admin header, got %d", rr.Code)
	}

	// The public counts route stays outside the admin group.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/products/filters/specific-categories/counts", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected public route to bypass admin middleware, got %d", rr.Code)
	}
}

func TestRouterUnknownRouteReturnsJSONError(t *testing.T) {
	router := newFullRouter(t, &stubReconciliationService{}, &stubProductService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if body["error"] != errorNotFoundCode {
		t.Fatalf("unexpected error code %v", body["error"])
	}
}
