package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

var fixedTime = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func TestMiddlewareRequiresKeyHeader(t *testing.T) {
	middleware := Middleware(newFakeStore(), WithClock(func() time.Time { return fixedTime }))

	handlerCalled := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		handlerCalled = true
	})

	req := httptest.NewRequest(http.MethodPost, "/admin/recalculate-categories", nil)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	middleware(next).ServeHTTP(rr, req)

	if handlerCalled {
		t.Fatal("handler must not run without an idempotency key")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddlewareReplaysStoredReply(t *testing.T) {
	var calls int
	middleware := Middleware(newFakeStore(), WithClock(func() time.Time { return fixedTime }))

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"started"}`))
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/admin/recalculate-categories", nil)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "recalc-2025-03-10")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	first := send()
	if calls != 1 {
		t.Fatalf("expected one handler call, got %d", calls)
	}
	if first.Code != http.StatusAccepted {
		t.Fatalf("unexpected first response status: %d", first.Code)
	}

	second := send()
	if calls != 1 {
		t.Fatalf("retry must not reach the handler, got %d calls", calls)
	}
	if second.Code != http.StatusAccepted {
		t.Fatalf("expected replayed status 202, got %d", second.Code)
	}
	if second.Header().Get(replayHeaderName) != "true" {
		t.Fatal("expected the replay marker header")
	}
	if got := second.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected content-type json, got %s", got)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("expected body %s, got %s", first.Body.String(), second.Body.String())
	}
}

func TestMiddlewareRejectsKeyReuseForDifferentRequest(t *testing.T) {
	middleware := Middleware(newFakeStore(), WithClock(func() time.Time { return fixedTime }))
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest(http.MethodPost, "/admin/recalculate-category/Paint", bytes.NewBufferString(`{"force":false}`))
	req1.Header.Set("Content-Type", "application/json")
	req1.Header.Set("Idempotency-Key", "same-key")

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req1)
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first request success, got %d", rr1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/admin/recalculate-category/Paint", bytes.NewBufferString(`{"force":true}`))
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set("Idempotency-Key", "same-key")

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req2)

	if rr2.Code != http.StatusConflict {
		t.Fatalf("expected conflict status, got %d", rr2.Code)
	}
	assertErrorCode(t, rr2.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddlewareRejectsInFlightKey(t *testing.T) {
	store := newFakeStore()
	middleware := Middleware(store, WithClock(func() time.Time { return fixedTime }))
	handler := middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run while the key is held by another request")
	}))

	req := httptest.NewRequest(http.MethodPost, "/admin/clear-image-cache", nil)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "held-key")

	body, err := bufferRequestBody(req)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	caller := callerUID(req)
	fingerprint := fingerprintRequest(req, body, caller)
	if _, err := store.Claim(req.Context(), "held-key|"+caller, fingerprint, fixedTime, time.Hour); err != nil {
		t.Fatalf("failed to seed claim: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a held key, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddlewareAbandonsClaimWhenPersistFails(t *testing.T) {
	store := &fakeStore{records: map[string]*fakeRecord{}, failComplete: true}
	middleware := Middleware(store, WithClock(func() time.Time { return fixedTime }))

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodPost, "/admin/clear-image-cache", nil)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "fail-key")

	rr := httptest.NewRecorder()
	middleware(next).ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 response, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_store_error")
	if !store.abandoned {
		t.Fatal("expected the claim to be abandoned after the persist failure")
	}
	if len(store.records) != 0 {
		t.Fatalf("expected no leftover claim, found %d", len(store.records))
	}
}

type fakeRecord struct {
	fingerprint string
	done        bool
	reply       Reply
	expiresAt   time.Time
}

type fakeStore struct {
	mu           sync.Mutex
	records      map[string]*fakeRecord
	failComplete bool
	abandoned    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*fakeRecord{}}
}

func (s *fakeStore) Claim(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok || !now.Before(record.expiresAt) {
		s.records[key] = &fakeRecord{fingerprint: fingerprint, expiresAt: now.Add(ttl)}
		return Claim{Outcome: OutcomeProceed}, nil
	}
	if record.fingerprint != fingerprint {
		return Claim{}, ErrKeyReused
	}
	if record.done {
		return Claim{Outcome: OutcomeReplay, Reply: record.reply}, nil
	}
	return Claim{Outcome: OutcomeInFlight}, nil
}

func (s *fakeStore) Complete(_ context.Context, key, fingerprint string, reply Reply, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failComplete {
		return errors.New("persist failed")
	}
	record, ok := s.records[key]
	if !ok {
		record = &fakeRecord{fingerprint: fingerprint}
		s.records[key] = record
	}
	if record.fingerprint != fingerprint {
		return ErrKeyReused
	}
	record.done = true
	record.reply = Reply{
		Status: reply.Status,
		Header: reply.Header,
		Body:   append([]byte(nil), reply.Body...),
	}
	record.expiresAt = now.Add(ttl)
	return nil
}

func (s *fakeStore) Abandon(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = true
	delete(s.records, key)
	return nil
}

func (s *fakeStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func assertErrorCode(t *testing.T, payload []byte, expected string) {
	t.Helper()

	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}
