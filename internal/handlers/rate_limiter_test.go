package handlers

import (
	"testing"
	"time"
)

func TestFixedWindowLimiterResetsAfterWindow(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	limiter := newSimpleRateLimiter(2, time.Minute, func() time.Time { return now })

	if !limiter.Allow("203.0.113.7") || !limiter.Allow("203.0.113.7") {
		t.Fatal("expected first two requests allowed")
	}
	if limiter.Allow("203.0.113.7") {
		t.Fatal("expected third request in the same window rejected")
	}
	if !limiter.Allow("198.51.100.2") {
		t.Fatal("expected independent caller to pass")
	}

	now = now.Add(2 * time.Minute)
	if !limiter.Allow("203.0.113.7") {
		t.Fatal("expected new window to allow the caller again")
	}
}

func TestFixedWindowLimiterDisabledForZeroConfig(t *testing.T) {
	if limiter := newSimpleRateLimiter(0, time.Minute, nil); limiter != nil {
		t.Fatal("expected nil limiter for zero limit")
	}
	if limiter := newSimpleRateLimiter(5, 0, nil); limiter != nil {
		t.Fatal("expected nil limiter for zero window")
	}
}
