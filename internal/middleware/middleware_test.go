package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimitByIP(t *testing.T) {
	h := RateLimitByIP(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/config/push", nil)
		// a new source port each time; the limit is per address
		req.RemoteAddr = "10.0.0.1:" + string(rune('1'+i)) + "000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other address limited: %d", rec.Code)
	}
}

func TestRateLimiterRefills(t *testing.T) {
	l := newRateLimiter(2, time.Second)
	now := time.Now()
	if !l.allow("k", now) || !l.allow("k", now) {
		t.Fatal("burst not allowed")
	}
	if l.allow("k", now.Add(100*time.Millisecond)) {
		t.Fatal("limit not applied inside the window")
	}
	// one request every window/max
	if !l.allow("k", now.Add(600*time.Millisecond)) {
		t.Fatal("token not refilled")
	}
	if !l.allow("other", now) {
		t.Fatal("keys share a limiter")
	}
}

func TestRateLimiterPrunesIdleKeys(t *testing.T) {
	l := newRateLimiter(1, time.Second)
	now := time.Now()
	l.allow("idle", now)
	l.allow("busy", now.Add(5*time.Second))
	l.pruneLocked(now.Add(5 * time.Second))
	if _, ok := l.limiters["idle"]; ok {
		t.Fatal("refilled limiter kept")
	}
	if _, ok := l.limiters["busy"]; !ok {
		t.Fatal("active limiter dropped")
	}
}

func TestRecoverJSON(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("content type = %q", ct)
	}
}
