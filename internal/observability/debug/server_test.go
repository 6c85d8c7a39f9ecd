package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "nowplaying/pkg/logx"
)

func TestStateAndAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0", Token: "secret"}, logx.Nop())
	s.Expose("jobs", func() any { return 3 })
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || out["jobs"] != 3 {
		t.Fatalf("state = %s, err = %v", rec.Body, err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline?token=secret", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pprof = %d", rec.Code)
	}
}

func TestRunRefusesPublicWithoutToken(t *testing.T) {
	t.Parallel()
	if err := New(Config{Addr: ":6060"}, logx.Nop()).Run(context.Background()); err == nil {
		t.Fatal("expected refusal")
	}
	if New(Config{}, logx.Nop()).Enabled() {
		t.Fatal("empty addr should be disabled")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
