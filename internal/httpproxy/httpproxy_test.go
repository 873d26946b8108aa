package httpproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"singularityedge/internal/backend"
	"singularityedge/internal/pool"
)

func mustBackend(t *testing.T, raw string) backend.Backend {
	t.Helper()
	b, err := backend.New(raw)
	if err != nil {
		t.Fatalf("backend.New(%q): %v", raw, err)
	}
	return b
}

type stubRegistry struct {
	entries map[string]*pool.Entry
}

func (r *stubRegistry) Get(name string) (*pool.Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

func newEntry(t *testing.T, cfg pool.Config, backendURL string) *pool.Entry {
	t.Helper()
	p := pool.New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Close(ctx)
	})
	if backendURL != "" {
		if err := p.AddBackend(mustBackend(t, backendURL)); err != nil {
			t.Fatalf("AddBackend: %v", err)
		}
	}
	return &pool.Entry{Pool: p}
}

func TestServeHTTPForwardsToSelectedBackend(t *testing.T) {
	var gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		w.Header().Set("X-Resp", "ok")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	entry := newEntry(t, pool.Config{Name: "web", Algorithm: "round_robin"}, "http://"+upstream.Listener.Addr().String())
	reg := &stubRegistry{entries: map[string]*pool.Entry{"web": entry}}
	proxy := New(reg, Config{DefaultPool: "web"})

	req := httptest.NewRequest(http.MethodGet, "http://edge.example.com/path", nil)
	req.Header.Set("Connection", "keep-alive, X-Trace")
	req.Header.Set("X-Trace", "42")
	req.Header.Set("Transfer-Encoding", "chunked")
	rec := httptest.NewRecorder()

	proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Connection") != "" {
		t.Errorf("Connection header leaked to client: %q", rec.Header().Get("Connection"))
	}
	if rec.Header().Get("X-Resp") != "ok" {
		t.Errorf("expected X-Resp header forwarded, got %q", rec.Header().Get("X-Resp"))
	}
	if gotHost == "" {
		t.Errorf("expected backend to observe a Host header")
	}

	stats := entry.Pool.Stats()
	if stats.CurrentConnections != 0 {
		t.Errorf("expected backend counter released after request, got %d", stats.CurrentConnections)
	}
}

// TestNoBackendsReturns503 covers spec scenario S3's proxy half.
func TestNoBackendsReturns503(t *testing.T) {
	entry := newEntry(t, pool.Config{Name: "empty", Algorithm: "least_connections"}, "")
	reg := &stubRegistry{entries: map[string]*pool.Entry{"empty": entry}}
	proxy := New(reg, Config{DefaultPool: "empty"})

	req := httptest.NewRequest(http.MethodGet, "http://edge.example.com/", nil)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["error"] != "No healthy backends available" {
		t.Errorf("body = %q, want exact S3 message", body["error"])
	}
}

func TestUnknownPoolReturns503(t *testing.T) {
	reg := &stubRegistry{entries: map[string]*pool.Entry{}}
	proxy := New(reg, Config{DefaultPool: "missing"})

	req := httptest.NewRequest(http.MethodGet, "http://edge.example.com/", nil)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestSubdomainRoutesToNamedPool(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	entry := newEntry(t, pool.Config{Name: "api", Algorithm: "round_robin"}, "http://"+upstream.Listener.Addr().String())
	reg := &stubRegistry{entries: map[string]*pool.Entry{"api": entry}}
	proxy := New(reg, Config{BaseDomain: "example.com", DefaultPool: "default"})

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/", nil)
	req.Host = "api.example.com"
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (routed to api pool)", rec.Code)
	}
}

func TestBackendConnectFailureReturns502(t *testing.T) {
	entry := newEntry(t, pool.Config{Name: "web", Algorithm: "round_robin"}, "http://127.0.0.1:1")
	reg := &stubRegistry{entries: map[string]*pool.Entry{"web": entry}}
	proxy := New(reg, Config{DefaultPool: "web"})

	req := httptest.NewRequest(http.MethodGet, "http://edge.example.com/", nil)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}
