package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusWriter_TracksStatusAndBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	sw.WriteHeader(http.StatusCreated)
	n, err := sw.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Fatalf("Write returned %d, want 5", n)
	}
	if sw.status != http.StatusCreated {
		t.Fatalf("status = %d, want %d", sw.status, http.StatusCreated)
	}
	if sw.bytes != 5 {
		t.Fatalf("bytes = %d, want 5", sw.bytes)
	}

	if _, err := sw.Write([]byte(" world")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sw.bytes != 11 {
		t.Fatalf("bytes after second write = %d, want 11", sw.bytes)
	}
}

func TestMetrics_RunsHandlerAndCapturesRoute(t *testing.T) {
	called := false
	h := Metrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected the wrapped handler to run")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
