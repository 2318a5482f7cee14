package rendezvous

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServerHealthz(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewMemoryStore(), ServerOptions{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}
}

func TestServerRejectsMissingKey(t *testing.T) {
	handler := NewServer(NewMemoryStore(), ServerOptions{}).Handler()

	for _, method := range []string{http.MethodGet, http.MethodPut} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(method, "/v1/kv", strings.NewReader("v")))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s without key = %d, want 400", method, rec.Code)
		}
	}
}

func TestServerRejectsOversizedValue(t *testing.T) {
	handler := NewServer(NewMemoryStore(), ServerOptions{}).Handler()

	body := strings.NewReader(strings.Repeat("x", MaxValueBytes+1))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/kv?key=offer:CHAT-AB12CD", body))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized PUT = %d, want 413", rec.Code)
	}
}

func TestServerRateLimit(t *testing.T) {
	handler := NewServer(NewMemoryStore(), ServerOptions{RateLimit: 0.001, Burst: 2}).Handler()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/kv?key=k", nil))
		codes = append(codes, rec.Code)
	}

	want := []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("status codes = %v, want %v", codes, want)
		}
	}
}

func TestServerStoreFailure(t *testing.T) {
	handler := NewServer(failingStore{err: io.ErrUnexpectedEOF}, ServerOptions{}).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/kv?key=k", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET on failing store = %d, want 503", rec.Code)
	}
}
