package rendezvous

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Compile-time interface check.
var _ Store = (*HTTPStore)(nil)

// HTTPStore talks to a rendezvous Server's /v1/kv endpoint.
type HTTPStore struct {
	base   string
	client *http.Client
}

// NewHTTPStore returns a store for the server at baseURL
// (e.g. "http://127.0.0.1:8787"). A nil client uses a 10s-timeout default.
func NewHTTPStore(baseURL string, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPStore{base: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *HTTPStore) endpoint(key string) string {
	return s.base + "/v1/kv?key=" + url.QueryEscape(key)
}

func (s *HTTPStore) Put(ctx context.Context, key, value string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.endpoint(key), strings.NewReader(value))
	if err != nil {
		return unavailable("put", key, err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return unavailable("put", key, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return unavailable("put", key, fmt.Errorf("unexpected status %s", resp.Status))
	}
	return nil
}

func (s *HTTPStore) Get(ctx context.Context, key string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(key), nil)
	if err != nil {
		return "", false, unavailable("get", key, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", false, unavailable("get", key, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, MaxValueBytes+1))
		if err != nil {
			return "", false, unavailable("get", key, err)
		}
		if len(body) > MaxValueBytes {
			return "", false, unavailable("get", key, fmt.Errorf("value exceeds %d bytes", MaxValueBytes))
		}
		return string(body), true, nil
	case http.StatusNotFound:
		return "", false, nil
	default:
		return "", false, unavailable("get", key, fmt.Errorf("unexpected status %s", resp.Status))
	}
}
