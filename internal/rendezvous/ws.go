package rendezvous

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Compile-time interface check.
var _ Store = (*WSStore)(nil)

// WSStore keeps one websocket to a rendezvous Server's /v1/ws endpoint and
// issues one request at a time over it. After a failure the connection is
// dropped and the next call redials.
type WSStore struct {
	url string

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
}

// NewWSStore returns a store for the server at baseURL. http(s) schemes are
// mapped to ws(s).
func NewWSStore(baseURL string) (*WSStore, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid rendezvous URL: %s", baseURL)
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported rendezvous URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"
	return &WSStore{url: u.String()}, nil
}

func (s *WSStore) Put(ctx context.Context, key, value string) error {
	_, err := s.roundTrip(ctx, wsRequest{Op: "put", Key: key, Value: value})
	if err != nil {
		return unavailable("put", key, err)
	}
	return nil
}

func (s *WSStore) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := s.roundTrip(ctx, wsRequest{Op: "get", Key: key})
	if err != nil {
		return "", false, unavailable("get", key, err)
	}
	return resp.Value, resp.Found, nil
}

// Close drops the connection, if any.
func (s *WSStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// roundTrip sends req and waits for its response, guarded by a mutex.
func (s *WSStore) roundTrip(ctx context.Context, req wsRequest) (wsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			return wsResponse{}, fmt.Errorf("failed to connect to rendezvous WS: %w", err)
		}
		s.conn = conn
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	s.conn.SetReadDeadline(deadline)

	s.nextID++
	req.ID = s.nextID

	var resp wsResponse
	err := s.conn.WriteJSON(req)
	if err == nil {
		err = s.conn.ReadJSON(&resp)
	}
	if err == nil && resp.ID != req.ID {
		err = fmt.Errorf("response id %d does not match request %d", resp.ID, req.ID)
	}
	if err != nil {
		s.conn.Close()
		s.conn = nil
		return wsResponse{}, err
	}
	if resp.Error != "" {
		return wsResponse{}, fmt.Errorf("server: %s", resp.Error)
	}
	return resp, nil
}
