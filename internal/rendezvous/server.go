package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/cosmicchat/internal/util"
)

// MaxValueBytes bounds a single stored value.
const MaxValueBytes = 64 * 1024

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServerOptions configures NewServer.
type ServerOptions struct {
	RateLimit float64 // requests per second across all clients; <= 0 disables
	Burst     int
}

// Server exposes a Store over HTTP (GET/PUT /v1/kv?key=) and over a
// websocket (/v1/ws) so that peers on different machines share one
// rendezvous namespace.
type Server struct {
	store   Store
	limiter *rate.Limiter
	engine  *gin.Engine
}

// NewServer builds the gin engine around store.
func NewServer(store Store, opts ServerOptions) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{store: counted{store}}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(s.rateLimit())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	v1 := r.Group("/v1")
	v1.GET("/kv", s.handleGet)
	v1.PUT("/kv", s.handlePut)
	v1.GET("/ws", s.handleWS)

	s.engine = r
	return s
}

// counted records served traffic in util.Stats.
type counted struct{ Store }

func (c counted) Put(ctx context.Context, key, value string) error {
	err := c.Store.Put(ctx, key, value)
	if err == nil {
		util.Stats.AddPublish()
	}
	return err
}

func (c counted) Get(ctx context.Context, key string) (string, bool, error) {
	value, ok, err := c.Store.Get(ctx, key)
	if err == nil {
		util.Stats.AddFetch()
		if !ok {
			util.Stats.AddMiss()
		}
	}
	return value, ok, err
}

// Handler returns the HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve accepts connections on l until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		util.LogDebug("rendezvous request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"key", c.Query("key"),
			"status", c.Writer.Status(),
			"took", time.Since(start).String(),
		)
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow() {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}

func (s *Server) handleGet(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		c.String(http.StatusBadRequest, "missing key")
		return
	}

	value, ok, err := s.store.Get(c.Request.Context(), key)
	switch {
	case err != nil:
		util.LogWarning("store get failed", "key", key, "error", err)
		c.String(http.StatusServiceUnavailable, err.Error())
	case !ok:
		c.Status(http.StatusNotFound)
	default:
		c.String(http.StatusOK, value)
	}
}

func (s *Server) handlePut(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		c.String(http.StatusBadRequest, "missing key")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxValueBytes))
	if err != nil {
		c.String(http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	if err := s.store.Put(c.Request.Context(), key, string(body)); err != nil {
		util.LogWarning("store put failed", "key", key, "error", err)
		c.String(http.StatusServiceUnavailable, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// wsRequest and wsResponse are the JSON frames of the /v1/ws endpoint.
type wsRequest struct {
	ID    uint64 `json:"id"`
	Op    string `json:"op"` // "get" or "put"
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type wsResponse struct {
	ID    uint64 `json:"id"`
	Found bool   `json:"found,omitempty"`
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(MaxValueBytes + 1024)

	ctx := c.Request.Context()
	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		resp := wsResponse{ID: req.ID}
		switch req.Op {
		case "get":
			value, ok, err := s.store.Get(ctx, req.Key)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Found, resp.Value = ok, value
			}
		case "put":
			if err := s.store.Put(ctx, req.Key, req.Value); err != nil {
				resp.Error = err.Error()
			}
		default:
			resp.Error = fmt.Sprintf("unknown op %q", req.Op)
		}

		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}
