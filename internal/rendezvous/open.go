package rendezvous

import (
	"context"
	"fmt"

	"github.com/1ureka/cosmicchat/internal/config"
)

// Open builds the Store selected by cfg.Backend. The returned close function
// releases whatever the backend holds and is never nil.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemoryStore(), noop, nil

	case config.BackendFile:
		return NewFileStore(cfg.Path), noop, nil

	case config.BackendHTTP:
		return NewHTTPStore(cfg.URL, nil), noop, nil

	case config.BackendWS:
		store, err := NewWSStore(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case config.BackendMongo:
		store, disconnect, err := DialMongoStore(ctx, cfg.MongoURI, cfg.Database, cfg.Collection, cfg.TTL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return disconnect(context.Background()) }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
