// Package config holds the role type and the runtime configuration shared by
// the chat client and the rendezvous server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Role represents which side of the negotiation a session plays.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Store backend names accepted by store.backend.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendHTTP   = "http"
	BackendWS     = "ws"
	BackendMongo  = "mongo"
)

// Config stores every tunable of the signaling engine and its collaborators.
type Config struct {
	Prefix         string        `mapstructure:"prefix"`
	BatchThreshold int           `mapstructure:"batch_threshold"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ICEServers     []string      `mapstructure:"ice_servers"`
	Debug          bool          `mapstructure:"debug"`

	Poll   PollConfig   `mapstructure:"poll"`
	Store  StoreConfig  `mapstructure:"store"`
	Server ServerConfig `mapstructure:"server"`
}

// PollConfig is the fixed-interval discovery budget.
type PollConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
}

// StoreConfig selects and parameterises the rendezvous store.
type StoreConfig struct {
	Backend    string        `mapstructure:"backend"`
	URL        string        `mapstructure:"url"`  // http and ws backends
	Path       string        `mapstructure:"path"` // file backend directory
	MongoURI   string        `mapstructure:"mongo_uri"`
	Database   string        `mapstructure:"database"`
	Collection string        `mapstructure:"collection"`
	TTL        time.Duration `mapstructure:"ttl"` // mongo record expiry
}

// ServerConfig configures cmd/rendezvous.
type ServerConfig struct {
	Listen    string  `mapstructure:"listen"`
	RateLimit float64 `mapstructure:"rate_limit"` // requests per second, all clients
	Burst     int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("prefix", "CHAT")
	v.SetDefault("batch_threshold", 5)
	v.SetDefault("connect_timeout", "2m")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("debug", false)

	v.SetDefault("poll.attempts", 10)
	v.SetDefault("poll.interval", "1s")

	v.SetDefault("store.backend", BackendFile)
	v.SetDefault("store.url", "http://127.0.0.1:8787")
	v.SetDefault("store.path", "cosmic-rendezvous")
	v.SetDefault("store.mongo_uri", "mongodb://127.0.0.1:27017")
	v.SetDefault("store.database", "cosmic")
	v.SetDefault("store.collection", "rendezvous")
	v.SetDefault("store.ttl", "10m")

	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.burst", 100)
}

// Load reads defaults, then the optional YAML file at path, then COSMIC_*
// environment variables (e.g. COSMIC_POLL_ATTEMPTS).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("cosmic")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Prefix == "":
		return fmt.Errorf("prefix must not be empty")
	case c.Poll.Attempts < 1:
		return fmt.Errorf("poll.attempts must be at least 1, got %d", c.Poll.Attempts)
	case c.Poll.Interval <= 0:
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	case c.BatchThreshold < 1:
		return fmt.Errorf("batch_threshold must be at least 1, got %d", c.BatchThreshold)
	case c.ConnectTimeout <= 0:
		return fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout)
	}

	switch c.Store.Backend {
	case BackendMemory, BackendFile, BackendHTTP, BackendWS, BackendMongo:
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	return nil
}
