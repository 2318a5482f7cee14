// Rendezvous — the shared key-value store peers poll while negotiating.
//
// It serves GET/PUT /v1/kv?key= and a websocket at /v1/ws, backed by memory,
// a local directory or MongoDB. Records are tiny and short-lived; with the
// mongo backend they expire through a TTL index.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"
	flag "github.com/spf13/pflag"

	"github.com/1ureka/cosmicchat/internal/config"
	"github.com/1ureka/cosmicchat/internal/rendezvous"
	"github.com/1ureka/cosmicchat/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "Path to a YAML config file")
	listen := flag.String("listen", "", "Listen address, e.g. 0.0.0.0:8787")
	backend := flag.String("store", config.BackendMemory, "Backing store: memory, file or mongo")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("failed to load config", "error", err)
		os.Exit(1)
	}
	if flag.CommandLine.Changed("listen") {
		cfg.Server.Listen = *listen
	}
	cfg.Store.Backend = *backend
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}

	switch cfg.Store.Backend {
	case config.BackendMemory, config.BackendFile, config.BackendMongo:
	default:
		util.LogError("invalid --store: must be 'memory', 'file' or 'mongo'")
		os.Exit(1)
	}

	pterm.Info.Println("Cosmic rendezvous — v" + version)
	pterm.Println()

	store, closeStore, err := rendezvous.Open(ctx, cfg.Store)
	if err != nil {
		util.LogError("failed to open store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	l, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		util.LogError("failed to listen", "addr", cfg.Server.Listen, "error", err)
		os.Exit(1)
	}

	srv := rendezvous.NewServer(store, rendezvous.ServerOptions{
		RateLimit: cfg.Server.RateLimit,
		Burst:     cfg.Server.Burst,
	})

	util.StartStatsReporter(ctx, time.Minute)
	util.LogSuccess("rendezvous server listening", "addr", l.Addr().String(), "store", cfg.Store.Backend)

	if err := srv.Serve(ctx, l); err != nil {
		util.LogError("server stopped", "error", err)
		closeStore()
		os.Exit(1)
	}
	util.LogInfo("rendezvous server stopped")
}
