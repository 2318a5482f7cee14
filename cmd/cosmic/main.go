// Cosmic — terminal chat over a WebRTC data channel.
//
// Two people connect with a short code. One side generates it, the other
// types it in; both sides find each other by polling a shared rendezvous
// store (a local directory, a rendezvous server or MongoDB). No relay
// carries the chat once the data channel is up.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (--role, --code, --store, --store-url, --store-path, --config).
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	flag "github.com/spf13/pflag"

	"github.com/1ureka/cosmicchat/internal/code"
	"github.com/1ureka/cosmicchat/internal/config"
	"github.com/1ureka/cosmicchat/internal/lifecycle"
	"github.com/1ureka/cosmicchat/internal/poll"
	"github.com/1ureka/cosmicchat/internal/rendezvous"
	"github.com/1ureka/cosmicchat/internal/signaling"
	"github.com/1ureka/cosmicchat/internal/transport"
	"github.com/1ureka/cosmicchat/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a YAML config file")
	role := flag.String("role", "", "Role: initiator (generate a code) or responder (enter a code)")
	chatCode := flag.String("code", "", "Chat code to join (responder only)")
	backend := flag.String("store", "", "Rendezvous store: file, http, ws or mongo")
	storeURL := flag.String("store-url", "", "Rendezvous server URL (http and ws stores)")
	storePath := flag.String("store-path", "", "Rendezvous directory (file store)")
	prefix := flag.String("prefix", "", "Chat code prefix")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("failed to load config", "error", err)
		os.Exit(1)
	}
	if flag.CommandLine.Changed("store") {
		cfg.Store.Backend = *backend
	}
	if flag.CommandLine.Changed("store-url") {
		cfg.Store.URL = *storeURL
	}
	if flag.CommandLine.Changed("store-path") {
		cfg.Store.Path = *storePath
	}
	if flag.CommandLine.Changed("prefix") {
		cfg.Prefix = strings.ToUpper(*prefix)
	}
	if *debugMode {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Debug {
		util.EnableDebug()
	}
	if cfg.Store.Backend == config.BackendMemory {
		util.LogWarning("memory store is private to this process; the peer will never see it")
	}

	pterm.Info.Println(fmt.Sprintf("Cosmic chat — v%s", version))
	pterm.Println()

	store, closeStore, err := rendezvous.Open(ctx, cfg.Store)
	if err != nil {
		util.LogError("failed to open rendezvous store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	factory := transport.NewFactory(transport.Options{ICEServers: cfg.ICEServers})
	driver := signaling.New(rendezvous.NewClient(store), factory, signaling.OptionsFromConfig(cfg))
	defer driver.Close()

	switch config.Role(*role) {
	case "":
		// No --role flag → interactive mode.
		err = runInteractive(ctx, driver)

	case config.RoleInitiator:
		err = runInitiator(ctx, driver)

	case config.RoleResponder:
		if *chatCode == "" {
			util.LogError("missing --code for responder role")
			os.Exit(1)
		}
		err = runResponder(ctx, driver, *chatCode)

	default:
		util.LogError("invalid --role: must be 'initiator' or 'responder'")
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		util.LogError("chat ended with an error", "error", err)
		driver.Close()
		closeStore()
		os.Exit(1)
	}
	util.LogInfo("chat closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks which side of the chat to play.
func runInteractive(ctx context.Context, driver *signaling.Driver) error {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Start — Generate a chat code", "Join  — Enter a chat code"}).
		WithDefaultText("Start or join a chat").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Start") {
		return runInitiator(ctx, driver)
	}
	return runResponder(ctx, driver, askCode())
}

// runInitiator generates a code and waits for the peer to join.
func runInitiator(ctx context.Context, driver *signaling.Driver) error {
	events := watch(driver)

	sc, err := driver.GenerateChatCode(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to generate chat code: %w", err)
	}

	pterm.DefaultBox.WithTitle("Your chat code").Println(pterm.Bold.Sprint(sc.String()))
	pterm.Println()
	pterm.Println("Share this code with your peer, then wait for them to join...")

	return chat(ctx, driver, events)
}

// runResponder joins the chat published under raw.
func runResponder(ctx context.Context, driver *signaling.Driver, raw string) error {
	events := watch(driver)

	pterm.Println("Looking up chat code...")
	if err := driver.ConnectToPeer(ctx, raw); err != nil {
		if errors.Is(err, signaling.ErrInvalidInput) || errors.Is(err, poll.ErrTimeoutExceeded) {
			pterm.Error.Println("Invalid or expired chat code!")
		}
		return err
	}
	return chat(ctx, driver, events)
}

// ---------------------------------------------------------------------------
// Chat loop
// ---------------------------------------------------------------------------

// watch forwards lifecycle events to a channel that chat consumes.
func watch(driver *signaling.Driver) <-chan lifecycle.Event {
	events := make(chan lifecycle.Event, 16)
	driver.Subscribe(func(ev lifecycle.Event) {
		select {
		case events <- ev:
		default:
			util.LogDebug("dropped lifecycle event", "state", ev.State)
		}
	})
	return events
}

// chat waits for the connection, then relays stdin lines to the peer and
// prints incoming messages until either side closes.
func chat(ctx context.Context, driver *signaling.Driver, events <-chan lifecycle.Event) error {
	driver.OnMessage(func(m string) {
		pterm.Println(pterm.Cyan("Peer: ") + m)
	})

	lines := make(chan string)
	go readLines(lines)

	util.StartStatsReporter(ctx, 30*time.Second)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-events:
			switch ev.State {
			case lifecycle.StateConnected:
				pterm.Success.Println("Connected to peer!")
				pterm.Println("Type a message and press Enter. Ctrl+C to quit.")
			case lifecycle.StateClosed:
				pterm.Info.Println("Connection closed.")
				return nil
			case lifecycle.StateFailed:
				return fmt.Errorf("connection failed: %w", ev.Err)
			}

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			if err := driver.SendMessage(line); err != nil {
				if errors.Is(err, signaling.ErrNotConnected) {
					util.LogWarning("not connected yet, message not sent")
					continue
				}
				return fmt.Errorf("failed to send message: %w", err)
			}
			pterm.Println(pterm.Green("You: ") + line)
		}
	}
}

// readLines feeds stdin lines into out and closes it on EOF.
func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askCode prompts for a chat code until a non-empty one is entered.
func askCode() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("Chat code (e.g. %s-AB12CD)", code.DefaultPrefix)).
			Show()

		raw = strings.TrimSpace(raw)
		if raw != "" {
			pterm.Println()
			return raw
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter the code your peer shared")
	}
}
