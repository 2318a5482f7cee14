package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling/chat counter.
var Stats = &stats{}

type stats struct {
	Publishes    atomic.Int64 // rendezvous records written
	Fetches      atomic.Int64 // rendezvous reads, hits and misses
	Misses       atomic.Int64 // rendezvous reads that found nothing
	MessagesSent atomic.Int64 // chat messages handed to the data channel
	MessagesRecv atomic.Int64 // chat messages received from the peer
	BytesSent    atomic.Int64 // payload bytes written to the data channel
	BytesRecv    atomic.Int64 // payload bytes read from the data channel
}

func (s *stats) AddPublish()   { s.Publishes.Add(1) }
func (s *stats) AddFetch()     { s.Fetches.Add(1) }
func (s *stats) AddMiss()      { s.Misses.Add(1) }
func (s *stats) AddSent(n int) { s.MessagesSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.MessagesRecv.Add(1); s.BytesRecv.Add(int64(n)) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Publishes, Fetches, Misses int64
	MessagesSent, MessagesRecv int64
	BytesSent, BytesRecv       int64
}

// Snapshot returns the current counter values.
func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		Publishes:    s.Publishes.Load(),
		Fetches:      s.Fetches.Load(),
		Misses:       s.Misses.Load(),
		MessagesSent: s.MessagesSent.Load(),
		MessagesRecv: s.MessagesRecv.Load(),
		BytesSent:    s.BytesSent.Load(),
		BytesRecv:    s.BytesRecv.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs signaling and chat
// statistics every interval, skipping quiet intervals. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats describes the change between two snapshots.
func formatStats(prev, cur Snapshot) string {
	return fmt.Sprintf("Store: %d put %d get (%d miss) | Chat: %d↑ %d↓ | %s↑ %s↓",
		cur.Publishes-prev.Publishes,
		cur.Fetches-prev.Fetches,
		cur.Misses-prev.Misses,
		cur.MessagesSent-prev.MessagesSent,
		cur.MessagesRecv-prev.MessagesRecv,
		formatBytes(float64(cur.BytesSent-prev.BytesSent)),
		formatBytes(float64(cur.BytesRecv-prev.BytesRecv)),
	)
}
