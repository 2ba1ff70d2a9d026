package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// Defaults for every tunable. Flags and environment variables override them.
const (
	DefaultFirehoseURL      = "wss://jetstream2.us-east.bsky.network/subscribe"
	DefaultReportInterval   = 30 * time.Second
	DefaultTopCount         = 10
	DefaultMaxTrackedPosts  = 100_000
	DefaultWindowHours      = 24.0
	DefaultHalfLifeHours    = 3.0
	DefaultSnapshotInterval = 10 * time.Minute
	DefaultSnapshotDir      = "./data/aggregator-snapshots"
	DefaultStatePath        = "./data/aggregator-db"
	DefaultMaxActiveLikes   = 200_000
	DefaultMaxActiveReposts = 120_000
)

// Config holds all configuration for the aggregator.
type Config struct {
	// FirehoseURL is the Jetstream WebSocket endpoint.
	FirehoseURL string

	// ReportInterval is how often the reporter logs resources and the
	// leaderboard.
	ReportInterval time.Duration

	// TopCount is the leaderboard size.
	TopCount int

	// MaxTrackedPosts caps the tally table; the pruner evicts the oldest
	// entries beyond it.
	MaxTrackedPosts int

	// WindowHours is the retention window for tally entries.
	WindowHours float64

	// HalfLifeHours is the decay half-life used for hotness.
	HalfLifeHours float64

	// SnapshotInterval is the snapshotter period.
	SnapshotInterval time.Duration

	// SnapshotDir is where JSON snapshots are written.
	SnapshotDir string

	// StatePath is the embedded key-value store location.
	StatePath string

	// StaleAfter is the retention window as a duration. Derived from
	// WindowHours unless overridden directly with --stale-ms.
	StaleAfter time.Duration

	// MaxActiveLikes and MaxActiveReposts bound the active-reference caches.
	MaxActiveLikes   int
	MaxActiveReposts int
}

// Load reads configuration from command-line flags and environment variables
// with sensible defaults. args is the argument list without the program name.
func Load(args []string) (*Config, error) {
	snapshotDir := DefaultSnapshotDir
	if v := os.Getenv("SNAPSHOT_DIR"); v != "" {
		snapshotDir = v
	}
	statePath := DefaultStatePath
	if v := os.Getenv("STATE_FILE"); v != "" {
		statePath = v
	}
	firehoseURL := DefaultFirehoseURL
	if v := os.Getenv("FIREHOSE_URL"); v != "" {
		firehoseURL = v
	}

	fs := flag.NewFlagSet("aggregator", flag.ContinueOnError)
	intervalMS := fs.Int("interval-ms", int(DefaultReportInterval/time.Millisecond), "reporter period in milliseconds")
	top := fs.Int("top", DefaultTopCount, "leaderboard size")
	maxPosts := fs.Int("max-posts", DefaultMaxTrackedPosts, "tally hard cap")
	windowHours := fs.Float64("window-hours", DefaultWindowHours, "retention window in hours")
	halfLifeHours := fs.Float64("half-life-hours", DefaultHalfLifeHours, "decay half-life for hotness in hours")
	snapshotIntervalMS := fs.Int("snapshot-interval-ms", int(DefaultSnapshotInterval/time.Millisecond), "snapshotter period in milliseconds")
	fs.StringVar(&snapshotDir, "snapshot-dir", snapshotDir, "snapshot output directory")
	fs.StringVar(&statePath, "state", statePath, "key-value store location")
	staleMS := fs.Int64("stale-ms", 0, "retention window in milliseconds (overrides -window-hours)")
	maxActiveLikes := fs.Int("max-active-likes", DefaultMaxActiveLikes, "active like reference cache capacity")
	maxActiveReposts := fs.Int("max-active-reposts", DefaultMaxActiveReposts, "active repost reference cache capacity")
	fs.StringVar(&firehoseURL, "firehose-url", firehoseURL, "Jetstream WebSocket endpoint")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *intervalMS <= 0 {
		return nil, fmt.Errorf("invalid -interval-ms: %d", *intervalMS)
	}
	if *top <= 0 {
		return nil, fmt.Errorf("invalid -top: %d", *top)
	}
	if *maxPosts <= 0 {
		return nil, fmt.Errorf("invalid -max-posts: %d", *maxPosts)
	}
	if *windowHours <= 0 {
		return nil, fmt.Errorf("invalid -window-hours: %g", *windowHours)
	}
	if *halfLifeHours <= 0 {
		return nil, fmt.Errorf("invalid -half-life-hours: %g", *halfLifeHours)
	}
	if *snapshotIntervalMS <= 0 {
		return nil, fmt.Errorf("invalid -snapshot-interval-ms: %d", *snapshotIntervalMS)
	}
	if *maxActiveLikes <= 0 || *maxActiveReposts <= 0 {
		return nil, fmt.Errorf("active cache capacities must be positive")
	}

	staleAfter := time.Duration(*windowHours * float64(time.Hour))
	if *staleMS > 0 {
		staleAfter = time.Duration(*staleMS) * time.Millisecond
	}

	return &Config{
		FirehoseURL:      firehoseURL,
		ReportInterval:   time.Duration(*intervalMS) * time.Millisecond,
		TopCount:         *top,
		MaxTrackedPosts:  *maxPosts,
		WindowHours:      *windowHours,
		HalfLifeHours:    *halfLifeHours,
		SnapshotInterval: time.Duration(*snapshotIntervalMS) * time.Millisecond,
		SnapshotDir:      snapshotDir,
		StatePath:        statePath,
		StaleAfter:       staleAfter,
		MaxActiveLikes:   *maxActiveLikes,
		MaxActiveReposts: *maxActiveReposts,
	}, nil
}

// PruneInterval returns how often the pruner runs: five report intervals,
// clamped to [15s, retention window].
func (c *Config) PruneInterval() time.Duration {
	interval := 5 * c.ReportInterval
	if interval < 15*time.Second {
		interval = 15 * time.Second
	}
	if interval > c.StaleAfter {
		interval = c.StaleAfter
	}
	return interval
}
