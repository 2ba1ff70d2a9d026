package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blackmichael/bluesky-aggregator/internal/config"
	"github.com/blackmichael/bluesky-aggregator/internal/firehose"
	"github.com/blackmichael/bluesky-aggregator/internal/kv"
)

// Batch sizes for the write regimes. Steady-state writes go through the
// direct writer, so batchLimitSteady is not used by any batch.
const (
	batchLimitSteady   = 1000
	batchLimitRecovery = 5000
	batchLimitPrune    = 2000
)

const (
	pruneCompactDelay    = 3 * time.Minute
	recoveryCompactDelay = 30 * time.Second
)

// PostStats are the per-post counters kept in the tally table and persisted
// under post:<uri>.
type PostStats struct {
	Likes       int    `json:"likes"`
	Reposts     int    `json:"reposts"`
	LastUpdated int64  `json:"lastUpdated"`
	ID          uint32 `json:"id"`
}

type refKind int

const (
	refLike refKind = iota
	refRepost
)

func (k refKind) prefix() string {
	if k == refLike {
		return prefixLike
	}
	return prefixRepost
}

func (k refKind) String() string {
	if k == refLike {
		return "like"
	}
	return "repost"
}

// Aggregator owns the whole tallying pipeline: the in-memory tally table, the
// post-id registry, the two active-reference caches, and the durable store.
// All mutable state is guarded by mu; the firehose handler, the pruner, and
// the reporter all take it, so counters mutate in stream order.
type Aggregator struct {
	cfg    *config.Config
	store  *kv.Store
	logger *slog.Logger

	mu            sync.Mutex
	tally         map[string]*PostStats
	registry      *postRegistry
	activeLikes   *lru.Cache[string, uint32]
	activeReposts *lru.Cache[string, uint32]
	batch         *kv.Batcher
	direct        kv.Writer
	timersStarted bool

	snapshots *snapshotter

	runCtx       context.Context
	shuttingDown atomic.Bool
	shutdownOnce sync.Once

	compactMu      sync.Mutex
	compactPending bool
	compactTimer   *time.Timer
	compacting     bool

	reportMu sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time

	now func() time.Time
}

// New creates an aggregator over an opened store. Call Recover before Start.
func New(cfg *config.Config, store *kv.Store, logger *slog.Logger) (*Aggregator, error) {
	activeLikes, err := lru.New[string, uint32](cfg.MaxActiveLikes)
	if err != nil {
		return nil, fmt.Errorf("create like cache: %w", err)
	}
	activeReposts, err := lru.New[string, uint32](cfg.MaxActiveReposts)
	if err != nil {
		return nil, fmt.Errorf("create repost cache: %w", err)
	}

	a := &Aggregator{
		cfg:           cfg,
		store:         store,
		logger:        logger,
		tally:         make(map[string]*PostStats),
		registry:      newPostRegistry(),
		activeLikes:   activeLikes,
		activeReposts: activeReposts,
		now:           time.Now,
	}
	a.direct = kv.NewDirectWriter(store, logger)
	a.snapshots = newSnapshotter(cfg.SnapshotDir, a.buildSnapshot, logger)
	return a, nil
}

// Start binds the run context and queues the initial snapshot. Timers start
// on the first firehose connection.
func (a *Aggregator) Start(ctx context.Context) {
	a.runCtx = ctx
	a.snapshots.request("initial")
}

// Connected implements firehose.CommitHandler. Called on every (re)connect.
func (a *Aggregator) Connected() {
	a.startTimers()
	a.snapshots.request("connected")
}

func (a *Aggregator) startTimers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timersStarted || a.runCtx == nil {
		return
	}
	a.timersStarted = true
	go a.reporterLoop(a.runCtx)
	go a.prunerLoop(a.runCtx)
	go a.snapshotLoop(a.runCtx)
}

// HandleCommit implements firehose.CommitHandler. Dispatches like and repost
// commits; everything else is ignored.
func (a *Aggregator) HandleCommit(event *firehose.Event) error {
	commit := event.Commit

	var kind refKind
	switch commit.Collection {
	case firehose.CollectionLike:
		kind = refLike
	case firehose.CollectionRepost:
		kind = refRepost
	default:
		return nil
	}

	ref := event.DID + "/" + commit.RKey

	a.mu.Lock()
	defer a.mu.Unlock()

	switch commit.Operation {
	case firehose.OpCreate:
		uri := commit.Record.SubjectURI()
		if uri == "" {
			return nil
		}
		a.applyCreate(kind, ref, uri)
	case firehose.OpDelete:
		a.applyDelete(kind, ref)
	}
	// updates are ignored: likes and reposts are effectively immutable
	return nil
}

func (a *Aggregator) cacheFor(kind refKind) *lru.Cache[string, uint32] {
	if kind == refLike {
		return a.activeLikes
	}
	return a.activeReposts
}

func (a *Aggregator) applyCreate(kind refKind, ref, uri string) {
	w := a.writer()
	id := a.registry.ensure(uri, w)

	if _, ok := a.tally[uri]; !ok {
		a.tally[uri] = &PostStats{ID: id}
	}
	a.adjust(uri, kind, 1)

	a.cacheFor(kind).Add(ref, id)
	w.Put(kind.prefix()+ref, id)
}

func (a *Aggregator) applyDelete(kind refKind, ref string) {
	id, found, hadRow := a.resolveRef(kind, ref)
	if !found && !hadRow {
		// never seen: nothing to undo
		return
	}

	if found {
		if uri, ok := a.registry.uri(id); ok {
			if _, tracked := a.tally[uri]; tracked {
				a.adjust(uri, kind, -1)
			}
		}
	}

	a.cacheFor(kind).Remove(ref)
	a.writer().Delete(kind.prefix() + ref)
}

// resolveRef maps a reference key to its target post id, first via the active
// cache, then via the store. hadRow reports whether a durable row existed.
func (a *Aggregator) resolveRef(kind refKind, ref string) (id uint32, found, hadRow bool) {
	if id, ok := a.cacheFor(kind).Get(ref); ok {
		return id, true, true
	}

	raw, err := a.store.Get(kind.prefix() + ref)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			a.logger.Error("failed to look up reference", "kind", kind.String(), "ref", ref, "error", err)
		}
		return 0, false, false
	}

	id, legacyURI, ok := decodeRefValue(raw)
	if !ok {
		return 0, false, true
	}
	if legacyURI != "" {
		mapped, ok := a.registry.id(legacyURI)
		if !ok {
			return 0, false, true
		}
		return mapped, true, true
	}
	return id, true, true
}

// adjust applies a counter delta to uri, floored at zero, and persists the
// row. A post whose counters both reach zero is removed entirely.
func (a *Aggregator) adjust(uri string, kind refKind, delta int) {
	stats, ok := a.tally[uri]
	if !ok {
		return
	}

	if kind == refLike {
		stats.Likes = max(0, stats.Likes+delta)
	} else {
		stats.Reposts = max(0, stats.Reposts+delta)
	}
	stats.LastUpdated = a.now().UnixMilli()

	if stats.Likes == 0 && stats.Reposts == 0 {
		a.removePost(uri, stats.ID)
		return
	}
	a.writer().Put(prefixPost+uri, stats)
}

// removePost drops a tally entry along with its persisted row and id mapping.
func (a *Aggregator) removePost(uri string, id uint32) {
	delete(a.tally, uri)
	w := a.writer()
	w.Delete(prefixPost + uri)
	a.registry.remove(id, w)
}

// writer returns the scoped batch when one is installed, otherwise the
// direct writer. Callers hold mu.
func (a *Aggregator) writer() kv.Writer {
	if a.batch != nil {
		return a.batch
	}
	return a.direct
}

// withBatch installs a fresh batch for the duration of fn, restoring the
// previous one (nestable) and flushing before returning. Callers hold mu.
func (a *Aggregator) withBatch(limit int, fn func()) {
	prev := a.batch
	b := kv.NewBatcher(a.store, limit, a.logger)
	a.batch = b
	defer func() {
		a.batch = prev
		if err := b.Flush(); err != nil {
			a.logger.Error("failed to flush write batch", "error", err)
		}
	}()
	fn()
}

func (a *Aggregator) reporterLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.report()
		}
	}
}

func (a *Aggregator) prunerLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PruneInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.prune()
		}
	}
}

func (a *Aggregator) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.snapshots.request("interval")
		}
	}
}

// scheduleCompact defers a store compaction, coalescing with any compaction
// already pending or running.
func (a *Aggregator) scheduleCompact(delay time.Duration) {
	a.compactMu.Lock()
	defer a.compactMu.Unlock()
	if a.compactPending || a.compacting {
		return
	}
	a.compactPending = true
	a.compactTimer = time.AfterFunc(delay, a.runCompact)
}

func (a *Aggregator) runCompact() {
	a.compactMu.Lock()
	a.compactPending = false
	if a.compacting || a.shuttingDown.Load() {
		a.compactMu.Unlock()
		return
	}
	a.compacting = true
	a.compactMu.Unlock()

	start := time.Now()
	if err := a.store.Compact(); err != nil {
		a.logger.Error("store compaction failed", "error", err)
	} else {
		a.logger.Info("store compacted", "elapsed", time.Since(start).String())
	}

	a.compactMu.Lock()
	a.compacting = false
	a.compactMu.Unlock()
}

// Shutdown stops the pipeline: final report, final prune, snapshot queue
// drain, final snapshot, store close. Idempotent.
func (a *Aggregator) Shutdown() error {
	var err error
	a.shutdownOnce.Do(func() {
		a.shuttingDown.Store(true)

		a.compactMu.Lock()
		if a.compactTimer != nil {
			a.compactTimer.Stop()
		}
		a.compactPending = false
		a.compactMu.Unlock()

		a.report()
		a.prune()

		a.snapshots.close()
		if werr := a.snapshots.write("final"); werr != nil {
			a.logger.Error("failed to write final snapshot", "error", werr)
		}

		if cerr := a.store.Close(); cerr != nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
	})
	return err
}
