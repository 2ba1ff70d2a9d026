package aggregator

import (
	"sort"
	"time"

	"github.com/blackmichael/bluesky-aggregator/internal/kv"
)

// prune evicts stale tally entries, enforces the tally cap, and cascades the
// removals into the active caches and the store.
func (a *Aggregator) prune() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(a.now())
}

func (a *Aggregator) pruneLocked(now time.Time) {
	nowMS := now.UnixMilli()
	staleMS := a.cfg.StaleAfter.Milliseconds()

	removed := make(map[uint32]struct{})
	var stale, overflow int

	a.withBatch(batchLimitPrune, func() {
		w := a.writer()

		for uri, stats := range a.tally {
			if nowMS-stats.LastUpdated > staleMS {
				removed[stats.ID] = struct{}{}
				a.removePost(uri, stats.ID)
				stale++
			}
		}

		if excess := len(a.tally) - a.cfg.MaxTrackedPosts; excess > 0 {
			type entry struct {
				uri   string
				stats *PostStats
			}
			entries := make([]entry, 0, len(a.tally))
			for uri, stats := range a.tally {
				entries = append(entries, entry{uri, stats})
			}
			sort.Slice(entries, func(i, j int) bool {
				return entries[i].stats.LastUpdated < entries[j].stats.LastUpdated
			})
			for _, e := range entries[:excess] {
				removed[e.stats.ID] = struct{}{}
				a.removePost(e.uri, e.stats.ID)
				overflow++
			}
		}

		if len(removed) > 0 {
			a.purgeRefs(removed, w)
		}
	})

	if len(removed) > 0 {
		a.logger.Info("pruned posts",
			"stale", stale,
			"overflow", overflow,
			"tracked_posts", len(a.tally),
		)
		a.scheduleCompact(pruneCompactDelay)
	}
}

// purgeRefs removes every like/repost reference pointing at a removed post,
// from both the active caches and the store. The store scan also catches
// references evicted from the caches earlier.
func (a *Aggregator) purgeRefs(removed map[uint32]struct{}, w kv.Writer) {
	for _, kind := range []refKind{refLike, refRepost} {
		cache := a.cacheFor(kind)
		for _, ref := range cache.Keys() {
			id, ok := cache.Peek(ref)
			if !ok {
				continue
			}
			if _, gone := removed[id]; gone {
				cache.Remove(ref)
				w.Delete(kind.prefix() + ref)
			}
		}

		rows, err := a.collectPrefix(kind.prefix())
		if err != nil {
			a.logger.Error("failed to scan references for purge", "kind", kind.String(), "error", err)
			continue
		}
		for _, row := range rows {
			id, legacyURI, ok := decodeRefValue(row.value)
			if !ok {
				w.Delete(row.key)
				continue
			}
			if legacyURI != "" {
				mapped, ok := a.registry.id(legacyURI)
				if !ok {
					// the target no longer exists in any direction
					w.Delete(row.key)
					continue
				}
				id = mapped
			}
			if _, gone := removed[id]; gone {
				w.Delete(row.key)
			}
		}
	}
}

type kvRow struct {
	key   string
	value []byte
}

// collectPrefix materializes a prefix scan so callers can interleave store
// writes with the results without holding a read transaction open.
func (a *Aggregator) collectPrefix(prefix string) ([]kvRow, error) {
	var rows []kvRow
	err := a.store.Scan(prefix, func(key string, value []byte) error {
		rows = append(rows, kvRow{key: key, value: value})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
