package aggregator

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/blackmichael/bluesky-aggregator/internal/kv"
)

// Recover rebuilds the in-memory state from the store. It runs once before
// the firehose connects, repairs mismatched id mappings (preferring the
// postid: direction), drops orphaned and malformed rows, and establishes the
// next post id. Individual row failures are logged and treated as deletes;
// recovery never aborts.
func (a *Aggregator) Recover() error {
	start := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	var staleRemoved int
	a.withBatch(batchLimitRecovery, func() {
		w := a.writer()

		var storedNext uint32
		if raw, err := a.store.Get(keyNextPostID); err == nil {
			if id, ok := decodeID(raw); ok {
				storedNext = id
			}
		} else if !errors.Is(err, kv.ErrNotFound) {
			a.logger.Error("failed to read next post id", "error", err)
		}

		maxID := a.recoverPostIDs(w)
		a.recoverPostURIs(w)
		a.recoverPostURLs(w)

		next := max(storedNext, maxID+1, 1)
		a.registry.nextID = next
		w.Put(keyNextPostID, next)

		staleRemoved = a.recoverPosts(w)
		a.recoverRefs(refLike, w)
		a.recoverRefs(refRepost, w)
	})

	if staleRemoved > 0 {
		a.scheduleCompact(recoveryCompactDelay)
	}

	a.logger.Info("recovery complete",
		"posts", len(a.tally),
		"next_post_id", a.registry.nextID,
		"active_likes", a.activeLikes.Len(),
		"active_reposts", a.activeReposts.Len(),
		"stale_removed", staleRemoved,
		"elapsed", time.Since(start).String(),
	)
	return nil
}

// recoverPostIDs loads the postid: direction of the registry and returns the
// highest id seen.
func (a *Aggregator) recoverPostIDs(w kv.Writer) uint32 {
	start := time.Now()
	var maxID uint32
	var loaded, dropped int

	rows, err := a.collectPrefix(prefixPostID)
	if err != nil {
		a.logger.Error("failed to scan postid rows", "error", err)
		return 0
	}
	for _, row := range rows {
		uri := strings.TrimPrefix(row.key, prefixPostID)
		id, ok := decodeID(row.value)
		if !ok || uri == "" {
			a.logger.Warn("deleting malformed postid row", "key", row.key)
			w.Delete(row.key)
			dropped++
			continue
		}
		a.registry.idByURI[uri] = id
		if id > maxID {
			maxID = id
		}
		loaded++
	}

	a.logger.Info("recovery phase: postid", "loaded", loaded, "dropped", dropped, "elapsed", time.Since(start).String())
	return maxID
}

// recoverPostURIs loads the posturi: direction, accepting both the current
// plain-string value and the legacy {uri, url} object, then reconciles the
// two directions in favor of postid:.
func (a *Aggregator) recoverPostURIs(w kv.Writer) {
	start := time.Now()
	var loaded, dropped int

	rows, err := a.collectPrefix(prefixPostURI)
	if err != nil {
		a.logger.Error("failed to scan posturi rows", "error", err)
		return
	}
	for _, row := range rows {
		id64, err := strconv.ParseUint(strings.TrimPrefix(row.key, prefixPostURI), 10, 32)
		if err != nil || id64 == 0 {
			a.logger.Warn("deleting malformed posturi row", "key", row.key)
			w.Delete(row.key)
			dropped++
			continue
		}
		id := uint32(id64)

		uri, url, ok := decodeURIValue(row.value)
		if !ok {
			a.logger.Warn("deleting malformed posturi row", "key", row.key)
			w.Delete(row.key)
			dropped++
			continue
		}
		a.registry.uriByID[id] = uri
		if url != "" {
			a.registry.urlByID[id] = url
		}
		loaded++
	}

	// postid: wins on disagreement
	for uri, id := range a.registry.idByURI {
		if existing, ok := a.registry.uriByID[id]; !ok || existing != uri {
			a.registry.uriByID[id] = uri
			w.Put(prefixPostURI+idKey(id), uri)
		}
	}
	var orphans int
	for id, uri := range a.registry.uriByID {
		if mapped, ok := a.registry.idByURI[uri]; !ok || mapped != id {
			delete(a.registry.uriByID, id)
			delete(a.registry.urlByID, id)
			w.Delete(prefixPostURI + idKey(id))
			w.Delete(prefixPostURL + idKey(id))
			orphans++
		}
	}

	a.logger.Info("recovery phase: posturi", "loaded", loaded, "dropped", dropped, "orphans", orphans, "elapsed", time.Since(start).String())
}

// decodeURIValue parses a posturi: value: a URI string, or the legacy
// {uri, url} object.
func decodeURIValue(raw []byte) (uri, url string, ok bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, "", true
	}
	var legacy struct {
		URI string  `json:"uri"`
		URL *string `json:"url"`
	}
	if err := json.Unmarshal(raw, &legacy); err == nil && legacy.URI != "" {
		if legacy.URL != nil {
			url = *legacy.URL
		}
		return legacy.URI, url, true
	}
	return "", "", false
}

// recoverPostURLs populates the display-URL cache, re-deriving URLs that are
// missing and discarding rows for unknown ids.
func (a *Aggregator) recoverPostURLs(w kv.Writer) {
	start := time.Now()
	var loaded, dropped int

	rows, err := a.collectPrefix(prefixPostURL)
	if err != nil {
		a.logger.Error("failed to scan posturl rows", "error", err)
		return
	}
	for _, row := range rows {
		id64, err := strconv.ParseUint(strings.TrimPrefix(row.key, prefixPostURL), 10, 32)
		if err != nil || id64 == 0 {
			w.Delete(row.key)
			dropped++
			continue
		}
		id := uint32(id64)
		if _, known := a.registry.uriByID[id]; !known {
			w.Delete(row.key)
			dropped++
			continue
		}

		var url string
		if err := json.Unmarshal(row.value, &url); err == nil && url != "" {
			a.registry.urlByID[id] = url
		}
		loaded++
	}

	// re-derive anything still missing
	for id, uri := range a.registry.uriByID {
		if _, ok := a.registry.urlByID[id]; ok {
			continue
		}
		url := displayURL(uri)
		a.registry.urlByID[id] = url
		if url == "" {
			w.Put(prefixPostURL+idKey(id), nil)
		} else {
			w.Put(prefixPostURL+idKey(id), url)
		}
	}

	a.logger.Info("recovery phase: posturl", "loaded", loaded, "dropped", dropped, "elapsed", time.Since(start).String())
}

// recoverPosts rebuilds the tally table from post: rows, dropping zeroed and
// stale entries, reconciling ids, and rewriting rows whose canonical payload
// differs from what was read. Returns the number of stale rows removed.
func (a *Aggregator) recoverPosts(w kv.Writer) int {
	start := time.Now()
	nowMS := a.now().UnixMilli()
	staleMS := a.cfg.StaleAfter.Milliseconds()
	var loaded, zeroed, stale, dropped int

	rows, err := a.collectPrefix(prefixPost)
	if err != nil {
		a.logger.Error("failed to scan post rows", "error", err)
		return 0
	}
	for _, row := range rows {
		uri := strings.TrimPrefix(row.key, prefixPost)

		var stats PostStats
		if err := json.Unmarshal(row.value, &stats); err != nil || uri == "" {
			a.logger.Warn("deleting malformed post row", "key", row.key, "error", err)
			w.Delete(row.key)
			dropped++
			continue
		}
		stats.Likes = max(0, stats.Likes)
		stats.Reposts = max(0, stats.Reposts)

		if stats.Likes == 0 && stats.Reposts == 0 {
			a.dropPostRow(uri, row.key, w)
			zeroed++
			continue
		}
		if nowMS-stats.LastUpdated > staleMS {
			a.dropPostRow(uri, row.key, w)
			stale++
			continue
		}

		if id, ok := a.registry.id(uri); ok {
			stats.ID = id
		} else if stats.ID != 0 {
			if _, taken := a.registry.uri(stats.ID); taken {
				// id already belongs to another post
				stats.ID = a.registry.ensure(uri, w)
			} else {
				a.registry.adopt(uri, stats.ID, w)
			}
		} else {
			stats.ID = a.registry.ensure(uri, w)
		}

		canonical, err := json.Marshal(&stats)
		if err == nil && !bytes.Equal(canonical, row.value) {
			w.Put(row.key, &stats)
		}

		a.tally[uri] = &stats
		loaded++
	}

	a.logger.Info("recovery phase: post",
		"loaded", loaded,
		"zeroed", zeroed,
		"stale", stale,
		"dropped", dropped,
		"elapsed", time.Since(start).String(),
	)
	return stale
}

func (a *Aggregator) dropPostRow(uri, key string, w kv.Writer) {
	w.Delete(key)
	if id, ok := a.registry.id(uri); ok {
		a.registry.remove(id, w)
	}
}

// recoverRefs rebuilds one active-reference cache from like:/repost: rows.
// Legacy URI-string values are resolved and rewritten as numeric ids; rows
// whose target post is gone are deleted.
func (a *Aggregator) recoverRefs(kind refKind, w kv.Writer) {
	start := time.Now()
	var loaded, migrated, dropped int

	rows, err := a.collectPrefix(kind.prefix())
	if err != nil {
		a.logger.Error("failed to scan reference rows", "kind", kind.String(), "error", err)
		return
	}
	for _, row := range rows {
		id, legacyURI, ok := decodeRefValue(row.value)
		if !ok {
			a.logger.Warn("deleting malformed reference row", "key", row.key)
			w.Delete(row.key)
			dropped++
			continue
		}
		if legacyURI != "" {
			mapped, ok := a.registry.id(legacyURI)
			if !ok {
				w.Delete(row.key)
				dropped++
				continue
			}
			id = mapped
			w.Put(row.key, id)
			migrated++
		}

		uri, ok := a.registry.uri(id)
		if !ok {
			w.Delete(row.key)
			dropped++
			continue
		}
		if _, tracked := a.tally[uri]; !tracked {
			w.Delete(row.key)
			dropped++
			continue
		}

		ref := strings.TrimPrefix(row.key, kind.prefix())
		a.cacheFor(kind).Add(ref, id)
		loaded++
	}

	a.logger.Info("recovery phase: "+kind.String(),
		"loaded", loaded,
		"migrated", migrated,
		"dropped", dropped,
		"elapsed", time.Since(start).String(),
	)
}
