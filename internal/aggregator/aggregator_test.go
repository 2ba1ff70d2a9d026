package aggregator

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bluesky-aggregator/internal/config"
	"github.com/blackmichael/bluesky-aggregator/internal/firehose"
	"github.com/blackmichael/bluesky-aggregator/internal/kv"
)

const subjectPost = "at://did:p/app.bsky.feed.post/r1"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ReportInterval:   30 * time.Second,
		TopCount:         10,
		MaxTrackedPosts:  100_000,
		WindowHours:      24,
		HalfLifeHours:    3,
		SnapshotInterval: 10 * time.Minute,
		SnapshotDir:      t.TempDir(),
		StaleAfter:       24 * time.Hour,
		MaxActiveLikes:   200_000,
		MaxActiveReposts: 120_000,
	}
}

func newTestStore(t *testing.T) *kv.Store {
	t.Helper()
	store, err := kv.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestAggregator(t *testing.T, cfg *config.Config, store *kv.Store) *Aggregator {
	t.Helper()
	agg, err := New(cfg, store, discardLogger())
	require.NoError(t, err)
	t.Cleanup(agg.snapshots.close)
	return agg
}

func createEvent(collection, did, rkey, subject string) *firehose.Event {
	return &firehose.Event{
		DID:  did,
		Kind: "commit",
		Commit: &firehose.Commit{
			Operation:  firehose.OpCreate,
			Collection: collection,
			RKey:       rkey,
			Record: &firehose.RefRecord{
				Subject: firehose.StrongRef{URI: subject},
			},
		},
	}
}

func deleteEvent(collection, did, rkey string) *firehose.Event {
	return &firehose.Event{
		DID:  did,
		Kind: "commit",
		Commit: &firehose.Commit{
			Operation:  firehose.OpDelete,
			Collection: collection,
			RKey:       rkey,
		},
	}
}

func TestLikeUnlikeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	agg := newTestAggregator(t, testConfig(t), store)

	require.NoError(t, agg.HandleCommit(createEvent(firehose.CollectionLike, "did:a", "x1", subjectPost)))
	require.NoError(t, agg.HandleCommit(createEvent(firehose.CollectionLike, "did:b", "x2", subjectPost)))
	require.NoError(t, agg.HandleCommit(deleteEvent(firehose.CollectionLike, "did:a", "x1")))

	stats, ok := agg.tally[subjectPost]
	require.True(t, ok)
	assert.Equal(t, 1, stats.Likes)
	assert.Equal(t, 0, stats.Reposts)

	assert.Equal(t, 1, agg.activeLikes.Len())
	_, ok = agg.activeLikes.Get("did:b/x2")
	assert.True(t, ok)
	_, ok = agg.activeLikes.Get("did:a/x1")
	assert.False(t, ok)

	var row PostStats
	require.NoError(t, store.GetJSON("post:"+subjectPost, &row))
	assert.Equal(t, 1, row.Likes)

	_, err := store.Get("like:did:a/x1")
	assert.ErrorIs(t, err, kv.ErrNotFound)
	_, err = store.Get("like:did:b/x2")
	assert.NoError(t, err)
}

func TestDeleteWithoutCreate(t *testing.T) {
	store := newTestStore(t)
	agg := newTestAggregator(t, testConfig(t), store)

	require.NoError(t, agg.HandleCommit(deleteEvent(firehose.CollectionLike, "did:c", "z")))

	assert.Empty(t, agg.tally)
	assert.Equal(t, 0, agg.activeLikes.Len())

	var keys int
	require.NoError(t, store.Scan("like:", func(string, []byte) error {
		keys++
		return nil
	}))
	assert.Zero(t, keys, "no row should be created for an unmatched delete")
}

func TestRepostSymmetry(t *testing.T) {
	store := newTestStore(t)
	agg := newTestAggregator(t, testConfig(t), store)

	require.NoError(t, agg.HandleCommit(createEvent(firehose.CollectionRepost, "did:a", "y1", subjectPost)))

	stats := agg.tally[subjectPost]
	require.NotNil(t, stats)
	assert.Equal(t, 0, stats.Likes)
	assert.Equal(t, 1, stats.Reposts)

	_, ok := agg.activeReposts.Get("did:a/y1")
	assert.True(t, ok)

	require.NoError(t, agg.HandleCommit(deleteEvent(firehose.CollectionRepost, "did:a", "y1")))
	assert.Empty(t, agg.tally)
}

func TestBothZeroRemovesPost(t *testing.T) {
	store := newTestStore(t)
	agg := newTestAggregator(t, testConfig(t), store)

	require.NoError(t, agg.HandleCommit(createEvent(firehose.CollectionLike, "did:a", "x1", subjectPost)))
	id := agg.tally[subjectPost].ID

	require.NoError(t, agg.HandleCommit(deleteEvent(firehose.CollectionLike, "did:a", "x1")))

	assert.Empty(t, agg.tally)
	_, ok := agg.registry.uri(id)
	assert.False(t, ok)

	for _, key := range []string{"post:" + subjectPost, "postid:" + subjectPost, "posturi:" + idKey(id), "posturl:" + idKey(id)} {
		_, err := store.Get(key)
		assert.ErrorIs(t, err, kv.ErrNotFound, key)
	}
}

func TestDuplicateDeleteIsAbsorbed(t *testing.T) {
	store := newTestStore(t)
	agg := newTestAggregator(t, testConfig(t), store)

	require.NoError(t, agg.HandleCommit(createEvent(firehose.CollectionLike, "did:a", "x1", subjectPost)))
	require.NoError(t, agg.HandleCommit(deleteEvent(firehose.CollectionLike, "did:a", "x1")))
	require.NoError(t, agg.HandleCommit(deleteEvent(firehose.CollectionLike, "did:a", "x1")))

	assert.Empty(t, agg.tally)
}

func TestDeleteResolvesViaStoreAfterCacheEviction(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxActiveLikes = 1
	store := newTestStore(t)
	agg := newTestAggregator(t, cfg, store)

	other := "at://did:q/app.bsky.feed.post/r2"
	require.NoError(t, agg.HandleCommit(createEvent(firehose.CollectionLike, "did:a", "x1", subjectPost)))
	require.NoError(t, agg.HandleCommit(createEvent(firehose.CollectionLike, "did:b", "x2", other)))

	// did:a/x1 has been evicted from the cache but its row survives
	_, ok := agg.activeLikes.Peek("did:a/x1")
	require.False(t, ok)
	_, err := store.Get("like:did:a/x1")
	require.NoError(t, err)

	require.NoError(t, agg.HandleCommit(deleteEvent(firehose.CollectionLike, "did:a", "x1")))

	_, ok = agg.tally[subjectPost]
	assert.False(t, ok, "the like should still be undone via the store fallback")
	_, err = store.Get("like:did:a/x1")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestDeleteResolvesLegacyURIRow(t *testing.T) {
	store := newTestStore(t)
	agg := newTestAggregator(t, testConfig(t), store)

	require.NoError(t, agg.HandleCommit(createEvent(firehose.CollectionLike, "did:a", "x1", subjectPost)))
	require.NoError(t, agg.HandleCommit(createEvent(firehose.CollectionLike, "did:b", "x2", subjectPost)))

	// rewrite did:b's row to the legacy string format and evict it
	require.NoError(t, store.Put("like:did:b/x2", subjectPost))
	agg.activeLikes.Remove("did:b/x2")

	require.NoError(t, agg.HandleCommit(deleteEvent(firehose.CollectionLike, "did:b", "x2")))

	stats := agg.tally[subjectPost]
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.Likes)
	_, err := store.Get("like:did:b/x2")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestUpdateIgnored(t *testing.T) {
	store := newTestStore(t)
	agg := newTestAggregator(t, testConfig(t), store)

	evt := createEvent(firehose.CollectionLike, "did:a", "x1", subjectPost)
	evt.Commit.Operation = firehose.OpUpdate
	require.NoError(t, agg.HandleCommit(evt))

	assert.Empty(t, agg.tally)
}

func TestCreateWithoutSubjectDropped(t *testing.T) {
	store := newTestStore(t)
	agg := newTestAggregator(t, testConfig(t), store)

	evt := createEvent(firehose.CollectionLike, "did:a", "x1", "")
	require.NoError(t, agg.HandleCommit(evt))

	evt = createEvent(firehose.CollectionLike, "did:a", "x2", subjectPost)
	evt.Commit.Record = nil
	require.NoError(t, agg.HandleCommit(evt))

	assert.Empty(t, agg.tally)
}

func TestOtherCollectionsIgnored(t *testing.T) {
	store := newTestStore(t)
	agg := newTestAggregator(t, testConfig(t), store)

	evt := createEvent("app.bsky.feed.post", "did:a", "x1", subjectPost)
	require.NoError(t, agg.HandleCommit(evt))

	assert.Empty(t, agg.tally)
}
