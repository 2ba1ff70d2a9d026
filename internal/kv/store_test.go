package kv

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test-db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGetDelete(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("post:a", map[string]int{"likes": 3}))

	var got map[string]int
	require.NoError(t, store.GetJSON("post:a", &got))
	assert.Equal(t, 3, got["likes"])

	require.NoError(t, store.Delete("post:a"))
	_, err := store.Get("post:a")
	assert.True(t, errors.Is(err, ErrNotFound))

	// deleting a missing key is fine
	require.NoError(t, store.Delete("post:a"))
}

func TestGetNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanPrefixOrder(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("like:b/2", 2))
	require.NoError(t, store.Put("like:a/1", 1))
	require.NoError(t, store.Put("repost:c/3", 3))
	require.NoError(t, store.Put("like:c/3", 3))

	var keys []string
	err := store.Scan("like:", func(key string, value []byte) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"like:a/1", "like:b/2", "like:c/3"}, keys)
}

func TestScanStopEarly(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("k:1", 1))
	require.NoError(t, store.Put("k:2", 2))

	var seen int
	err := store.Scan("k:", func(key string, value []byte) error {
		seen++
		return ErrStopScan
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestRangeBounds(t *testing.T) {
	store := openTestStore(t)

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.Put(k, k))
	}

	var keys []string
	err := store.Range("b", "d", func(key string, value []byte) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys)
}

func TestApplyAtomicBatch(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("old", 1))

	put, err := PutOp("new", 2)
	require.NoError(t, err)
	require.NoError(t, store.Apply([]Op{put, DelOp("old")}))

	_, err = store.Get("old")
	assert.ErrorIs(t, err, ErrNotFound)

	var got int
	require.NoError(t, store.GetJSON("new", &got))
	assert.Equal(t, 2, got)
}

func TestCompactKeepsData(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 100; i++ {
		require.NoError(t, store.Put("k:"+string(rune('a'+i%26))+string(rune('a'+i/26)), i))
	}
	require.NoError(t, store.Put("keep", "yes"))
	require.NoError(t, store.Delete("k:aa"))

	require.NoError(t, store.Compact())

	var got string
	require.NoError(t, store.GetJSON("keep", &got))
	assert.Equal(t, "yes", got)

	_, err := store.Get("k:aa")
	assert.ErrorIs(t, err, ErrNotFound)
}
