package kv

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBatcherFlushesAtLimit(t *testing.T) {
	store := openTestStore(t)
	b := NewBatcher(store, 3, discardLogger())

	b.Put("a", 1)
	b.Put("b", 2)
	_, err := store.Get("a")
	assert.ErrorIs(t, err, ErrNotFound, "ops below the limit stay pending")

	b.Put("c", 3)
	assert.Equal(t, 0, b.Len(), "reaching the limit flushes")

	var got int
	require.NoError(t, store.GetJSON("a", &got))
	assert.Equal(t, 1, got)
}

func TestBatcherFlushAppliesRemainder(t *testing.T) {
	store := openTestStore(t)
	b := NewBatcher(store, 100, discardLogger())

	b.Put("a", 1)
	b.Delete("never-existed")
	require.NoError(t, b.Flush())
	assert.Equal(t, 0, b.Len())

	var got int
	require.NoError(t, store.GetJSON("a", &got))
	assert.Equal(t, 1, got)

	require.NoError(t, b.Flush(), "flushing an empty batch is a no-op")
}

func TestBatcherDeleteWins(t *testing.T) {
	store := openTestStore(t)
	b := NewBatcher(store, 100, discardLogger())

	b.Put("k", 1)
	b.Delete("k")
	require.NoError(t, b.Flush())

	_, err := store.Get("k")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDirectWriterAppliesImmediately(t *testing.T) {
	store := openTestStore(t)
	w := NewDirectWriter(store, discardLogger())

	w.Put("k", 42)
	var got int
	require.NoError(t, store.GetJSON("k", &got))
	assert.Equal(t, 42, got)

	w.Delete("k")
	_, err := store.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)
}
