package kv

import "log/slog"

// Writer is the write surface handed to code that should not care whether its
// puts and deletes are batched or applied immediately.
type Writer interface {
	// Put schedules or applies a JSON-encoded write. Failures are logged,
	// not returned; durable state is rewritten on the next update anyway.
	Put(key string, value any)

	// Delete schedules or applies a key removal.
	Delete(key string)
}

// Batcher accumulates puts and deletes and applies them as atomic batches.
// When the pending op count reaches the limit the batch flushes itself;
// Flush applies whatever remains.
type Batcher struct {
	store  *Store
	limit  int
	logger *slog.Logger
	ops    []Op
}

// NewBatcher creates a batcher that flushes every limit ops.
func NewBatcher(store *Store, limit int, logger *slog.Logger) *Batcher {
	return &Batcher{
		store:  store,
		limit:  limit,
		logger: logger,
		ops:    make([]Op, 0, limit),
	}
}

func (b *Batcher) Put(key string, value any) {
	op, err := PutOp(key, value)
	if err != nil {
		b.logger.Error("failed to encode batched write", "key", key, "error", err)
		return
	}
	b.append(op)
}

func (b *Batcher) Delete(key string) {
	b.append(DelOp(key))
}

func (b *Batcher) append(op Op) {
	b.ops = append(b.ops, op)
	if len(b.ops) >= b.limit {
		if err := b.Flush(); err != nil {
			b.logger.Error("failed to flush write batch", "ops", b.limit, "error", err)
		}
	}
}

// Len reports the number of pending ops.
func (b *Batcher) Len() int {
	return len(b.ops)
}

// Flush applies all pending ops in one atomic transaction.
func (b *Batcher) Flush() error {
	if len(b.ops) == 0 {
		return nil
	}
	ops := b.ops
	b.ops = b.ops[:0]
	return b.store.Apply(ops)
}

// directWriter applies each op as its own transaction. Used outside batch
// scopes where writes are logically independent.
type directWriter struct {
	store  *Store
	logger *slog.Logger
}

// NewDirectWriter returns a Writer that applies each op immediately, logging
// failures with the offending key.
func NewDirectWriter(store *Store, logger *slog.Logger) Writer {
	return &directWriter{store: store, logger: logger}
}

func (w *directWriter) Put(key string, value any) {
	if err := w.store.Put(key, value); err != nil {
		w.logger.Error("failed to write key", "key", key, "error", err)
	}
}

func (w *directWriter) Delete(key string) {
	if err := w.store.Delete(key); err != nil {
		w.logger.Error("failed to delete key", "key", key, "error", err)
	}
}
