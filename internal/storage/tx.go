package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type txOp struct {
	key   string
	value *Value // nil deletes
}

// undoEntry is the backend state of a key before a transaction touched it.
type undoEntry struct {
	key   string
	value *Value
	ok    bool
}

// Tx buffers writes until the transaction function returns.
type Tx struct {
	store   *Store
	ops     []txOp
	pending map[string]*Value
}

// Get reads key, seeing writes made earlier in the same transaction.
func (tx *Tx) Get(ctx context.Context, key string) (*Value, bool, error) {
	if v, ok := tx.pending[key]; ok {
		if v == nil {
			return nil, false, nil
		}
		return v.Clone(), true, nil
	}
	return tx.store.Get(ctx, key)
}

// Set buffers a write.
func (tx *Tx) Set(key string, data any, opts ...SetOption) {
	v := tx.store.newValue(data, opts...)
	tx.ops = append(tx.ops, txOp{key: key, value: v})
	tx.pending[key] = v
}

// Delete buffers a delete.
func (tx *Tx) Delete(key string) {
	tx.ops = append(tx.ops, txOp{key: key})
	tx.pending[key] = nil
}

// Transaction runs fn and applies its buffered writes atomically with respect
// to other operations on the store. Nothing is written when fn fails. If the
// backend fails while committing, keys already written are restored.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	tx := &Tx{store: s, pending: make(map[string]*Value)}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.ops) == 0 {
		return nil
	}

	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	undo := make([]undoEntry, 0, len(tx.ops))

	for _, op := range tx.ops {
		full := s.prefix + op.key
		old, ok, err := s.backend.Get(ctx, full)
		if err != nil {
			return s.rollback(ctx, undo, fmt.Errorf("failed to read %s: %w", op.key, err))
		}
		undo = append(undo, undoEntry{key: full, value: old, ok: ok})

		if op.value == nil {
			_, err = s.delete(ctx, op.key)
		} else {
			err = s.set(ctx, op.key, op.value)
		}
		if err != nil {
			return s.rollback(ctx, undo, err)
		}
	}
	return nil
}

func (s *Store) rollback(ctx context.Context, undo []undoEntry, cause error) error {
	errs := []error{cause}
	for i := len(undo) - 1; i >= 0; i-- {
		u := undo[i]
		var err error
		if u.ok {
			err = s.backend.Set(ctx, u.key, u.value)
		} else {
			_, err = s.backend.Delete(ctx, u.key)
		}
		if err != nil {
			s.logger.Error("failed to roll back key",
				zap.String("key", u.key),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
