package memory

import (
	"context"

	"github.com/upb/sdp-ingestion/repositories"
	"go.uber.org/zap"
)

// txKey carries the active *transaction through a context
type txKey struct{}

// journal records how to undo a write made on ctx's transaction. It must be
// called with s.mu held. Writes outside a transaction are not journaled.
func (s *Store) journal(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(txKey{}).(*transaction); ok && tx.s == s && !tx.done {
		tx.undo = append(tx.undo, undo)
	}
}

// txManager implements repositories.TransactionManager. Transactions are
// serialized; a rollback replays the transaction's undo log.
type txManager struct{ s *Store }

func (m *txManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.s.txMu.Lock()
	tx := &transaction{s: m.s}
	tx.ctx = context.WithValue(ctx, txKey{}, tx)
	return tx, nil
}

func (m *txManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	if outer, ok := ctx.Value(txKey{}).(*transaction); ok && outer.s == m.s {
		return fn(ctx, outer)
	}

	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx.Context(), tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// transaction implements repositories.Transaction
type transaction struct {
	s    *Store
	undo []func()
	ctx  context.Context
	done bool
}

func (t *transaction) Commit() error {
	if t.done {
		return nil
	}
	t.s.mu.Lock()
	t.done = true
	t.undo = nil
	t.s.mu.Unlock()
	t.s.txMu.Unlock()
	return nil
}

func (t *transaction) Rollback() error {
	if t.done {
		return nil
	}
	t.s.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	writes := len(t.undo)
	t.done = true
	t.undo = nil
	t.s.mu.Unlock()

	t.s.logger.Debug("memory transaction rolled back", zap.Int("writes", writes))
	t.s.txMu.Unlock()
	return nil
}

func (t *transaction) Context() context.Context {
	return t.ctx
}
