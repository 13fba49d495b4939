package services

import (
	"context"

	"github.com/upb/sdp-ingestion/repositories"
)

// WithTransactionResult runs fn in a transaction of txMgr and returns its
// result. Calls made on a context that already carries a transaction join
// it. Begin and commit failures come back as internal errors; errors from
// fn are returned unchanged.
func WithTransactionResult[T any](ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context, tx repositories.Transaction) (T, error)) (T, error) {
	var (
		result T
		fnErr  error
	)
	err := txMgr.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		result, fnErr = fn(ctx, tx)
		return fnErr
	})
	if err != nil {
		var zero T
		if fnErr == nil && GetErrorType(err) == "" {
			err = WrapInternal("transaction failed", err)
		}
		return zero, err
	}
	return result, nil
}
