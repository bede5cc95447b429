package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

type TxOptions struct {
	IsolationLevel sql.IsolationLevel
	ReadOnly       bool
	MaxRetries     int
}

func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel: sql.LevelReadCommitted,
		ReadOnly:       false,
		MaxRetries:     3,
	}
}

// InTx runs fn inside a READ COMMITTED transaction. Serialization failures,
// deadlocks and lock timeouts roll back and re-run fn with jittered
// exponential backoff. Any other error from fn rolls back and is returned as is.
func (s *Store) InTx(ctx context.Context, fn func(q Querier) error) error {
	opts := DefaultTxOptions()
	opts.MaxRetries = s.maxRetries
	return s.WithRetry(ctx, opts, fn)
}

func (s *Store) WithRetry(ctx context.Context, opts TxOptions, fn func(q Querier) error) error {
	var lastErr error
	backoff := 50 * time.Millisecond

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := s.runTx(ctx, opts, fn)
		if err == nil {
			return nil
		}

		if !IsRetryable(err) {
			return err
		}
		if attempt == opts.MaxRetries {
			return fmt.Errorf("max retries (%d) exceeded: %w", opts.MaxRetries, err)
		}

		lastErr = err
		util.TxRetriesTotal.WithLabelValues(ClassifyError(err).String()).Inc()
		s.logger.Warn("Retrying transaction",
			zap.Int("attempt", attempt+1),
			zap.String("class", ClassifyError(err).String()),
			zap.Error(err))

		jitter := time.Duration(rand.Int63n(int64(backoff / 4)))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}

	return lastErr
}

func (s *Store) runTx(ctx context.Context, opts TxOptions, fn func(q Querier) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{
		Isolation: opts.IsolationLevel,
		ReadOnly:  opts.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&queries{ext: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
