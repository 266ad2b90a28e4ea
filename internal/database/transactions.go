package database

import (
	"context"
	"fmt"
	"sync"
)

// TransactionStore is the idempotency gate for homeserver-pushed
// transactions. Rows are write-once; existence of a transaction id
// means the transaction was fully handled.
//
// Like every store in this package it is a write-through cache: the
// full table is loaded on construction, every mutation commits to
// sqlite before touching the cache, and the cache is the sole read
// path.
type TransactionStore struct {
	d *Database

	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewTransactionStore(ctx context.Context, d *Database) (*TransactionStore, error) {
	s := &TransactionStore{d: d, ids: make(map[string]struct{})}

	rows, err := d.db.QueryContext(ctx, "SELECT txn_id FROM transactions")
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		s.ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}

	return s, nil
}

// Has reports whether txnID was already handled.
func (s *TransactionStore) Has(txnID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[txnID]
	return ok
}

// Append marks txnID handled. The comment is informational only.
func (s *TransactionStore) Append(ctx context.Context, txnID, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := withRetry(ctx, "append transaction", func() error {
		_, err := s.d.db.ExecContext(ctx,
			"INSERT INTO transactions (txn_id, comment) VALUES (?, ?)", txnID, comment)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	s.ids[txnID] = struct{}{}
	return nil
}
