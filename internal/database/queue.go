package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/bdvil/matrix-room-import/internal/models"
)

// QueueStore is the durable FIFO of pending import jobs. Insertion
// order equals processing order; a dequeued row is gone (at-most-once
// delivery, an accepted limitation of this system).
type QueueStore struct {
	d *Database

	mu   sync.RWMutex
	jobs map[int64]models.Process
}

func NewQueueStore(ctx context.Context, d *Database) (*QueueStore, error) {
	s := &QueueStore{d: d, jobs: make(map[int64]models.Process)}

	rows, err := d.db.QueryContext(ctx, "SELECT id, path, event_id, room_id FROM queue")
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var p models.Process
		if err := rows.Scan(&id, &p.Path, &p.EventID, &p.RoomID); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		s.jobs[id] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	return s, nil
}

// Len returns the number of queued jobs. At startup it seeds the
// concurrency gate so persisted backlog survives a restart.
func (s *QueueStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Append enqueues an import job and returns its row id.
func (s *QueueStore) Append(ctx context.Context, p models.Process) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := withRetry(ctx, "append queue job", func() error {
		res, err := s.d.db.ExecContext(ctx,
			"INSERT INTO queue (path, event_id, room_id) VALUES (?, ?, ?)",
			p.Path, p.EventID, p.RoomID)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append queue job: %w", err)
	}

	s.jobs[id] = p
	return id, nil
}

// Pop deletes the job with the given row id. models.ErrNotFound is
// returned when the row no longer exists.
func (s *QueueStore) Pop(ctx context.Context, id int64) (models.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked(ctx, id)
}

func (s *QueueStore) popLocked(ctx context.Context, id int64) (models.Process, error) {
	p, ok := s.jobs[id]
	if !ok {
		return models.Process{}, models.ErrNotFound
	}

	err := withRetry(ctx, "pop queue job", func() error {
		res, err := s.d.db.ExecContext(ctx, "DELETE FROM queue WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return models.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return models.Process{}, fmt.Errorf("failed to pop queue job: %w", err)
	}

	delete(s.jobs, id)
	return p, nil
}

// GetAndRemoveNext atomically dequeues the oldest job (smallest row
// id). The delete-and-return runs inside a sqlite transaction so the
// contract holds even with multiple consumers on the same store.
func (s *QueueStore) GetAndRemoveNext(ctx context.Context) (models.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	var p models.Process

	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Process{}, fmt.Errorf("failed to begin dequeue: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		"SELECT id, path, event_id, room_id FROM queue ORDER BY id LIMIT 1")
	if err := row.Scan(&id, &p.Path, &p.EventID, &p.RoomID); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return models.Process{}, fmt.Errorf("failed to scan next job: %w (rollback error: %v)", err, rbErr)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return models.Process{}, models.ErrNotFound
		}
		return models.Process{}, fmt.Errorf("failed to scan next job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM queue WHERE id = ?", id); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return models.Process{}, fmt.Errorf("failed to delete next job: %w (rollback error: %v)", err, rbErr)
		}
		return models.Process{}, fmt.Errorf("failed to delete next job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Process{}, fmt.Errorf("failed to commit dequeue: %w", err)
	}

	delete(s.jobs, id)
	return p, nil
}
