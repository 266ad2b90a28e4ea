package database

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bdvil/matrix-room-import/internal/models"
)

// RoomsToRemoveStore holds imported-from rooms awaiting purge
// confirmation. Lookup happens by the embedded notice event id, not by
// row id: an incoming threaded reply only carries the event id of the
// notice it answers.
type RoomsToRemoveStore struct {
	d *Database

	mu    sync.RWMutex
	rooms map[int64]models.RoomToRemove
}

func NewRoomsToRemoveStore(ctx context.Context, d *Database) (*RoomsToRemoveStore, error) {
	s := &RoomsToRemoveStore{d: d, rooms: make(map[int64]models.RoomToRemove)}

	rows, err := d.db.QueryContext(ctx, "SELECT id, event_id, room_id, users FROM rooms_to_remove")
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms to remove: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var r models.RoomToRemove
		var users string
		if err := rows.Scan(&id, &r.EventID, &r.RoomID, &users); err != nil {
			return nil, fmt.Errorf("failed to scan rooms-to-remove row: %w", err)
		}
		r.Users = splitUsers(users)
		s.rooms[id] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load rooms to remove: %w", err)
	}

	return s, nil
}

// Append registers an old room pending confirmation and returns its
// row id.
func (s *RoomsToRemoveStore) Append(ctx context.Context, r models.RoomToRemove) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := withRetry(ctx, "append room to remove", func() error {
		res, err := s.d.db.ExecContext(ctx,
			"INSERT INTO rooms_to_remove (event_id, room_id, users) VALUES (?, ?, ?)",
			r.EventID, r.RoomID, strings.Join(r.Users, ","))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append room to remove: %w", err)
	}

	s.rooms[id] = r
	return id, nil
}

// HasEventID reports whether a pending entry references eventID.
func (s *RoomsToRemoveStore) HasEventID(eventID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rooms {
		if r.EventID == eventID {
			return true
		}
	}
	return false
}

// PopByEventID removes and returns the entry whose notice event id is
// eventID. models.ErrNotFound is returned when no entry matches.
func (s *RoomsToRemoveStore) PopByEventID(ctx context.Context, eventID string) (models.RoomToRemove, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rowID int64
	var found bool
	var r models.RoomToRemove
	for id, room := range s.rooms {
		if room.EventID == eventID {
			rowID, r, found = id, room, true
			break
		}
	}
	if !found {
		return models.RoomToRemove{}, models.ErrNotFound
	}

	err := withRetry(ctx, "pop room to remove", func() error {
		res, err := s.d.db.ExecContext(ctx, "DELETE FROM rooms_to_remove WHERE id = ?", rowID)
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
		return models.RoomToRemove{}, fmt.Errorf("failed to pop room to remove: %w", err)
	}

	delete(s.rooms, rowID)
	return r, nil
}

func splitUsers(users string) []string {
	if users == "" {
		return nil
	}
	return strings.Split(users, ",")
}
