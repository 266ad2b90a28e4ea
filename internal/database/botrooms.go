package database

import (
	"context"
	"fmt"
	"sync"
)

// BotRoomStore records rooms the bot joined as helper/controller rooms.
// Membership decides whether an incoming message is interpreted as a
// bot command.
type BotRoomStore struct {
	d *Database

	mu    sync.RWMutex
	rooms map[int64]string
}

func NewBotRoomStore(ctx context.Context, d *Database) (*BotRoomStore, error) {
	s := &BotRoomStore{d: d, rooms: make(map[int64]string)}

	rows, err := d.db.QueryContext(ctx, "SELECT id, room_id FROM bot_rooms")
	if err != nil {
		return nil, fmt.Errorf("failed to load bot rooms: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var roomID string
		if err := rows.Scan(&id, &roomID); err != nil {
			return nil, fmt.Errorf("failed to scan bot room: %w", err)
		}
		s.rooms[id] = roomID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load bot rooms: %w", err)
	}

	return s, nil
}

// Has reports whether roomID is a bot room.
func (s *BotRoomStore) Has(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rooms {
		if r == roomID {
			return true
		}
	}
	return false
}

// Append records roomID as a bot room and returns its row id.
func (s *BotRoomStore) Append(ctx context.Context, roomID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := withRetry(ctx, "append bot room", func() error {
		res, err := s.d.db.ExecContext(ctx,
			"INSERT INTO bot_rooms (room_id) VALUES (?)", roomID)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append bot room: %w", err)
	}

	s.rooms[id] = roomID
	return id, nil
}

// Rooms returns a snapshot of all bot room ids.
func (s *BotRoomStore) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out
}
