package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/bdvil/matrix-room-import/internal/models"
)

// Well-known config keys.
const (
	ConfigKeySpaceID    = "space_id"
	ConfigKeyAdminToken = "admin_token"
)

// ConfigStore is a generic key/value store for runtime-updatable
// settings. Reads of an absent key return ok=false and no error;
// updating an absent key is a hard models.ErrNotFound. Values are
// encrypted at rest when encryption is enabled.
type ConfigStore struct {
	d *Database

	mu     sync.RWMutex
	values map[string]string
}

func NewConfigStore(ctx context.Context, d *Database) (*ConfigStore, error) {
	s := &ConfigStore{d: d, values: make(map[string]string)}

	rows, err := d.db.QueryContext(ctx, "SELECT key, value FROM config")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, stored string
		if err := rows.Scan(&key, &stored); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		value, err := d.encryptor.decrypt(stored)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt config value %s: %w", key, err)
		}
		s.values[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return s, nil
}

// Get returns the value for key. ok is false when the key was never
// configured; that is not an error.
func (s *ConfigStore) Get(key string) (value string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok = s.values[key]
	return value, ok
}

// Update replaces the value of an existing key. models.ErrNotFound is
// returned when the key is absent; well-known keys are seeded with
// Ensure at startup.
func (s *ConfigStore) Update(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; !ok {
		return models.ErrNotFound
	}

	stored, err := s.d.encryptor.encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt config value: %w", err)
	}

	err = withRetry(ctx, "update config", func() error {
		res, err := s.d.db.ExecContext(ctx,
			"UPDATE config SET value = ? WHERE key = ?", stored, key)
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
		return fmt.Errorf("failed to update config %s: %w", key, err)
	}

	s.values[key] = value
	return nil
}

// Ensure inserts key with value when absent. An existing value wins so
// runtime updates survive restarts with a stale config file.
func (s *ConfigStore) Ensure(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; ok {
		return nil
	}

	stored, err := s.d.encryptor.encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt config value: %w", err)
	}

	err = withRetry(ctx, "ensure config", func() error {
		_, err := s.d.db.ExecContext(ctx,
			"INSERT INTO config (key, value) VALUES (?, ?)", key, stored)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to ensure config %s: %w", key, err)
	}

	s.values[key] = value
	return nil
}
