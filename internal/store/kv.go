package store

import (
	"context"
	"database/sql"
	"fmt"
)

// PluginKVStore is the backing store for plugin-originated KV requests
// (spec.md §4.6), namespaced per plugin id so two plugins can use the same
// key without colliding.
type PluginKVStore struct {
	db *DB
}

// NewPluginKVStore builds a PluginKVStore backed by db.
func NewPluginKVStore(db *DB) *PluginKVStore {
	return &PluginKVStore{db: db}
}

// Get returns the value for (pluginID, key), or nil if unset.
func (s *PluginKVStore) Get(ctx context.Context, pluginID, key string) (*string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM plugin_kv WHERE plugin_id = ? AND key = ?", pluginID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: kv get %q/%q: %w", pluginID, key, err)
	}
	return &value, nil
}

// Set upserts the value for (pluginID, key).
func (s *PluginKVStore) Set(ctx context.Context, pluginID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugin_kv (plugin_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(plugin_id, key) DO UPDATE SET value = excluded.value`,
		pluginID, key, value,
	)
	if err != nil {
		return fmt.Errorf("store: kv set %q/%q: %w", pluginID, key, err)
	}
	return nil
}

// Delete removes (pluginID, key) if present. Deleting an absent key is not
// an error.
func (s *PluginKVStore) Delete(ctx context.Context, pluginID, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM plugin_kv WHERE plugin_id = ? AND key = ?", pluginID, key,
	)
	if err != nil {
		return fmt.Errorf("store: kv delete %q/%q: %w", pluginID, key, err)
	}
	return nil
}
