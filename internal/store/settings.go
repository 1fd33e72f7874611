package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// instanceIDKey is the settings row holding the host's stable UUIDv4,
// handed to every plugin on init (spec.md §3, §6).
const instanceIDKey = "instance_id"

// pluginsConfigKey is the settings row holding the JSON document
// { <id>: {enabled: bool} } (spec.md §6).
const pluginsConfigKey = "plugins.config"

// PluginConfigStore persists per-plugin enabled flags and the host instance
// id, per spec.md §6.
type PluginConfigStore struct {
	db *DB
}

// NewPluginConfigStore builds a PluginConfigStore backed by db.
func NewPluginConfigStore(db *DB) *PluginConfigStore {
	return &PluginConfigStore{db: db}
}

// PluginConfig is one entry of the persisted plugins.config document.
type PluginConfig struct {
	Enabled bool `json:"enabled"`
}

// InstanceID returns the host's persisted instance id, generating and
// persisting a fresh UUIDv4 on first-ever boot (spec.md §3's HostInstanceId).
func (s *PluginConfigStore) InstanceID(ctx context.Context) (string, error) {
	value, err := s.get(ctx, instanceIDKey)
	if err != nil {
		return "", err
	}
	if value != "" {
		return value, nil
	}

	id := uuid.New().String()
	if err := s.set(ctx, instanceIDKey, id); err != nil {
		return "", err
	}
	return id, nil
}

// Enabled returns the persisted enabled flag for id, defaulting to false
// for plugins never seen before (spec.md §4.4 step 4).
func (s *PluginConfigStore) Enabled(ctx context.Context, id string) (bool, error) {
	cfg, err := s.all(ctx)
	if err != nil {
		return false, err
	}
	return cfg[id].Enabled, nil
}

// SetEnabled persists the enabled flag for id, leaving every other plugin's
// entry untouched — a disable/enable cycle must round-trip the rest of the
// map unchanged (spec.md §8).
func (s *PluginConfigStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	cfg, err := s.all(ctx)
	if err != nil {
		return err
	}
	entry := cfg[id]
	entry.Enabled = enabled
	cfg[id] = entry

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("store: marshal plugins config: %w", err)
	}
	return s.set(ctx, pluginsConfigKey, string(data))
}

// All returns the full persisted plugins.config map.
func (s *PluginConfigStore) All(ctx context.Context) (map[string]PluginConfig, error) {
	return s.all(ctx)
}

func (s *PluginConfigStore) all(ctx context.Context) (map[string]PluginConfig, error) {
	value, err := s.get(ctx, pluginsConfigKey)
	if err != nil {
		return nil, err
	}
	cfg := make(map[string]PluginConfig)
	if value == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(value), &cfg); err != nil {
		return nil, fmt.Errorf("store: unmarshal plugins config: %w", err)
	}
	return cfg, nil
}

func (s *PluginConfigStore) get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: read setting %q: %w", key, err)
	}
	return value, nil
}

func (s *PluginConfigStore) set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("store: write setting %q: %w", key, err)
	}
	return nil
}
