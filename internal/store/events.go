package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PluginEventType enumerates the plugin_events rows the supervisor must
// emit, per spec.md §6 ("capturing at minimum started, stopped, crashed,
// auto_disabled, metadata_failed"). route_conflict is additive — see
// DESIGN.md's Open Question decisions.
type PluginEventType string

const (
	EventStarted       PluginEventType = "started"
	EventStopped       PluginEventType = "stopped"
	EventCrashed       PluginEventType = "crashed"
	EventAutoDisabled  PluginEventType = "auto_disabled"
	EventMetadataError PluginEventType = "metadata_failed"
	EventRouteConflict PluginEventType = "route_conflict"
	EventKVError       PluginEventType = "kv_error"
)

// PluginEvent is one row of the plugin_events table.
type PluginEvent struct {
	ID        string
	PluginID  string
	EventType PluginEventType
	Details   string
	Timestamp time.Time
}

// PluginEventStore persists plugin lifecycle events.
type PluginEventStore struct {
	db *DB
}

// NewPluginEventStore builds a PluginEventStore backed by db.
func NewPluginEventStore(db *DB) *PluginEventStore {
	return &PluginEventStore{db: db}
}

// Record inserts a new plugin event row.
func (s *PluginEventStore) Record(ctx context.Context, pluginID string, eventType PluginEventType, details string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO plugin_events (id, plugin_id, event_type, details, timestamp) VALUES (?, ?, ?, ?, ?)",
		uuid.New().String(), pluginID, string(eventType), details, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: record plugin event: %w", err)
	}
	return nil
}

// ListForPlugin returns every event recorded for pluginID, oldest first.
func (s *PluginEventStore) ListForPlugin(ctx context.Context, pluginID string) ([]PluginEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plugin_id, event_type, details, timestamp
		FROM plugin_events WHERE plugin_id = ? ORDER BY timestamp ASC
	`, pluginID)
	if err != nil {
		return nil, fmt.Errorf("store: list plugin events: %w", err)
	}
	defer rows.Close()

	var events []PluginEvent
	for rows.Next() {
		var e PluginEvent
		var ts int64
		if err := rows.Scan(&e.ID, &e.PluginID, &e.EventType, &e.Details, &ts); err != nil {
			return nil, fmt.Errorf("store: scan plugin event: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		events = append(events, e)
	}
	return events, rows.Err()
}
