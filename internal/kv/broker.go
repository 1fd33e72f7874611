// Package kv brokers plugin-originated KV requests against the host's
// backing store, correlating each by request_id and guaranteeing exactly
// one response per request (spec.md §4.6). The correlation idiom is
// grounded on the teacher's PluginClient.pending map (internal/plugin/rpc.go),
// adapted here for the reversed direction: the plugin is the caller and the
// host is the responder, so Handle never blocks on a channel — it always
// returns a reply synchronously for the caller to write back.
package kv

import (
	"context"
	"log/slog"

	"github.com/toru-run/toru/internal/store"
	"github.com/toru-run/toru/internal/wire"
)

// Store is the backing interface a Broker dispatches Get/Set/Delete against.
// internal/store.PluginKVStore satisfies it.
type Store interface {
	Get(ctx context.Context, pluginID, key string) (*string, error)
	Set(ctx context.Context, pluginID, key, value string) error
	Delete(ctx context.Context, pluginID, key string) error
}

// EventRecorder is the subset of store.PluginEventStore a Broker needs to
// log kv_error events (spec.md §6, §4.6).
type EventRecorder interface {
	Record(ctx context.Context, pluginID string, eventType store.PluginEventType, details string) error
}

// Broker dispatches plugin KV requests to a Store.
type Broker struct {
	store  Store
	events EventRecorder
	logger *slog.Logger
}

// New builds a Broker backed by s, logging kv_error events through events.
func New(s Store, events EventRecorder, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{store: s, events: events, logger: logger.With("component", "kv")}
}

// Handle executes one plugin-originated KV request and returns the response
// frame to write back, bearing the same request_id. It never returns an
// error: the totality property (spec.md §8, invariant 4) means every
// well-formed request gets exactly one response, and store failures are
// folded into a {value: null} response plus a logged kv_error event rather
// than propagated to the caller.
func (b *Broker) Handle(ctx context.Context, pluginID string, req wire.KV) wire.Message {
	var (
		value *string
		err   error
	)

	switch req.Action {
	case wire.KVGet:
		value, err = b.store.Get(ctx, pluginID, req.Key)
	case wire.KVSet:
		if req.Value != nil {
			err = b.store.Set(ctx, pluginID, req.Key, *req.Value)
		}
	case wire.KVDelete:
		err = b.store.Delete(ctx, pluginID, req.Key)
	default:
		// Malformed action: respond with a null value rather than drop the
		// frame, since the request_id is still well-formed (spec.md §4.6).
		value = nil
	}

	if err != nil {
		value = nil
		b.logger.Warn("kv store operation failed",
			"plugin_id", pluginID, "action", req.Action, "key", req.Key, "error", err)
		if b.events != nil {
			if recErr := b.events.Record(ctx, pluginID, store.EventKVError, err.Error()); recErr != nil {
				b.logger.Error("failed to record kv_error event", "plugin_id", pluginID, "error", recErr)
			}
		}
	}

	return wire.NewKVResponse(req.RequestID, value)
}
