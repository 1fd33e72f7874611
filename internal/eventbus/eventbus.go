// Package eventbus runs an embedded NATS server and exposes a small
// pub/sub surface for plugin lifecycle events and script task output,
// grounded on the teacher's internal/core/eventbus.go (same embedded
// server + json-over-subject idiom), repurposed from camera/detection
// subjects to plugin-host subjects.
package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects used by the host (spec.md §4.2, §4.5).
const (
	SubjectPluginEvents = "plugins.events" // PluginEvent, all plugins
	SubjectTaskOutput   = "tasks.output"   // TaskMessage, all running tasks
)

// PluginEvent mirrors a recorded store.PluginEvent for live subscribers
// (dashboards, wsrelay) without round-tripping through the database.
type PluginEvent struct {
	PluginID  string    `json:"plugin_id"`
	EventType string    `json:"event_type"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskMessage mirrors executor.TaskMessage for live subscribers.
type TaskMessage struct {
	TaskID    string    `json:"task_id"`
	Type      string    `json:"type"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Config configures the embedded NATS server.
type Config struct {
	Host            string
	Port            int // -1 lets the OS pick a free port
	StoreDir        string
	EnableJetStream bool
}

// DefaultConfig returns the host's default event bus configuration: an
// OS-assigned loopback port, no JetStream persistence (events are
// ephemeral fan-out, not durable per spec.md — durability lives in
// internal/store).
func DefaultConfig() Config {
	return Config{Host: "127.0.0.1", Port: -1}
}

// Bus is an embedded NATS server plus a client connection to it.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// New starts an embedded NATS server and connects to it.
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}
	if cfg.EnableJetStream {
		opts.JetStream = true
		opts.StoreDir = cfg.StoreDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("eventbus: new server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("eventbus: server not ready after 2s")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}

	logger.Info("event bus started", "url", ns.ClientURL())
	return &Bus{server: ns, conn: nc, logger: logger.With("component", "eventbus")}, nil
}

// ClientURL returns the embedded server's client URL, useful for tests
// that want to connect a second client.
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// PublishPluginEvent fans out a lifecycle/KV-error/route-conflict event to
// any live subscriber (spec.md §4.5 events are persisted separately via
// internal/store; this is the live-tail path).
func (b *Bus) PublishPluginEvent(ev PluginEvent) error {
	return b.publishJSON(SubjectPluginEvents, ev)
}

// SubscribePluginEvents registers handler for every published PluginEvent.
// Unmarshal failures are logged and dropped rather than passed to handler.
func (b *Bus) SubscribePluginEvents(handler func(PluginEvent)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(SubjectPluginEvents, func(msg *nats.Msg) {
		var ev PluginEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Error("malformed plugin event", "error", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, err
	}
	b.trackSub(sub)
	return sub, nil
}

// PublishTaskMessage fans out one line of script stdout/stderr.
func (b *Bus) PublishTaskMessage(msg TaskMessage) error {
	return b.publishJSON(SubjectTaskOutput, msg)
}

// SubscribeTaskMessages registers handler for every published TaskMessage.
func (b *Bus) SubscribeTaskMessages(handler func(TaskMessage)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(SubjectTaskOutput, func(msg *nats.Msg) {
		var tm TaskMessage
		if err := json.Unmarshal(msg.Data, &tm); err != nil {
			b.logger.Error("malformed task message", "error", err)
			return
		}
		handler(tm)
	})
	if err != nil {
		return nil, err
	}
	b.trackSub(sub)
	return sub, nil
}

func (b *Bus) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("eventbus: marshal: %w", err)
	}
	return b.conn.Publish(subject, data)
}

func (b *Bus) trackSub(sub *nats.Subscription) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Stop drains the client connection and shuts the embedded server down.
func (b *Bus) Stop() {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.mu.Unlock()

	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("event bus stopped")
}
