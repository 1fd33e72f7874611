package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/toru-run/toru/internal/kv"
	"github.com/toru-run/toru/internal/wire"
)

// HTTPForwardTimeout bounds an HTTP-forward round trip (spec.md §4.6, §5).
const HTTPForwardTimeout = 30 * time.Second

// session owns one plugin's Unix-socket connection. It runs a reader loop
// that dispatches lifecycle/http/kv frames, and a single writer mailbox
// goroutine so concurrent senders (HTTP forwarding, lifecycle) never
// interleave a frame mid-message (spec.md §4.6).
type session struct {
	pluginID string
	conn     net.Conn
	r        *wire.Reader
	w        *wire.Writer

	mailbox chan wire.Message
	pending *pendingHTTP
	broker  *kv.Broker
	logger  *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(pluginID string, conn net.Conn, broker *kv.Broker, logger *slog.Logger) *session {
	if logger == nil {
		logger = slog.Default()
	}
	return &session{
		pluginID: pluginID,
		conn:     conn,
		r:        wire.NewReader(conn),
		w:        wire.NewWriter(conn),
		mailbox:  make(chan wire.Message, 16),
		pending:  newPendingHTTP(),
		broker:   broker,
		logger:   logger.With("component", "session", "plugin_id", pluginID),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// run starts the writer mailbox and blocks in the reader loop until the
// session ends (EOF, protocol error, or Close). It returns the terminal
// error, or nil on a clean close.
func (s *session) run(ctx context.Context) error {
	go s.writeLoop()
	defer s.Close()

	for {
		msg, err := s.r.ReadMessage()
		if err != nil {
			if errors.Is(err, wire.ErrConnectionClosed) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrProtocolError, err)
		}

		switch msg.Type {
		case wire.TypeLifecycle:
			if msg.Lifecycle != nil && msg.Lifecycle.Action == wire.ActionReady {
				s.readyOnce.Do(func() { close(s.ready) })
			}
		case wire.TypeHTTP:
			if msg.HTTP != nil && msg.HTTP.Response != nil {
				s.pending.deliver(msg.HTTP.RequestID, *msg.HTTP.Response)
			}
		case wire.TypeKV:
			if msg.KV != nil {
				go s.handleKV(ctx, *msg.KV)
			}
		default:
			return fmt.Errorf("%w: unexpected message_type %q", ErrProtocolError, msg.Type)
		}
	}
}

// handleKV runs off the read loop (spec.md §4.6: "without blocking the read
// loop; off-task it") so a slow store call cannot stall frame processing.
func (s *session) handleKV(ctx context.Context, req wire.KV) {
	resp := s.broker.Handle(ctx, s.pluginID, req)
	select {
	case s.mailbox <- resp:
	case <-s.done:
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case msg := <-s.mailbox:
			if err := s.w.WriteMessage(msg); err != nil {
				s.logger.Warn("write failed", "error", err)
				return
			}
		case <-s.done:
			return
		}
	}
}

// Send enqueues msg on the writer mailbox.
func (s *session) Send(msg wire.Message) {
	select {
	case s.mailbox <- msg:
	case <-s.done:
	}
}

// WaitReady blocks until a lifecycle.ready frame arrives, ctx is cancelled,
// or the session closes.
func (s *session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return fmt.Errorf("%w: session closed before ready", ErrProtocolError)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForwardHTTP sends req to the plugin and waits up to HTTPForwardTimeout for
// a correlated response (spec.md §4.6).
func (s *session) ForwardHTTP(ctx context.Context, req wire.HTTPRequest) (wire.HTTPResponse, error) {
	requestID := uuid.New().String()
	waiter := s.pending.register(requestID)

	s.Send(wire.NewHTTPRequest(requestID, req))

	timer := time.NewTimer(HTTPForwardTimeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		return resp, nil
	case <-timer.C:
		s.pending.forget(requestID)
		return wire.HTTPResponse{}, ErrTimeout
	case <-ctx.Done():
		s.pending.forget(requestID)
		return wire.HTTPResponse{}, ctx.Err()
	case <-s.done:
		s.pending.forget(requestID)
		return wire.HTTPResponse{}, ErrSocketError
	}
}

// Close tears the session down, safe to call more than once.
func (s *session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
