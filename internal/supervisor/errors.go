package supervisor

import "errors"

// Sentinel errors returned by Supervisor methods (spec.md §7). They are
// error *kinds*, not necessarily unique failure instances — callers compare
// with errors.Is.
var (
	// ErrSpawnFailed means fork/exec was rejected by the OS.
	ErrSpawnFailed = errors.New("supervisor: spawn failed")
	// ErrHandshakeFailed means the --metadata handshake produced bad JSON,
	// exited non-zero, or timed out.
	ErrHandshakeFailed = errors.New("supervisor: handshake failed")
	// ErrSocketError covers bind/accept/read/write failures on a session socket.
	ErrSocketError = errors.New("supervisor: socket error")
	// ErrProtocolError covers bad framing, bad JSON, or an unknown message_type.
	ErrProtocolError = errors.New("supervisor: protocol error")
	// ErrTimeout covers a handshake or HTTP-forward deadline expiring.
	ErrTimeout = errors.New("supervisor: timeout")
	// ErrNotFound means the requested plugin id is not in the registry.
	ErrNotFound = errors.New("supervisor: plugin not found")
	// ErrNotImplemented means the supervisor is absent (degraded boot mode).
	ErrNotImplemented = errors.New("supervisor: not implemented")
	// ErrStoreError wraps a persistence-layer failure.
	ErrStoreError = errors.New("supervisor: store error")
)
