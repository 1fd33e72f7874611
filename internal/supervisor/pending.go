package supervisor

import (
	"sync"

	"github.com/toru-run/toru/internal/wire"
)

// pendingHTTP is the host-side correlator for HTTP-forward requests: one
// one-shot channel per in-flight request_id, matching the teacher's
// PluginClient.pending idiom (internal/plugin/rpc.go) but specialized to
// carry wire.HTTPResponse instead of a JSON-RPC result.
type pendingHTTP struct {
	mu      sync.Mutex
	waiters map[string]chan wire.HTTPResponse
}

func newPendingHTTP() *pendingHTTP {
	return &pendingHTTP{waiters: make(map[string]chan wire.HTTPResponse)}
}

// register creates a one-shot channel for requestID. The caller must call
// forget if it gives up waiting (e.g. on timeout) to avoid leaking the map
// entry.
func (p *pendingHTTP) register(requestID string) chan wire.HTTPResponse {
	ch := make(chan wire.HTTPResponse, 1)
	p.mu.Lock()
	p.waiters[requestID] = ch
	p.mu.Unlock()
	return ch
}

// forget drops requestID's waiter without sending, used after a timeout so
// a late reply is silently discarded.
func (p *pendingHTTP) forget(requestID string) {
	p.mu.Lock()
	delete(p.waiters, requestID)
	p.mu.Unlock()
}

// deliver wakes the waiter for requestID, if one is still registered. An
// unknown or already-forgotten request_id is silently dropped, mirroring
// the KV broker's tolerance for bad correlations (spec.md §4.6).
func (p *pendingHTTP) deliver(requestID string, resp wire.HTTPResponse) {
	p.mu.Lock()
	ch, ok := p.waiters[requestID]
	if ok {
		delete(p.waiters, requestID)
	}
	p.mu.Unlock()

	if ok {
		ch <- resp
	}
}
