// Package wire implements the host<->plugin message protocol: a
// length-prefixed JSON frame carrying a tagged union of lifecycle, HTTP
// forwarding, and KV payloads.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies which payload a Message carries.
type MessageType string

const (
	TypeLifecycle MessageType = "lifecycle"
	TypeHTTP      MessageType = "http"
	TypeKV        MessageType = "kv"
)

// LifecycleAction enumerates the lifecycle sub-messages exchanged during
// plugin startup and shutdown.
type LifecycleAction string

const (
	ActionInit     LifecycleAction = "init"
	ActionShutdown LifecycleAction = "shutdown"
	ActionReady    LifecycleAction = "ready"
	ActionCrashed  LifecycleAction = "crashed"
)

// InitPayload is sent host->plugin as part of a Lifecycle{action: init}
// message, per spec.md §3 and §6.
type InitPayload struct {
	InstanceID   string `json:"instance_id"`
	PluginSocket string `json:"plugin_socket"`
	LogPath      string `json:"log_path"`
}

// Lifecycle is the payload for TypeLifecycle messages.
type Lifecycle struct {
	Action LifecycleAction `json:"action"`
	Init   *InitPayload     `json:"init,omitempty"`
}

// HTTPRequest is the host->plugin request half of an HTTP-forward exchange.
type HTTPRequest struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// HTTPResponse is the plugin->host reply half of an HTTP-forward exchange.
type HTTPResponse struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// HTTP is the payload for TypeHTTP messages. Exactly one of Request or
// Response is populated, depending on direction.
type HTTP struct {
	RequestID string        `json:"request_id"`
	Request   *HTTPRequest  `json:"request,omitempty"`
	Response  *HTTPResponse `json:"response,omitempty"`
}

// KVAction enumerates the plugin-originated KV operations.
type KVAction string

const (
	KVGet    KVAction = "Get"
	KVSet    KVAction = "Set"
	KVDelete KVAction = "Delete"
)

// KV is the payload for TypeKV messages. A request (plugin->host) carries
// Action/Key/Value; a response (host->plugin) carries only Value, which is
// nil on miss or on store error (spec.md §4.6).
type KV struct {
	RequestID string   `json:"request_id"`
	Action    KVAction `json:"action,omitempty"`
	Key       string   `json:"key,omitempty"`
	Value     *string  `json:"value,omitempty"`
}

// Message is the single wire envelope exchanged in both directions.
// Exactly one of Lifecycle, HTTP, KV is populated according to Type. On the
// wire this is a single `payload` field (spec.md §3, §6); MarshalJSON and
// UnmarshalJSON project the three pointer fields onto and off of it.
type Message struct {
	Type      MessageType `json:"message_type"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`

	Lifecycle *Lifecycle
	HTTP      *HTTP
	KV        *KV
}

// wireMessage is the literal JSON shape of Message: `{message_type,
// timestamp, request_id?, payload}`.
type wireMessage struct {
	Type      MessageType     `json:"message_type"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON projects whichever of Lifecycle/HTTP/KV is populated onto the
// single wire `payload` field.
func (m Message) MarshalJSON() ([]byte, error) {
	var (
		payload json.RawMessage
		err     error
	)
	switch m.Type {
	case TypeLifecycle:
		payload, err = json.Marshal(m.Lifecycle)
	case TypeHTTP:
		payload, err = json.Marshal(m.HTTP)
	case TypeKV:
		payload, err = json.Marshal(m.KV)
	}
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload: %w", err)
	}
	return json.Marshal(wireMessage{
		Type:      m.Type,
		Timestamp: m.Timestamp,
		RequestID: m.RequestID,
		Payload:   payload,
	})
}

// UnmarshalJSON parses the wire `payload` field into whichever of
// Lifecycle/HTTP/KV matches message_type.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	m.Type = w.Type
	m.Timestamp = w.Timestamp
	m.RequestID = w.RequestID
	m.Lifecycle = nil
	m.HTTP = nil
	m.KV = nil

	if len(w.Payload) == 0 {
		return nil
	}

	switch w.Type {
	case TypeLifecycle:
		var l Lifecycle
		if err := json.Unmarshal(w.Payload, &l); err != nil {
			return fmt.Errorf("wire: unmarshal lifecycle payload: %w", err)
		}
		m.Lifecycle = &l
	case TypeHTTP:
		var h HTTP
		if err := json.Unmarshal(w.Payload, &h); err != nil {
			return fmt.Errorf("wire: unmarshal http payload: %w", err)
		}
		m.HTTP = &h
	case TypeKV:
		var kv KV
		if err := json.Unmarshal(w.Payload, &kv); err != nil {
			return fmt.Errorf("wire: unmarshal kv payload: %w", err)
		}
		m.KV = &kv
	}
	return nil
}

// NewLifecycle builds a Lifecycle message.
func NewLifecycle(action LifecycleAction, init *InitPayload) Message {
	return Message{
		Type:      TypeLifecycle,
		Timestamp: time.Now(),
		Lifecycle: &Lifecycle{Action: action, Init: init},
	}
}

// NewHTTPRequest builds a host->plugin HTTP-forward request message.
func NewHTTPRequest(requestID string, req HTTPRequest) Message {
	return Message{
		Type:      TypeHTTP,
		Timestamp: time.Now(),
		RequestID: requestID,
		HTTP:      &HTTP{RequestID: requestID, Request: &req},
	}
}

// NewHTTPResponse builds a plugin->host HTTP-forward response message.
func NewHTTPResponse(requestID string, resp HTTPResponse) Message {
	return Message{
		Type:      TypeHTTP,
		Timestamp: time.Now(),
		RequestID: requestID,
		HTTP:      &HTTP{RequestID: requestID, Response: &resp},
	}
}

// NewKVResponse builds a host->plugin KV response message. A nil value
// represents a miss or a store error, per spec.md §4.6.
func NewKVResponse(requestID string, value *string) Message {
	return Message{
		Type:      TypeKV,
		Timestamp: time.Now(),
		RequestID: requestID,
		KV:        &KV{RequestID: requestID, Value: value},
	}
}

// Validate checks that Message carries exactly the payload its Type
// declares, rejecting anything the codec would otherwise silently accept.
func (m Message) Validate() error {
	switch m.Type {
	case TypeLifecycle:
		if m.Lifecycle == nil {
			return fmt.Errorf("wire: lifecycle message missing payload")
		}
	case TypeHTTP:
		if m.HTTP == nil {
			return fmt.Errorf("wire: http message missing payload")
		}
	case TypeKV:
		if m.KV == nil {
			return fmt.Errorf("wire: kv message missing payload")
		}
	default:
		return fmt.Errorf("wire: unknown message_type %q", m.Type)
	}
	return nil
}

// MarshalMessage round-trips with UnmarshalMessage: parse(serialize(m)) == m.
func MarshalMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage parses a frame payload into a Message and validates its
// tagged-union shape.
func UnmarshalMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("wire: malformed json: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
