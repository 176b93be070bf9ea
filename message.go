// Package offlinechat keeps a realtime chat stream usable across unreliable
// connectivity.
//
// A ConnectionManager owns one logical connection to the chat server and
// retries with exponential backoff. Outbound messages are persisted in a
// MessageStore before they are sent, and a SyncReconciler drains whatever is
// still unsynced every time connectivity returns.
//
// Usage:
//
//	store := offlinechat.NewMessageStore(offlinechat.NewMemoryStorage(), nil)
//	mgr := offlinechat.NewConnectionManager(offlinechat.EndpointFor(offlinechat.Development), store,
//		offlinechat.WithDialer(offlinechat.NewSimulatedDialer(nil)),
//	)
//	defer mgr.Disconnect()
//
//	mgr.Connect(ctx)
//	mgr.SendMessage(ctx, "hello")
package offlinechat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Message
// ============================================================================

// Kind distinguishes user-authored messages from system ones. The rendered
// projection also uses KindSystem to mark a message as unconfirmed.
type Kind string

const (
	KindUser   Kind = "user"
	KindSystem Kind = "system"
)

// Message is the wire and rendering representation of a chat message.
// ID is globally unique and is the only deduplication key.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
	Kind      Kind      `json:"type"`
}

// NewMessage builds a user message with a fresh id.
func NewMessage(content, sender string) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		Timestamp: time.Now().UTC(),
		Sender:    sender,
		Kind:      KindUser,
	}
}

// QueuedMessage is a Message as persisted by the MessageStore.
type QueuedMessage struct {
	Message
	Synced   bool      `json:"synced"`
	QueuedAt time.Time `json:"queuedAt"`
}

// EncodeMessage renders m in the wire schema.
func EncodeMessage(m Message) ([]byte, error) {
	if m.Kind == "" {
		m.Kind = KindUser
	}
	return json.Marshal(m)
}

// DecodeMessage parses an inbound frame. Frames that are not valid JSON or
// that carry no id are rejected with a *ParseError.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, &ParseError{Data: data, Err: err}
	}
	if m.ID == "" {
		return Message{}, &ParseError{Data: data, Err: fmt.Errorf("missing id")}
	}
	switch m.Kind {
	case KindUser, KindSystem:
	case "":
		m.Kind = KindUser
	default:
		return Message{}, &ParseError{Data: data, Err: fmt.Errorf("unknown message type %q", m.Kind)}
	}
	return m, nil
}

// ============================================================================
// Errors
// ============================================================================

// TransportError wraps a connect, send or receive failure. It is never fatal:
// the connection manager logs it and applies the reconnection policy.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports a malformed inbound payload. The frame is dropped.
type ParseError struct {
	Data []byte
	Err  error
}

func (e *ParseError) Error() string { return "parse message: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// StorageError reports a durable read or write failure.
type StorageError struct {
	Key string
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}
func (e *StorageError) Unwrap() error { return e.Err }
