// Package wsocket defines the abstract "socket" capability the Socket
// Supervisor drives, and provides a concrete WebSocket-based implementation
// that stands in for the third-party protocol library's own transport.
package wsocket

import (
	"context"
	"time"
)

// EventKind identifies a connection update delivered through OnEvent.
type EventKind string

const (
	EventConnecting  EventKind = "connecting"
	EventOpen        EventKind = "open"
	EventClose       EventKind = "close"
	EventQR          EventKind = "qr"
	EventCredsUpdate EventKind = "creds_update"
	EventMessage     EventKind = "messages_upsert"
)

// Event is one connection-update/credentials-update/messages-upsert
// notification from the socket.
type Event struct {
	Kind EventKind

	// populated for EventQR
	QRPayload string

	// populated for EventClose
	CloseCode int
	CloseText string

	// populated for EventMessage
	Message InboundMessage

	// populated once authentication succeeds (EventOpen, EventCredsUpdate)
	User *User
}

// User identifies the authenticated WhatsApp identity behind a socket, once
// pairing has completed.
type User struct {
	ID string
}

// InboundMessage is a minimal view of an incoming message, enough to drive
// the Auto-Read handler.
type InboundMessage struct {
	FromJID     string
	FromSelf    bool
	IsStatus    bool
	IsBroadcast bool
	Key         MessageKey
}

// MessageKey identifies a message for ReadMessages receipts.
type MessageKey struct {
	ID          string
	RemoteJID   string
	FromMe      bool
}

// PresenceState is the value passed to SendPresenceUpdate.
type PresenceState string

const (
	PresenceAvailable   PresenceState = "available"
	PresenceUnavailable PresenceState = "unavailable"
	PresenceComposing   PresenceState = "composing"
	PresencePaused      PresenceState = "paused"
)

// OutboundMessage is either text or an image with caption; exactly one of
// Text or ImageData/ImageURL should be set.
type OutboundMessage struct {
	Text      string
	Caption   string
	ImageURL  string
	ImageData []byte
}

// Socket is the abstract protocol capability the Socket Supervisor and
// Broadcast Processor drive. spec.md §6 defines this boundary verbatim; this
// interface is its Go expression.
type Socket interface {
	// OnEvent registers the callback invoked for every connection update,
	// credentials update, and inbound message. Exactly one handler is
	// active per Socket.
	OnEvent(handler func(Event))

	SendPresenceUpdate(ctx context.Context, state PresenceState, jid string) error
	PresenceSubscribe(ctx context.Context, jid string) error
	SendMessage(ctx context.Context, jid string, msg OutboundMessage) error
	ReadMessages(ctx context.Context, keys []MessageKey) error
	OnWhatsApp(ctx context.Context, jid string) (exists bool, err error)
	Logout(ctx context.Context) error

	// User returns the authenticated identity, or nil before pairing
	// completes.
	User() *User

	// Close tears down the underlying transport without attempting a
	// graceful protocol logout.
	Close() error
}

// Factory constructs a Socket bound to a specific instance's session
// directory and connection parameters.
type Factory interface {
	New(ctx context.Context, opts DialOptions) (Socket, error)
}

// DialOptions carries the per-connect parameters spec.md §4.7 requires:
// fingerprint selection and keep-alive jitter are the concrete transport's
// job; the supervisor sets the instance id, session directory and handshake
// URL, and leaves KeepAlive zero so the transport picks its own jitter.
type DialOptions struct {
	InstanceID   string
	SessionDir   string
	KeepAlive    time.Duration
	HandshakeURL string
}
