package transport

import (
	"context"
	"strings"
)

type EventKind string

const (
	// EventChallenge carries the scan-to-link payload issued during bring-up.
	EventChallenge EventKind = "challenge"
	// EventReady fires when the engine is authenticated and usable.
	EventReady EventKind = "ready"
	// EventDisconnected fires on an unsolicited drop of the underlying connection.
	EventDisconnected EventKind = "disconnected"
	// EventAuthFailure fires when stored credentials are rejected.
	EventAuthFailure EventKind = "auth_failure"
	// EventInbound carries a message received over the transport.
	EventInbound EventKind = "inbound"
)

type Event struct {
	Kind EventKind

	// Challenge is the opaque link payload (EventChallenge only).
	Challenge string
	// LinkedID is the transport-assigned identity (EventReady only).
	LinkedID string
	// Reason describes a disconnect or auth failure.
	Reason string

	Inbound *InboundMessage
}

type InboundMessage struct {
	// From is the sender's normalized phone number (digits only).
	From string
	// ChatID is the transport address to reply to.
	ChatID string
	Text   string
	Kind   string
	Group  bool
	Status bool
	Self   bool
}

// Engine is the narrow capability surface of the external messaging
// connection. One Engine value maps to at most one live connection; after
// Destroy the value is dead and a fresh Engine must be built for the next
// attempt.
//
// Connect delivers events on out until the engine dies or Destroy is called.
// Event delivery must never block the engine: out should be buffered and
// drained promptly by the consumer.
type Engine interface {
	Connect(ctx context.Context, out chan<- Event) error
	SendText(ctx context.Context, to, text string) error
	SendMedia(ctx context.Context, to, mediaURL, caption string) error
	IsRegistered(ctx context.Context, to string) (bool, error)
	// Ping exercises the live connection. Drivers should also use it to
	// signal presence so the transport keeps the session warm.
	Ping(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// Factory builds a fresh Engine for one initialization attempt.
type Factory func() (Engine, error)

// Digits strips everything but decimal digits from a phone number.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteByte(byte(r))
		}
	}
	return b.String()
}
