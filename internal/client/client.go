// Package client defines the network collaborator contract used by the
// dispatch core. The core never talks to a platform SDK directly; it sees
// only these interfaces, so tests can substitute fakes and the concrete
// adapter (see client/telegram) stays swappable.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is one remote message as seen by polling or push events.
type Message struct {
	ID        int64
	ChannelID string
	FromID    int64
	Text      string
	At        time.Time
}

// EventKind enumerates push event types surfaced to subscribers.
type EventKind int

const (
	EventChannelPost EventKind = iota
	EventMessage
)

// Event is a raw push event from the platform connection.
type Event struct {
	Kind      EventKind
	ChannelID string
	Message   Message
}

// EventHandler receives push events. Handlers must not block.
type EventHandler func(ev Event)

// Client is one live per-account platform connection.
//
// All blocking calls take a context; timeouts are the adapter's concern and
// surface to the core as errors.
type Client interface {
	Connect(ctx context.Context) error
	IsConnected() bool

	// Send posts content to a target and returns the new message id.
	Send(ctx context.Context, target, content string) (int64, error)
	// SendComment posts content as a comment/reply anchored to a message.
	SendComment(ctx context.Context, target string, anchorID int64, content string) (int64, error)

	CheckMembership(ctx context.Context, target string) error
	CheckWritePermission(ctx context.Context, target string) error
	// ResolveTarget normalizes a target reference to its canonical platform id.
	ResolveTarget(ctx context.Context, target string) (string, error)

	JoinByInviteLink(ctx context.Context, link string) error
	JoinPublicTarget(ctx context.Context, target string) error

	// AddEventHandler subscribes to push events; the returned func removes
	// the handler and is safe to call more than once.
	AddEventHandler(h EventHandler) (remove func())
	// RecentMessages returns up to limit most recent messages for a target,
	// newest last. Used by the polling half of the change feed.
	RecentMessages(ctx context.Context, target string, limit int) ([]Message, error)
}

// Factory hands out per-account clients. Absence means the account has no
// usable connection right now.
type Factory interface {
	Client(accountID string) (Client, bool)
}

// APIError is a platform error that carries a stable code the access gate
// and delivery executor can branch on without string matching.
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Errf builds an APIError with a formatted message.
func Errf(code, format string, args ...any) error {
	return &APIError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the APIError code from err, or "" if err carries none.
func CodeOf(err error) string {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
