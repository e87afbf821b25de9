// Package relay implements the conversational core of the bot: link
// sessions, reply targets, admin prompts and the relay decisions taken for
// every inbound message. It is transport-agnostic; the Telegram adapter
// lives elsewhere.
package relay

import (
	"context"
	"errors"
)

// User is the transport-level identity of an inbound actor.
type User struct {
	ID          int64
	DisplayName string
	Username    string
}

// Inbound is one incoming message, already reduced to what the machine
// needs. Content is a lossy text projection (text, caption or a type tag)
// used for audit records and direct sends.
type Inbound struct {
	Sender    User
	Text      string
	Content   string
	ChatID    int64
	MessageID int
}

// ActionKind enumerates the closed set of inline actions the machine can
// attach to an outbound message. The transport adapter decodes exactly
// these kinds and rejects anything else.
type ActionKind string

const (
	ActReply ActionKind = "relay_reply"
	ActBlock ActionKind = "relay_block"
	ActLink  ActionKind = "relay_link"
	ActAgain ActionKind = "relay_again"

	ActAdminBroadcast ActionKind = "adm_broadcast"
	ActAdminAnon      ActionKind = "adm_anon"
	ActAdminSearch    ActionKind = "adm_search"
	ActAdminFJToggle  ActionKind = "adm_fj_toggle"
	ActAdminFJChannel ActionKind = "adm_fj_channel"
	ActAdminFJLink    ActionKind = "adm_fj_link"
	ActAdminStats     ActionKind = "adm_stats"
)

// Action is a tagged inline action with an optional numeric payload.
type Action struct {
	Kind ActionKind
	Arg  int64
}

// Transport is the message-platform capability the machine consumes.
// Implementations must bound each call with the context deadline.
type Transport interface {
	// Username returns the bot's own username for deep link construction.
	Username() string
	// SendText delivers text with optional inline actions.
	SendText(ctx context.Context, to int64, text string, actions ...Action) error
	// Forward relays a message preserving original-sender attribution.
	Forward(ctx context.Context, to int64, fromChat int64, messageID int) error
	// Copy relays message content without attribution.
	Copy(ctx context.Context, to int64, fromChat int64, messageID int) error
}

// Access decides whether an actor may use relay features right now.
type Access interface {
	Allowed(ctx context.Context, actorID int64) (bool, string)
}

// ErrNotAuthorized is returned when an actor invokes reply or block on a
// sender they never received a forward from.
var ErrNotAuthorized = errors.New("relay: not authorized")
