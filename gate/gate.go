// Package gate implements the force-join membership check. Non-admin actors
// must be members of a configured channel before relay features open up.
package gate

import (
	"context"
	"errors"
	"log/slog"

	"github.com/m3rciful/relaybot/core/logger"
	"github.com/m3rciful/relaybot/directory"
)

// Status is a transport-level chat membership state.
type Status string

const (
	StatusOwner         Status = "creator"
	StatusAdministrator Status = "administrator"
	StatusMember        Status = "member"
	StatusRestricted    Status = "restricted"
	StatusLeft          Status = "left"
	StatusBanned        Status = "kicked"
	StatusUnknown       Status = ""
)

// passes reports whether the status grants access through the gate.
func (s Status) passes() bool {
	switch s {
	case StatusOwner, StatusAdministrator, StatusMember:
		return true
	}
	return false
}

// Querier asks the transport for an actor's membership in a channel.
// The channel is a handle ("@channel") or a numeric chat id rendered as text.
type Querier interface {
	MemberStatus(ctx context.Context, channel string, userID int64) (Status, error)
}

// Settings is the slice of the directory store the gate reads from.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
}

// Decision is the outcome of a gate check. When Allowed is false, JoinLink
// carries the invite URL to surface to the actor (may be empty if unset).
type Decision struct {
	Allowed  bool
	Channel  string
	JoinLink string
}

// Gate evaluates the force-join rule. Admins always pass. Membership query
// failures deny access rather than crash, so a misbehaving transport can
// never open the gate by accident.
type Gate struct {
	settings Settings
	querier  Querier
	isAdmin  func(int64) bool
}

// New wires a gate. isAdmin may be nil, in which case nobody is privileged.
func New(settings Settings, querier Querier, isAdmin func(int64) bool) *Gate {
	if isAdmin == nil {
		isAdmin = func(int64) bool { return false }
	}
	return &Gate{settings: settings, querier: querier, isAdmin: isAdmin}
}

// Allow decides whether actorID may use relay features right now.
func (g *Gate) Allow(ctx context.Context, actorID int64) Decision {
	if g.isAdmin(actorID) {
		return Decision{Allowed: true}
	}

	enabled, err := g.settings.GetSetting(ctx, directory.KeyForceJoinEnabled)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return Decision{Allowed: true}
		}
		logger.Error(ctx, "gate", "gate.settings.fail",
			slog.String("status", "fail"),
			slog.Int64("user_id", actorID),
			slog.String("err", err.Error()),
		)
		return g.denied(ctx, actorID, "settings_error")
	}
	if enabled != "1" {
		return Decision{Allowed: true}
	}

	channel, err := g.settings.GetSetting(ctx, directory.KeyForceJoinChannel)
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		return g.denied(ctx, actorID, "settings_error")
	}
	if channel == "" {
		// Enabled but unconfigured gate cannot be satisfied by anyone;
		// treat it as off rather than locking the bot.
		return Decision{Allowed: true}
	}

	status, err := g.querier.MemberStatus(ctx, channel, actorID)
	if err != nil {
		logger.Warn(ctx, "gate", "gate.query.fail",
			slog.String("status", "denied"),
			slog.Int64("user_id", actorID),
			slog.String("channel", logger.Sanitize(channel)),
			slog.String("err", err.Error()),
		)
		return g.denied(ctx, actorID, "query_error")
	}

	if !status.passes() {
		return g.denied(ctx, actorID, string(status))
	}
	return Decision{Allowed: true}
}

func (g *Gate) denied(ctx context.Context, actorID int64, reason string) Decision {
	channel, _ := g.settings.GetSetting(ctx, directory.KeyForceJoinChannel)
	link, _ := g.settings.GetSetting(ctx, directory.KeyForceJoinLink)
	if logger.ShouldSampleDebug() {
		logger.Debug(ctx, "gate", "gate.denied",
			slog.Int64("user_id", actorID),
			slog.String("reason", reason),
		)
	}
	return Decision{Allowed: false, Channel: channel, JoinLink: link}
}
