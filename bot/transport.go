package bot

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/relaybot/core/telegram/keyboard"
	"github.com/m3rciful/relaybot/gate"
	"github.com/m3rciful/relaybot/relay"
)

// errNotStarted is returned by transport calls made before the bot is up.
var errNotStarted = errors.New("bot: transport not attached yet")

// Transport adapts a running telebot instance to the relay and gate
// interfaces. The underlying bot is attached at startup; telebot's own HTTP
// client carries the call timeouts, so the context is used only for early
// cancellation checks.
type Transport struct {
	bot atomic.Pointer[tele.Bot]
}

var (
	_ relay.Transport = (*Transport)(nil)
	_ gate.Querier    = (*Transport)(nil)
)

// NewTransport returns an unattached transport.
func NewTransport() *Transport {
	return &Transport{}
}

// Attach binds the live bot. Must happen before the first update is routed.
func (t *Transport) Attach(b *tele.Bot) {
	t.bot.Store(b)
}

func (t *Transport) current(ctx context.Context) (*tele.Bot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := t.bot.Load()
	if b == nil {
		return nil, errNotStarted
	}
	return b, nil
}

// Username returns the bot's own username for deep link construction.
func (t *Transport) Username() string {
	b := t.bot.Load()
	if b == nil || b.Me == nil {
		return ""
	}
	return b.Me.Username
}

// SendText delivers plain text with the given inline actions rendered as
// callback buttons.
func (t *Transport) SendText(ctx context.Context, to int64, text string, actions ...relay.Action) error {
	b, err := t.current(ctx)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		_, err = b.Send(&tele.User{ID: to}, text)
		return err
	}
	_, err = b.Send(&tele.User{ID: to}, text, &tele.SendOptions{
		ReplyMarkup: actionsMarkup(actions),
	})
	return err
}

// Forward relays a message preserving original-sender attribution.
func (t *Transport) Forward(ctx context.Context, to int64, fromChat int64, messageID int) error {
	b, err := t.current(ctx)
	if err != nil {
		return err
	}
	_, err = b.Forward(&tele.User{ID: to}, &tele.StoredMessage{
		MessageID: strconv.Itoa(messageID),
		ChatID:    fromChat,
	})
	return err
}

// Copy relays message content without attribution.
func (t *Transport) Copy(ctx context.Context, to int64, fromChat int64, messageID int) error {
	b, err := t.current(ctx)
	if err != nil {
		return err
	}
	_, err = b.Copy(&tele.User{ID: to}, &tele.StoredMessage{
		MessageID: strconv.Itoa(messageID),
		ChatID:    fromChat,
	})
	return err
}

// MemberStatus queries the actor's membership in the force-join channel.
// The channel is either a handle or a numeric chat id.
func (t *Transport) MemberStatus(ctx context.Context, channel string, userID int64) (gate.Status, error) {
	b, err := t.current(ctx)
	if err != nil {
		return gate.StatusUnknown, err
	}

	var chat *tele.Chat
	if id, convErr := strconv.ParseInt(channel, 10, 64); convErr == nil {
		chat, err = b.ChatByID(id)
	} else {
		chat, err = b.ChatByUsername(channel)
	}
	if err != nil {
		return gate.StatusUnknown, err
	}

	member, err := b.ChatMemberOf(chat, &tele.User{ID: userID})
	if err != nil {
		return gate.StatusUnknown, err
	}
	return gate.Status(member.Role), nil
}

// actionsMarkup renders the closed action set as one row of inline buttons.
func actionsMarkup(actions []relay.Action) *tele.ReplyMarkup {
	row := make([]keyboard.InlineBtn, 0, len(actions))
	for _, a := range actions {
		btn := keyboard.InlineBtn{
			Text:   actionLabel(a.Kind),
			Unique: string(a.Kind),
		}
		if a.Arg != 0 {
			btn.Data = strconv.FormatInt(a.Arg, 10)
		}
		row = append(row, btn)
	}
	return keyboard.InlineButtonsRows(row)
}
