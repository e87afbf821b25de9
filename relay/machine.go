package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/m3rciful/relaybot/core/logger"
	"github.com/m3rciful/relaybot/directory"
)

// Stats is the aggregate admin overview.
type Stats struct {
	Users          int64
	TopSenderID    int64
	TopSenderCount int64
	Latest         []directory.User
}

// Machine drives every relay state transition. All methods expect the
// caller to serialize events per actor; the machine itself only guards its
// shared maps, not whole event handling.
type Machine struct {
	store    directory.Store
	sessions *Sessions
	tr       Transport
	access   Access
	isAdmin  func(int64) bool
}

// NewMachine wires the relay core. isAdmin must reflect the fixed admin set
// configured at startup.
func NewMachine(store directory.Store, sessions *Sessions, tr Transport, access Access, isAdmin func(int64) bool) *Machine {
	if isAdmin == nil {
		isAdmin = func(int64) bool { return false }
	}
	return &Machine{
		store:    store,
		sessions: sessions,
		tr:       tr,
		access:   access,
		isAdmin:  isAdmin,
	}
}

// Sessions exposes the transient state table, e.g. for the janitor sweep
// and the router's in-progress check.
func (m *Machine) Sessions() *Sessions {
	return m.sessions
}

// touch upserts the actor in the directory. Failures are logged, not
// propagated: losing one last-seen update must not break the relay itself.
func (m *Machine) touch(ctx context.Context, u User) {
	err := m.store.UpsertUser(ctx, directory.User{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Username:    u.Username,
		IsAdmin:     m.isAdmin(u.ID),
	})
	if err != nil {
		logger.Error(ctx, "relay", "directory.touch.fail",
			slog.String("status", "fail"),
			slog.Int64("user_id", u.ID),
			slog.String("err", err.Error()),
		)
	}
}

// Touch records the actor in the directory without any relay side effect,
// for inbound events that end at a menu.
func (m *Machine) Touch(ctx context.Context, u User) {
	m.touch(ctx, u)
}

// PersonalLink renders the actor's deep link.
func (m *Machine) PersonalLink(actorID int64) string {
	return fmt.Sprintf("https://t.me/%s?start=%d", m.tr.Username(), actorID)
}

// SendPersonalLink delivers the actor's own deep link. Link generation is
// gated like every other relay-initiating surface: non-members get the
// join prompt instead.
func (m *Machine) SendPersonalLink(ctx context.Context, sender User) error {
	m.touch(ctx, sender)
	if !m.isAdmin(sender.ID) {
		if ok, link := m.access.Allowed(ctx, sender.ID); !ok {
			return m.tr.SendText(ctx, sender.ID, textJoinPrompt(link))
		}
	}
	return m.tr.SendText(ctx, sender.ID, textPersonalLink(m.PersonalLink(sender.ID)))
}

// OpenLink handles a deep link start: grants the sender a one-shot link
// session towards ownerID. Blocked senders are dropped silently so block
// status is never revealed.
func (m *Machine) OpenLink(ctx context.Context, sender User, ownerID int64) error {
	if ownerID == sender.ID {
		return m.SendPersonalLink(ctx, sender)
	}

	m.touch(ctx, sender)

	if !m.isAdmin(sender.ID) {
		if ok, link := m.access.Allowed(ctx, sender.ID); !ok {
			return m.tr.SendText(ctx, sender.ID, textJoinPrompt(link))
		}
	}

	blocked, err := m.store.IsBlocked(ctx, ownerID, sender.ID)
	if err != nil {
		return err
	}
	if blocked {
		return nil
	}

	m.sessions.OpenLink(sender.ID, ownerID)
	logger.Debug(ctx, "relay", "link.opened",
		slog.Int64("sender_id", sender.ID),
		slog.Int64("owner_id", ownerID),
	)
	return m.tr.SendText(ctx, sender.ID, textAskMessage)
}

// SendAgain re-derives the sender's last-used owner and reopens a link
// session without a fresh deep link tap.
func (m *Machine) SendAgain(ctx context.Context, sender User) error {
	m.touch(ctx, sender)

	if !m.isAdmin(sender.ID) {
		if ok, link := m.access.Allowed(ctx, sender.ID); !ok {
			return m.tr.SendText(ctx, sender.ID, textJoinPrompt(link))
		}
	}

	ownerID, ok := m.sessions.LastOwner(sender.ID)
	if !ok {
		var err error
		ownerID, err = m.store.LastForwardOwner(ctx, sender.ID)
		if errors.Is(err, directory.ErrNotFound) {
			return m.tr.SendText(ctx, sender.ID, textNoPrevious)
		}
		if err != nil {
			return err
		}
	}

	blocked, err := m.store.IsBlocked(ctx, ownerID, sender.ID)
	if err != nil {
		return err
	}
	if blocked {
		return nil
	}

	m.sessions.OpenLink(sender.ID, ownerID)
	return m.tr.SendText(ctx, sender.ID, textAskMessage)
}

// AuthorizeReply checks whether actorID may reply to or block senderID.
// Admins always may; otherwise the actor must be the owner who last
// received a forward from that sender, resolved from the transient map
// with a durable fallback.
func (m *Machine) AuthorizeReply(ctx context.Context, actorID, senderID int64) error {
	if m.isAdmin(actorID) {
		return nil
	}
	if owner, ok := m.sessions.LastOwner(senderID); ok && owner == actorID {
		return nil
	}
	owner, err := m.store.LastForwardOwner(ctx, senderID)
	if err == nil && owner == actorID {
		return nil
	}
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		return err
	}
	return ErrNotAuthorized
}

// BeginReply arms actorID's next message to be copied to senderID.
func (m *Machine) BeginReply(ctx context.Context, actorID, senderID int64) error {
	if err := m.AuthorizeReply(ctx, actorID, senderID); err != nil {
		return err
	}
	m.sessions.SetReplyTarget(actorID, senderID)
	return m.tr.SendText(ctx, actorID, textReplyAsk)
}

// ResumeReply re-arms the actor's most recent reply target, for reply
// buttons that carry no explicit sender payload.
func (m *Machine) ResumeReply(ctx context.Context, actorID int64) error {
	target, ok := m.sessions.LastReplyTarget(actorID)
	if !ok {
		return m.tr.SendText(ctx, actorID, textNoPrevious)
	}
	return m.BeginReply(ctx, actorID, target)
}

// Block adds targetID to actorID's block list, with the same authorization
// rule as reply. Idempotent.
func (m *Machine) Block(ctx context.Context, actorID, targetID int64) error {
	if err := m.AuthorizeReply(ctx, actorID, targetID); err != nil {
		return err
	}
	if err := m.store.AddBlock(ctx, actorID, targetID); err != nil {
		return err
	}
	logger.Info(ctx, "relay", "block.added",
		slog.String("status", "ok"),
		slog.Int64("owner_id", actorID),
		slog.Int64("target_id", targetID),
	)
	return m.tr.SendText(ctx, actorID, textBlocked)
}

// HandleMessage routes a free-text or media message through the per-actor
// state priority: pending admin prompt, then reply target, then link
// session. With no active state the message is inert.
func (m *Machine) HandleMessage(ctx context.Context, in Inbound) error {
	actor := in.Sender.ID
	m.touch(ctx, in.Sender)

	if p, ok := m.sessions.Prompt(actor); ok {
		if m.isAdmin(actor) {
			return m.handlePrompt(ctx, in, p)
		}
		// Prompt armed for an actor no longer in the admin set.
		m.sessions.ClearPrompt(actor)
	}

	if target, ok := m.sessions.ConsumeReplyTarget(actor); ok {
		return m.deliverReply(ctx, in, target)
	}

	if owner, ok := m.sessions.PeekLink(actor); ok {
		return m.deliverForward(ctx, in, owner)
	}

	return nil
}

func (m *Machine) deliverForward(ctx context.Context, in Inbound, ownerID int64) error {
	actor := in.Sender.ID

	if !m.isAdmin(actor) {
		if ok, link := m.access.Allowed(ctx, actor); !ok {
			// Keep the link session; the sender can retry after joining.
			return m.tr.SendText(ctx, actor, textJoinPrompt(link))
		}
	}

	blocked, err := m.store.IsBlocked(ctx, ownerID, actor)
	if err != nil {
		return err
	}
	if blocked {
		m.sessions.ConsumeLink(actor)
		return nil
	}

	if err := m.tr.Forward(ctx, ownerID, in.ChatID, in.MessageID); err != nil {
		m.sessions.ConsumeLink(actor)
		logger.Warn(ctx, "relay", "forward.fail",
			slog.Int64("sender_id", actor),
			slog.Int64("owner_id", ownerID),
			slog.String("err", err.Error()),
		)
		return m.tr.SendText(ctx, actor, textDeliverFail)
	}

	// Audit write precedes the ack so success is never reported unrecorded.
	if err := m.store.AppendRecord(ctx, directory.RelayRecord{
		SenderID:   actor,
		ReceiverID: ownerID,
		Kind:       directory.KindForward,
		Content:    in.Content,
	}); err != nil {
		return err
	}

	m.sessions.ConsumeLink(actor)
	m.sessions.RememberOwner(actor, ownerID)

	if err := m.tr.SendText(ctx, ownerID, textSenderNotice(in.Sender),
		Action{Kind: ActReply, Arg: actor},
		Action{Kind: ActBlock, Arg: actor},
	); err != nil {
		logger.Warn(ctx, "relay", "notice.fail",
			slog.Int64("owner_id", ownerID),
			slog.String("err", err.Error()),
		)
	}

	logger.Info(ctx, "relay", "forward.delivered",
		slog.String("status", "ok"),
		slog.Int64("sender_id", actor),
		slog.Int64("owner_id", ownerID),
	)
	return m.tr.SendText(ctx, actor, textDelivered, Action{Kind: ActAgain})
}

func (m *Machine) deliverReply(ctx context.Context, in Inbound, targetID int64) error {
	actor := in.Sender.ID

	if err := m.tr.Copy(ctx, targetID, in.ChatID, in.MessageID); err != nil {
		logger.Warn(ctx, "relay", "reply.fail",
			slog.Int64("actor_id", actor),
			slog.Int64("target_id", targetID),
			slog.String("err", err.Error()),
		)
		return m.tr.SendText(ctx, actor, textDeliverFail)
	}

	if err := m.store.AppendRecord(ctx, directory.RelayRecord{
		SenderID:   actor,
		ReceiverID: targetID,
		Kind:       directory.KindReply,
		Content:    in.Content,
	}); err != nil {
		return err
	}

	logger.Info(ctx, "relay", "reply.delivered",
		slog.String("status", "ok"),
		slog.Int64("actor_id", actor),
		slog.Int64("target_id", targetID),
	)
	return m.tr.SendText(ctx, actor, textReplySent, Action{Kind: ActReply, Arg: targetID})
}

func (m *Machine) handlePrompt(ctx context.Context, in Inbound, p Prompt) error {
	actor := in.Sender.ID

	switch p.Kind {
	case PromptSettingValue:
		value := strings.TrimSpace(in.Text)
		if value == "" {
			return m.tr.SendText(ctx, actor, textEmptyValue)
		}
		if err := m.store.PutSetting(ctx, p.SettingKey, value); err != nil {
			return err
		}
		m.sessions.ClearPrompt(actor)
		return m.tr.SendText(ctx, actor, textSaved)

	case PromptAnonymousTarget:
		targetID, err := strconv.ParseInt(strings.TrimSpace(in.Text), 10, 64)
		if err != nil {
			return m.tr.SendText(ctx, actor, textBadID)
		}
		m.sessions.SetPrompt(actor, Prompt{Kind: PromptAnonymousMessage, TargetID: targetID})
		return m.tr.SendText(ctx, actor, textAnonAskText)

	case PromptAnonymousMessage:
		// Clear first: a delivery failure must not deadlock the session.
		m.sessions.ClearPrompt(actor)
		if err := m.tr.SendText(ctx, p.TargetID, in.Content); err != nil {
			logger.Warn(ctx, "relay", "anonymous.fail",
				slog.Int64("target_id", p.TargetID),
				slog.String("err", err.Error()),
			)
			return m.tr.SendText(ctx, actor, textAnonFailed)
		}
		if err := m.store.AppendRecord(ctx, directory.RelayRecord{
			SenderID:   actor,
			ReceiverID: p.TargetID,
			Kind:       directory.KindAdminAnonymous,
			Content:    in.Content,
		}); err != nil {
			return err
		}
		return m.tr.SendText(ctx, actor, textAnonSent)

	case PromptBroadcast:
		m.sessions.ClearPrompt(actor)
		return m.broadcast(ctx, in)

	case PromptSearchTarget:
		targetID, err := strconv.ParseInt(strings.TrimSpace(in.Text), 10, 64)
		if err != nil {
			return m.tr.SendText(ctx, actor, textBadID)
		}
		m.sessions.ClearPrompt(actor)
		recs, err := m.store.RecordsForParticipant(ctx, targetID, 50)
		if err != nil {
			return err
		}
		return m.tr.SendText(ctx, actor, textSearchResult(targetID, recs))

	default:
		m.sessions.ClearPrompt(actor)
		return nil
	}
}

// broadcast copies the admin's message to every non-admin user. Individual
// recipient failures are collected and logged but never abort the fan-out.
func (m *Machine) broadcast(ctx context.Context, in Inbound) error {
	actor := in.Sender.ID

	ids, err := m.store.RecipientIDs(ctx)
	if err != nil {
		return err
	}

	var (
		delivered int
		failures  *multierror.Error
	)
	for _, id := range ids {
		if err := m.tr.Copy(ctx, id, in.ChatID, in.MessageID); err != nil {
			failures = multierror.Append(failures, fmt.Errorf("recipient %d: %w", id, err))
			continue
		}
		delivered++
	}

	failed := len(ids) - delivered
	if failures != nil {
		logger.Warn(ctx, "relay", "broadcast.partial",
			slog.Int("recipients", len(ids)),
			slog.Int("delivered", delivered),
			slog.Int("failed", failed),
			slog.String("err", logger.SanitizeLimit(failures.Error(), 512)),
		)
	}

	// One record per broadcast, not per recipient; receiver 0 marks fan-out.
	if err := m.store.AppendRecord(ctx, directory.RelayRecord{
		SenderID:   actor,
		ReceiverID: 0,
		Kind:       directory.KindBroadcast,
		Content:    in.Content,
	}); err != nil {
		return err
	}

	logger.Info(ctx, "relay", "broadcast.done",
		slog.String("status", "ok"),
		slog.Int("recipients", len(ids)),
		slog.Int("delivered", delivered),
		slog.Int("failed", failed),
	)
	return m.tr.SendText(ctx, actor, textBroadcastDone(delivered, failed))
}

// BeginBroadcast arms the broadcast prompt for an admin.
func (m *Machine) BeginBroadcast(ctx context.Context, adminID int64) error {
	if !m.isAdmin(adminID) {
		return ErrNotAuthorized
	}
	m.sessions.SetPrompt(adminID, Prompt{Kind: PromptBroadcast})
	return m.tr.SendText(ctx, adminID, textBroadcastAsk)
}

// BeginAnonymous arms the anonymous-send id-entry prompt for an admin.
func (m *Machine) BeginAnonymous(ctx context.Context, adminID int64) error {
	if !m.isAdmin(adminID) {
		return ErrNotAuthorized
	}
	m.sessions.SetPrompt(adminID, Prompt{Kind: PromptAnonymousTarget})
	return m.tr.SendText(ctx, adminID, textAnonAskID)
}

// BeginSearch arms the audit-search id-entry prompt for an admin.
func (m *Machine) BeginSearch(ctx context.Context, adminID int64) error {
	if !m.isAdmin(adminID) {
		return ErrNotAuthorized
	}
	m.sessions.SetPrompt(adminID, Prompt{Kind: PromptSearchTarget})
	return m.tr.SendText(ctx, adminID, textSearchAskID)
}

// BeginSetting arms a settings-value prompt for an admin.
func (m *Machine) BeginSetting(ctx context.Context, adminID int64, key, ask string) error {
	if !m.isAdmin(adminID) {
		return ErrNotAuthorized
	}
	m.sessions.SetPrompt(adminID, Prompt{Kind: PromptSettingValue, SettingKey: key})
	return m.tr.SendText(ctx, adminID, ask)
}

// ToggleForceJoin flips the force-join setting and reports the new value.
func (m *Machine) ToggleForceJoin(ctx context.Context, adminID int64) error {
	if !m.isAdmin(adminID) {
		return ErrNotAuthorized
	}
	current, err := m.store.GetSetting(ctx, directory.KeyForceJoinEnabled)
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		return err
	}
	next := "1"
	if current == "1" {
		next = "0"
	}
	if err := m.store.PutSetting(ctx, directory.KeyForceJoinEnabled, next); err != nil {
		return err
	}
	status := "Force join is now OFF."
	if next == "1" {
		status = "Force join is now ON."
	}
	return m.tr.SendText(ctx, adminID, status)
}

// Stats gathers the admin overview numbers.
func (m *Machine) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	users, err := m.store.CountUsers(ctx)
	if err != nil {
		return st, err
	}
	st.Users = users

	topID, topCount, err := m.store.MostActiveSender(ctx)
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		return st, err
	}
	st.TopSenderID, st.TopSenderCount = topID, topCount

	latest, err := m.store.LatestUsers(ctx, 15)
	if err != nil {
		return st, err
	}
	st.Latest = latest
	return st, nil
}

// SendStats renders and delivers the admin overview.
func (m *Machine) SendStats(ctx context.Context, adminID int64) error {
	if !m.isAdmin(adminID) {
		return ErrNotAuthorized
	}
	st, err := m.Stats(ctx)
	if err != nil {
		return err
	}
	return m.tr.SendText(ctx, adminID, textStats(st))
}
