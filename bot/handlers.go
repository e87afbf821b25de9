package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	coretelegram "github.com/m3rciful/relaybot/core/telegram"
	"github.com/m3rciful/relaybot/core/telegram/callbacks"
	"github.com/m3rciful/relaybot/core/telegram/commands"
	tghelpers "github.com/m3rciful/relaybot/core/telegram/helpers"
	"github.com/m3rciful/relaybot/core/telegram/keyboard"
	"github.com/m3rciful/relaybot/directory"
	"github.com/m3rciful/relaybot/relay"
)

// buildRegistry declares every command and callback the bot answers.
func (a *App) buildRegistry() *coretelegram.Registry {
	reg := coretelegram.NewRegistry()

	reg.RegisterCommand("/start", commands.Command{
		Handler:     a.handleStart,
		Description: "Open the bot or follow a personal link",
	})
	reg.RegisterCommand("/link", commands.Command{
		Handler:     a.handleLink,
		Description: "Show your personal link",
	})
	reg.RegisterCommand("/admin", commands.Command{
		Handler:     a.handleAdminMenu,
		Description: "Open the admin panel",
		AdminOnly:   true,
		Hidden:      true,
	})

	// Relay actions available to everyone; authorization happens in the
	// machine, never in button visibility.
	_ = reg.RegisterCallback(string(relay.ActLink), a.cbPersonalLink)
	_ = reg.RegisterCallback(string(relay.ActAgain), a.cbSendAgain)
	_ = reg.RegisterCallback(string(relay.ActReply), a.cbReply)
	_ = reg.RegisterCallback(string(relay.ActBlock), a.cbBlock)

	// Admin actions; the machine rejects forged callbacks server-side.
	_ = reg.RegisterCallback(string(relay.ActAdminBroadcast), a.adminAction(a.machine.BeginBroadcast))
	_ = reg.RegisterCallback(string(relay.ActAdminAnon), a.adminAction(a.machine.BeginAnonymous))
	_ = reg.RegisterCallback(string(relay.ActAdminSearch), a.adminAction(a.machine.BeginSearch))
	_ = reg.RegisterCallback(string(relay.ActAdminStats), a.adminAction(a.machine.SendStats))
	_ = reg.RegisterCallback(string(relay.ActAdminFJToggle), a.adminAction(a.machine.ToggleForceJoin))
	_ = reg.RegisterCallback(string(relay.ActAdminFJChannel), a.adminSetting(directory.KeyForceJoinChannel, askForceJoinChannel))
	_ = reg.RegisterCallback(string(relay.ActAdminFJLink), a.adminSetting(directory.KeyForceJoinLink, askForceJoinLink))

	// Free text with no active state is inert, except the admin root menu.
	reg.SetTextFallback(func(c tele.Context) error {
		if a.isAdmin(c.Sender().ID) {
			return a.handleAdminMenu(c)
		}
		return nil
	})

	return reg
}

// handleStart serves both the deep link entry and the plain menu.
func (a *App) handleStart(c tele.Context) error {
	ctx := tghelpers.WithHandler(c, "start")
	sender := actorFrom(c.Sender())

	payload := strings.TrimSpace(c.Message().Payload)
	if payload != "" {
		ownerID, err := strconv.ParseInt(payload, 10, 64)
		if err == nil && ownerID != 0 {
			return a.machine.OpenLink(ctx, sender, ownerID)
		}
		// Malformed deep link argument falls through to the menu.
	}

	if a.isAdmin(sender.ID) {
		return a.handleAdminMenu(c)
	}
	a.machine.Touch(ctx, sender)
	return tghelpers.SendText(c, textWelcome, &tele.SendOptions{
		ReplyMarkup: actionsMarkup([]relay.Action{
			{Kind: relay.ActLink},
			{Kind: relay.ActAgain},
		}),
	})
}

func (a *App) handleLink(c tele.Context) error {
	ctx := tghelpers.WithHandler(c, "link")
	return a.machine.SendPersonalLink(ctx, actorFrom(c.Sender()))
}

func (a *App) handleAdminMenu(c tele.Context) error {
	a.machine.Touch(tghelpers.BuildContext(c), actorFrom(c.Sender()))
	markup := keyboard.InlineButtonsNPerRow([]keyboard.InlineBtn{
		{Text: actionLabel(relay.ActAdminBroadcast), Unique: string(relay.ActAdminBroadcast)},
		{Text: actionLabel(relay.ActAdminAnon), Unique: string(relay.ActAdminAnon)},
		{Text: actionLabel(relay.ActAdminSearch), Unique: string(relay.ActAdminSearch)},
		{Text: actionLabel(relay.ActAdminStats), Unique: string(relay.ActAdminStats)},
		{Text: actionLabel(relay.ActAdminFJToggle), Unique: string(relay.ActAdminFJToggle)},
		{Text: actionLabel(relay.ActAdminFJChannel), Unique: string(relay.ActAdminFJChannel)},
		{Text: actionLabel(relay.ActAdminFJLink), Unique: string(relay.ActAdminFJLink)},
		{Text: actionLabel(relay.ActLink), Unique: string(relay.ActLink)},
	}, 2)
	return tghelpers.SendMD(c, textAdminMenu, markup)
}

func (a *App) cbPersonalLink(c tele.Context) error {
	ctx := tghelpers.WithHandler(c, "cb.link")
	return a.machine.SendPersonalLink(ctx, actorFrom(c.Sender()))
}

func (a *App) cbSendAgain(c tele.Context) error {
	ctx := tghelpers.WithHandler(c, "cb.again")
	return a.machine.SendAgain(ctx, actorFrom(c.Sender()))
}

func (a *App) cbReply(c tele.Context) error {
	ctx := tghelpers.WithHandler(c, "cb.reply")
	senderID, err := callbacks.PayloadInt64(c)
	if err != nil {
		// No payload: resume the last reply target instead.
		if err := a.machine.ResumeReply(ctx, c.Sender().ID); err != nil {
			return a.denyOrFail(c, err)
		}
		return nil
	}
	if err := a.machine.BeginReply(ctx, c.Sender().ID, senderID); err != nil {
		return a.denyOrFail(c, err)
	}
	return nil
}

func (a *App) cbBlock(c tele.Context) error {
	ctx := tghelpers.WithHandler(c, "cb.block")
	targetID, err := callbacks.PayloadInt64(c)
	if err != nil {
		return nil
	}
	if err := a.machine.Block(ctx, c.Sender().ID, targetID); err != nil {
		return a.denyOrFail(c, err)
	}
	return nil
}

// adminAction wraps a machine method taking only the actor id.
func (a *App) adminAction(fn func(ctx context.Context, adminID int64) error) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx := tghelpers.BuildContext(c)
		if err := fn(ctx, c.Sender().ID); err != nil {
			return a.denyOrFail(c, err)
		}
		return nil
	}
}

func (a *App) adminSetting(key, ask string) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx := tghelpers.BuildContext(c)
		if err := a.machine.BeginSetting(ctx, c.Sender().ID, key, ask); err != nil {
			return a.denyOrFail(c, err)
		}
		return nil
	}
}

// denyOrFail converts authorization failures into the uniform denial reply
// and lets everything else propagate to the router's error logging.
func (a *App) denyOrFail(c tele.Context, err error) error {
	if errors.Is(err, relay.ErrNotAuthorized) {
		return tghelpers.SendText(c, textDenied)
	}
	return err
}
