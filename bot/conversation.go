package bot

import (
	"strings"

	tele "gopkg.in/telebot.v4"

	tghelpers "github.com/m3rciful/relaybot/core/telegram/helpers"
	"github.com/m3rciful/relaybot/relay"
)

// conversation adapts the relay machine to the text router's FSM interface.
type conversation struct {
	machine *relay.Machine
}

func (c conversation) InProgress(userID int64) bool {
	return c.machine.Sessions().InProgress(userID)
}

func (c conversation) ManagerHandler(tc tele.Context) error {
	ctx := tghelpers.BuildContext(tc)
	return c.machine.HandleMessage(ctx, inboundFrom(tc))
}

func actorFrom(u *tele.User) relay.User {
	if u == nil {
		return relay.User{}
	}
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	return relay.User{ID: u.ID, DisplayName: name, Username: u.Username}
}

func inboundFrom(tc tele.Context) relay.Inbound {
	msg := tc.Message()
	in := relay.Inbound{Sender: actorFrom(tc.Sender())}
	if msg == nil {
		return in
	}
	in.Text = msg.Text
	in.Content = snapshot(msg)
	in.ChatID = msg.Chat.ID
	in.MessageID = msg.ID
	return in
}

// snapshot produces the lossy text projection stored in relay records and
// used for direct sends: message text, caption, or a content type tag.
func snapshot(msg *tele.Message) string {
	if msg.Text != "" {
		return msg.Text
	}

	tag := ""
	switch {
	case msg.Photo != nil:
		tag = "[photo]"
	case msg.Video != nil:
		tag = "[video]"
	case msg.Document != nil:
		tag = "[document]"
	case msg.Audio != nil:
		tag = "[audio]"
	case msg.Voice != nil:
		tag = "[voice]"
	case msg.VideoNote != nil:
		tag = "[video_note]"
	case msg.Sticker != nil:
		tag = "[sticker]"
	case msg.Animation != nil:
		tag = "[animation]"
	case msg.Contact != nil:
		tag = "[contact]"
	case msg.Location != nil:
		tag = "[location]"
	case msg.Venue != nil:
		tag = "[venue]"
	case msg.Dice != nil:
		tag = "[dice]"
	default:
		tag = "[unsupported]"
	}

	if msg.Caption != "" {
		return tag + " " + msg.Caption
	}
	return tag
}
