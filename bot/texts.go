package bot

import "github.com/m3rciful/relaybot/relay"

const (
	textWelcome   = "Welcome! Get your personal link and share it to receive anonymous messages."
	textAdminMenu = "Admin panel:"
	textDenied    = "You are not allowed to do that."

	askForceJoinChannel = "Send the channel handle (@channel) or numeric id."
	askForceJoinLink    = "Send the invite link to show to users."
)

// actionLabel maps machine actions to button captions.
func actionLabel(kind relay.ActionKind) string {
	switch kind {
	case relay.ActReply:
		return "Reply"
	case relay.ActBlock:
		return "Block"
	case relay.ActLink:
		return "My link"
	case relay.ActAgain:
		return "Send again"
	case relay.ActAdminBroadcast:
		return "Broadcast"
	case relay.ActAdminAnon:
		return "Anonymous message"
	case relay.ActAdminSearch:
		return "Search history"
	case relay.ActAdminFJToggle:
		return "Toggle force join"
	case relay.ActAdminFJChannel:
		return "Set channel"
	case relay.ActAdminFJLink:
		return "Set join link"
	case relay.ActAdminStats:
		return "Stats"
	}
	return string(kind)
}
