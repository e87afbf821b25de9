package relay

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m3rciful/relaybot/directory"
)

// User-facing texts sent by the machine itself. Button labels live in the
// transport adapter.
const (
	textAskMessage   = "Send your message. It will be delivered anonymously."
	textDelivered    = "Delivered. The recipient can reply to you here."
	textReplySent    = "Reply sent."
	textReplyAsk     = "Type your reply. It will be sent without your name."
	textBlocked      = "Sender blocked. You will not receive their messages anymore."
	textNoPrevious   = "No previous conversation found. Open a link first."
	textDeliverFail  = "Could not deliver your message. Try again later."
	textAnonAskID    = "Send the numeric id of the recipient."
	textAnonAskText  = "Send the message text to deliver anonymously."
	textAnonSent     = "Anonymous message delivered."
	textAnonFailed   = "Could not deliver the message. The recipient may have blocked the bot."
	textBroadcastAsk = "Send the message to broadcast to all users."
	textSearchAskID  = "Send the numeric id of the user to look up."
	textBadID        = "That is not a numeric id. Try again."
	textEmptyValue   = "The value cannot be empty. Try again."
	textSaved        = "Saved."
)

func textJoinPrompt(link string) string {
	if link == "" {
		return "You need to join our channel before using the bot."
	}
	return "You need to join our channel before using the bot: " + link
}

func textPersonalLink(link string) string {
	return "Your personal link:\n" + link + "\nShare it to receive anonymous messages."
}

func textSenderNotice(sender User) string {
	var b strings.Builder
	b.WriteString("New message from ")
	if sender.DisplayName != "" {
		b.WriteString(sender.DisplayName)
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "(id %d", sender.ID)
	if sender.Username != "" {
		b.WriteString(", @" + sender.Username)
	}
	b.WriteString(")")
	return b.String()
}

func textBroadcastDone(delivered, failed int) string {
	return fmt.Sprintf("Broadcast finished: %d delivered, %d failed.", delivered, failed)
}

func textSearchResult(targetID int64, recs []directory.RelayRecord) string {
	if len(recs) == 0 {
		return fmt.Sprintf("No records for id %d.", targetID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Last %d records for id %d:\n", len(recs), targetID)
	for _, r := range recs {
		fmt.Fprintf(&b, "%s  %d -> %d  [%s]  %s\n",
			r.CreatedAt.Format(time.DateTime), r.SenderID, r.ReceiverID, r.Kind, clip(r.Content, 64))
	}
	return b.String()
}

func textStats(st Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Users: %d\n", st.Users)
	if st.TopSenderID != 0 {
		fmt.Fprintf(&b, "Most active sender: %d (%d messages)\n", st.TopSenderID, st.TopSenderCount)
	}
	if len(st.Latest) > 0 {
		b.WriteString("Recent users:\n")
		for _, u := range st.Latest {
			fmt.Fprintf(&b, "  %d %s", u.ID, u.DisplayName)
			if u.Username != "" {
				b.WriteString(" @" + u.Username)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back off to the previous rune boundary so the cut never splits a rune.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
