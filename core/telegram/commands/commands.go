// Package commands holds the registration unit shared by the command
// registry and the routers.
package commands

import (
	tele "gopkg.in/telebot.v4"
)

// Command binds a slash command to its handler. Hidden commands are
// excluded from the menu pushed to Telegram; AdminOnly ones are both
// hidden from regular users and rejected by the command router.
type Command struct {
	Handler     tele.HandlerFunc
	Description string
	Aliases     []string
	AdminOnly   bool
	Hidden      bool
}
