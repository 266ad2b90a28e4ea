package service

import (
	"context"
	"strings"

	"github.com/bdvil/matrix-room-import/internal/database"
	"github.com/bdvil/matrix-room-import/internal/models"

	"github.com/sirupsen/logrus"
)

// Commands recognized in bot rooms. Matching is case-insensitive and
// longest-prefix first, so "space-id" is tried before shorter names.
var commandNames = []string{
	"set-admin-token",
	"space-id",
	"help",
}

// parseCommand splits a message body into a known command and its
// argument. ok is false when no command matches; plain chatter is not
// an error.
func parseCommand(body string) (cmd, arg string, ok bool) {
	trimmed := strings.TrimSpace(body)
	lower := strings.ToLower(trimmed)

	for _, name := range commandNames {
		if !strings.HasPrefix(lower, name) {
			continue
		}
		rest := trimmed[len(name):]
		if rest != "" && !strings.HasPrefix(rest, " ") {
			continue
		}
		return name, strings.TrimSpace(rest), true
	}
	return "", "", false
}

func (d *Dispatcher) runCommand(ctx context.Context, log *logrus.Entry, ev models.ClientEvent, content *models.MessageContent) {
	cmd, arg, ok := parseCommand(content.Body)
	if !ok {
		return
	}
	log = log.WithField("command", cmd)

	switch cmd {
	case "help":
		d.sendNotice(ctx, log, ev.RoomID, "", helpMessage)

	case "space-id":
		if arg == "" {
			d.sendNotice(ctx, log, ev.RoomID, ev.EventID, "Usage: space-id <space id>")
			return
		}
		if err := d.stores.Config.Update(ctx, database.ConfigKeySpaceID, arg); err != nil {
			log.WithError(err).Error("Failed to persist space id")
			d.sendNotice(ctx, log, ev.RoomID, ev.EventID, "Could not save the space id.")
			return
		}
		d.sendNotice(ctx, log, ev.RoomID, ev.EventID, "Imported rooms will be added to "+arg+".")
		log.Info("Updated space id")

	case "set-admin-token":
		if arg == "" {
			d.sendNotice(ctx, log, ev.RoomID, ev.EventID, "Usage: set-admin-token <token>")
			return
		}
		if err := d.stores.Config.Update(ctx, database.ConfigKeyAdminToken, arg); err != nil {
			log.WithError(err).Error("Failed to persist admin token")
			d.sendNotice(ctx, log, ev.RoomID, ev.EventID, "Could not save the admin token.")
			return
		}
		d.client.SetAdminToken(arg)

		// The message leaked a credential; remove it from the room.
		if _, err := d.client.RedactEvent(ctx, ev.RoomID, ev.EventID, "contained a secret"); err != nil {
			log.WithError(err).Error("Failed to redact admin token message")
		}
		d.sendNotice(ctx, log, ev.RoomID, "", "Admin token updated.")
		log.Info("Rotated admin token")
	}
}
