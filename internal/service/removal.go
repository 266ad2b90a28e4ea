package service

import (
	"context"
	"strings"

	"github.com/bdvil/matrix-room-import/internal/metrics"
	"github.com/bdvil/matrix-room-import/internal/models"
	"github.com/bdvil/matrix-room-import/pkg/matrix"

	"github.com/sirupsen/logrus"
)

// isAffirmative reports whether a confirmation reply approves the
// removal.
func isAffirmative(body string) bool {
	return strings.Contains(strings.ToLower(body), "yes")
}

// removeOldRoom evicts every user recorded in the entry from the old
// room and then asks the server to delete and purge it. The server may
// refuse to purge a room that still has joined non-bot members, hence
// the leave pass first.
func (d *Dispatcher) removeOldRoom(ctx context.Context, log *logrus.Entry, ev models.ClientEvent, entry models.RoomToRemove) {
	log = log.WithField("oldRoomId", entry.RoomID)

	for _, userID := range entry.Users {
		content := models.MemberContent{Membership: models.MembershipLeave}
		_, err := d.client.SendStateEvent(ctx, entry.RoomID, models.EventTypeMember, userID,
			content, &matrix.Impersonate{UserID: userID})
		if err != nil {
			log.WithError(err).WithField("userId", userID).Warn("Failed to make user leave old room")
		}
	}

	if _, err := d.client.DeleteRoom(ctx, entry.RoomID, &matrix.DeleteRoomRequest{
		Block: true,
		Purge: true,
	}); err != nil {
		log.WithError(err).Error("Failed to delete old room")
		d.sendNotice(ctx, log, ev.RoomID, ev.EventID, "Could not delete the old room: "+err.Error())
		return
	}

	metrics.IncrementCounter("rooms_removed_total")
	d.sendNotice(ctx, log, ev.RoomID, ev.EventID, "Old room removed.")
	log.Info("Deleted old room")
}
