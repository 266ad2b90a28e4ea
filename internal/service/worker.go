package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bdvil/matrix-room-import/internal/constants"
	"github.com/bdvil/matrix-room-import/internal/database"
	"github.com/bdvil/matrix-room-import/internal/export"
	"github.com/bdvil/matrix-room-import/internal/metrics"
	"github.com/bdvil/matrix-room-import/internal/models"
	"github.com/bdvil/matrix-room-import/internal/tracing"
	"github.com/bdvil/matrix-room-import/pkg/matrix"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Worker drains the import queue one job at a time. A single consumer
// keeps replayed rooms strictly ordered and makes homeserver load
// predictable; the gate wakes it whenever the dispatcher enqueues.
type Worker struct {
	cfg    *models.Config
	client matrix.Client
	stores *database.Stores
	gate   *Gate
	logger *logrus.Logger
}

func NewWorker(cfg *models.Config, client matrix.Client, stores *database.Stores, gate *Gate, logger *logrus.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		client: client,
		stores: stores,
		gate:   gate,
		logger: logger,
	}
}

// Run processes jobs until ctx is canceled. Job failures are reported
// to the submitting room and never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.gate.Acquire(ctx); err != nil {
			return err
		}

		job, err := w.stores.Queue.GetAndRemoveNext(ctx)
		if errors.Is(err, models.ErrNotFound) {
			// A stray wakeup without a matching job is harmless.
			continue
		}
		if err != nil {
			w.logger.WithError(err).Error("Failed to dequeue import job")
			continue
		}

		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job models.Process) {
	ctx, span := tracing.StartSpan(ctx, "import_job")
	defer span.End()
	tracing.AddSpanAttributes(ctx,
		attribute.String("job.path", job.Path),
		attribute.String("job.room_id", job.RoomID),
	)

	start := time.Now()
	log := w.logger.WithFields(logrus.Fields{
		"path":   job.Path,
		"roomId": job.RoomID,
	})
	log.Info("Starting import job")

	archive, err := export.Load(job.Path)
	if err != nil {
		w.signalFailed(ctx, log, job, fmt.Errorf("could not read the export: %w", err))
		return
	}

	oldRoomID, err := archive.File.RoomID()
	if err != nil {
		w.signalFailed(ctx, log, job, err)
		return
	}
	log = log.WithField("oldRoomId", oldRoomID)

	creator, err := archive.File.CreatorUserID()
	if err != nil {
		w.signalFailed(ctx, log, job, err)
		return
	}
	creationTS := archive.File.CreationTS()

	uploads := w.uploadAttachments(ctx, log, archive)
	w.signalStarted(ctx, log, job, archive.File.RoomName)

	// Reactions live outside the export file; they are recovered from
	// the old room before it goes away.
	oldReactions := w.fetchOldReactions(ctx, log, oldRoomID)

	newRoomID, err := w.createRoom(ctx, archive.File, creator, creationTS)
	if err != nil {
		w.signalFailed(ctx, log, job, err)
		return
	}
	log = log.WithField("newRoomId", newRoomID)
	tracing.AddSpanAttributes(ctx, attribute.String("job.new_room_id", newRoomID))

	w.linkToSpace(ctx, log, newRoomID, creator, creationTS)

	idMap, joined := w.replayTimeline(ctx, log, archive, uploads, newRoomID, creator)
	w.replayReactions(ctx, log, newRoomID, oldReactions, idMap)

	w.signalEnded(ctx, log, job, oldRoomID, newRoomID, joined)

	if err := os.Remove(job.Path); err != nil {
		log.WithError(err).Warn("Failed to remove processed export file")
	}

	tracing.SetSpanStatus(ctx, codes.Ok, "")
	metrics.IncrementCounter("imports_completed_total")
	metrics.RecordTimer("import_duration", time.Since(start))
	log.WithField("duration", time.Since(start)).Info("Import job finished")
}

// uploadAttachments pushes every bundled attachment to the media
// repository and returns normalized filename -> mxc uri. A failed
// upload drops that attachment; its messages are skipped later.
func (w *Worker) uploadAttachments(ctx context.Context, log *logrus.Entry, archive *export.Archive) map[string]string {
	uploads := make(map[string]string, len(archive.Attachments))
	for name, data := range archive.Attachments {
		created, err := w.client.CreateMedia(ctx)
		if err != nil {
			log.WithError(err).WithField("attachment", name).Error("Failed to reserve media id")
			continue
		}
		if err := w.client.UploadMedia(ctx, created.ContentURI, data, name, mimeTypeFor(name, data)); err != nil {
			log.WithError(err).WithField("attachment", name).Error("Failed to upload attachment")
			continue
		}
		uploads[name] = created.ContentURI
	}
	log.WithFields(logrus.Fields{
		"attachments": len(archive.Attachments),
		"uploaded":    len(uploads),
	}).Info("Uploaded attachments")
	return uploads
}

func mimeTypeFor(name string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

// fetchOldReactions pages backwards through the old room's history and
// collects its reaction events. Pagination is bounded so a server that
// never signals the end cannot stall the job; a failed page just means
// fewer recovered reactions.
func (w *Worker) fetchOldReactions(ctx context.Context, log *logrus.Entry, oldRoomID string) []models.ClientEvent {
	var reactions []models.ClientEvent
	from := ""
	for page := 0; page < constants.MaxReactionPages; page++ {
		resp, err := w.client.GetRoomMessages(ctx, oldRoomID, from, "b", constants.ReactionPageLimit)
		if err != nil {
			log.WithError(err).Warn("Failed to page old room reactions")
			break
		}
		for _, ev := range resp.Chunk {
			if ev.Type == models.EventTypeReaction || ev.Type == models.EventTypeRoomReaction {
				reactions = append(reactions, ev)
			}
		}
		if resp.End == "" || len(resp.Chunk) == 0 {
			break
		}
		from = resp.End
	}
	log.WithField("reactions", len(reactions)).Debug("Collected old room reactions")
	return reactions
}

// initialStateTypes are room settings carried by the creation request
// rather than replayed into the timeline.
var initialStateTypes = map[string]bool{
	models.EventTypeName:              true,
	models.EventTypeTopic:             true,
	models.EventTypeJoinRules:         true,
	models.EventTypeHistoryVisibility: true,
	models.EventTypeGuestAccess:       true,
}

// createRoom creates the replacement room as the original creator at
// the original creation time, seeding it with the exported room
// settings. Federation is disabled: a recreated room must not leak to
// servers that never saw the original.
func (w *Worker) createRoom(ctx context.Context, f *export.File, creator string, ts int64) (string, error) {
	federate := false
	req := &matrix.CreateRoomRequest{
		CreationContent: &matrix.CreationContent{Federate: &federate},
		Name:            f.RoomName,
		Topic:           f.Topic,
		Visibility:      "private",
	}

	for _, m := range f.Messages {
		switch ev := m.(type) {
		case *export.JoinRulesEvent:
			req.InitialState = append(req.InitialState, matrix.StateEvent{
				Type: models.EventTypeJoinRules, Content: ev.Content,
			})
		case *export.HistoryVisibilityEvent:
			req.InitialState = append(req.InitialState, matrix.StateEvent{
				Type: models.EventTypeHistoryVisibility, Content: ev.Content,
			})
		case *export.GuestAccessEvent:
			req.InitialState = append(req.InitialState, matrix.StateEvent{
				Type: models.EventTypeGuestAccess, Content: ev.Content,
			})
		}
	}

	resp, err := w.client.CreateRoom(ctx, req, &matrix.Impersonate{UserID: creator, TS: ts})
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}
	return resp.RoomID, nil
}

// linkToSpace attaches the new room to the configured space. No
// configured space and a failed link both leave the room standalone.
func (w *Worker) linkToSpace(ctx context.Context, log *logrus.Entry, newRoomID, creator string, ts int64) {
	spaceID, ok := w.stores.Config.Get(database.ConfigKeySpaceID)
	if !ok || spaceID == "" {
		return
	}

	content := export.SpaceChildContent{Via: []string{w.cfg.ServerName}}
	_, err := w.client.SendStateEvent(ctx, spaceID, models.EventTypeSpaceChild, newRoomID,
		content, &matrix.Impersonate{UserID: creator, TS: ts})
	if err != nil {
		log.WithError(err).WithField("spaceId", spaceID).Error("Failed to link room to space")
		return
	}
	log.WithField("spaceId", spaceID).Info("Linked room to space")
}

// replayTimeline sends the exported events into the new room in export
// order, impersonating the original senders and timestamps. It returns
// the old->new event id mapping and the set of users joined at the end
// of the replay. Per-event failures skip that event and continue.
func (w *Worker) replayTimeline(ctx context.Context, log *logrus.Entry, archive *export.Archive, uploads map[string]string, newRoomID, creator string) (map[string]string, []string) {
	idMap := make(map[string]string)
	joined := make(map[string]bool)
	creatorJoined := false

	for _, m := range archive.File.Messages {
		base := m.Base()
		as := &matrix.Impersonate{UserID: base.Sender, TS: base.OriginServerTS}
		evLog := log.WithFields(logrus.Fields{
			"oldEventId": base.EventID,
			"eventType":  base.Type,
		})

		switch ev := m.(type) {
		case *export.SkippedEvent:
			continue

		case *export.MemberEvent:
			target := ev.StateKey
			if target == "" {
				target = ev.Sender
			}
			switch ev.Content.Membership {
			case models.MembershipJoin:
				joined[target] = true
			case models.MembershipLeave, models.MembershipBan:
				delete(joined, target)
			}

			// Room creation already joined the creator; replaying that
			// first join would be rejected as a no-op.
			if target == creator && ev.Content.Membership == models.MembershipJoin && !creatorJoined {
				creatorJoined = true
				continue
			}

			resp, err := w.client.SendStateEvent(ctx, newRoomID, models.EventTypeMember, target, ev.Content, as)
			if err != nil {
				evLog.WithError(err).Warn("Failed to replay member event")
				continue
			}
			idMap[base.EventID] = resp.EventID

		case *export.MessageEvent:
			content := ev.Content
			if content.HasFile() {
				key := export.NormalizeFilename(content.Filename)
				if content.Filename == "" {
					key = export.NormalizeFilename(content.Body)
				}
				uri, ok := uploads[key]
				if !ok {
					evLog.WithField("attachment", key).Warn("Skipping message with missing attachment")
					continue
				}
				content.URL = uri
				content.File = nil
			}
			rewriteRelations(content.RelatesTo, idMap)

			resp, err := w.client.SendEvent(ctx, newRoomID, models.EventTypeMessage, content, as)
			if err != nil {
				evLog.WithError(err).Warn("Failed to replay message event")
				continue
			}
			idMap[base.EventID] = resp.EventID

		case *export.ReactionEvent:
			if !rewriteReactionTarget(ev.Content.RelatesTo, idMap) {
				evLog.Debug("Skipping reaction to an unreplayed event")
				continue
			}
			resp, err := w.client.SendEvent(ctx, newRoomID, models.EventTypeReaction, ev.Content, as)
			if err != nil {
				evLog.WithError(err).Warn("Failed to replay reaction event")
				continue
			}
			idMap[base.EventID] = resp.EventID

		case *export.SpaceChildEvent:
			resp, err := w.client.SendStateEvent(ctx, newRoomID, models.EventTypeSpaceChild, ev.StateKey, ev.Content, as)
			if err != nil {
				evLog.WithError(err).Warn("Failed to replay space child event")
				continue
			}
			idMap[base.EventID] = resp.EventID

		case *export.GenericEvent:
			var resp *matrix.SendEventResponse
			var err error
			if ev.StateKey != "" {
				resp, err = w.client.SendStateEvent(ctx, newRoomID, ev.Type, ev.StateKey, ev.Content, as)
			} else {
				resp, err = w.client.SendEvent(ctx, newRoomID, ev.Type, ev.Content, as)
			}
			if err != nil {
				evLog.WithError(err).Warn("Failed to replay event")
				continue
			}
			idMap[base.EventID] = resp.EventID

		default:
			if initialStateTypes[base.Type] {
				continue
			}
			evLog.Debug("Ignoring unreplayable event")
		}
	}

	users := make([]string, 0, len(joined))
	for u := range joined {
		users = append(users, u)
	}
	return idMap, users
}

// rewriteRelations points reply and thread references at the replayed
// event ids. A reference to an event that was not replayed is dropped
// so the message still lands, just unthreaded.
func rewriteRelations(rel *models.RelatesTo, idMap map[string]string) {
	if rel == nil {
		return
	}
	if rel.EventID != "" {
		if newID, ok := idMap[rel.EventID]; ok {
			rel.EventID = newID
		}
	}
	if rel.InReplyTo != nil {
		if newID, ok := idMap[rel.InReplyTo.EventID]; ok {
			rel.InReplyTo.EventID = newID
		}
	}
}

// rewriteReactionTarget maps a reaction's annotated event id into the
// new room. It reports false for orphans, which must not be sent: a
// reaction needs its target.
func rewriteReactionTarget(rel *models.RelatesTo, idMap map[string]string) bool {
	if rel == nil || rel.EventID == "" {
		return false
	}
	newID, ok := idMap[rel.EventID]
	if !ok {
		return false
	}
	rel.EventID = newID
	return true
}

// replayReactions sends the reactions recovered from the old room,
// remapped onto the replayed events. Orphans are skipped.
func (w *Worker) replayReactions(ctx context.Context, log *logrus.Entry, newRoomID string, reactions []models.ClientEvent, idMap map[string]string) {
	sent := 0
	for _, ev := range reactions {
		var content models.ReactionContent
		if err := decodeReaction(ev, &content); err != nil {
			log.WithError(err).WithField("oldEventId", ev.EventID).Warn("Malformed reaction content")
			continue
		}
		if !rewriteReactionTarget(content.RelatesTo, idMap) {
			continue
		}

		as := &matrix.Impersonate{UserID: ev.Sender, TS: ev.OriginServerTS}
		if _, err := w.client.SendEvent(ctx, newRoomID, models.EventTypeReaction, content, as); err != nil {
			log.WithError(err).WithField("oldEventId", ev.EventID).Warn("Failed to replay reaction")
			continue
		}
		sent++
	}
	log.WithField("reactions", sent).Debug("Replayed old room reactions")
}

func decodeReaction(ev models.ClientEvent, content *models.ReactionContent) error {
	if err := json.Unmarshal(ev.Content, content); err != nil {
		return fmt.Errorf("failed to decode reaction content: %w", err)
	}
	return nil
}

func (w *Worker) signalStarted(ctx context.Context, log *logrus.Entry, job models.Process, roomName string) {
	body := "Import started for \"" + roomName + "\". I will report back here when it is done."
	w.sendWorkerNotice(ctx, log, job.RoomID, job.EventID, body)
}

// signalEnded announces the new room and records the old one as
// pending removal, keyed by the notice event id so a threaded "yes"
// reply can be matched back.
func (w *Worker) signalEnded(ctx context.Context, log *logrus.Entry, job models.Process, oldRoomID, newRoomID string, joined []string) {
	body := "Import finished: https://matrix.to/#/" + newRoomID +
		"\n\nShould I remove the old room? Reply \"yes\" in this thread to confirm."
	resp, err := w.client.SendEvent(ctx, job.RoomID, models.EventTypeMessage, noticeContent(body, job.EventID), nil)
	if err != nil {
		log.WithError(err).Error("Failed to send completion notice")
		return
	}

	_, err = w.stores.RoomsToRemove.Append(ctx, models.RoomToRemove{
		EventID: resp.EventID,
		RoomID:  oldRoomID,
		Users:   joined,
	})
	if err != nil {
		log.WithError(err).Error("Failed to record room pending removal")
	}
}

func (w *Worker) signalFailed(ctx context.Context, log *logrus.Entry, job models.Process, jobErr error) {
	log.WithError(jobErr).Error("Import job failed")
	metrics.IncrementCounter("imports_failed_total")
	tracing.RecordError(ctx, jobErr)
	tracing.SetSpanStatus(ctx, codes.Error, "import failed")

	body := "The import failed: " + jobErr.Error()
	var errResp *matrix.ErrorResponse
	if errors.As(jobErr, &errResp) {
		body = fmt.Sprintf("The import failed: %s (%s)", errResp.Err, errResp.ErrCode)
	}
	w.sendWorkerNotice(ctx, log, job.RoomID, job.EventID, body)
}

func (w *Worker) sendWorkerNotice(ctx context.Context, log *logrus.Entry, roomID, rootID, body string) {
	if _, err := w.client.SendEvent(ctx, roomID, models.EventTypeMessage, noticeContent(body, rootID), nil); err != nil {
		log.WithError(err).Error("Failed to send status notice")
	}
}
