package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bdvil/matrix-room-import/internal/database"
	"github.com/bdvil/matrix-room-import/internal/metrics"
	"github.com/bdvil/matrix-room-import/internal/models"
	"github.com/bdvil/matrix-room-import/pkg/matrix"

	"github.com/sirupsen/logrus"
)

// Dispatcher routes the events of one homeserver transaction to their
// handlers. It owns the idempotency gate: a transaction id that was
// fully handled once is acknowledged without reprocessing.
type Dispatcher struct {
	cfg    *models.Config
	client matrix.Client
	stores *database.Stores
	gate   *Gate
	logger *logrus.Logger
}

func NewDispatcher(cfg *models.Config, client matrix.Client, stores *database.Stores, gate *Gate, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		client: client,
		stores: stores,
		gate:   gate,
		logger: logger,
	}
}

// AlreadyHandled reports whether txnID was processed before. The
// webhook endpoint answers success without touching anything else.
func (d *Dispatcher) AlreadyHandled(txnID string) bool {
	return d.stores.Transactions.Has(txnID)
}

// Dispatch processes every event of the transaction in array order and
// then marks the transaction handled. Per-event failures are logged
// and do not abort the remaining events; only a failure to persist the
// transaction id is returned, so the homeserver redelivers.
func (d *Dispatcher) Dispatch(ctx context.Context, txnID string, txn *models.Transaction) error {
	start := time.Now()
	log := d.logger.WithField("txnId", txnID)

	for _, ev := range txn.Events {
		d.handleEvent(ctx, log, ev)
	}
	if len(txn.Ephemeral) > 0 || len(txn.ToDevice) > 0 {
		log.WithFields(logrus.Fields{
			"ephemeral": len(txn.Ephemeral),
			"toDevice":  len(txn.ToDevice),
		}).Debug("Ignoring ephemeral/to-device events")
	}

	if err := d.stores.Transactions.Append(ctx, txnID, ""); err != nil {
		return fmt.Errorf("failed to mark transaction handled: %w", err)
	}

	metrics.IncrementCounter("transactions_handled_total")
	metrics.RecordTimer("transaction_dispatch_duration", time.Since(start))
	return nil
}

func (d *Dispatcher) handleEvent(ctx context.Context, log *logrus.Entry, ev models.ClientEvent) {
	log = log.WithFields(logrus.Fields{
		"eventType": ev.Type,
		"eventId":   ev.EventID,
		"roomId":    ev.RoomID,
	})

	switch ev.Type {
	case models.EventTypeMember:
		d.handleMemberEvent(ctx, log, ev)
	case models.EventTypeMessage:
		d.handleMessageEvent(ctx, log, ev)
	default:
		log.Debug("Ignoring event type")
	}
}

// handleMemberEvent accepts invites targeting the bot, records the
// room as a bot room and greets it.
func (d *Dispatcher) handleMemberEvent(ctx context.Context, log *logrus.Entry, ev models.ClientEvent) {
	var content models.MemberContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		log.WithError(err).Warn("Malformed member event content")
		return
	}
	if content.Membership == "" {
		log.Warn("Member event without membership")
		return
	}

	if content.Membership != models.MembershipInvite {
		return
	}
	if ev.StateKey == nil || *ev.StateKey != d.cfg.BotUserID() {
		return
	}

	if _, err := d.client.JoinRoom(ctx, ev.RoomID); err != nil {
		log.WithError(err).Error("Failed to join room after invite")
		return
	}

	if !d.stores.BotRooms.Has(ev.RoomID) {
		if _, err := d.stores.BotRooms.Append(ctx, ev.RoomID); err != nil {
			log.WithError(err).Error("Failed to record bot room")
			return
		}
	}

	d.sendNotice(ctx, log, ev.RoomID, "", helpMessage)
	metrics.IncrementCounter("invites_accepted_total")
	log.Info("Joined room after invite")
}

// handleMessageEvent interprets a message in a bot room as a removal
// confirmation, a file submission or a command.
func (d *Dispatcher) handleMessageEvent(ctx context.Context, log *logrus.Entry, ev models.ClientEvent) {
	if !d.stores.BotRooms.Has(ev.RoomID) {
		return
	}
	if ev.Sender == d.cfg.BotUserID() {
		return
	}
	if !d.cfg.IsAllowedUser(ev.Sender) {
		log.WithField("sender", ev.Sender).Debug("Sender not in allow list")
		return
	}

	var content models.MessageContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		log.WithError(err).Warn("Malformed message event content")
		return
	}
	if content.MsgType == "" {
		log.Warn("Message event without msgtype")
		return
	}

	if d.tryRemovalConfirmation(ctx, log, ev, &content) {
		return
	}

	if content.HasFile() {
		d.handleFileSubmission(ctx, log, ev, &content)
		return
	}

	d.runCommand(ctx, log, ev, &content)
}

// handleFileSubmission downloads the attached export, enqueues an
// import job and wakes the worker.
func (d *Dispatcher) handleFileSubmission(ctx context.Context, log *logrus.Entry, ev models.ClientEvent, content *models.MessageContent) {
	filename := content.Filename
	if filename == "" {
		filename = content.Body
	}
	if filename == "" {
		log.Warn("File message without filename")
		return
	}

	data, err := d.client.DownloadMedia(ctx, content.URL)
	if err != nil {
		log.WithError(err).Error("Failed to download export attachment")
		d.sendNotice(ctx, log, ev.RoomID, ev.EventID, "Could not download the export file, sorry.")
		return
	}

	// The submitting event id keeps concurrent uploads of identically
	// named exports from overwriting each other before the worker runs.
	name := strings.TrimPrefix(ev.EventID, "$") + "_" + filepath.Base(filename)
	path := filepath.Join(d.cfg.PathToImportFiles, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		log.WithError(err).Error("Failed to write export attachment")
		return
	}

	if _, err := d.stores.Queue.Append(ctx, models.Process{
		Path:    path,
		EventID: ev.EventID,
		RoomID:  ev.RoomID,
	}); err != nil {
		log.WithError(err).Error("Failed to enqueue import job")
		return
	}
	d.gate.Release()

	metrics.IncrementCounter("imports_queued_total")
	log.WithField("path", path).Info("Queued import job")
}

// tryRemovalConfirmation matches a threaded reply against the pending
// removal entries. It reports whether the event was consumed.
func (d *Dispatcher) tryRemovalConfirmation(ctx context.Context, log *logrus.Entry, ev models.ClientEvent, content *models.MessageContent) bool {
	rootID := relatedEventID(content.RelatesTo)
	if rootID == "" {
		return false
	}
	if !d.stores.RoomsToRemove.HasEventID(rootID) {
		return false
	}
	if !isAffirmative(content.Body) {
		return false
	}

	entry, err := d.stores.RoomsToRemove.PopByEventID(ctx, rootID)
	if err != nil {
		log.WithError(err).Error("Failed to pop room-to-remove entry")
		return true
	}

	d.removeOldRoom(ctx, log, ev, entry)
	return true
}

// relatedEventID extracts the referenced root event of a threaded or
// rich reply.
func relatedEventID(rel *models.RelatesTo) string {
	if rel == nil {
		return ""
	}
	if rel.EventID != "" {
		return rel.EventID
	}
	if rel.InReplyTo != nil {
		return rel.InReplyTo.EventID
	}
	return ""
}

// noticeContent builds an m.notice message, threaded under rootID when
// one is given.
func noticeContent(body, rootID string) *models.MessageContent {
	content := &models.MessageContent{
		MsgType: models.MsgTypeNotice,
		Body:    body,
	}
	if rootID != "" {
		content.RelatesTo = &models.RelatesTo{
			RelType: models.RelTypeThread,
			EventID: rootID,
		}
	}
	return content
}

func (d *Dispatcher) sendNotice(ctx context.Context, log *logrus.Entry, roomID, rootID, body string) {
	if _, err := d.client.SendEvent(ctx, roomID, models.EventTypeMessage, noticeContent(body, rootID), nil); err != nil {
		log.WithError(err).Error("Failed to send notice")
	}
}
