package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/bdvil/matrix-room-import/internal/database"
	"github.com/bdvil/matrix-room-import/internal/models"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *models.Config {
	t.Helper()
	return &models.Config{
		HomeserverURL:     "http://localhost:8008",
		ServerName:        "example.org",
		ASLocalpart:       "roomimportbot",
		BotAllowUsers:     []string{"@admin:example.org"},
		PathToImportFiles: t.TempDir(),
	}
}

func testStores(t *testing.T) *database.Stores {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	stores, err := database.OpenStores(context.Background(), db)
	require.NoError(t, err)
	return stores
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *mockClient, *database.Stores, *Gate) {
	t.Helper()
	client := &mockClient{}
	stores := testStores(t)
	gate := NewGate(0)
	d := NewDispatcher(testConfig(t), client, stores, gate, testLogger())
	return d, client, stores, gate
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func memberEvent(t *testing.T, sender, stateKey, membership, roomID string) models.ClientEvent {
	t.Helper()
	return models.ClientEvent{
		Type:     models.EventTypeMember,
		Sender:   sender,
		RoomID:   roomID,
		EventID:  "$invite",
		StateKey: &stateKey,
		Content:  mustMarshal(t, models.MemberContent{Membership: membership}),
	}
}

func messageEvent(t *testing.T, sender, roomID, eventID string, content models.MessageContent) models.ClientEvent {
	t.Helper()
	return models.ClientEvent{
		Type:    models.EventTypeMessage,
		Sender:  sender,
		RoomID:  roomID,
		EventID: eventID,
		Content: mustMarshal(t, content),
	}
}

func TestDispatch_MarksTransactionHandled(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	assert.False(t, d.AlreadyHandled("txn-1"))
	require.NoError(t, d.Dispatch(ctx, "txn-1", &models.Transaction{}))
	assert.True(t, d.AlreadyHandled("txn-1"))
}

func TestDispatch_InviteJoinsAndGreets(t *testing.T) {
	d, client, stores, _ := newTestDispatcher(t)
	ctx := context.Background()

	txn := &models.Transaction{Events: []models.ClientEvent{
		memberEvent(t, "@admin:example.org", "@roomimportbot:example.org", models.MembershipInvite, "!room:example.org"),
	}}
	require.NoError(t, d.Dispatch(ctx, "txn-1", txn))

	assert.Equal(t, []string{"!room:example.org"}, client.joined)
	assert.True(t, stores.BotRooms.Has("!room:example.org"))

	notices := client.sentOfType(models.EventTypeMessage)
	require.Len(t, notices, 1)
	content := notices[0].Content.(*models.MessageContent)
	assert.Equal(t, models.MsgTypeNotice, content.MsgType)
	assert.Contains(t, content.Body, "Commands")
}

func TestDispatch_InviteForOtherUserIgnored(t *testing.T) {
	d, client, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	txn := &models.Transaction{Events: []models.ClientEvent{
		memberEvent(t, "@admin:example.org", "@someone:example.org", models.MembershipInvite, "!room:example.org"),
	}}
	require.NoError(t, d.Dispatch(ctx, "txn-1", txn))

	assert.Empty(t, client.joined)
}

func TestDispatch_MessageOutsideBotRoomIgnored(t *testing.T) {
	d, client, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	txn := &models.Transaction{Events: []models.ClientEvent{
		messageEvent(t, "@admin:example.org", "!random:example.org", "$m1",
			models.MessageContent{MsgType: models.MsgTypeText, Body: "help"}),
	}}
	require.NoError(t, d.Dispatch(ctx, "txn-1", txn))

	assert.Empty(t, client.sent)
}

func TestDispatch_DisallowedSenderIgnored(t *testing.T) {
	d, client, stores, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := stores.BotRooms.Append(ctx, "!room:example.org")
	require.NoError(t, err)

	txn := &models.Transaction{Events: []models.ClientEvent{
		messageEvent(t, "@stranger:example.org", "!room:example.org", "$m1",
			models.MessageContent{MsgType: models.MsgTypeText, Body: "help"}),
	}}
	require.NoError(t, d.Dispatch(ctx, "txn-1", txn))

	assert.Empty(t, client.sent)
}

func TestDispatch_CommandCaseInsensitive(t *testing.T) {
	d, client, stores, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := stores.BotRooms.Append(ctx, "!room:example.org")
	require.NoError(t, err)
	require.NoError(t, stores.Config.Ensure(ctx, database.ConfigKeySpaceID, ""))

	txn := &models.Transaction{Events: []models.ClientEvent{
		messageEvent(t, "@admin:example.org", "!room:example.org", "$m1",
			models.MessageContent{MsgType: models.MsgTypeText, Body: "SPACE-ID !space:example.org"}),
	}}
	require.NoError(t, d.Dispatch(ctx, "txn-1", txn))

	value, ok := stores.Config.Get(database.ConfigKeySpaceID)
	assert.True(t, ok)
	assert.Equal(t, "!space:example.org", value)

	notices := client.sentOfType(models.EventTypeMessage)
	require.Len(t, notices, 1)
}

func TestDispatch_SetAdminTokenRedacts(t *testing.T) {
	d, client, stores, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := stores.BotRooms.Append(ctx, "!room:example.org")
	require.NoError(t, err)
	require.NoError(t, stores.Config.Ensure(ctx, database.ConfigKeyAdminToken, "old"))

	txn := &models.Transaction{Events: []models.ClientEvent{
		messageEvent(t, "@admin:example.org", "!room:example.org", "$m1",
			models.MessageContent{MsgType: models.MsgTypeText, Body: "set-admin-token s3cret"}),
	}}
	require.NoError(t, d.Dispatch(ctx, "txn-1", txn))

	value, _ := stores.Config.Get(database.ConfigKeyAdminToken)
	assert.Equal(t, "s3cret", value)
	assert.Equal(t, "s3cret", client.adminToken)
	assert.Equal(t, []string{"$m1"}, client.redacted)
}

func TestDispatch_FileSubmissionQueuesJob(t *testing.T) {
	d, client, stores, gate := newTestDispatcher(t)
	ctx := context.Background()

	_, err := stores.BotRooms.Append(ctx, "!room:example.org")
	require.NoError(t, err)

	txn := &models.Transaction{Events: []models.ClientEvent{
		messageEvent(t, "@admin:example.org", "!room:example.org", "$file",
			models.MessageContent{
				MsgType:  models.MsgTypeFile,
				Body:     "export.zip",
				URL:      "mxc://example.org/abc",
				Filename: "export.zip",
			}),
	}}
	require.NoError(t, d.Dispatch(ctx, "txn-1", txn))

	assert.Equal(t, []string{"mxc://example.org/abc"}, client.downloads)
	assert.Equal(t, 1, stores.Queue.Len())
	assert.Equal(t, 1, gate.Len())

	job, err := stores.Queue.GetAndRemoveNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "$file", job.EventID)
	assert.Equal(t, "!room:example.org", job.RoomID)

	data, err := os.ReadFile(job.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)
}

func TestDispatch_DuplicateFilenamesKeptApart(t *testing.T) {
	d, client, stores, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := stores.BotRooms.Append(ctx, "!room:example.org")
	require.NoError(t, err)

	client.downloadFn = func(mxcURI string) ([]byte, error) {
		return []byte(mxcURI), nil
	}

	submit := func(txnID, eventID, mxc string) {
		txn := &models.Transaction{Events: []models.ClientEvent{
			messageEvent(t, "@admin:example.org", "!room:example.org", eventID,
				models.MessageContent{
					MsgType:  models.MsgTypeFile,
					Body:     "export.zip",
					URL:      mxc,
					Filename: "export.zip",
				}),
		}}
		require.NoError(t, d.Dispatch(ctx, txnID, txn))
	}

	submit("txn-1", "$first", "mxc://example.org/one")
	submit("txn-2", "$second", "mxc://example.org/two")

	// Same attachment name twice must not overwrite the earlier job's
	// file on disk.
	first, err := stores.Queue.GetAndRemoveNext(ctx)
	require.NoError(t, err)
	second, err := stores.Queue.GetAndRemoveNext(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.Path, second.Path)

	data, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("mxc://example.org/one"), data)

	data, err = os.ReadFile(second.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("mxc://example.org/two"), data)
}

func TestDispatch_MemberEventWithoutMembership(t *testing.T) {
	client := &mockClient{}
	stores := testStores(t)
	logger, hook := logrustest.NewNullLogger()
	d := NewDispatcher(testConfig(t), client, stores, NewGate(0), logger)
	ctx := context.Background()

	stateKey := "@roomimportbot:example.org"
	txn := &models.Transaction{Events: []models.ClientEvent{
		{
			Type:     models.EventTypeMember,
			Sender:   "@admin:example.org",
			RoomID:   "!room:example.org",
			EventID:  "$bad",
			StateKey: &stateKey,
			Content:  mustMarshal(t, map[string]string{"displayname": "x"}),
		},
	}}
	require.NoError(t, d.Dispatch(ctx, "txn-1", txn))

	assert.Empty(t, client.joined)

	// The missing field is warned about without a phantom error value.
	var warned bool
	for _, entry := range hook.Entries {
		if entry.Message == "Member event without membership" {
			warned = true
			assert.NotContains(t, entry.Data, logrus.ErrorKey)
		}
	}
	assert.True(t, warned)
}

func TestDispatch_RemovalConfirmation(t *testing.T) {
	d, client, stores, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := stores.BotRooms.Append(ctx, "!room:example.org")
	require.NoError(t, err)
	_, err = stores.RoomsToRemove.Append(ctx, models.RoomToRemove{
		EventID: "$notice",
		RoomID:  "!old:example.org",
		Users:   []string{"@alice:example.org"},
	})
	require.NoError(t, err)

	txn := &models.Transaction{Events: []models.ClientEvent{
		messageEvent(t, "@admin:example.org", "!room:example.org", "$reply",
			models.MessageContent{
				MsgType: models.MsgTypeText,
				Body:    "yes",
				RelatesTo: &models.RelatesTo{
					RelType: models.RelTypeThread,
					EventID: "$notice",
				},
			}),
	}}
	require.NoError(t, d.Dispatch(ctx, "txn-1", txn))

	assert.Equal(t, []string{"!old:example.org"}, client.deleted)
	assert.False(t, stores.RoomsToRemove.HasEventID("$notice"))

	// Every recorded user is made to leave before deletion.
	leaves := client.sentOfType(models.EventTypeMember)
	require.Len(t, leaves, 1)
	assert.Equal(t, "!old:example.org", leaves[0].RoomID)
	assert.Equal(t, "@alice:example.org", leaves[0].StateKey)
	require.NotNil(t, leaves[0].As)
	assert.Equal(t, "@alice:example.org", leaves[0].As.UserID)
}

func TestDispatch_RemovalNeedsKnownRootEvent(t *testing.T) {
	d, client, stores, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := stores.BotRooms.Append(ctx, "!room:example.org")
	require.NoError(t, err)
	_, err = stores.RoomsToRemove.Append(ctx, models.RoomToRemove{
		EventID: "$notice",
		RoomID:  "!old:example.org",
	})
	require.NoError(t, err)

	// An affirmative reply threaded under an event that is not a
	// pending removal notice must not delete anything.
	txn := &models.Transaction{Events: []models.ClientEvent{
		messageEvent(t, "@admin:example.org", "!room:example.org", "$reply",
			models.MessageContent{
				MsgType: models.MsgTypeText,
				Body:    "yes",
				RelatesTo: &models.RelatesTo{
					RelType: models.RelTypeThread,
					EventID: "$unrelated",
				},
			}),
	}}
	require.NoError(t, d.Dispatch(ctx, "txn-1", txn))

	assert.Empty(t, client.deleted)
	assert.Empty(t, client.sentOfType(models.EventTypeMember))
	assert.True(t, stores.RoomsToRemove.HasEventID("$notice"))
}

func TestDispatch_RemovalNeedsAffirmativeReply(t *testing.T) {
	d, client, stores, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := stores.BotRooms.Append(ctx, "!room:example.org")
	require.NoError(t, err)
	_, err = stores.RoomsToRemove.Append(ctx, models.RoomToRemove{
		EventID: "$notice",
		RoomID:  "!old:example.org",
	})
	require.NoError(t, err)

	txn := &models.Transaction{Events: []models.ClientEvent{
		messageEvent(t, "@admin:example.org", "!room:example.org", "$reply",
			models.MessageContent{
				MsgType: models.MsgTypeText,
				Body:    "no, keep it",
				RelatesTo: &models.RelatesTo{
					RelType: models.RelTypeThread,
					EventID: "$notice",
				},
			}),
	}}
	require.NoError(t, d.Dispatch(ctx, "txn-1", txn))

	assert.Empty(t, client.deleted)
	assert.True(t, stores.RoomsToRemove.HasEventID("$notice"))
}
