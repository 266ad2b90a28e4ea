package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdvil/matrix-room-import/internal/database"
	"github.com/bdvil/matrix-room-import/internal/models"
	"github.com/bdvil/matrix-room-import/pkg/matrix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// importExport is a full export exercising the replay pipeline: room
// settings, a second member joining and leaving, a reply, reactions
// (one orphaned) and an encrypted placeholder.
const importExport = `{
	"room_name": "Project X",
	"room_creator": "Alice",
	"topic": "planning",
	"export_date": "2024-01-01",
	"exported_by": "Alice",
	"messages": [
		{
			"type": "m.room.member",
			"sender": "@alice:example.org",
			"state_key": "@alice:example.org",
			"origin_server_ts": 1000,
			"event_id": "$join-alice",
			"room_id": "!old:example.org",
			"content": {"membership": "join", "displayname": "Alice"}
		},
		{
			"type": "m.room.join_rules",
			"sender": "@alice:example.org",
			"state_key": "",
			"origin_server_ts": 1001,
			"event_id": "$jr",
			"room_id": "!old:example.org",
			"content": {"join_rule": "invite"}
		},
		{
			"type": "m.room.member",
			"sender": "@bob:example.org",
			"state_key": "@bob:example.org",
			"origin_server_ts": 1002,
			"event_id": "$join-bob",
			"room_id": "!old:example.org",
			"content": {"membership": "join", "displayname": "Bob"}
		},
		{
			"type": "m.room.message",
			"sender": "@alice:example.org",
			"origin_server_ts": 1003,
			"event_id": "$msg1",
			"room_id": "!old:example.org",
			"content": {"msgtype": "m.text", "body": "hello"}
		},
		{
			"type": "m.room.message",
			"sender": "@bob:example.org",
			"origin_server_ts": 1004,
			"event_id": "$msg2",
			"room_id": "!old:example.org",
			"content": {
				"msgtype": "m.text",
				"body": "hi back",
				"m.relates_to": {"m.in_reply_to": {"event_id": "$msg1"}}
			}
		},
		{
			"type": "m.reaction",
			"sender": "@bob:example.org",
			"origin_server_ts": 1005,
			"event_id": "$react-orphan",
			"room_id": "!old:example.org",
			"content": {"m.relates_to": {"rel_type": "m.annotation", "event_id": "$ghost", "key": "x"}}
		},
		{
			"type": "m.reaction",
			"sender": "@bob:example.org",
			"origin_server_ts": 1006,
			"event_id": "$react1",
			"room_id": "!old:example.org",
			"content": {"m.relates_to": {"rel_type": "m.annotation", "event_id": "$msg1", "key": "y"}}
		},
		{
			"type": "m.room.encrypted",
			"sender": "@bob:example.org",
			"origin_server_ts": 1007,
			"event_id": "$enc",
			"room_id": "!old:example.org",
			"content": {"algorithm": "m.megolm.v1.aes-sha2"}
		},
		{
			"type": "m.room.member",
			"sender": "@bob:example.org",
			"state_key": "@bob:example.org",
			"origin_server_ts": 1008,
			"event_id": "$leave-bob",
			"room_id": "!old:example.org",
			"content": {"membership": "leave"}
		}
	]
}`

func newTestWorker(t *testing.T) (*Worker, *mockClient, *database.Stores, string) {
	t.Helper()
	client := &mockClient{}
	stores := testStores(t)
	cfg := testConfig(t)
	worker := NewWorker(cfg, client, stores, NewGate(0), testLogger())
	return worker, client, stores, cfg.PathToImportFiles
}

func writeExport(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "export.json")
	require.NoError(t, os.WriteFile(path, []byte(importExport), 0600))
	return path
}

func TestProcessJob_FullImport(t *testing.T) {
	worker, client, stores, dir := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, stores.Config.Ensure(ctx, database.ConfigKeySpaceID, "!space:example.org"))

	// Reactions recovered from the old room: one maps onto a replayed
	// message, one is an orphan.
	client.messagesFn = func(roomID, from string) (*matrix.RoomMessagesResponse, error) {
		assert.Equal(t, "!old:example.org", roomID)
		return &matrix.RoomMessagesResponse{
			Chunk: []models.ClientEvent{
				{
					Type:           models.EventTypeReaction,
					Sender:         "@carol:example.org",
					EventID:        "$old-react",
					OriginServerTS: 2000,
					Content:        []byte(`{"m.relates_to": {"rel_type": "m.annotation", "event_id": "$msg1", "key": "z"}}`),
				},
				{
					Type:    models.EventTypeReaction,
					Sender:  "@carol:example.org",
					EventID: "$old-orphan",
					Content: []byte(`{"m.relates_to": {"rel_type": "m.annotation", "event_id": "$ghost2", "key": "z"}}`),
				},
			},
		}, nil
	}

	path := writeExport(t, dir)
	worker.processJob(ctx, models.Process{Path: path, EventID: "$submit", RoomID: "!bot:example.org"})

	// Room creation happens as the original creator at the original
	// time, with federation off and the exported settings seeded.
	creates := client.sentOfType("create")
	require.Len(t, creates, 1)
	req := creates[0].Content.(*matrix.CreateRoomRequest)
	assert.Equal(t, "Project X", req.Name)
	assert.Equal(t, "planning", req.Topic)
	require.NotNil(t, req.CreationContent)
	require.NotNil(t, req.CreationContent.Federate)
	assert.False(t, *req.CreationContent.Federate)
	require.Len(t, req.InitialState, 1)
	assert.Equal(t, models.EventTypeJoinRules, req.InitialState[0].Type)
	require.NotNil(t, creates[0].As)
	assert.Equal(t, "@alice:example.org", creates[0].As.UserID)
	assert.Equal(t, int64(1000), creates[0].As.TS)

	// The new room is linked into the configured space as the creator.
	spaceLinks := client.sentOfType(models.EventTypeSpaceChild)
	require.Len(t, spaceLinks, 1)
	assert.Equal(t, "!space:example.org", spaceLinks[0].RoomID)
	assert.Equal(t, "!new:example.org", spaceLinks[0].StateKey)

	// Bob joins and leaves; the creator's first join is not replayed
	// because room creation already joined her.
	members := client.sentOfType(models.EventTypeMember)
	require.Len(t, members, 2)
	for _, m := range members {
		assert.Equal(t, "!new:example.org", m.RoomID)
		assert.Equal(t, "@bob:example.org", m.StateKey)
	}

	messages := client.sentOfType(models.EventTypeMessage)
	var replayed []sentEvent
	var notices []sentEvent
	for _, m := range messages {
		if m.As != nil {
			replayed = append(replayed, m)
		} else {
			notices = append(notices, m)
		}
	}

	require.Len(t, replayed, 2)
	msg1NewID := replayed[0].EventID
	reply := replayed[1].Content.(models.MessageContent)
	require.NotNil(t, reply.RelatesTo)
	require.NotNil(t, reply.RelatesTo.InReplyTo)
	assert.Equal(t, msg1NewID, reply.RelatesTo.InReplyTo.EventID)

	// One exported reaction plus one recovered from the old room; both
	// orphans were dropped.
	reactions := client.sentOfType(models.EventTypeReaction)
	require.Len(t, reactions, 2)
	for _, r := range reactions {
		content := r.Content.(models.ReactionContent)
		require.NotNil(t, content.RelatesTo)
		assert.Equal(t, msg1NewID, content.RelatesTo.EventID)
	}
	assert.Equal(t, "@carol:example.org", reactions[1].As.UserID)

	// Started and finished notices in the submitting room, threaded
	// under the submission.
	require.Len(t, notices, 2)
	for _, n := range notices {
		assert.Equal(t, "!bot:example.org", n.RoomID)
		content := n.Content.(*models.MessageContent)
		require.NotNil(t, content.RelatesTo)
		assert.Equal(t, "$submit", content.RelatesTo.EventID)
	}
	ended := notices[1]
	assert.Contains(t, ended.Content.(*models.MessageContent).Body, "https://matrix.to/#/!new:example.org")

	// The old room is pending removal, keyed by the completion notice
	// and carrying only the still-joined members.
	require.True(t, stores.RoomsToRemove.HasEventID(ended.EventID))
	entry, err := stores.RoomsToRemove.PopByEventID(ctx, ended.EventID)
	require.NoError(t, err)
	assert.Equal(t, "!old:example.org", entry.RoomID)
	assert.Equal(t, []string{"@alice:example.org"}, entry.Users)

	// The processed export file is cleaned up.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestProcessJob_CreateRoomFailure(t *testing.T) {
	worker, client, stores, dir := newTestWorker(t)
	ctx := context.Background()

	client.createErr = &matrix.ErrorResponse{
		StatusCode: 403,
		ErrCode:    "M_FORBIDDEN",
		Err:        "impersonation denied",
	}

	path := writeExport(t, dir)
	worker.processJob(ctx, models.Process{Path: path, EventID: "$submit", RoomID: "!bot:example.org"})

	messages := client.sentOfType(models.EventTypeMessage)
	require.NotEmpty(t, messages)
	last := messages[len(messages)-1]
	body := last.Content.(*models.MessageContent).Body
	assert.Contains(t, body, "failed")
	assert.Contains(t, body, "M_FORBIDDEN")

	// Nothing was recorded for removal.
	assert.False(t, stores.RoomsToRemove.HasEventID(last.EventID))
}

func TestProcessJob_UnreadableExport(t *testing.T) {
	worker, client, _, dir := newTestWorker(t)
	ctx := context.Background()

	path := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	worker.processJob(ctx, models.Process{Path: path, EventID: "$submit", RoomID: "!bot:example.org"})

	messages := client.sentOfType(models.EventTypeMessage)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Content.(*models.MessageContent).Body, "failed")
	assert.Empty(t, client.sentOfType("create"))
}

func TestWorker_RunDrainsQueue(t *testing.T) {
	client := &mockClient{}
	stores := testStores(t)
	cfg := testConfig(t)
	gate := NewGate(0)
	worker := NewWorker(cfg, client, stores, gate, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := writeExport(t, cfg.PathToImportFiles)
	_, err := stores.Queue.Append(ctx, models.Process{Path: path, EventID: "$submit", RoomID: "!bot:example.org"})
	require.NoError(t, err)
	gate.Release()

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		return stores.Queue.Len() == 0 && len(client.sentOfType("create")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
