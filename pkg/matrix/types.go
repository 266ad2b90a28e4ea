package matrix

import (
	"fmt"

	"github.com/bdvil/matrix-room-import/internal/models"
)

// ErrorResponse is the standard Matrix error payload, annotated with
// the HTTP status it arrived with. It doubles as a Go error so callers
// can distinguish protocol errors from transport failures.
type ErrorResponse struct {
	StatusCode   int    `json:"-"`
	ErrCode      string `json:"errcode"`
	Err          string `json:"error,omitempty"`
	RetryAfterMs int    `json:"retry_after_ms,omitempty"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("matrix error %d %s: %s", e.StatusCode, e.ErrCode, e.Err)
}

// Impersonate carries the acting identity and origin timestamp for
// historical replay. A nil *Impersonate means the bot acts as itself,
// now.
type Impersonate struct {
	UserID string
	TS     int64
}

// CreationContent is the m.room.create content override.
type CreationContent struct {
	Federate *bool `json:"m.federate,omitempty"`
}

// StateEvent is an initial-state entry of a room creation request.
type StateEvent struct {
	Type     string      `json:"type"`
	StateKey string      `json:"state_key"`
	Content  interface{} `json:"content"`
}

// CreateRoomRequest is the body of POST /createRoom.
type CreateRoomRequest struct {
	CreationContent *CreationContent `json:"creation_content,omitempty"`
	InitialState    []StateEvent     `json:"initial_state,omitempty"`
	Name            string           `json:"name,omitempty"`
	Topic           string           `json:"topic,omitempty"`
	Preset          string           `json:"preset,omitempty"`
	Visibility      string           `json:"visibility,omitempty"`
}

type CreateRoomResponse struct {
	RoomID string `json:"room_id"`
}

type JoinRoomResponse struct {
	RoomID string `json:"room_id"`
}

// DeleteRoomRequest is the synapse admin v2 room deletion body.
type DeleteRoomRequest struct {
	Block   bool   `json:"block"`
	Purge   bool   `json:"purge"`
	Message string `json:"message,omitempty"`
}

type DeleteRoomResponse struct {
	DeleteID string `json:"delete_id,omitempty"`
}

type SendEventResponse struct {
	EventID string `json:"event_id"`
}

type CreateMediaResponse struct {
	ContentURI      string `json:"content_uri"`
	UnusedExpiresAt int64  `json:"unused_expires_at,omitempty"`
}

type PingRequest struct {
	TransactionID string `json:"transaction_id,omitempty"`
}

type PingResponse struct {
	DurationMs int64 `json:"duration_ms"`
}

type WhoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
	IsGuest  bool   `json:"is_guest,omitempty"`
}

type ProfileResponse struct {
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// RoomMessagesResponse is one page of GET /rooms/{roomId}/messages.
// An absent End marks the end of pagination.
type RoomMessagesResponse struct {
	Start string               `json:"start"`
	End   string               `json:"end,omitempty"`
	Chunk []models.ClientEvent `json:"chunk"`
}
