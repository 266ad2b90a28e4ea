package models

import "encoding/json"

// Matrix event types handled by the dispatcher and the import pipeline.
const (
	EventTypeMember            = "m.room.member"
	EventTypeMessage           = "m.room.message"
	EventTypeReaction          = "m.reaction"
	EventTypeRoomReaction      = "m.room.reaction"
	EventTypeName              = "m.room.name"
	EventTypeTopic             = "m.room.topic"
	EventTypeJoinRules         = "m.room.join_rules"
	EventTypeHistoryVisibility = "m.room.history_visibility"
	EventTypeGuestAccess       = "m.room.guest_access"
	EventTypeSpaceChild        = "m.space.child"
	EventTypeEncrypted         = "m.room.encrypted"
	EventTypeRedaction         = "m.room.redaction"
)

// Membership states
const (
	MembershipInvite = "invite"
	MembershipJoin   = "join"
	MembershipKnock  = "knock"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
)

// Message types
const (
	MsgTypeText   = "m.text"
	MsgTypeEmote  = "m.emote"
	MsgTypeNotice = "m.notice"
	MsgTypeImage  = "m.image"
	MsgTypeVideo  = "m.video"
	MsgTypeFile   = "m.file"
	MsgTypeAudio  = "m.audio"
)

// RelTypeThread groups status/command conversations under a root event.
const RelTypeThread = "m.thread"

// ClientEvent is the generic event envelope pushed by the homeserver
// inside a transaction. Content stays raw until a handler picks a
// concrete shape for it.
type ClientEvent struct {
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	RoomID         string          `json:"room_id"`
	EventID        string          `json:"event_id"`
	OriginServerTS int64           `json:"origin_server_ts"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

// EphemeralEvent is a to-room ephemeral event (MSC2409). Acknowledged
// but not acted upon.
type EphemeralEvent struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender,omitempty"`
	Content json.RawMessage `json:"content"`
}

// ToDeviceEvent is a to-device event (MSC2409). Acknowledged but not
// acted upon.
type ToDeviceEvent struct {
	Type       string          `json:"type"`
	Sender     string          `json:"sender,omitempty"`
	ToUserID   string          `json:"to_user_id"`
	ToDeviceID string          `json:"to_device_id"`
	Content    json.RawMessage `json:"content"`
}

// Transaction is the body of PUT /_matrix/app/v1/transactions/{txnId}.
type Transaction struct {
	Events    []ClientEvent    `json:"events"`
	Ephemeral []EphemeralEvent `json:"de.sorunome.msc2409.ephemeral,omitempty"`
	ToDevice  []ToDeviceEvent  `json:"de.sorunome.msc2409.to_device,omitempty"`
}

// MemberContent is the content of an m.room.member event.
type MemberContent struct {
	Membership                   string `json:"membership"`
	DisplayName                  string `json:"displayname,omitempty"`
	AvatarURL                    string `json:"avatar_url,omitempty"`
	IsDirect                     *bool  `json:"is_direct,omitempty"`
	JoinAuthorisedViaUsersServer string `json:"join_authorised_via_users_server,omitempty"`
	Reason                       string `json:"reason,omitempty"`
}

// InReplyTo references the event a rich reply targets.
type InReplyTo struct {
	EventID string `json:"event_id"`
}

// RelatesTo carries relation metadata (threads, replies, annotations).
type RelatesTo struct {
	InReplyTo     *InReplyTo `json:"m.in_reply_to,omitempty"`
	RelType       string     `json:"rel_type,omitempty"`
	EventID       string     `json:"event_id,omitempty"`
	Key           string     `json:"key,omitempty"`
	IsFallingBack *bool      `json:"is_falling_back,omitempty"`
}

// Mentions lists users a message intentionally mentions.
type Mentions struct {
	UserIDs []string `json:"user_ids,omitempty"`
}

// FileInfo describes an uploaded attachment.
type FileInfo struct {
	MimeType string `json:"mimetype,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Width    int    `json:"w,omitempty"`
	Height   int    `json:"h,omitempty"`
}

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType       string          `json:"msgtype"`
	Body          string          `json:"body"`
	Format        string          `json:"format,omitempty"`
	FormattedBody string          `json:"formatted_body,omitempty"`
	Mentions      *Mentions       `json:"m.mentions,omitempty"`
	RelatesTo     *RelatesTo      `json:"m.relates_to,omitempty"`
	URL           string          `json:"url,omitempty"`
	Filename      string          `json:"filename,omitempty"`
	Info          *FileInfo       `json:"info,omitempty"`
	File          json.RawMessage `json:"file,omitempty"`
}

// HasFile reports whether the message carries an attachment reference.
func (c *MessageContent) HasFile() bool {
	return c.URL != "" || len(c.File) > 0
}

// ReactionContent is the content of a reaction event.
type ReactionContent struct {
	RelatesTo *RelatesTo `json:"m.relates_to,omitempty"`
}
