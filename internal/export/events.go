// Package export models chat-export files: the ordered event list a
// client produced when exporting a room, plus the attachment blobs
// bundled alongside it.
package export

import (
	"encoding/json"
	"fmt"

	"github.com/bdvil/matrix-room-import/internal/models"
)

// skippedEventTypes are recognized but deliberately not replayed.
var skippedEventTypes = map[string]bool{
	models.EventTypeEncrypted: true,
}

// EventBase carries the envelope fields shared by every export event.
type EventBase struct {
	Type           string `json:"type"`
	Sender         string `json:"sender"`
	OriginServerTS int64  `json:"origin_server_ts"`
	EventID        string `json:"event_id"`
	RoomID         string `json:"room_id"`
	StateKey       string `json:"state_key,omitempty"`
}

// Event is the closed union of export event variants. Unknown types
// decode to *GenericEvent rather than failing; recognized types with
// malformed content fail hard with *models.EventDecodeError.
type Event interface {
	Base() *EventBase
}

type MemberEvent struct {
	EventBase
	Content models.MemberContent
}

func (e *MemberEvent) Base() *EventBase { return &e.EventBase }

type MessageEvent struct {
	EventBase
	Content models.MessageContent
}

func (e *MessageEvent) Base() *EventBase { return &e.EventBase }

type ReactionEvent struct {
	EventBase
	Content models.ReactionContent
}

func (e *ReactionEvent) Base() *EventBase { return &e.EventBase }

type JoinRuleAllow struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id,omitempty"`
}

type JoinRulesContent struct {
	JoinRule string          `json:"join_rule"`
	Allow    []JoinRuleAllow `json:"allow,omitempty"`
}

type JoinRulesEvent struct {
	EventBase
	Content JoinRulesContent
}

func (e *JoinRulesEvent) Base() *EventBase { return &e.EventBase }

type RoomNameEvent struct {
	EventBase
	Content struct {
		Name string `json:"name"`
	}
}

func (e *RoomNameEvent) Base() *EventBase { return &e.EventBase }

type TopicEvent struct {
	EventBase
	Content struct {
		Topic string `json:"topic"`
	}
}

func (e *TopicEvent) Base() *EventBase { return &e.EventBase }

type HistoryVisibilityEvent struct {
	EventBase
	Content struct {
		HistoryVisibility string `json:"history_visibility"`
	}
}

func (e *HistoryVisibilityEvent) Base() *EventBase { return &e.EventBase }

type GuestAccessEvent struct {
	EventBase
	Content struct {
		GuestAccess string `json:"guest_access"`
	}
}

func (e *GuestAccessEvent) Base() *EventBase { return &e.EventBase }

type SpaceChildContent struct {
	Via       []string `json:"via"`
	Order     string   `json:"order,omitempty"`
	Suggested *bool    `json:"suggested,omitempty"`
}

type SpaceChildEvent struct {
	EventBase
	Content SpaceChildContent
}

func (e *SpaceChildEvent) Base() *EventBase { return &e.EventBase }

// SkippedEvent is a recognized type that is never replayed, e.g.
// encrypted placeholders.
type SkippedEvent struct {
	EventBase
	Content json.RawMessage
}

func (e *SkippedEvent) Base() *EventBase { return &e.EventBase }

// GenericEvent preserves the raw payload of types this system does not
// model; they flow through the pipeline as-is.
type GenericEvent struct {
	EventBase
	Content json.RawMessage
}

func (e *GenericEvent) Base() *EventBase { return &e.EventBase }

type rawEvent struct {
	EventBase
	Content json.RawMessage `json:"content"`
}

// DecodeEvent decodes one export event into its typed variant.
func DecodeEvent(data json.RawMessage) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}

	if skippedEventTypes[raw.Type] {
		return &SkippedEvent{EventBase: raw.EventBase, Content: raw.Content}, nil
	}

	switch raw.Type {
	case models.EventTypeMember:
		e := &MemberEvent{EventBase: raw.EventBase}
		if err := json.Unmarshal(raw.Content, &e.Content); err != nil {
			return nil, &models.EventDecodeError{EventType: raw.Type, Reason: err.Error()}
		}
		if e.Content.Membership == "" {
			return nil, &models.EventDecodeError{EventType: raw.Type, Reason: "missing membership"}
		}
		return e, nil

	case models.EventTypeMessage:
		e := &MessageEvent{EventBase: raw.EventBase}
		if err := json.Unmarshal(raw.Content, &e.Content); err != nil {
			return nil, &models.EventDecodeError{EventType: raw.Type, Reason: err.Error()}
		}
		if e.Content.MsgType == "" {
			return nil, &models.EventDecodeError{EventType: raw.Type, Reason: "missing msgtype"}
		}
		return e, nil

	case models.EventTypeReaction, models.EventTypeRoomReaction:
		e := &ReactionEvent{EventBase: raw.EventBase}
		if err := json.Unmarshal(raw.Content, &e.Content); err != nil {
			return nil, &models.EventDecodeError{EventType: raw.Type, Reason: err.Error()}
		}
		return e, nil

	case models.EventTypeJoinRules:
		e := &JoinRulesEvent{EventBase: raw.EventBase}
		if err := json.Unmarshal(raw.Content, &e.Content); err != nil {
			return nil, &models.EventDecodeError{EventType: raw.Type, Reason: err.Error()}
		}
		if e.Content.JoinRule == "" {
			return nil, &models.EventDecodeError{EventType: raw.Type, Reason: "missing join_rule"}
		}
		return e, nil

	case models.EventTypeName:
		e := &RoomNameEvent{EventBase: raw.EventBase}
		if err := json.Unmarshal(raw.Content, &e.Content); err != nil {
			return nil, &models.EventDecodeError{EventType: raw.Type, Reason: err.Error()}
		}
		return e, nil

	case models.EventTypeTopic:
		e := &TopicEvent{EventBase: raw.EventBase}
		if err := json.Unmarshal(raw.Content, &e.Content); err != nil {
			return nil, &models.EventDecodeError{EventType: raw.Type, Reason: err.Error()}
		}
		return e, nil

	case models.EventTypeHistoryVisibility:
		e := &HistoryVisibilityEvent{EventBase: raw.EventBase}
		if err := json.Unmarshal(raw.Content, &e.Content); err != nil {
			return nil, &models.EventDecodeError{EventType: raw.Type, Reason: err.Error()}
		}
		return e, nil

	case models.EventTypeGuestAccess:
		e := &GuestAccessEvent{EventBase: raw.EventBase}
		if err := json.Unmarshal(raw.Content, &e.Content); err != nil {
			return nil, &models.EventDecodeError{EventType: raw.Type, Reason: err.Error()}
		}
		return e, nil

	case models.EventTypeSpaceChild:
		e := &SpaceChildEvent{EventBase: raw.EventBase}
		if err := json.Unmarshal(raw.Content, &e.Content); err != nil {
			return nil, &models.EventDecodeError{EventType: raw.Type, Reason: err.Error()}
		}
		return e, nil

	default:
		return &GenericEvent{EventBase: raw.EventBase, Content: raw.Content}, nil
	}
}

// File is a parsed room export. Messages preserve the file's order,
// which the exporter guarantees to be chronological; the replay
// pipeline depends on that for history and reply rewriting.
type File struct {
	RoomName    string  `json:"room_name"`
	RoomCreator string  `json:"room_creator"`
	Topic       string  `json:"topic"`
	ExportDate  string  `json:"export_date"`
	ExportedBy  string  `json:"exported_by"`
	Messages    []Event `json:"-"`
}

func (f *File) UnmarshalJSON(data []byte) error {
	type fileAlias File
	var aux struct {
		fileAlias
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*f = File(aux.fileAlias)
	f.Messages = make([]Event, 0, len(aux.Messages))
	for i, raw := range aux.Messages {
		ev, err := DecodeEvent(raw)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		f.Messages = append(f.Messages, ev)
	}
	return nil
}

// RoomID returns the id of the exported room, taken from the first
// event that carries one.
func (f *File) RoomID() (string, error) {
	for _, m := range f.Messages {
		if id := m.Base().RoomID; id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("export has no event with a room_id")
}

// CreatorUserID resolves the declared room creator's display name to a
// user id via the first matching membership event. Its sender becomes
// the acting identity for room creation.
func (f *File) CreatorUserID() (string, error) {
	for _, m := range f.Messages {
		member, ok := m.(*MemberEvent)
		if !ok {
			continue
		}
		if member.Content.DisplayName == f.RoomCreator {
			return member.Sender, nil
		}
	}
	return "", fmt.Errorf("no membership event matches room creator %q", f.RoomCreator)
}

// CreationTS returns the origin timestamp for room creation: the
// timestamp of the creator's membership event.
func (f *File) CreationTS() int64 {
	for _, m := range f.Messages {
		member, ok := m.(*MemberEvent)
		if !ok {
			continue
		}
		if member.Content.DisplayName == f.RoomCreator {
			return member.OriginServerTS
		}
	}
	return 0
}
