package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/bdvil/matrix-room-import/pkg/matrix"
)

// sentEvent records one SendEvent or SendStateEvent call. EventID is
// the id the mock answered with.
type sentEvent struct {
	RoomID   string
	Type     string
	StateKey string
	Content  interface{}
	As       *matrix.Impersonate
	EventID  string
}

// mockClient implements matrix.Client with per-call hooks and recorded
// invocations. The zero value answers every call successfully.
type mockClient struct {
	mu sync.Mutex

	sent       []sentEvent
	joined     []string
	deleted    []string
	redacted   []string
	downloads  []string
	adminToken string

	nextEventID int

	joinErr     error
	createErr   error
	sendErr     func(ev sentEvent) error
	downloadFn  func(mxcURI string) ([]byte, error)
	messagesFn  func(roomID, from string) (*matrix.RoomMessagesResponse, error)
	createdRoom string
}

func (m *mockClient) newEventID() string {
	m.nextEventID++
	return fmt.Sprintf("$new-%d", m.nextEventID)
}

func (m *mockClient) Ping(ctx context.Context, txnID string) (*matrix.PingResponse, error) {
	return &matrix.PingResponse{}, nil
}

func (m *mockClient) WhoAmI(ctx context.Context) (*matrix.WhoAmIResponse, error) {
	return &matrix.WhoAmIResponse{UserID: "@roomimportbot:example.org"}, nil
}

func (m *mockClient) UpdateBotProfile(ctx context.Context, userID, displayName string) error {
	return nil
}

func (m *mockClient) JoinRoom(ctx context.Context, roomID string) (*matrix.JoinRoomResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joinErr != nil {
		return nil, m.joinErr
	}
	m.joined = append(m.joined, roomID)
	return &matrix.JoinRoomResponse{RoomID: roomID}, nil
}

func (m *mockClient) CreateRoom(ctx context.Context, req *matrix.CreateRoomRequest, as *matrix.Impersonate) (*matrix.CreateRoomResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	roomID := m.createdRoom
	if roomID == "" {
		roomID = "!new:example.org"
	}
	m.sent = append(m.sent, sentEvent{RoomID: roomID, Type: "create", Content: req, As: as})
	return &matrix.CreateRoomResponse{RoomID: roomID}, nil
}

func (m *mockClient) DeleteRoom(ctx context.Context, roomID string, req *matrix.DeleteRoomRequest) (*matrix.DeleteRoomResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, roomID)
	return &matrix.DeleteRoomResponse{}, nil
}

func (m *mockClient) SendEvent(ctx context.Context, roomID, eventType string, content interface{}, as *matrix.Impersonate) (*matrix.SendEventResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := sentEvent{RoomID: roomID, Type: eventType, Content: content, As: as}
	if m.sendErr != nil {
		if err := m.sendErr(ev); err != nil {
			return nil, err
		}
	}
	ev.EventID = m.newEventID()
	m.sent = append(m.sent, ev)
	return &matrix.SendEventResponse{EventID: ev.EventID}, nil
}

func (m *mockClient) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content interface{}, as *matrix.Impersonate) (*matrix.SendEventResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := sentEvent{RoomID: roomID, Type: eventType, StateKey: stateKey, Content: content, As: as}
	if m.sendErr != nil {
		if err := m.sendErr(ev); err != nil {
			return nil, err
		}
	}
	ev.EventID = m.newEventID()
	m.sent = append(m.sent, ev)
	return &matrix.SendEventResponse{EventID: ev.EventID}, nil
}

func (m *mockClient) RedactEvent(ctx context.Context, roomID, eventID, reason string) (*matrix.SendEventResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redacted = append(m.redacted, eventID)
	return &matrix.SendEventResponse{EventID: m.newEventID()}, nil
}

func (m *mockClient) CreateMedia(ctx context.Context) (*matrix.CreateMediaResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	return &matrix.CreateMediaResponse{
		ContentURI: fmt.Sprintf("mxc://example.org/media-%d", m.nextEventID),
	}, nil
}

func (m *mockClient) UploadMedia(ctx context.Context, contentURI string, data []byte, filename, contentType string) error {
	return nil
}

func (m *mockClient) DownloadMedia(ctx context.Context, mxcURI string) ([]byte, error) {
	m.mu.Lock()
	m.downloads = append(m.downloads, mxcURI)
	fn := m.downloadFn
	m.mu.Unlock()
	if fn != nil {
		return fn(mxcURI)
	}
	return []byte("data"), nil
}

func (m *mockClient) GetRoomMessages(ctx context.Context, roomID, from, dir string, limit int) (*matrix.RoomMessagesResponse, error) {
	m.mu.Lock()
	fn := m.messagesFn
	m.mu.Unlock()
	if fn != nil {
		return fn(roomID, from)
	}
	return &matrix.RoomMessagesResponse{}, nil
}

func (m *mockClient) SetAdminToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adminToken = token
}

// sentOfType returns the recorded events matching eventType.
func (m *mockClient) sentOfType(eventType string) []sentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentEvent
	for _, ev := range m.sent {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
