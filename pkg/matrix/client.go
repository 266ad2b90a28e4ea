// Package matrix is the outbound homeserver client. All mutating calls
// accept an optional acting user id and origin timestamp so imported
// history can be replayed as the original senders at the original
// times.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bdvil/matrix-room-import/internal/constants"
	"github.com/bdvil/matrix-room-import/internal/retry"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Client is the remote API surface consumed by the dispatcher and the
// import worker.
type Client interface {
	Ping(ctx context.Context, txnID string) (*PingResponse, error)
	WhoAmI(ctx context.Context) (*WhoAmIResponse, error)
	UpdateBotProfile(ctx context.Context, userID, displayName string) error
	JoinRoom(ctx context.Context, roomID string) (*JoinRoomResponse, error)
	CreateRoom(ctx context.Context, req *CreateRoomRequest, as *Impersonate) (*CreateRoomResponse, error)
	DeleteRoom(ctx context.Context, roomID string, req *DeleteRoomRequest) (*DeleteRoomResponse, error)
	SendEvent(ctx context.Context, roomID, eventType string, content interface{}, as *Impersonate) (*SendEventResponse, error)
	SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content interface{}, as *Impersonate) (*SendEventResponse, error)
	RedactEvent(ctx context.Context, roomID, eventID, reason string) (*SendEventResponse, error)
	CreateMedia(ctx context.Context) (*CreateMediaResponse, error)
	UploadMedia(ctx context.Context, contentURI string, data []byte, filename, contentType string) error
	DownloadMedia(ctx context.Context, mxcURI string) ([]byte, error)
	GetRoomMessages(ctx context.Context, roomID, from, dir string, limit int) (*RoomMessagesResponse, error)

	// SetAdminToken rotates the privileged credential used for room
	// deletion.
	SetAdminToken(token string)
}

// HTTPClient implements Client against a real homeserver.
type HTTPClient struct {
	hsURL      string
	asID       string
	asToken    string
	adminToken string

	http    *http.Client
	backoff *retry.Backoff
	logger  *logrus.Logger
}

func NewHTTPClient(hsURL, asID, asToken, adminToken string, backoffCfg retry.BackoffConfig, logger *logrus.Logger) *HTTPClient {
	return &HTTPClient{
		hsURL:      hsURL,
		asID:       asID,
		asToken:    asToken,
		adminToken: adminToken,
		http: &http.Client{
			Timeout: time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second,
		},
		backoff: retry.NewBackoff(backoffCfg),
		logger:  logger,
	}
}

// SetAdminToken swaps the privileged credential used for room
// deletion; the set-admin-token bot command rotates it at runtime.
func (c *HTTPClient) SetAdminToken(token string) {
	c.adminToken = token
}

func newTxnID() string {
	return uuid.NewString()
}

// isRetryable treats rate limiting and server-side failures as
// transient; client errors are final.
func isRetryable(err error) bool {
	var errResp *ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusTooManyRequests || errResp.StatusCode >= 500
	}
	// Transport-level failures are worth retrying.
	return true
}

func (c *HTTPClient) do(ctx context.Context, method, url, token string, body, out interface{}) error {
	return c.backoff.RetryWithPredicate(ctx, func() error {
		return c.doOnce(ctx, method, url, token, body, out)
	}, isRetryable)
}

func (c *HTTPClient) doOnce(ctx context.Context, method, url, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else if method != http.MethodGet {
		reader = strings.NewReader("{}")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	errResp := &ErrorResponse{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(errResp); err != nil {
		errResp.ErrCode = "M_UNKNOWN"
		errResp.Err = fmt.Sprintf("undecodable error body (HTTP %d)", resp.StatusCode)
	}
	return errResp
}

func (c *HTTPClient) Ping(ctx context.Context, txnID string) (*PingResponse, error) {
	var out PingResponse
	err := c.do(ctx, http.MethodPost, pingURL(c.hsURL, c.asID), c.asToken, &PingRequest{TransactionID: txnID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) WhoAmI(ctx context.Context) (*WhoAmIResponse, error) {
	var out WhoAmIResponse
	if err := c.do(ctx, http.MethodGet, whoamiURL(c.hsURL), c.asToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateBotProfile ensures the bot's displayname matches the
// configured one, setting it when absent or different.
func (c *HTTPClient) UpdateBotProfile(ctx context.Context, userID, displayName string) error {
	var profile ProfileResponse
	err := c.do(ctx, http.MethodGet, profileURL(c.hsURL, userID), c.asToken, nil, &profile)

	var errResp *ErrorResponse
	if err != nil && !(errors.As(err, &errResp) && errResp.StatusCode == http.StatusNotFound) {
		return err
	}
	if err == nil && profile.DisplayName == displayName {
		return nil
	}

	body := map[string]string{"displayname": displayName}
	return c.do(ctx, http.MethodPut, profileDisplayNameURL(c.hsURL, userID), c.asToken, body, nil)
}

func (c *HTTPClient) JoinRoom(ctx context.Context, roomID string) (*JoinRoomResponse, error) {
	var out JoinRoomResponse
	if err := c.do(ctx, http.MethodPost, joinRoomURL(c.hsURL, roomID, nil), c.asToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CreateRoom(ctx context.Context, req *CreateRoomRequest, as *Impersonate) (*CreateRoomResponse, error) {
	var out CreateRoomResponse
	if err := c.do(ctx, http.MethodPost, createRoomURL(c.hsURL, as), c.asToken, req, &out); err != nil {
		return nil, err
	}
	c.logger.WithField("roomId", out.RoomID).Debug("Created room")
	return &out, nil
}

func (c *HTTPClient) DeleteRoom(ctx context.Context, roomID string, req *DeleteRoomRequest) (*DeleteRoomResponse, error) {
	var out DeleteRoomResponse
	if err := c.do(ctx, http.MethodDelete, deleteRoomURL(c.hsURL, roomID), c.adminToken, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) SendEvent(ctx context.Context, roomID, eventType string, content interface{}, as *Impersonate) (*SendEventResponse, error) {
	var out SendEventResponse
	url := sendEventURL(c.hsURL, roomID, eventType, newTxnID(), as)
	if err := c.do(ctx, http.MethodPut, url, c.asToken, content, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content interface{}, as *Impersonate) (*SendEventResponse, error) {
	var out SendEventResponse
	url := sendStateEventURL(c.hsURL, roomID, eventType, stateKey, as)
	if err := c.do(ctx, http.MethodPut, url, c.asToken, content, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) RedactEvent(ctx context.Context, roomID, eventID, reason string) (*SendEventResponse, error) {
	var out SendEventResponse
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	url := redactEventURL(c.hsURL, roomID, eventID, newTxnID())
	if err := c.do(ctx, http.MethodPut, url, c.asToken, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CreateMedia(ctx context.Context) (*CreateMediaResponse, error) {
	var out CreateMediaResponse
	if err := c.do(ctx, http.MethodPost, createMediaURL(c.hsURL), c.asToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// splitMXC splits "mxc://server/mediaId" into its server name and
// media id.
func splitMXC(mxcURI string) (string, string, error) {
	rest, ok := strings.CutPrefix(mxcURI, "mxc://")
	if !ok {
		return "", "", fmt.Errorf("invalid mxc uri %q", mxcURI)
	}
	server, mediaID, ok := strings.Cut(rest, "/")
	if !ok || server == "" || mediaID == "" {
		return "", "", fmt.Errorf("invalid mxc uri %q", mxcURI)
	}
	return server, mediaID, nil
}

func (c *HTTPClient) UploadMedia(ctx context.Context, contentURI string, data []byte, filename, contentType string) error {
	server, mediaID, err := splitMXC(contentURI)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return c.backoff.RetryWithPredicate(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut,
			uploadMediaURL(c.hsURL, server, mediaID, filename), bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create upload request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.asToken)
		req.Header.Set("Content-Type", contentType)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("upload request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return decodeError(resp)
		}
		return nil
	}, isRetryable)
}

func (c *HTTPClient) DownloadMedia(ctx context.Context, mxcURI string) ([]byte, error) {
	server, mediaID, err := splitMXC(mxcURI)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = c.backoff.RetryWithPredicate(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			downloadMediaURL(c.hsURL, server, mediaID), nil)
		if err != nil {
			return fmt.Errorf("failed to create download request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.asToken)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("download request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return decodeError(resp)
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read media body: %w", err)
		}
		return nil
	}, isRetryable)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *HTTPClient) GetRoomMessages(ctx context.Context, roomID, from, dir string, limit int) (*RoomMessagesResponse, error) {
	var out RoomMessagesResponse
	url := roomMessagesURL(c.hsURL, roomID, from, dir, limit)
	if err := c.do(ctx, http.MethodGet, url, c.asToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
