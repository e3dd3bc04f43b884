package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AppServiceClient talks to the homeserver's client-server API with the
// appservice token, impersonating ghosts via the user_id query parameter.
type AppServiceClient struct {
	log        *slog.Logger
	baseURL    string
	asToken    string
	httpClient *http.Client
}

var _ MatrixClient = (*AppServiceClient)(nil)

// NewAppServiceClient creates a Matrix client backed by the appservice API.
func NewAppServiceClient(log *slog.Logger, homeserverURL, asToken string) *AppServiceClient {
	return &AppServiceClient{
		log:        log,
		baseURL:    strings.TrimRight(homeserverURL, "/"),
		asToken:    asToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type matrixError struct {
	ErrCode string `json:"errcode"`
	Err     string `json:"error"`
}

// request performs a JSON request against the client-server API. asUser, when
// non-empty, is passed as the user_id impersonation parameter.
func (c *AppServiceClient) request(ctx context.Context, method, path, asUser string, query url.Values, body, out interface{}) error {
	if query == nil {
		query = url.Values{}
	}
	if asUser != "" {
		query.Set("user_id", asUser)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.asToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var merr matrixError
		if json.Unmarshal(data, &merr) == nil && merr.ErrCode != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, merr.ErrCode, merr.Err)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// EnsureRegistered registers a ghost with the appservice login type.
// An already-registered user is not an error.
func (c *AppServiceClient) EnsureRegistered(ctx context.Context, userID string) error {
	localpart := userID
	if i := strings.IndexByte(localpart, ':'); i >= 0 {
		localpart = localpart[:i]
	}
	localpart = strings.TrimPrefix(localpart, "@")

	err := c.request(ctx, http.MethodPost, "/_matrix/client/v3/register", "", nil, map[string]interface{}{
		"type":     "m.login.application_service",
		"username": localpart,
	}, nil)
	if err != nil && strings.Contains(err.Error(), "M_USER_IN_USE") {
		return nil
	}
	return err
}

func (c *AppServiceClient) SetDisplayName(ctx context.Context, userID, name string) error {
	path := fmt.Sprintf("/_matrix/client/v3/profile/%s/displayname", url.PathEscape(userID))
	return c.request(ctx, http.MethodPut, path, userID, nil, map[string]string{"displayname": name}, nil)
}

func (c *AppServiceClient) SetAvatarURL(ctx context.Context, userID, mxcURI string) error {
	path := fmt.Sprintf("/_matrix/client/v3/profile/%s/avatar_url", url.PathEscape(userID))
	return c.request(ctx, http.MethodPut, path, userID, nil, map[string]string{"avatar_url": mxcURI}, nil)
}

// UploadMedia pushes bytes into the content repository and returns the mxc URI.
func (c *AppServiceClient) UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (string, error) {
	reqURL := c.baseURL + "/_matrix/media/v3/upload?filename=" + url.QueryEscape(fileName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.asToken)
	req.Header.Set("Content-Type", mimeType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("upload media: HTTP %d", resp.StatusCode)
	}

	var result struct {
		ContentURI string `json:"content_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return result.ContentURI, nil
}

// DownloadMedia fetches the bytes behind an mxc:// URI.
func (c *AppServiceClient) DownloadMedia(ctx context.Context, mxcURI string) ([]byte, error) {
	serverName, mediaID, ok := splitMXC(mxcURI)
	if !ok {
		return nil, fmt.Errorf("invalid mxc uri %q", mxcURI)
	}
	path := fmt.Sprintf("/_matrix/client/v1/media/download/%s/%s", serverName, mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.asToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("download media: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *AppServiceClient) SendMessage(ctx context.Context, roomID, senderUserID, eventType string, content interface{}) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID), url.PathEscape(eventType), uuid.NewString())
	var result struct {
		EventID string `json:"event_id"`
	}
	if err := c.request(ctx, http.MethodPut, path, senderUserID, nil, content, &result); err != nil {
		return "", err
	}
	return result.EventID, nil
}

func (c *AppServiceClient) RedactEvent(ctx context.Context, roomID, senderUserID, eventID, reason string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/redact/%s/%s",
		url.PathEscape(roomID), url.PathEscape(eventID), uuid.NewString())
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	return c.request(ctx, http.MethodPut, path, senderUserID, nil, body, nil)
}

func (c *AppServiceClient) CreateRoom(ctx context.Context, req *CreateRoomRequest) (string, error) {
	body := map[string]interface{}{
		"visibility": "private",
		"preset":     "private_chat",
		"name":       req.Name,
		"is_direct":  req.IsDirect,
		"invite":     req.Invite,
	}
	if req.Topic != "" {
		body["topic"] = req.Topic
	}
	if req.IsEncrypted {
		body["initial_state"] = []map[string]interface{}{{
			"type":      "m.room.encryption",
			"state_key": "",
			"content":   map[string]string{"algorithm": "m.megolm.v1.aes-sha2"},
		}}
	}
	var result struct {
		RoomID string `json:"room_id"`
	}
	if err := c.request(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", "", nil, body, &result); err != nil {
		return "", err
	}
	return result.RoomID, nil
}

func (c *AppServiceClient) InviteToRoom(ctx context.Context, roomID, userID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/invite", url.PathEscape(roomID))
	return c.request(ctx, http.MethodPost, path, "", nil, map[string]string{"user_id": userID}, nil)
}

func (c *AppServiceClient) JoinRoom(ctx context.Context, userID, roomID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/join/%s", url.PathEscape(roomID))
	return c.request(ctx, http.MethodPost, path, userID, nil, map[string]string{}, nil)
}

func (c *AppServiceClient) SetRoomName(ctx context.Context, roomID, name string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/m.room.name/", url.PathEscape(roomID))
	return c.request(ctx, http.MethodPut, path, "", nil, map[string]string{"name": name}, nil)
}

func (c *AppServiceClient) SetTyping(ctx context.Context, roomID, userID string, typing bool, timeoutMS int) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/typing/%s",
		url.PathEscape(roomID), url.PathEscape(userID))
	body := map[string]interface{}{"typing": typing}
	if typing {
		body["timeout"] = timeoutMS
	}
	return c.request(ctx, http.MethodPut, path, userID, nil, body, nil)
}

func (c *AppServiceClient) SendReadReceipt(ctx context.Context, roomID, userID, eventID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/receipt/m.read/%s",
		url.PathEscape(roomID), url.PathEscape(eventID))
	return c.request(ctx, http.MethodPost, path, userID, nil, map[string]string{}, nil)
}

func splitMXC(mxcURI string) (serverName, mediaID string, ok bool) {
	rest, found := strings.CutPrefix(mxcURI, "mxc://")
	if !found {
		return "", "", false
	}
	serverName, mediaID, found = strings.Cut(rest, "/")
	if !found || serverName == "" || mediaID == "" {
		return "", "", false
	}
	return serverName, mediaID, true
}
