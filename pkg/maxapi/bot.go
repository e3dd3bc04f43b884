package maxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultAPIURL is the Max Bot API base URL.
const DefaultAPIURL = "https://platform-api.max.ru"

// pollRetryDelay is how long the update loop sleeps after a generic failure.
const pollRetryDelay = 5 * time.Second

// BotClient talks to the Max Bot API over REST with long-polling for updates.
type BotClient struct {
	token          string
	apiURL         string
	pollingTimeout int

	httpClient *http.Client
	pollClient *http.Client

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	marker  int64
	me      *MaxUser
	handler EventHandler

	log *slog.Logger
}

var _ Client = (*BotClient)(nil)

// NewBotClient creates a Bot API client. apiURL falls back to DefaultAPIURL
// and pollingTimeout to 90 seconds when zero.
func NewBotClient(token, apiURL string, pollingTimeout int, log *slog.Logger) *BotClient {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if pollingTimeout <= 0 {
		pollingTimeout = 90
	}
	return &BotClient{
		token:          token,
		apiURL:         strings.TrimRight(apiURL, "/"),
		pollingTimeout: pollingTimeout,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		pollClient:     &http.Client{Timeout: time.Duration(pollingTimeout+30) * time.Second},
		log:            log.With("client", "max-bot"),
	}
}

// SetEventHandler registers the callback for decoded updates.
func (c *BotClient) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// request performs an API call and decodes the JSON response into out.
func (c *BotClient) request(ctx context.Context, client *http.Client, method, path string, params url.Values, body interface{}, out interface{}) error {
	reqURL := c.apiURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{Message: "invalid bot token"}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{What: path}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 5
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if parsed, err := strconv.Atoi(ra); err == nil {
				retryAfter = parsed
			}
		}
		return &RateLimitError{RetryAfter: time.Duration(retryAfter) * time.Second}
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &apiErr)
		if apiErr.Code == "" {
			apiErr.Code = "unknown"
		}
		if apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return &APIError{Code: apiErr.Code, Message: apiErr.Message, Status: resp.StatusCode}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Connect verifies the token via GET /me and starts the long-poll loop.
func (c *BotClient) Connect(ctx context.Context) (*LoginData, error) {
	var raw json.RawMessage
	if err := c.request(ctx, c.httpClient, http.MethodGet, "/me", nil, nil, &raw); err != nil {
		return nil, fmt.Errorf("verify bot token: %w", err)
	}
	me := ParseUser(raw)
	if me == nil {
		return nil, &APIError{Code: "bad_me", Message: "unparseable /me response"}
	}
	me.IsBot = true

	c.mu.Lock()
	c.me = me
	c.running = true
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.log.Info("authenticated as bot", "name", me.Name, "user_id", me.ID)
	c.wg.Add(1)
	go c.pollLoop(loopCtx)
	return &LoginData{Me: me}, nil
}

// Disconnect stops the long-poll loop and waits for it to exit.
func (c *BotClient) Disconnect() error {
	c.mu.Lock()
	c.running = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

// IsConnected reports whether the poll loop is running.
func (c *BotClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// pollLoop repeatedly fetches /updates, advancing the marker after each
// successful decode. Delivery is at-least-once; consumers dedup.
func (c *BotClient) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	c.log.Debug("starting long-poll loop", "timeout", c.pollingTimeout)
	for ctx.Err() == nil {
		params := url.Values{"timeout": {strconv.Itoa(c.pollingTimeout)}}
		c.mu.Lock()
		if c.marker != 0 {
			params.Set("marker", strconv.FormatInt(c.marker, 10))
		}
		c.mu.Unlock()

		var resp struct {
			Updates []json.RawMessage `json:"updates"`
			Marker  int64             `json:"marker"`
		}
		err := c.request(ctx, c.pollClient, http.MethodGet, "/updates", params, nil, &resp)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var rateErr *RateLimitError
			if errors.As(err, &rateErr) {
				c.log.Warn("rate limited in poll loop", "retry_after", rateErr.RetryAfter)
				sleepCtx(ctx, rateErr.RetryAfter)
				continue
			}
			c.log.Error("poll loop error, retrying", "error", err, "delay", pollRetryDelay)
			sleepCtx(ctx, pollRetryDelay)
			continue
		}
		if resp.Marker != 0 {
			c.mu.Lock()
			c.marker = resp.Marker
			c.mu.Unlock()
		}
		for _, raw := range resp.Updates {
			c.handleRawUpdate(raw)
		}
	}
}

// handleRawUpdate decodes one Bot API update and dispatches it.
func (c *BotClient) handleRawUpdate(raw json.RawMessage) {
	var upd struct {
		UpdateType string          `json:"update_type"`
		Timestamp  int64           `json:"timestamp"`
		Message    json.RawMessage `json:"message"`
		ChatID     int64           `json:"chat_id"`
		User       json.RawMessage `json:"user"`
		MessageID  json.RawMessage `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &upd); err != nil {
		c.log.Debug("undecodable update", "error", err)
		return
	}
	eventType := EventType(upd.UpdateType)
	switch eventType {
	case EventMessageCreated, EventMessageEdited, EventMessageRemoved,
		EventMessageCallback, EventBotStarted, EventBotAdded, EventBotRemoved,
		EventUserAdded, EventUserRemoved, EventChatTitleChanged:
	default:
		c.log.Debug("unknown update type", "update_type", upd.UpdateType)
		return
	}

	message := ParseMessage(upd.Message)
	chatID := upd.ChatID
	if chatID == 0 && message != nil {
		chatID = message.ChatID()
	}

	event := &MaxEvent{
		Type:      eventType,
		ChatID:    chatID,
		Message:   message,
		User:      ParseUser(upd.User),
		MessageID: flexString(upd.MessageID),
		Timestamp: upd.Timestamp,
	}
	c.dispatch(event)
}

func (c *BotClient) dispatch(event *MaxEvent) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}

// SendMessage posts a message to a chat. The reply link uses the Bot API
// {type: "reply", mid} shape.
func (c *BotClient) SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) (*MaxMessage, error) {
	body := map[string]interface{}{"text": text}
	if opts != nil {
		if len(opts.Attachments) > 0 {
			body["attachments"] = opts.Attachments
		}
		if opts.ReplyTo != "" {
			body["link"] = map[string]string{"type": "reply", "mid": opts.ReplyTo}
		}
	}
	params := url.Values{"chat_id": {strconv.FormatInt(chatID, 10)}}
	var resp json.RawMessage
	if err := c.request(ctx, c.httpClient, http.MethodPost, "/messages", params, body, &resp); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	var envelope struct {
		Message json.RawMessage `json:"message"`
	}
	raw := resp
	if err := json.Unmarshal(resp, &envelope); err == nil && len(envelope.Message) > 0 {
		raw = envelope.Message
	}
	msg := ParseMessage(raw)
	if msg == nil {
		msg = &MaxMessage{Body: &MessageBody{Text: text}}
	}
	return msg, nil
}

// EditMessage replaces the text of a previously sent message.
func (c *BotClient) EditMessage(ctx context.Context, messageID, text string) error {
	params := url.Values{"message_id": {messageID}}
	if err := c.request(ctx, c.httpClient, http.MethodPut, "/messages", params, map[string]string{"text": text}, nil); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// DeleteMessage removes a previously sent message.
func (c *BotClient) DeleteMessage(ctx context.Context, messageID string) error {
	params := url.Values{"message_id": {messageID}}
	if err := c.request(ctx, c.httpClient, http.MethodDelete, "/messages", params, nil, nil); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// GetChat fetches chat metadata.
func (c *BotClient) GetChat(ctx context.Context, chatID int64) (*MaxChat, error) {
	var resp struct {
		ChatID       int64  `json:"chat_id"`
		Type         string `json:"type"`
		Title        string `json:"title"`
		MembersCount int    `json:"members_count"`
		OwnerID      int64  `json:"owner_id"`
		IsPublic     bool   `json:"is_public"`
		Description  string `json:"description"`
	}
	path := "/chats/" + strconv.FormatInt(chatID, 10)
	if err := c.request(ctx, c.httpClient, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	chat := &MaxChat{
		ID:           resp.ChatID,
		Type:         ChatType(resp.Type),
		Title:        resp.Title,
		MembersCount: resp.MembersCount,
		OwnerID:      resp.OwnerID,
		IsPublic:     resp.IsPublic,
		Description:  resp.Description,
	}
	if chat.ID == 0 {
		chat.ID = chatID
	}
	if chat.Type == "" {
		chat.Type = ChatDialog
	}
	return chat, nil
}

// GetChatMembers lists the members of a chat.
func (c *BotClient) GetChatMembers(ctx context.Context, chatID int64) ([]*MaxUser, error) {
	var resp struct {
		Members []json.RawMessage `json:"members"`
	}
	path := "/chats/" + strconv.FormatInt(chatID, 10) + "/members"
	if err := c.request(ctx, c.httpClient, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("get chat members: %w", err)
	}
	members := make([]*MaxUser, 0, len(resp.Members))
	for _, raw := range resp.Members {
		if user := ParseUser(raw); user != nil {
			members = append(members, user)
		}
	}
	return members, nil
}

// GetUserInfo returns a stub. The Bot API has no user lookup endpoint.
func (c *BotClient) GetUserInfo(ctx context.Context, userID int64) (*MaxUser, error) {
	c.log.Debug("get_user_info not supported by bot api", "user_id", userID)
	return &MaxUser{ID: userID, Name: strconv.FormatInt(userID, 10)}, nil
}

// DownloadMedia fetches media bytes from an attachment URL.
func (c *BotClient) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Code: "download_failed", Message: "unexpected status", Status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

// UploadMedia uploads media in two steps: request an upload URL for the
// classified type, then multipart-POST the bytes to it. Returns the token to
// place in the outbound attachment payload.
func (c *BotClient) UploadMedia(ctx context.Context, data []byte, filename, contentType string) (string, error) {
	params := url.Values{"type": {UploadType(contentType)}}
	var urlResp struct {
		URL string `json:"url"`
	}
	if err := c.request(ctx, c.httpClient, http.MethodPost, "/uploads", params, nil, &urlResp); err != nil {
		return "", fmt.Errorf("get upload url: %w", err)
	}
	if urlResp.URL == "" {
		return "", &APIError{Code: "upload_failed", Message: "no upload URL returned"}
	}
	return uploadMultipart(ctx, c.httpClient, urlResp.URL, "file", data, filename, contentType)
}

// AddReaction is not supported by the Bot API.
func (c *BotClient) AddReaction(ctx context.Context, chatID int64, messageID, emoji string) error {
	c.log.Debug("add_reaction not supported by bot api")
	return nil
}

// RemoveReaction is not supported by the Bot API.
func (c *BotClient) RemoveReaction(ctx context.Context, chatID int64, messageID string) error {
	c.log.Debug("remove_reaction not supported by bot api")
	return nil
}

// MarkAsRead is not supported by the Bot API.
func (c *BotClient) MarkAsRead(ctx context.Context, chatID int64, messageID string) error {
	c.log.Debug("mark_as_read not supported by bot api")
	return nil
}

// uploadMultipart posts file bytes as a multipart form to an upload URL and
// extracts the resulting token (or URL, for photo responses).
func uploadMultipart(ctx context.Context, client *http.Client, uploadURL, field string, data []byte, filename, contentType string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &APIError{Code: "upload_failed", Message: "unexpected status", Status: resp.StatusCode}
	}
	var result struct {
		Token string `json:"token"`
		URL   string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if result.Token != "" {
		return result.Token, nil
	}
	return result.URL, nil
}

// UploadType classifies a MIME type into the Bot API upload type parameter.
func UploadType(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "photo"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
