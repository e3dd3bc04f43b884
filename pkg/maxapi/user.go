package maxapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Wire protocol constants (ver 11 framed JSON).
const (
	ProtocolVersion = 11
	AppVersion      = "26.2.2"

	// DefaultWSURL is the Max User API WebSocket endpoint.
	DefaultWSURL = "wss://ws-api.oneme.ru/websocket"
	// DefaultUploadURL is where user-mode media uploads go.
	DefaultUploadURL = "https://platform-api.max.ru/uploads"

	wsOrigin    = "https://web.max.ru"
	wsUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// Frame cmd values.
const (
	cmdRequest  = 0
	cmdResponse = 1
	cmdAck      = 2
	cmdError    = 3
)

// WebSocket opcodes. GET_CHAT_HISTORY (53) is deliberately absent: the
// server drops the connection when it is used.
const (
	OpPing           = 0
	OpHeartbeat      = 1
	OpInitConnection = 5
	OpInitSession    = 6

	OpStartPhoneAuth = 17
	OpCheckCode      = 18
	OpLoginByToken   = 19
	OpLogoutResult   = 20
	OpAuthMigrate    = 23
	OpAuthRefresh    = 25
	OpAuthResponse   = 26

	OpGetContacts = 32
	OpGetPresence = 35

	OpGetChats = 48
	OpGetChat  = 49
	OpMarkRead = 50

	OpSendSticker   = 56
	OpSendMessage   = 64
	OpDeleteMessage = 66
	OpEditMessage   = 67

	OpGetUploadURL = 86
	OpGetFile      = 88

	OpLogout        = 101
	OpTwoFAPassword = 115

	OpIncomingMessage = 128
	OpIncomingEdit    = 129
	OpIncomingDelete  = 130
	OpIncomingRead    = 131
	OpIncomingTyping  = 132

	OpReact = 178

	OpCallRelated = 257
	OpSyncFolders = 272
	OpGetFolder   = 273

	OpQRGenerate = 288
	OpQRPoll     = 289
	OpQRConfirm  = 291
)

// wsFrame is the ver 11 wire envelope.
type wsFrame struct {
	Ver     int             `json:"ver"`
	Cmd     int             `json:"cmd"`
	Seq     int64           `json:"seq"`
	Opcode  int             `json:"opcode"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type pendingResult struct {
	payload json.RawMessage
	err     error
}

// QRAuthData is the server's answer to QR_GENERATE.
type QRAuthData struct {
	TrackID         string `json:"trackId"`
	QRLink          string `json:"qrLink"`
	ExpiresAt       int64  `json:"expiresAt"`
	PollingInterval int    `json:"pollingInterval"`
}

// PhoneAuthData is the server's answer to START_PHONE_AUTH.
type PhoneAuthData struct {
	Token      string `json:"token"`
	CodeLength int    `json:"codeLength"`
}

// UserClient speaks the Max User API over a single WebSocket. Requests are
// multiplexed on a monotone seq; server-originated frames are answered in the
// read loop.
type UserClient struct {
	wsURL     string
	uploadURL string

	authToken string
	tokenMu   sync.Mutex

	conn    *websocket.Conn
	writeMu sync.Mutex
	seq     atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan pendingResult

	running   atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
	deviceID  string
	handlerMu sync.Mutex
	handler   EventHandler

	me       *MaxUser
	viewerID int64

	// authFlowToken holds the flow token (phone) or trackId (QR) between
	// auth steps.
	authFlowToken string

	requestTimeout time.Duration
	qrPollInterval time.Duration
	httpClient     *http.Client

	log *slog.Logger
}

var _ Client = (*UserClient)(nil)

// NewUserClient creates a User API client. authToken may be empty for
// provisioning-driven auth flows.
func NewUserClient(wsURL, authToken string, log *slog.Logger) *UserClient {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &UserClient{
		wsURL:          wsURL,
		uploadURL:      DefaultUploadURL,
		authToken:      authToken,
		pending:        make(map[int64]chan pendingResult),
		deviceID:       uuid.NewString(),
		requestTimeout: 30 * time.Second,
		qrPollInterval: 3 * time.Second,
		httpClient:     &http.Client{Timeout: 120 * time.Second},
		log:            log.With("client", "max-user"),
	}
}

// SetEventHandler registers the callback for incoming events.
func (c *UserClient) SetEventHandler(handler EventHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = handler
}

// AuthToken returns the current (possibly refreshed) login token.
func (c *UserClient) AuthToken() string {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.authToken
}

// ViewerID returns the authenticated user's id, or 0 before login.
func (c *UserClient) ViewerID() int64 {
	return c.viewerID
}

func (c *UserClient) nextSeq() int64 {
	return c.seq.Add(1)
}

// dial opens the WebSocket with the headers the server requires and starts
// the read loop. The loop must be running before any request is sent.
func (c *UserClient) dial(ctx context.Context) error {
	header := http.Header{}
	header.Set("Origin", wsOrigin)
	header.Set("User-Agent", wsUserAgent)
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	c.conn = conn
	c.done = make(chan struct{})
	c.running.Store(true)
	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

func (c *UserClient) writeFrame(cmd, opcode int, seq int64, payload interface{}) error {
	if c.conn == nil || !c.running.Load() {
		return ErrNotConnected
	}
	frame := wsFrame{Ver: ProtocolVersion, Cmd: cmd, Seq: seq, Opcode: opcode}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		frame.Payload = raw
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(&frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// sendAndWait sends a request frame and blocks until the matching response,
// error frame, timeout, or disconnect.
func (c *UserClient) sendAndWait(ctx context.Context, opcode int, payload interface{}) (json.RawMessage, error) {
	seq := c.nextSeq()
	ch := make(chan pendingResult, 1)
	c.pendingMu.Lock()
	c.pending[seq] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(cmdRequest, opcode, seq, payload); err != nil {
		return nil, err
	}
	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &APIError{Code: "timeout", Message: fmt.Sprintf("timeout waiting for response to opcode %d", opcode)}
	case result := <-ch:
		return result.payload, result.err
	}
}

func (c *UserClient) userAgentPayload() map[string]interface{} {
	return map[string]interface{}{
		"deviceType":      "WEB",
		"locale":          "ru",
		"deviceLocale":    "ru",
		"osVersion":       runtime.GOOS + " " + runtime.GOARCH,
		"deviceName":      "mautrix-max",
		"headerUserAgent": "mautrix-max/0.1.0",
		"appVersion":      AppVersion,
		"screen":          "1920x1080 1.0x",
		"timezone":        "Europe/Moscow",
	}
}

// initSession dials and performs the INIT_SESSION handshake. Shared by
// Connect and the provisioning auth flows.
func (c *UserClient) initSession(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	_, err := c.sendAndWait(ctx, OpInitSession, map[string]interface{}{
		"userAgent": c.userAgentPayload(),
		"deviceId":  c.deviceID,
	})
	if err != nil {
		c.closeWS()
		return fmt.Errorf("init session: %w", err)
	}
	return nil
}

// Connect opens the WebSocket, initializes the session, logs in with the
// saved token, and starts the keepalive loop.
func (c *UserClient) Connect(ctx context.Context) (*LoginData, error) {
	if c.AuthToken() == "" {
		return nil, &AuthError{Message: "no auth token, run a provisioning login flow first"}
	}
	if err := c.initSession(ctx); err != nil {
		return nil, err
	}
	data, err := c.loginByToken(ctx)
	if err != nil {
		c.closeWS()
		return nil, err
	}
	c.wg.Add(1)
	go c.keepaliveLoop()
	return data, nil
}

// loginByToken authenticates with the saved token (opcode 19) and decodes
// the refreshed token, viewer profile, chat list, and contacts map.
func (c *UserClient) loginByToken(ctx context.Context) (*LoginData, error) {
	resp, err := c.sendAndWait(ctx, OpLoginByToken, map[string]interface{}{
		"token":      c.AuthToken(),
		"chatsCount": 40,
		"lastLogin":  0,
	})
	if err != nil {
		return nil, fmt.Errorf("token login: %w", err)
	}
	if len(resp) == 0 {
		return nil, &AuthError{Message: "token login failed: empty response"}
	}
	var raw struct {
		Token   string `json:"token"`
		Profile struct {
			Contact json.RawMessage `json:"contact"`
		} `json:"profile"`
		Chats    []json.RawMessage `json:"chats"`
		Contacts json.RawMessage   `json:"contacts"`
	}
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	if raw.Token != "" {
		c.tokenMu.Lock()
		c.authToken = raw.Token
		c.tokenMu.Unlock()
	}
	data := &LoginData{Token: c.AuthToken(), Chats: raw.Chats, Contacts: ParseContacts(raw.Contacts)}
	if me := ParseUser(raw.Profile.Contact); me != nil && me.ID != 0 {
		c.me = me
		c.viewerID = me.ID
		data.Me = me
		c.log.Info("authenticated as user", "name", me.Name, "user_id", me.ID)
	} else {
		c.log.Info("token login succeeded without profile")
	}
	return data, nil
}

// closeWS stops the read loop and closes the socket, draining pending slots.
func (c *UserClient) closeWS() {
	if c.running.CompareAndSwap(true, false) {
		close(c.done)
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.pendingMu.Lock()
	for seq, ch := range c.pending {
		select {
		case ch <- pendingResult{err: ErrNotConnected}:
		default:
		}
		delete(c.pending, seq)
	}
	c.pendingMu.Unlock()
}

// Disconnect closes the connection and waits for the loops to exit.
func (c *UserClient) Disconnect() error {
	c.closeWS()
	c.wg.Wait()
	return nil
}

// IsConnected reports whether the WebSocket is live.
func (c *UserClient) IsConnected() bool {
	return c.running.Load() && c.conn != nil
}

// readLoop reads frames until the connection dies. Decode failures are
// logged and skipped; a read error tears the connection down.
func (c *UserClient) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for c.running.Load() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.running.Load() {
				c.log.Warn("websocket read failed", "error", err)
				c.closeWS()
			}
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Debug("undecodable frame", "error", err)
			continue
		}
		c.handleFrame(&frame)
	}
}

func (c *UserClient) handleFrame(frame *wsFrame) {
	switch frame.Cmd {
	case cmdRequest:
		c.handleServerRequest(frame)
	case cmdResponse:
		c.completePending(frame.Seq, pendingResult{payload: frame.Payload})
	case cmdError:
		var errPayload struct {
			Code    json.RawMessage `json:"code"`
			Message string          `json:"message"`
		}
		_ = json.Unmarshal(frame.Payload, &errPayload)
		code := flexString(errPayload.Code)
		if code == "" {
			code = "unknown"
		}
		msg := errPayload.Message
		if msg == "" {
			msg = "unknown error"
		}
		if !c.completePending(frame.Seq, pendingResult{err: &APIError{Code: code, Message: msg}}) {
			c.log.Warn("error frame with no pending request", "opcode", frame.Opcode, "seq", frame.Seq)
		}
	case cmdAck:
		// nothing to do
	}
}

func (c *UserClient) completePending(seq int64, result pendingResult) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- result:
	default:
	}
	return true
}

// handleServerRequest answers server-originated frames. Incoming messages
// are acked before the handler runs so a handler failure cannot stall the
// stream.
func (c *UserClient) handleServerRequest(frame *wsFrame) {
	switch frame.Opcode {
	case OpHeartbeat, OpPing:
		if err := c.writeFrame(cmdResponse, frame.Opcode, frame.Seq, nil); err != nil {
			c.log.Debug("heartbeat echo failed", "error", err)
		}
	case OpIncomingMessage:
		c.ackIncomingMessage(frame)
		c.handleIncomingEvent(frame.Opcode, frame.Payload)
	case OpIncomingEdit, OpIncomingDelete, OpIncomingRead, OpIncomingTyping:
		c.handleIncomingEvent(frame.Opcode, frame.Payload)
	default:
		c.log.Debug("unhandled server request", "opcode", frame.Opcode)
	}
}

func (c *UserClient) ackIncomingMessage(frame *wsFrame) {
	var payload struct {
		ChatID  int64           `json:"chatId"`
		Message json.RawMessage `json:"message"`
	}
	_ = json.Unmarshal(frame.Payload, &payload)
	var messageID string
	raw := payload.Message
	if len(raw) == 0 {
		raw = frame.Payload
	}
	if msg := ParseMessage(raw); msg != nil {
		messageID = msg.ID
	}
	ack := map[string]interface{}{"chatId": payload.ChatID, "messageId": messageID}
	if err := c.writeFrame(cmdResponse, OpIncomingMessage, frame.Seq, ack); err != nil {
		c.log.Debug("incoming message ack failed", "error", err)
	}
}

// handleIncomingEvent decodes a server event into the normalized shape and
// invokes the registered handler.
func (c *UserClient) handleIncomingEvent(opcode int, payload json.RawMessage) {
	var eventType EventType
	switch opcode {
	case OpIncomingMessage:
		eventType = EventMessageCreated
	case OpIncomingEdit:
		eventType = EventMessageEdited
	case OpIncomingDelete:
		eventType = EventMessageRemoved
	case OpIncomingRead:
		eventType = EventReadReceipt
	case OpIncomingTyping:
		eventType = EventTyping
	default:
		return
	}

	var raw struct {
		Message    json.RawMessage `json:"message"`
		ChatID     int64           `json:"chatId"`
		ChatIDS    int64           `json:"chat_id"`
		MessageID  json.RawMessage `json:"messageId"`
		MessageIDS json.RawMessage `json:"message_id"`
		UserID     int64           `json:"userId"`
		Timestamp  int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		c.log.Debug("undecodable event payload", "opcode", opcode, "error", err)
		return
	}

	msgRaw := raw.Message
	if len(msgRaw) == 0 || string(msgRaw) == "null" {
		msgRaw = payload
	}
	var message *MaxMessage
	switch eventType {
	case EventMessageCreated, EventMessageEdited, EventMessageRemoved:
		// Deletes carry the id in the same spots a message does (mid, id,
		// or a nested message object), so they get parsed too.
		message = ParseMessage(msgRaw)
	}

	chatID := raw.ChatID
	if chatID == 0 {
		chatID = raw.ChatIDS
	}
	if chatID == 0 && len(raw.Message) > 0 {
		var nested struct {
			ChatID int64 `json:"chatId"`
		}
		if err := json.Unmarshal(raw.Message, &nested); err == nil {
			chatID = nested.ChatID
		}
	}

	messageID := flexString(raw.MessageID)
	if messageID == "" {
		messageID = flexString(raw.MessageIDS)
	}
	if messageID == "" && message != nil {
		messageID = message.ID
	}
	timestamp := raw.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}

	event := &MaxEvent{
		Type:      eventType,
		ChatID:    chatID,
		Message:   message,
		MessageID: messageID,
		SenderID:  raw.UserID,
		Timestamp: timestamp,
	}
	if eventType == EventMessageEdited && message != nil {
		event.NewText = message.Text()
	}

	c.handlerMu.Lock()
	handler := c.handler
	c.handlerMu.Unlock()
	if handler != nil {
		handler(event)
	}
}

// keepaliveLoop sends a heartbeat every 30 seconds while connected.
func (c *UserClient) keepaliveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.writeFrame(cmdRequest, OpHeartbeat, c.nextSeq(), map[string]interface{}{"interactive": true})
			if err != nil {
				c.log.Debug("keepalive heartbeat failed", "error", err)
			}
		}
	}
}

// -- Auth flows (provisioning-driven) ---------------------------------------

// StartPhoneAuth opens a fresh session and requests an SMS code (opcode 17).
func (c *UserClient) StartPhoneAuth(ctx context.Context, phone string) (*PhoneAuthData, error) {
	if err := c.initSession(ctx); err != nil {
		return nil, err
	}
	resp, err := c.sendAndWait(ctx, OpStartPhoneAuth, map[string]interface{}{
		"phone":    phone,
		"type":     "START_AUTH",
		"language": "ru",
	})
	if err != nil {
		c.closeWS()
		return nil, fmt.Errorf("start phone auth: %w", err)
	}
	var data PhoneAuthData
	if err := json.Unmarshal(resp, &data); err != nil {
		c.closeWS()
		return nil, fmt.Errorf("decode phone auth response: %w", err)
	}
	c.authFlowToken = data.Token
	return &data, nil
}

// CheckAuthCode submits the SMS code (opcode 18) and extracts the login
// token from tokenAttrs.LOGIN.token.
func (c *UserClient) CheckAuthCode(ctx context.Context, code string) (*MaxUser, error) {
	resp, err := c.sendAndWait(ctx, OpCheckCode, map[string]interface{}{
		"token":         c.authFlowToken,
		"verifyCode":    code,
		"authTokenType": "CHECK_CODE",
	})
	if err != nil {
		return nil, fmt.Errorf("check auth code: %w", err)
	}
	return c.extractAuthResult(resp)
}

// StartQRAuth opens a fresh session and generates a QR login link
// (opcode 288).
func (c *UserClient) StartQRAuth(ctx context.Context) (*QRAuthData, error) {
	if err := c.initSession(ctx); err != nil {
		return nil, err
	}
	resp, err := c.sendAndWait(ctx, OpQRGenerate, nil)
	if err != nil {
		c.closeWS()
		return nil, fmt.Errorf("generate qr: %w", err)
	}
	var data QRAuthData
	if err := json.Unmarshal(resp, &data); err != nil {
		c.closeWS()
		return nil, fmt.Errorf("decode qr response: %w", err)
	}
	c.authFlowToken = data.TrackID
	return &data, nil
}

// PollQRAuth polls QR_POLL until the code is scanned, then confirms with
// QR_CONFIRM to obtain the login token. Bounded by timeout.
func (c *UserClient) PollQRAuth(ctx context.Context, timeout time.Duration) (*MaxUser, error) {
	if c.authFlowToken == "" {
		return nil, &APIError{Code: "no_track_id", Message: "no trackId from QR generation"}
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !c.IsConnected() {
			return nil, ErrNotConnected
		}
		resp, err := c.sendAndWait(ctx, OpQRPoll, map[string]string{"trackId": c.authFlowToken})
		if err != nil {
			sleepCtx(ctx, 2*time.Second)
			continue
		}
		var status struct {
			Status struct {
				LoginAvailable bool  `json:"loginAvailable"`
				ExpiresAt      int64 `json:"expiresAt"`
			} `json:"status"`
		}
		if err := json.Unmarshal(resp, &status); err == nil {
			if status.Status.LoginAvailable {
				confirm, err := c.sendAndWait(ctx, OpQRConfirm, map[string]string{"trackId": c.authFlowToken})
				if err != nil {
					return nil, fmt.Errorf("confirm qr login: %w", err)
				}
				return c.extractAuthResult(confirm)
			}
			if exp := status.Status.ExpiresAt; exp != 0 && exp < time.Now().UnixMilli() {
				return nil, &APIError{Code: "qr_expired", Message: "QR code expired"}
			}
		}
		sleepCtx(ctx, c.qrPollInterval)
	}
	return nil, &APIError{Code: "timeout", Message: "QR auth timed out"}
}

// extractAuthResult pulls the login token and viewer profile out of a
// CHECK_CODE or QR_CONFIRM response.
func (c *UserClient) extractAuthResult(resp json.RawMessage) (*MaxUser, error) {
	var raw struct {
		TokenAttrs struct {
			Login struct {
				Token string `json:"token"`
			} `json:"LOGIN"`
		} `json:"tokenAttrs"`
		Profile struct {
			Contact json.RawMessage `json:"contact"`
		} `json:"profile"`
	}
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("decode auth result: %w", err)
	}
	if raw.TokenAttrs.Login.Token == "" {
		return nil, &AuthError{Message: "no login token in auth result"}
	}
	c.tokenMu.Lock()
	c.authToken = raw.TokenAttrs.Login.Token
	c.tokenMu.Unlock()
	me := ParseUser(raw.Profile.Contact)
	if me != nil && me.ID != 0 {
		c.me = me
		c.viewerID = me.ID
	}
	return me, nil
}

// -- Messaging ---------------------------------------------------------------

// SendMessage sends via opcode 64 and returns a message carrying the
// server-assigned id with the text echoed locally, so the caller can record
// the correlation before the server re-broadcasts the message.
func (c *UserClient) SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) (*MaxMessage, error) {
	payload := map[string]interface{}{"chatId": chatID, "text": text}
	if opts != nil {
		if opts.ReplyTo != "" {
			payload["replyTo"] = opts.ReplyTo
		}
		if len(opts.Attachments) > 0 {
			payload["attachments"] = opts.Attachments
		}
	}
	resp, err := c.sendAndWait(ctx, OpSendMessage, payload)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	var raw struct {
		ID        json.RawMessage `json:"id"`
		Mid       json.RawMessage `json:"mid"`
		Timestamp int64           `json:"timestamp"`
	}
	_ = json.Unmarshal(resp, &raw)
	id := flexString(raw.ID)
	if id == "" {
		id = flexString(raw.Mid)
	}
	return &MaxMessage{
		ID:        id,
		Timestamp: raw.Timestamp,
		Body:      &MessageBody{Text: text},
	}, nil
}

// EditMessage replaces the text of a sent message (opcode 67).
func (c *UserClient) EditMessage(ctx context.Context, messageID, text string) error {
	_, err := c.sendAndWait(ctx, OpEditMessage, map[string]string{
		"messageId": messageID,
		"text":      text,
	})
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// DeleteMessage removes a sent message (opcode 66).
func (c *UserClient) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.sendAndWait(ctx, OpDeleteMessage, map[string]string{"messageId": messageID})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// -- Chat info ---------------------------------------------------------------

// GetChat fetches chat metadata via opcode 49.
func (c *UserClient) GetChat(ctx context.Context, chatID int64) (*MaxChat, error) {
	resp, err := c.sendAndWait(ctx, OpGetChat, map[string]interface{}{"chatIds": []int64{chatID}})
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	var raw struct {
		Chats []struct {
			ChatID       int64  `json:"chatId"`
			Type         string `json:"type"`
			Title        string `json:"title"`
			MembersCount int    `json:"membersCount"`
		} `json:"chats"`
	}
	_ = json.Unmarshal(resp, &raw)
	if len(raw.Chats) == 0 {
		return &MaxChat{ID: chatID, Type: ChatDialog}, nil
	}
	chat := raw.Chats[0]
	result := &MaxChat{
		ID:           chat.ChatID,
		Type:         ChatType(chat.Type),
		Title:        chat.Title,
		MembersCount: chat.MembersCount,
	}
	if result.ID == 0 {
		result.ID = chatID
	}
	if result.Type == "" {
		result.Type = ChatDialog
	}
	return result, nil
}

// GetChatMembers lists chat members via opcode 49.
func (c *UserClient) GetChatMembers(ctx context.Context, chatID int64) ([]*MaxUser, error) {
	resp, err := c.sendAndWait(ctx, OpGetChat, map[string]interface{}{"chatIds": []int64{chatID}})
	if err != nil {
		return nil, fmt.Errorf("get chat members: %w", err)
	}
	var raw struct {
		Chats []struct {
			Members []json.RawMessage `json:"members"`
		} `json:"chats"`
	}
	_ = json.Unmarshal(resp, &raw)
	if len(raw.Chats) == 0 {
		return nil, nil
	}
	members := make([]*MaxUser, 0, len(raw.Chats[0].Members))
	for _, m := range raw.Chats[0].Members {
		if user := ParseUser(m); user != nil {
			members = append(members, user)
		}
	}
	return members, nil
}

// GetUserInfo looks up a contact via GET_CONTACTS (opcode 32).
func (c *UserClient) GetUserInfo(ctx context.Context, userID int64) (*MaxUser, error) {
	resp, err := c.sendAndWait(ctx, OpGetContacts, map[string]interface{}{"contactIds": []int64{userID}})
	if err != nil {
		return nil, fmt.Errorf("get user info: %w", err)
	}
	var raw struct {
		Contacts []json.RawMessage `json:"contacts"`
	}
	_ = json.Unmarshal(resp, &raw)
	if len(raw.Contacts) > 0 {
		if user := ParseContact(raw.Contacts[0]); user != nil && user.ID != 0 {
			return user, nil
		}
	}
	return &MaxUser{ID: userID, Name: strconv.FormatInt(userID, 10)}, nil
}

// -- Media -------------------------------------------------------------------

// DownloadMedia fetches media bytes over plain HTTP.
func (c *UserClient) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
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

// UploadMedia posts the bytes directly to the upload endpoint (field "data")
// and returns the attachment token.
func (c *UserClient) UploadMedia(ctx context.Context, data []byte, filename, contentType string) (string, error) {
	return uploadMultipart(ctx, c.httpClient, c.uploadURL, "data", data, filename, contentType)
}

// -- Reactions / read markers ------------------------------------------------

// AddReaction reacts to a message (opcode 178). Fire-and-forget.
func (c *UserClient) AddReaction(ctx context.Context, chatID int64, messageID, emoji string) error {
	return c.writeFrame(cmdRequest, OpReact, c.nextSeq(), map[string]interface{}{
		"chatId":    chatID,
		"messageId": messageID,
		"reaction":  emoji,
	})
}

// RemoveReaction clears the viewer's reaction by reacting with an empty
// string; the protocol has no dedicated removal opcode.
func (c *UserClient) RemoveReaction(ctx context.Context, chatID int64, messageID string) error {
	return c.AddReaction(ctx, chatID, messageID, "")
}

// MarkAsRead advances the read marker (opcode 50). Fire-and-forget.
func (c *UserClient) MarkAsRead(ctx context.Context, chatID int64, messageID string) error {
	return c.writeFrame(cmdRequest, OpMarkRead, c.nextSeq(), map[string]interface{}{
		"chatId":    chatID,
		"messageId": messageID,
	})
}

// ParseContact decodes a contact record from GET_CONTACTS or the login
// response contacts map. Contact records put the display name in a names
// list and the avatar in baseUrl.
func ParseContact(data json.RawMessage) *MaxUser {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var raw struct {
		ID       int64 `json:"id"`
		UserID   int64 `json:"userId"`
		UserIDS  int64 `json:"user_id"`
		Names    []struct {
			Name      string `json:"name"`
			FirstName string `json:"firstName"`
		} `json:"names"`
		Name      string `json:"name"`
		FirstName string `json:"firstName"`
		Username  string `json:"username"`
		BaseURL   string `json:"baseUrl"`
		AvatarURL string `json:"avatarUrl"`
		AvatarURS string `json:"avatar_url"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	id := raw.ID
	if id == 0 {
		id = raw.UserID
	}
	if id == 0 {
		id = raw.UserIDS
	}
	name := ""
	if len(raw.Names) > 0 {
		name = raw.Names[0].Name
		if name == "" {
			name = raw.Names[0].FirstName
		}
	}
	if name == "" {
		name = raw.Name
	}
	if name == "" {
		name = raw.FirstName
	}
	avatar := raw.BaseURL
	if avatar == "" {
		avatar = raw.AvatarURL
	}
	if avatar == "" {
		avatar = raw.AvatarURS
	}
	return &MaxUser{ID: id, Name: name, Username: raw.Username, AvatarURL: avatar}
}

// ParseContacts builds a contacts lookup from the login response, which may
// deliver contacts as a map keyed by user id or as a list of records.
func ParseContacts(data json.RawMessage) map[int64]*MaxUser {
	result := make(map[int64]*MaxUser)
	if len(data) == 0 || string(data) == "null" {
		return result
	}
	var byID map[string]json.RawMessage
	if err := json.Unmarshal(data, &byID); err == nil {
		for key, raw := range byID {
			id, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				continue
			}
			if user := ParseContact(raw); user != nil {
				if user.ID == 0 {
					user.ID = id
				}
				result[id] = user
			}
		}
		return result
	}
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return result
	}
	for _, raw := range list {
		if user := ParseContact(raw); user != nil && user.ID != 0 {
			result[user.ID] = user
		}
	}
	return result
}
