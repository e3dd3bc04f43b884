package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mergechat/mautrix-max/internal/database"
	"github.com/mergechat/mautrix-max/pkg/maxapi"
)

// User owns the per-Matrix-user session lifecycle: credentials, the live
// Max client, chat sync on login, and event dispatch into portals.
type User struct {
	log    *slog.Logger
	engine *Engine

	MXID string

	mu        sync.Mutex
	row       *database.User
	Client    maxapi.Client
	loginData *maxapi.LoginData
}

func newUser(engine *Engine, row *database.User) *User {
	return &User{
		log:    engine.log.With("component", "user", "mxid", row.MXID),
		engine: engine,
		MXID:   row.MXID,
		row:    row,
	}
}

// IsLoggedIn reports whether the user has credentials for either mode.
func (u *User) IsLoggedIn() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.row.IsLoggedIn()
}

// IsConnected reports whether a live client is attached and running.
func (u *User) IsConnected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Client != nil && u.Client.IsConnected()
}

// ConnectionMode returns the persisted mode, or "" when logged out.
func (u *User) ConnectionMode() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.row.ConnectionMode
}

// MaxUserID returns the Max-side account id, or 0 before the first login.
func (u *User) MaxUserID() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.row.MaxUserID
}

// Contacts returns the contacts map from the last login handshake.
func (u *User) Contacts() map[int64]*maxapi.MaxUser {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.loginData == nil {
		return nil
	}
	return u.loginData.Contacts
}

func (u *User) persist(ctx context.Context) error {
	if err := u.engine.db.User.Upsert(ctx, u.row); err != nil {
		return fmt.Errorf("save user %s: %w", u.MXID, err)
	}
	return nil
}

// LoginBot stores a Bot API token and connects.
func (u *User) LoginBot(ctx context.Context, token string) error {
	u.mu.Lock()
	u.row.ConnectionMode = string(maxapi.ModeBot)
	u.row.BotToken = token
	u.row.MaxToken = ""
	err := u.persist(ctx)
	u.mu.Unlock()
	if err != nil {
		return err
	}
	return u.Connect(ctx)
}

// LoginUser stores a User API token (from a provisioning flow) and connects.
func (u *User) LoginUser(ctx context.Context, token string, maxUserID int64) error {
	u.mu.Lock()
	u.row.ConnectionMode = string(maxapi.ModeUser)
	u.row.MaxToken = token
	u.row.BotToken = ""
	if maxUserID != 0 {
		u.row.MaxUserID = maxUserID
	}
	err := u.persist(ctx)
	u.mu.Unlock()
	if err != nil {
		return err
	}
	return u.Connect(ctx)
}

// Connect builds the mode-appropriate client and performs the login
// handshake. On success it launches chat sync and the contacts pass.
func (u *User) Connect(ctx context.Context) error {
	u.mu.Lock()
	if u.Client != nil && u.Client.IsConnected() {
		u.mu.Unlock()
		return nil
	}

	var client maxapi.Client
	switch u.row.ConnectionMode {
	case string(maxapi.ModeBot):
		client = maxapi.NewBotClient(u.row.BotToken, u.engine.cfg.Max.APIURL,
			u.engine.cfg.Max.PollingTimeout,
			u.engine.log.With("component", "maxbot", "mxid", u.MXID))
	case string(maxapi.ModeUser):
		client = maxapi.NewUserClient(u.engine.cfg.Max.WSURL, u.row.MaxToken,
			u.engine.log.With("component", "maxuser", "mxid", u.MXID))
	default:
		u.mu.Unlock()
		return fmt.Errorf("user %s has no connection mode", u.MXID)
	}
	client.SetEventHandler(u.onMaxEvent)
	u.Client = client
	u.mu.Unlock()

	u.engine.metrics.IncrLoginAttempts()
	loginData, err := client.Connect(ctx)
	if err != nil {
		u.engine.metrics.IncrLoginFailures()
		u.mu.Lock()
		u.Client = nil
		u.mu.Unlock()
		return fmt.Errorf("connect %s: %w", u.MXID, err)
	}
	u.engine.metrics.IncrLoginSuccesses()
	u.engine.metrics.SetConnected(true)

	u.mu.Lock()
	u.loginData = loginData
	if loginData.Me != nil && loginData.Me.ID != 0 {
		u.row.MaxUserID = loginData.Me.ID
	}
	if loginData.Token != "" && u.row.ConnectionMode == string(maxapi.ModeUser) {
		// The handshake rotates the token; keep the fresh one.
		u.row.MaxToken = loginData.Token
	}
	err = u.persist(ctx)
	u.mu.Unlock()
	if err != nil {
		return err
	}

	u.log.Info("max session connected", "mode", u.row.ConnectionMode, "max_user_id", u.row.MaxUserID)

	if len(loginData.Chats) > 0 {
		go u.syncChats(context.Background(), loginData.Chats)
	}
	if len(loginData.Contacts) > 0 {
		go u.syncContacts(context.Background(), loginData.Contacts)
	}
	return nil
}

// Disconnect detaches the live client without touching credentials.
func (u *User) Disconnect() error {
	u.mu.Lock()
	client := u.Client
	u.Client = nil
	u.loginData = nil
	u.mu.Unlock()
	if client == nil {
		return nil
	}
	u.engine.metrics.SetConnected(false)
	return client.Disconnect()
}

// Logout drops the session and clears persisted credentials.
func (u *User) Logout(ctx context.Context) error {
	if err := u.Disconnect(); err != nil {
		u.log.Warn("disconnect during logout failed", "error", err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.row.ConnectionMode = ""
	u.row.BotToken = ""
	u.row.MaxToken = ""
	return u.persist(ctx)
}

// resolveChat fetches chat info and, for dialogs, derives the peer from the
// participants and the contacts map. Best effort; returns nil on failure.
func (u *User) resolveChat(ctx context.Context, chatID int64) *maxapi.MaxChat {
	u.mu.Lock()
	client := u.Client
	u.mu.Unlock()
	if client == nil {
		return nil
	}
	chat, err := client.GetChat(ctx, chatID)
	if err != nil || chat == nil {
		return nil
	}
	u.attachDialogPeer(ctx, chat, nil)
	return chat
}

// attachDialogPeer fills chat.DialogWithUser from the participant set.
// rawParticipants may come from the login chat list; when nil the peer is
// looked up via the client.
func (u *User) attachDialogPeer(ctx context.Context, chat *maxapi.MaxChat, participants []int64) {
	if chat.Type != maxapi.ChatDialog || chat.DialogWithUser != nil {
		return
	}
	self := u.MaxUserID()
	var peerID int64
	for _, id := range participants {
		if id != self {
			peerID = id
			break
		}
	}
	if peerID == 0 {
		u.mu.Lock()
		client := u.Client
		u.mu.Unlock()
		if client == nil {
			return
		}
		members, err := client.GetChatMembers(ctx, chat.ID)
		if err != nil {
			return
		}
		for _, m := range members {
			if m.ID != self {
				peerID = m.ID
				break
			}
		}
	}
	if peerID == 0 {
		return
	}
	if contact, ok := u.Contacts()[peerID]; ok {
		chat.DialogWithUser = contact
		return
	}
	chat.DialogWithUser = &maxapi.MaxUser{ID: peerID, Name: fmt.Sprintf("%d", peerID)}
}

// syncChats walks the login handshake's chat list, creating portals and
// upgrading placeholder names.
func (u *User) syncChats(ctx context.Context, rawChats []json.RawMessage) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	for _, raw := range rawChats {
		chat, participants, err := decodeLoginChat(raw)
		if err != nil {
			u.log.Warn("skipping undecodable chat in login response", "error", err)
			continue
		}
		u.attachDialogPeer(ctx, chat, participants)

		portal, err := u.engine.GetPortalByChatID(ctx, chat.ID, true)
		if err != nil {
			u.log.Warn("failed to load portal during chat sync", "chat_id", chat.ID, "error", err)
			continue
		}
		if err := portal.EnsureRoom(ctx, u, chat); err != nil {
			u.log.Warn("failed to sync chat", "chat_id", chat.ID, "error", err)
		}
	}
	u.log.Debug("chat sync complete", "chats", len(rawChats))
}

// syncContacts refreshes every non-self ghost's profile.
func (u *User) syncContacts(ctx context.Context, contacts map[int64]*maxapi.MaxUser) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	self := u.MaxUserID()
	for id, contact := range contacts {
		if id == self || contact == nil {
			continue
		}
		if _, err := u.engine.puppets.UpdateInfo(ctx, contact); err != nil {
			u.log.Warn("failed to sync contact ghost", "max_user_id", id, "error", err)
		}
	}
}

// decodeLoginChat parses one raw chat entry from the login response. The id
// may be chat_id, chatId, or id; participants come in several shapes.
func decodeLoginChat(raw json.RawMessage) (*maxapi.MaxChat, []int64, error) {
	var probe struct {
		ChatID       int64           `json:"chat_id"`
		ChatIDCamel  int64           `json:"chatId"`
		ID           int64           `json:"id"`
		Type         string          `json:"type"`
		Title        string          `json:"title"`
		Participants json.RawMessage `json:"participants"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil, err
	}
	id := probe.ChatID
	if id == 0 {
		id = probe.ChatIDCamel
	}
	if id == 0 {
		id = probe.ID
	}
	if id == 0 {
		return nil, nil, fmt.Errorf("chat entry has no id")
	}
	chat := &maxapi.MaxChat{
		ID:    id,
		Type:  maxapi.ChatType(probe.Type),
		Title: probe.Title,
	}
	if chat.Type == "" {
		chat.Type = maxapi.ChatDialog
	}
	var participants []int64
	if len(probe.Participants) > 0 {
		participants = maxapi.ParseParticipants(probe.Participants)
	}
	return chat, participants, nil
}

// onMaxEvent is the client's event callback. Handler panics or errors must
// never unwind into the client's read loop.
func (u *User) onMaxEvent(evt *maxapi.MaxEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := u.engine.HandleMaxEvent(ctx, u, evt); err != nil {
		u.log.Error("failed to handle max event",
			"type", evt.Type, "chat_id", evt.ChatID, "error", err)
	}
}
