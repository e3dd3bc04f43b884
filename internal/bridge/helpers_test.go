package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mergechat/mautrix-max/internal/config"
	"github.com/mergechat/mautrix-max/internal/database"
	"github.com/mergechat/mautrix-max/internal/message"
	"github.com/mergechat/mautrix-max/pkg/maxapi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Homeserver.Address = "https://matrix.x"
	cfg.Homeserver.Domain = "x"
	cfg.AppService.Bot.Username = "maxbot"
	cfg.AppService.ASToken = "as_token"
	cfg.AppService.HSToken = "hs_token"
	cfg.Bridge.UsernameTemplate = "max_{userid}"
	cfg.Bridge.DisplaynameTemplate = "{displayname} (Max)"
	cfg.Bridge.MessageHandling.SendReadReceipts = true
	cfg.Bridge.MessageHandling.BridgeTyping = true
	cfg.Max.ConnectionMode = "user"
	return cfg
}

// sentEvent records one SendMessage call on the fake Matrix client.
type sentEvent struct {
	RoomID    string
	Sender    string
	EventType string
	Content   map[string]interface{}
}

// fakeMatrix is an in-memory MatrixClient that records every call.
type fakeMatrix struct {
	mu          sync.Mutex
	sent        []sentEvent
	redactions  []string
	createdRoom *CreateRoomRequest
	roomID      string
	joined      []string
	invited     []string
	renames     map[string]string
	receipts    []string
	nextEventID int
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{roomID: "!room:x", renames: make(map[string]string)}
}

func (f *fakeMatrix) EnsureRegistered(ctx context.Context, userID string) error { return nil }
func (f *fakeMatrix) SetDisplayName(ctx context.Context, userID, name string) error {
	return nil
}
func (f *fakeMatrix) SetAvatarURL(ctx context.Context, userID, mxcURI string) error { return nil }
func (f *fakeMatrix) UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (string, error) {
	return "mxc://x/uploaded", nil
}
func (f *fakeMatrix) DownloadMedia(ctx context.Context, mxcURI string) ([]byte, error) {
	return []byte("media-bytes"), nil
}

func (f *fakeMatrix) SendMessage(ctx context.Context, roomID, senderUserID, eventType string, content interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextEventID++
	m, _ := content.(map[string]interface{})
	f.sent = append(f.sent, sentEvent{RoomID: roomID, Sender: senderUserID, EventType: eventType, Content: m})
	return fmt.Sprintf("$evt%d:x", f.nextEventID), nil
}

func (f *fakeMatrix) RedactEvent(ctx context.Context, roomID, senderUserID, eventID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redactions = append(f.redactions, eventID)
	return nil
}

func (f *fakeMatrix) CreateRoom(ctx context.Context, req *CreateRoomRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdRoom = req
	return f.roomID, nil
}

func (f *fakeMatrix) InviteToRoom(ctx context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invited = append(f.invited, userID)
	return nil
}

func (f *fakeMatrix) JoinRoom(ctx context.Context, userID, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, userID)
	return nil
}

func (f *fakeMatrix) SetRoomName(ctx context.Context, roomID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renames[roomID] = name
	return nil
}

func (f *fakeMatrix) SetTyping(ctx context.Context, roomID, userID string, typing bool, timeoutMS int) error {
	return nil
}

func (f *fakeMatrix) SendReadReceipt(ctx context.Context, roomID, userID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, eventID)
	return nil
}

func (f *fakeMatrix) sentEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

// fakeMaxClient is an in-memory maxapi.Client.
type fakeMaxClient struct {
	mu        sync.Mutex
	connected bool
	handler   maxapi.EventHandler

	chat    *maxapi.MaxChat
	members []*maxapi.MaxUser

	sentTexts []string
	sentOpts  []*maxapi.SendOptions
	nextMsgID string

	edits     map[string]string
	deletions []string
	reactions map[string]string
	reads     []string
}

func newFakeMaxClient() *fakeMaxClient {
	return &fakeMaxClient{
		connected: true,
		nextMsgID: "c",
		edits:     make(map[string]string),
		reactions: make(map[string]string),
	}
}

var _ maxapi.Client = (*fakeMaxClient)(nil)

func (f *fakeMaxClient) Connect(ctx context.Context) (*maxapi.LoginData, error) {
	f.connected = true
	return &maxapi.LoginData{}, nil
}
func (f *fakeMaxClient) Disconnect() error                           { f.connected = false; return nil }
func (f *fakeMaxClient) IsConnected() bool                           { return f.connected }
func (f *fakeMaxClient) SetEventHandler(handler maxapi.EventHandler) { f.handler = handler }

func (f *fakeMaxClient) SendMessage(ctx context.Context, chatID int64, text string, opts *maxapi.SendOptions) (*maxapi.MaxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTexts = append(f.sentTexts, text)
	f.sentOpts = append(f.sentOpts, opts)
	return &maxapi.MaxMessage{ID: f.nextMsgID, Timestamp: 1000}, nil
}

func (f *fakeMaxClient) EditMessage(ctx context.Context, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[messageID] = text
	return nil
}

func (f *fakeMaxClient) DeleteMessage(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletions = append(f.deletions, messageID)
	return nil
}

func (f *fakeMaxClient) GetChat(ctx context.Context, chatID int64) (*maxapi.MaxChat, error) {
	if f.chat != nil {
		return f.chat, nil
	}
	return &maxapi.MaxChat{ID: chatID, Type: maxapi.ChatDialog}, nil
}

func (f *fakeMaxClient) GetChatMembers(ctx context.Context, chatID int64) ([]*maxapi.MaxUser, error) {
	return f.members, nil
}

func (f *fakeMaxClient) GetUserInfo(ctx context.Context, userID int64) (*maxapi.MaxUser, error) {
	for _, m := range f.members {
		if m.ID == userID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("user %d not found", userID)
}

func (f *fakeMaxClient) DownloadMedia(ctx context.Context, url string) ([]byte, error) {
	return []byte("max-media"), nil
}

func (f *fakeMaxClient) UploadMedia(ctx context.Context, data []byte, filename, contentType string) (string, error) {
	return "upload-token", nil
}

func (f *fakeMaxClient) AddReaction(ctx context.Context, chatID int64, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions[messageID] = emoji
	return nil
}

func (f *fakeMaxClient) RemoveReaction(ctx context.Context, chatID int64, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reactions, messageID)
	return nil
}

func (f *fakeMaxClient) MarkAsRead(ctx context.Context, chatID int64, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, messageID)
	return nil
}

// fakeTransport satisfies message.MediaTransport without network access.
type fakeTransport struct{}

func (fakeTransport) DownloadMedia(ctx context.Context, url string) ([]byte, error) {
	return []byte("bytes"), nil
}

func (fakeTransport) UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (string, error) {
	return "mxc://x/media", nil
}

// newTestEngine builds an Engine over sqlmock with fake Matrix and metrics.
func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *fakeMatrix) {
	t.Helper()
	rawDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { rawDB.Close() })

	log := testLogger()
	cfg := testConfig()
	db := database.Wrap(rawDB)
	matrix := newFakeMatrix()
	metrics := NewMetrics()
	puppets := NewPuppetManager(log, cfg, db.Puppet, matrix, metrics,
		func(ctx context.Context, url string) ([]byte, error) { return []byte("avatar"), nil })
	processor := message.NewProcessor(log, fakeTransport{})

	return NewEngine(log, cfg, db, matrix, processor, metrics, puppets), mock, matrix
}

// newTestUser attaches a connected fake client to a user session.
func newTestUser(engine *Engine, mxid string, maxUserID int64, client *fakeMaxClient) *User {
	u := newUser(engine, &database.User{
		MXID:           mxid,
		MaxUserID:      maxUserID,
		MaxToken:       "tok",
		ConnectionMode: "user",
	})
	u.Client = client
	engine.mu.Lock()
	engine.users[mxid] = u
	engine.mu.Unlock()
	return u
}
