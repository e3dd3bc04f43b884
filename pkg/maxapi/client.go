package maxapi

import (
	"context"
	"encoding/json"
)

// ConnectionMode selects which Max API a session speaks.
type ConnectionMode string

const (
	ModeBot  ConnectionMode = "bot"
	ModeUser ConnectionMode = "user"
)

// SendOptions carries optional parameters for SendMessage.
type SendOptions struct {
	// ReplyTo is the Max message id being replied to.
	ReplyTo string
	// Attachments are outbound attachment descriptors (type + upload token).
	Attachments []OutboundAttachment
}

// OutboundAttachment is the wire shape of an attachment being sent.
type OutboundAttachment struct {
	Type     string            `json:"type"`
	Payload  map[string]string `json:"payload"`
	Filename string            `json:"filename,omitempty"`
}

// LoginData is what a successful connect handshake yields. The Bot API fills
// only Me; the User API token login also returns a refreshed token, a bounded
// recent chat list, and a contacts map.
type LoginData struct {
	Me       *MaxUser
	Token    string
	Chats    []json.RawMessage
	Contacts map[int64]*MaxUser
}

// Client is the capability contract shared by the Bot and User clients.
// Operations a mode cannot perform are no-ops that callers tolerate.
type Client interface {
	// Connect authenticates and starts event delivery. The handler must be
	// registered before Connect.
	Connect(ctx context.Context) (*LoginData, error)
	// Disconnect stops event delivery and closes the connection.
	Disconnect() error
	// IsConnected reports whether the event stream is live.
	IsConnected() bool
	// SetEventHandler registers the callback for normalized events.
	SetEventHandler(handler EventHandler)

	SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) (*MaxMessage, error)
	EditMessage(ctx context.Context, messageID, text string) error
	DeleteMessage(ctx context.Context, messageID string) error

	GetChat(ctx context.Context, chatID int64) (*MaxChat, error)
	GetChatMembers(ctx context.Context, chatID int64) ([]*MaxUser, error)
	GetUserInfo(ctx context.Context, userID int64) (*MaxUser, error)

	DownloadMedia(ctx context.Context, url string) ([]byte, error)
	UploadMedia(ctx context.Context, data []byte, filename, contentType string) (string, error)

	AddReaction(ctx context.Context, chatID int64, messageID, emoji string) error
	RemoveReaction(ctx context.Context, chatID int64, messageID string) error
	MarkAsRead(ctx context.Context, chatID int64, messageID string) error
}
