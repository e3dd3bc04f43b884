package bridge

import "context"

// MatrixEvent represents an incoming Matrix event received via the AS API.
type MatrixEvent struct {
	ID        string
	Type      string // e.g. "m.room.message", "m.room.redaction"
	RoomID    string
	Sender    string
	Content   map[string]interface{}
	Timestamp int64
	Redacts   string // set for m.room.redaction events
}

// MatrixClient abstracts Matrix homeserver operations needed by the bridge.
// Ghost operations take the acting user id; the implementation impersonates
// that ghost through the appservice token.
type MatrixClient interface {
	// EnsureRegistered registers a ghost user if not already registered.
	EnsureRegistered(ctx context.Context, userID string) error
	// SetDisplayName sets the display name for a ghost user.
	SetDisplayName(ctx context.Context, userID, name string) error
	// SetAvatarURL sets the avatar for a ghost user via MXC URI.
	SetAvatarURL(ctx context.Context, userID, mxcURI string) error
	// UploadMedia uploads media data and returns an MXC URI.
	UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (string, error)
	// DownloadMedia fetches media bytes for an MXC URI.
	DownloadMedia(ctx context.Context, mxcURI string) ([]byte, error)
	// SendMessage sends a Matrix event to a room on behalf of a user.
	SendMessage(ctx context.Context, roomID, senderUserID, eventType string, content interface{}) (string, error)
	// RedactEvent redacts a Matrix event on behalf of a user.
	RedactEvent(ctx context.Context, roomID, senderUserID, eventID, reason string) error
	// CreateRoom creates a new Matrix room and returns the room ID.
	CreateRoom(ctx context.Context, req *CreateRoomRequest) (string, error)
	// InviteToRoom invites a user to a room.
	InviteToRoom(ctx context.Context, roomID, userID string) error
	// JoinRoom makes a ghost join a room.
	JoinRoom(ctx context.Context, userID, roomID string) error
	// SetRoomName sets the name of a room.
	SetRoomName(ctx context.Context, roomID, name string) error
	// SetTyping sends a typing indicator for a ghost in a room.
	SetTyping(ctx context.Context, roomID, userID string, typing bool, timeoutMS int) error
	// SendReadReceipt sends a read receipt for an event as a ghost.
	SendReadReceipt(ctx context.Context, roomID, userID, eventID string) error
}

// CreateRoomRequest describes a room to be created.
type CreateRoomRequest struct {
	Name        string
	Topic       string
	IsDirect    bool
	Invite      []string
	IsEncrypted bool
}
