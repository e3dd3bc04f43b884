package maxapi

import (
	"encoding/json"
	"strconv"
)

// ChatType represents the kind of a Max chat.
type ChatType string

const (
	ChatDialog  ChatType = "dialog"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// AttachmentType represents Max attachment kinds. The Bot API calls photos
// "image" while the User API calls them "photo"; both are accepted.
type AttachmentType string

const (
	AttachmentPhoto    AttachmentType = "photo"
	AttachmentImage    AttachmentType = "image"
	AttachmentFile     AttachmentType = "file"
	AttachmentSticker  AttachmentType = "sticker"
	AttachmentVideo    AttachmentType = "video"
	AttachmentVoice    AttachmentType = "voice"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentContact  AttachmentType = "contact"
	AttachmentLocation AttachmentType = "location"
)

// IsPhoto reports whether the attachment is a photo under either API's name.
func (t AttachmentType) IsPhoto() bool {
	return t == AttachmentPhoto || t == AttachmentImage
}

// EventType represents normalized event kinds emitted by both clients.
type EventType string

const (
	EventMessageCreated   EventType = "message_created"
	EventMessageEdited    EventType = "message_edited"
	EventMessageRemoved   EventType = "message_removed"
	EventMessageCallback  EventType = "message_callback"
	EventBotStarted       EventType = "bot_started"
	EventBotAdded         EventType = "bot_added"
	EventBotRemoved       EventType = "bot_removed"
	EventUserAdded        EventType = "user_added"
	EventUserRemoved      EventType = "user_removed"
	EventChatTitleChanged EventType = "chat_title_changed"
	EventReadReceipt      EventType = "read_receipt"
	EventTyping           EventType = "typing"
	EventReactionChanged  EventType = "reaction_changed"
)

// MaxUser is a Max Messenger user.
type MaxUser struct {
	ID        int64  `json:"user_id"`
	Name      string `json:"name"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	IsBot     bool   `json:"is_bot,omitempty"`
}

// DisplayName returns the best human-readable name for the user.
func (u *MaxUser) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	if u.Username != "" {
		return u.Username
	}
	return strconv.FormatInt(u.ID, 10)
}

// ParseUser decodes a sender field that may be a bare integer user id or an
// object with either camelCase (User API) or snake_case (Bot API) keys.
func ParseUser(data json.RawMessage) *MaxUser {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var id int64
	if err := json.Unmarshal(data, &id); err == nil {
		return &MaxUser{ID: id, Name: strconv.FormatInt(id, 10)}
	}
	var raw struct {
		UserID    int64  `json:"user_id"`
		UserIDCC  int64  `json:"userId"`
		ID        int64  `json:"id"`
		Name      string `json:"name"`
		FirstName string `json:"firstName"`
		Username  string `json:"username"`
		AvatarURL string `json:"avatar_url"`
		AvatarCC  string `json:"avatarUrl"`
		IsBot     bool   `json:"is_bot"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	id = raw.UserID
	if id == 0 {
		id = raw.UserIDCC
	}
	if id == 0 {
		id = raw.ID
	}
	name := raw.Name
	if name == "" {
		name = raw.FirstName
	}
	avatar := raw.AvatarURL
	if avatar == "" {
		avatar = raw.AvatarCC
	}
	return &MaxUser{ID: id, Name: name, Username: raw.Username, AvatarURL: avatar, IsBot: raw.IsBot}
}

// MaxPhoto is one size variant of a photo attachment.
type MaxPhoto struct {
	URL    string `json:"url"`
	Token  string `json:"token,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// MaxAttachment is an attachment on a Max message. The Bot API wraps most
// attachment fields in a "payload" object; UnmarshalJSON flattens it.
type MaxAttachment struct {
	Type      AttachmentType      `json:"type"`
	Photos    map[string]MaxPhoto `json:"photos,omitempty"`
	URL       string              `json:"url,omitempty"`
	Token     string              `json:"token,omitempty"`
	FileID    int64               `json:"file_id,omitempty"`
	Filename  string              `json:"filename,omitempty"`
	MimeType  string              `json:"mime_type,omitempty"`
	Size      int64               `json:"size,omitempty"`
	StickerID string              `json:"sticker_id,omitempty"`
	Latitude  float64             `json:"latitude,omitempty"`
	Longitude float64             `json:"longitude,omitempty"`
}

func (a *MaxAttachment) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if payload, ok := raw["payload"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(payload, &inner); err == nil {
			for k, v := range inner {
				if k != "type" {
					raw[k] = v
				}
			}
		}
		delete(raw, "payload")
	}
	merged, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	type plain MaxAttachment
	var out plain
	if err := json.Unmarshal(merged, &out); err != nil {
		return err
	}
	*a = MaxAttachment(out)
	return nil
}

// BestPhotoURL returns the highest-resolution photo URL, preferring
// original > large > medium > small, then any available size, then URL.
func (a *MaxAttachment) BestPhotoURL() string {
	if len(a.Photos) == 0 {
		return a.URL
	}
	for _, key := range []string{"original", "large", "medium", "small"} {
		if p, ok := a.Photos[key]; ok {
			return p.URL
		}
	}
	for _, p := range a.Photos {
		return p.URL
	}
	return a.URL
}

// LinkedMessage is a reply or forward reference on a message.
type LinkedMessage struct {
	Type string `json:"type"`
	Mid  string `json:"mid"`
}

// MessageBody is the body of a Max message. The User API sometimes delivers
// it as a bare string instead of an object.
type MessageBody struct {
	Text        string          `json:"text"`
	Mid         string          `json:"mid,omitempty"`
	Attachments []MaxAttachment `json:"attachments,omitempty"`
}

func (b *MessageBody) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*b = MessageBody{Text: text}
		return nil
	}
	type plain MessageBody
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*b = MessageBody(out)
	return nil
}

// Recipient identifies where a message was delivered.
type Recipient struct {
	ChatID   int64    `json:"chat_id"`
	ChatType ChatType `json:"chat_type,omitempty"`
	UserID   int64    `json:"user_id,omitempty"`
}

// MaxMessage is a Max Messenger message.
type MaxMessage struct {
	ID        string         `json:"mid"`
	Timestamp int64          `json:"timestamp"`
	Sender    *MaxUser       `json:"sender,omitempty"`
	Recipient *Recipient     `json:"recipient,omitempty"`
	Body      *MessageBody   `json:"body,omitempty"`
	Link      *LinkedMessage `json:"link,omitempty"`
}

// Text returns the message text, or empty if there is no body.
func (m *MaxMessage) Text() string {
	if m.Body == nil {
		return ""
	}
	return m.Body.Text
}

// Attachments returns the typed attachment list, never nil.
func (m *MaxMessage) Attachments() []MaxAttachment {
	if m.Body == nil {
		return nil
	}
	return m.Body.Attachments
}

// ChatID returns the chat id from the recipient, or 0 if unknown.
func (m *MaxMessage) ChatID() int64 {
	if m.Recipient == nil {
		return 0
	}
	return m.Recipient.ChatID
}

// ReplyTo returns the replied-to message id when the link is a reply.
func (m *MaxMessage) ReplyTo() string {
	if m.Link != nil && m.Link.Type == "reply" {
		return m.Link.Mid
	}
	return ""
}

// MaxChat is a Max Messenger chat.
type MaxChat struct {
	ID             int64    `json:"chat_id"`
	Type           ChatType `json:"type"`
	Title          string   `json:"title,omitempty"`
	MembersCount   int      `json:"members_count,omitempty"`
	OwnerID        int64    `json:"owner_id,omitempty"`
	IsPublic       bool     `json:"is_public,omitempty"`
	Description    string   `json:"description,omitempty"`
	LastEventTime  int64    `json:"last_event_time,omitempty"`
	DialogWithUser *MaxUser `json:"-"`
}

// DisplayTitle returns the best room name for the chat.
func (c *MaxChat) DisplayTitle() string {
	if c.DialogWithUser != nil {
		return c.DialogWithUser.DisplayName()
	}
	if c.Title != "" {
		return c.Title
	}
	return "Chat " + strconv.FormatInt(c.ID, 10)
}

// MaxEvent is the normalized event shape emitted by both clients. Downstream
// code never branches on which client produced it.
type MaxEvent struct {
	Type      EventType
	ChatID    int64
	Message   *MaxMessage
	User      *MaxUser
	MessageID string
	NewText   string
	Reaction  string
	SenderID  int64
	Timestamp int64
}

// EventHandler receives normalized events from a client.
type EventHandler func(*MaxEvent)

// flexString decodes a value that may arrive as a JSON string or number.
func flexString(data json.RawMessage) string {
	if len(data) == 0 || string(data) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		return n.String()
	}
	return ""
}

// ParseMessage decodes a raw message object. It tolerates the message id
// appearing as mid, id, or messageId (top level or inside the body), the
// sender being a bare int or an object, and the body being a string or an
// object.
func ParseMessage(data json.RawMessage) *MaxMessage {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var raw struct {
		Mid        json.RawMessage `json:"mid"`
		ID         json.RawMessage `json:"id"`
		MessageID  json.RawMessage `json:"messageId"`
		MessageIDS json.RawMessage `json:"message_id"`
		Timestamp  int64           `json:"timestamp"`
		Sender     json.RawMessage `json:"sender"`
		From       json.RawMessage `json:"from"`
		Recipient  *Recipient      `json:"recipient"`
		Body       json.RawMessage `json:"body"`
		Text       json.RawMessage `json:"text"`
		Link       *LinkedMessage  `json:"link"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	id := flexString(raw.Mid)
	for _, alt := range []json.RawMessage{raw.ID, raw.MessageID, raw.MessageIDS} {
		if id != "" {
			break
		}
		id = flexString(alt)
	}
	var body *MessageBody
	if len(raw.Body) > 0 && string(raw.Body) != "null" {
		var b MessageBody
		if err := json.Unmarshal(raw.Body, &b); err == nil {
			body = &b
		}
	} else if len(raw.Text) > 0 && string(raw.Text) != "null" {
		body = &MessageBody{Text: flexString(raw.Text)}
	}
	if id == "" && body != nil {
		id = body.Mid
	}
	senderRaw := raw.Sender
	if len(senderRaw) == 0 || string(senderRaw) == "null" {
		senderRaw = raw.From
	}
	return &MaxMessage{
		ID:        id,
		Timestamp: raw.Timestamp,
		Sender:    ParseUser(senderRaw),
		Recipient: raw.Recipient,
		Body:      body,
		Link:      raw.Link,
	}
}

// ParseParticipants extracts the participant user ids of a chat. The field
// arrives in three shapes: a map of user id to last-read timestamp, a list of
// user objects, or a list of bare ids.
func ParseParticipants(data json.RawMessage) []int64 {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var byID map[string]json.RawMessage
	if err := json.Unmarshal(data, &byID); err == nil {
		ids := make([]int64, 0, len(byID))
		for key := range byID {
			if id, err := strconv.ParseInt(key, 10, 64); err == nil {
				ids = append(ids, id)
			}
		}
		return ids
	}
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return nil
	}
	ids := make([]int64, 0, len(list))
	for _, item := range list {
		var id int64
		if err := json.Unmarshal(item, &id); err == nil {
			ids = append(ids, id)
			continue
		}
		if user := ParseUser(item); user != nil && user.ID != 0 {
			ids = append(ids, user.ID)
		}
	}
	return ids
}
