package maxapi

import (
	"encoding/json"
	"sort"
	"testing"
)

func TestParseUser(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantID   int64
		wantName string
	}{
		{"bare int", `12345`, 12345, "12345"},
		{"snake case object", `{"user_id": 7, "name": "Alice"}`, 7, "Alice"},
		{"camel case object", `{"userId": 8, "firstName": "Bob"}`, 8, "Bob"},
		{"contact style id", `{"id": 9, "name": "Carol"}`, 9, "Carol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := ParseUser(json.RawMessage(tt.input))
			if user == nil {
				t.Fatal("ParseUser returned nil")
			}
			if user.ID != tt.wantID {
				t.Errorf("ID = %d, want %d", user.ID, tt.wantID)
			}
			if user.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", user.Name, tt.wantName)
			}
		})
	}
}

func TestMessageBodyUnmarshal(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantText string
	}{
		{"bare string", `"hello"`, "hello"},
		{"object", `{"text": "hello"}`, "hello"},
		{"object with attachments", `{"text": "hi", "attachments": [{"type": "photo"}]}`, "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body MessageBody
			if err := json.Unmarshal([]byte(tt.input), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", body.Text, tt.wantText)
			}
		})
	}
}

func TestParseMessageIDVariants(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"mid", `{"mid": "m1"}`, "m1"},
		{"id", `{"id": "m2"}`, "m2"},
		{"messageId", `{"messageId": "m3"}`, "m3"},
		{"numeric id", `{"id": 42}`, "42"},
		{"mid inside body", `{"body": {"mid": "m4", "text": "x"}}`, "m4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := ParseMessage(json.RawMessage(tt.input))
			if msg == nil {
				t.Fatal("ParseMessage returned nil")
			}
			if msg.ID != tt.want {
				t.Errorf("ID = %q, want %q", msg.ID, tt.want)
			}
		})
	}
}

func TestParseMessageSenderAndBody(t *testing.T) {
	msg := ParseMessage(json.RawMessage(`{"mid": "m1", "sender": 99, "body": "plain text"}`))
	if msg == nil {
		t.Fatal("ParseMessage returned nil")
	}
	if msg.Sender == nil || msg.Sender.ID != 99 {
		t.Errorf("Sender = %+v, want ID 99", msg.Sender)
	}
	if msg.Text() != "plain text" {
		t.Errorf("Text() = %q, want %q", msg.Text(), "plain text")
	}

	msg2 := ParseMessage(json.RawMessage(`{"mid": "m2", "sender": {"userId": 5, "name": "Eve"}, "body": {"text": "plain text"}}`))
	if msg2.Sender == nil || msg2.Sender.ID != 5 || msg2.Sender.Name != "Eve" {
		t.Errorf("Sender = %+v, want ID 5 name Eve", msg2.Sender)
	}
	if msg2.Text() != msg.Text() {
		t.Errorf("string body and object body disagree: %q vs %q", msg.Text(), msg2.Text())
	}
}

func TestMaxMessageReplyTo(t *testing.T) {
	reply := &MaxMessage{Link: &LinkedMessage{Type: "reply", Mid: "orig"}}
	if got := reply.ReplyTo(); got != "orig" {
		t.Errorf("ReplyTo() = %q, want %q", got, "orig")
	}
	forward := &MaxMessage{Link: &LinkedMessage{Type: "forward", Mid: "orig"}}
	if got := forward.ReplyTo(); got != "" {
		t.Errorf("ReplyTo() on forward = %q, want empty", got)
	}
}

func TestBestPhotoURL(t *testing.T) {
	tests := []struct {
		name string
		att  MaxAttachment
		want string
	}{
		{
			"prefers original",
			MaxAttachment{Photos: map[string]MaxPhoto{
				"small":    {URL: "s"},
				"original": {URL: "o"},
				"large":    {URL: "l"},
			}},
			"o",
		},
		{
			"falls back through sizes",
			MaxAttachment{Photos: map[string]MaxPhoto{"medium": {URL: "m"}, "small": {URL: "s"}}},
			"m",
		},
		{
			"uses url without photos",
			MaxAttachment{URL: "direct"},
			"direct",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.att.BestPhotoURL(); got != tt.want {
				t.Errorf("BestPhotoURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAttachmentPayloadUnwrap(t *testing.T) {
	input := `{"type": "file", "payload": {"token": "tok123", "url": "http://f"}, "filename": "doc.pdf"}`
	var att MaxAttachment
	if err := json.Unmarshal([]byte(input), &att); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if att.Type != AttachmentFile {
		t.Errorf("Type = %q, want file", att.Type)
	}
	if att.Token != "tok123" {
		t.Errorf("Token = %q, want tok123", att.Token)
	}
	if att.URL != "http://f" {
		t.Errorf("URL = %q, want http://f", att.URL)
	}
	if att.Filename != "doc.pdf" {
		t.Errorf("Filename = %q, want doc.pdf", att.Filename)
	}
}

func TestParseParticipants(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"map of id to last read", `{"100": 1700000000, "200": 0}`},
		{"list of objects", `[{"userId": 100}, {"user_id": 200}]`},
		{"list of ints", `[100, 200]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := ParseParticipants(json.RawMessage(tt.input))
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			if len(ids) != 2 || ids[0] != 100 || ids[1] != 200 {
				t.Errorf("ParseParticipants(%s) = %v, want [100 200]", tt.input, ids)
			}
		})
	}
}

func TestParseContacts(t *testing.T) {
	asMap := `{"200": {"names": [{"name": "Bob"}], "baseUrl": "http://avatar"}}`
	contacts := ParseContacts(json.RawMessage(asMap))
	bob, ok := contacts[200]
	if !ok {
		t.Fatal("contact 200 missing from map form")
	}
	if bob.Name != "Bob" || bob.AvatarURL != "http://avatar" {
		t.Errorf("contact = %+v, want name Bob avatar http://avatar", bob)
	}

	asList := `[{"id": 300, "name": "Carol", "username": "carol"}]`
	contacts = ParseContacts(json.RawMessage(asList))
	carol, ok := contacts[300]
	if !ok {
		t.Fatal("contact 300 missing from list form")
	}
	if carol.Name != "Carol" || carol.Username != "carol" {
		t.Errorf("contact = %+v, want name Carol username carol", carol)
	}
}

func TestChatDisplayTitle(t *testing.T) {
	dialog := &MaxChat{ID: 1, Type: ChatDialog, DialogWithUser: &MaxUser{ID: 2, Name: "Bob"}}
	if got := dialog.DisplayTitle(); got != "Bob" {
		t.Errorf("DisplayTitle() = %q, want Bob", got)
	}
	group := &MaxChat{ID: 5, Type: ChatGroup, Title: "Team"}
	if got := group.DisplayTitle(); got != "Team" {
		t.Errorf("DisplayTitle() = %q, want Team", got)
	}
	bare := &MaxChat{ID: 5}
	if got := bare.DisplayTitle(); got != "Chat 5" {
		t.Errorf("DisplayTitle() = %q, want Chat 5", got)
	}
}

func TestAttachmentTypeIsPhoto(t *testing.T) {
	if !AttachmentPhoto.IsPhoto() || !AttachmentImage.IsPhoto() {
		t.Error("photo and image should both count as photos")
	}
	if AttachmentFile.IsPhoto() {
		t.Error("file should not count as a photo")
	}
}
