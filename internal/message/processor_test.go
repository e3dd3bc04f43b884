package message

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mergechat/mautrix-max/pkg/maxapi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMedia is a MediaTransport with scriptable failures.
type fakeMedia struct {
	downloaded  []string
	uploaded    []string
	downloadErr error
	uploadErr   error
	data        []byte
}

func (f *fakeMedia) DownloadMedia(_ context.Context, url string) ([]byte, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	f.downloaded = append(f.downloaded, url)
	if f.data != nil {
		return f.data, nil
	}
	return []byte("bytes"), nil
}

func (f *fakeMedia) UploadMedia(_ context.Context, data []byte, mimeType, fileName string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploaded = append(f.uploaded, fileName)
	return "mxc://example.com/abc", nil
}

func textMessage(text string) *maxapi.MaxMessage {
	return &maxapi.MaxMessage{
		ID:   "m1",
		Body: &maxapi.MessageBody{Text: text},
	}
}

func attachmentMessage(atts ...maxapi.MaxAttachment) *maxapi.MaxMessage {
	return &maxapi.MaxMessage{
		ID:   "m1",
		Body: &maxapi.MessageBody{Attachments: atts},
	}
}

func TestHTMLToPlain(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"line breaks", "one<br>two<br/>three", "one\ntwo\nthree"},
		{"bold and italics", "<b>bold</b> and <em>italic</em>", "*bold* and _italic_"},
		{"strong", "<strong>yes</strong>", "*yes*"},
		{"inline code", "run <code>go test</code> now", "run `go test` now"},
		{"pre block", "<pre><code>a\nb</code></pre>", "```\na\nb\n```"},
		{"link with text", `see <a href="https://max.ru">the site</a>`, "see the site (https://max.ru)"},
		{"link same text", `<a href="https://max.ru">https://max.ru</a>`, "https://max.ru"},
		{"mention pill", `hey <a href="https://matrix.to/#/@bob:x">Bob</a>`, "hey Bob"},
		{"entities", "a &amp; b &lt;c&gt;", "a & b <c>"},
		{"paragraphs", "<p>one</p><p>two</p>", "one\ntwo"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTMLToPlain(tc.in); got != tc.want {
				t.Errorf("HTMLToPlain(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestMatrixToMaxPrefersFormattedBody(t *testing.T) {
	p := NewProcessor(testLogger(), &fakeMedia{})
	got := p.MatrixToMax(map[string]interface{}{
		"msgtype":        "m.text",
		"body":           "see the site",
		"format":         "org.matrix.custom.html",
		"formatted_body": `see <a href="https://max.ru">the site</a>`,
	})
	if got != "see the site (https://max.ru)" {
		t.Errorf("MatrixToMax = %q", got)
	}
}

func TestMatrixToMaxEmote(t *testing.T) {
	p := NewProcessor(testLogger(), &fakeMedia{})
	got := p.MatrixToMax(map[string]interface{}{
		"msgtype": "m.emote",
		"body":    "waves",
	})
	if got != "* waves" {
		t.Errorf("MatrixToMax emote = %q", got)
	}
}

func TestMaxToMatrixText(t *testing.T) {
	p := NewProcessor(testLogger(), &fakeMedia{})
	out, err := p.MaxToMatrix(context.Background(), textMessage("hello\nworld"))
	if err != nil {
		t.Fatalf("MaxToMatrix: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d events, want 1", len(out))
	}
	c := out[0].Content
	if c["body"] != "hello\nworld" || c["msgtype"] != "m.text" {
		t.Errorf("content = %+v", c)
	}
	if c["formatted_body"] != "hello<br/>world" {
		t.Errorf("formatted_body = %v", c["formatted_body"])
	}
}

func TestMaxToMatrixEmptyMessage(t *testing.T) {
	p := NewProcessor(testLogger(), &fakeMedia{})
	out, err := p.MaxToMatrix(context.Background(), &maxapi.MaxMessage{ID: "m1"})
	if err != nil {
		t.Fatalf("MaxToMatrix: %v", err)
	}
	if out != nil {
		t.Errorf("got %d events, want none", len(out))
	}
}

func TestMaxToMatrixPhoto(t *testing.T) {
	media := &fakeMedia{}
	p := NewProcessor(testLogger(), media)
	msg := attachmentMessage(maxapi.MaxAttachment{
		Type: maxapi.AttachmentPhoto,
		Photos: map[string]maxapi.MaxPhoto{
			"small":    {URL: "https://cdn/small.jpg"},
			"original": {URL: "https://cdn/orig.jpg"},
		},
	})
	out, err := p.MaxToMatrix(context.Background(), msg)
	if err != nil {
		t.Fatalf("MaxToMatrix: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d events, want 1", len(out))
	}
	c := out[0].Content
	if c["msgtype"] != "m.image" || c["url"] != "mxc://example.com/abc" {
		t.Errorf("content = %+v", c)
	}
	if len(media.downloaded) != 1 || media.downloaded[0] != "https://cdn/orig.jpg" {
		t.Errorf("downloaded = %v, want original size", media.downloaded)
	}
}

func TestMaxToMatrixTextPlusAttachment(t *testing.T) {
	p := NewProcessor(testLogger(), &fakeMedia{})
	msg := &maxapi.MaxMessage{
		ID: "m1",
		Body: &maxapi.MessageBody{
			Text: "look",
			Attachments: []maxapi.MaxAttachment{
				{Type: maxapi.AttachmentFile, URL: "https://cdn/doc", Filename: "doc.pdf"},
			},
		},
	}
	out, err := p.MaxToMatrix(context.Background(), msg)
	if err != nil {
		t.Fatalf("MaxToMatrix: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d events, want text + file", len(out))
	}
	if out[0].Content["msgtype"] != "m.text" {
		t.Errorf("first event = %+v", out[0].Content)
	}
	if out[1].Content["msgtype"] != "m.file" || out[1].Content["body"] != "doc.pdf" {
		t.Errorf("second event = %+v", out[1].Content)
	}
}

func TestMaxToMatrixSticker(t *testing.T) {
	p := NewProcessor(testLogger(), &fakeMedia{})
	msg := attachmentMessage(maxapi.MaxAttachment{
		Type: maxapi.AttachmentSticker, URL: "https://cdn/st.webp",
	})
	out, err := p.MaxToMatrix(context.Background(), msg)
	if err != nil {
		t.Fatalf("MaxToMatrix: %v", err)
	}
	if len(out) != 1 || out[0].EventType != "m.sticker" {
		t.Fatalf("out = %+v", out)
	}
	if _, hasMsgtype := out[0].Content["msgtype"]; hasMsgtype {
		t.Error("m.sticker content should not carry msgtype")
	}
}

func TestMaxToMatrixVoiceFlag(t *testing.T) {
	p := NewProcessor(testLogger(), &fakeMedia{})
	msg := attachmentMessage(maxapi.MaxAttachment{
		Type: maxapi.AttachmentAudio, URL: "https://cdn/v.ogg",
	})
	out, err := p.MaxToMatrix(context.Background(), msg)
	if err != nil {
		t.Fatalf("MaxToMatrix: %v", err)
	}
	if len(out) != 1 || out[0].Content["msgtype"] != "m.audio" {
		t.Fatalf("out = %+v", out)
	}
	if _, ok := out[0].Content["org.matrix.msc3245.voice"]; !ok {
		t.Error("audio should carry the voice message flag")
	}
}

func TestMaxToMatrixLocation(t *testing.T) {
	p := NewProcessor(testLogger(), &fakeMedia{})
	msg := attachmentMessage(maxapi.MaxAttachment{
		Type: maxapi.AttachmentLocation, Latitude: 55.75, Longitude: 37.61,
	})
	out, err := p.MaxToMatrix(context.Background(), msg)
	if err != nil {
		t.Fatalf("MaxToMatrix: %v", err)
	}
	if len(out) != 1 || out[0].Content["msgtype"] != "m.location" {
		t.Fatalf("out = %+v", out)
	}
	geo, _ := out[0].Content["geo_uri"].(string)
	if !strings.HasPrefix(geo, "geo:55.75") {
		t.Errorf("geo_uri = %q", geo)
	}
}

func TestMaxToMatrixDownloadFailureFallsBack(t *testing.T) {
	media := &fakeMedia{downloadErr: errors.New("cdn down")}
	p := NewProcessor(testLogger(), media)
	msg := attachmentMessage(maxapi.MaxAttachment{
		Type: maxapi.AttachmentPhoto, URL: "https://cdn/p.jpg",
	})
	out, err := p.MaxToMatrix(context.Background(), msg)
	if err != nil {
		t.Fatalf("MaxToMatrix: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d events, want fallback notice", len(out))
	}
	c := out[0].Content
	if c["msgtype"] != "m.notice" || c["body"] != "[photo: https://cdn/p.jpg]" {
		t.Errorf("fallback = %+v", c)
	}
}

func TestMaxToMatrixUploadFailureFallsBack(t *testing.T) {
	media := &fakeMedia{uploadErr: errors.New("repo full")}
	p := NewProcessor(testLogger(), media)
	msg := attachmentMessage(maxapi.MaxAttachment{
		Type: maxapi.AttachmentFile, URL: "https://cdn/doc", Filename: "doc.pdf",
	})
	out, err := p.MaxToMatrix(context.Background(), msg)
	if err != nil {
		t.Fatalf("MaxToMatrix: %v", err)
	}
	if len(out) != 1 || out[0].Content["body"] != "[file: https://cdn/doc]" {
		t.Errorf("fallback = %+v", out)
	}
}
