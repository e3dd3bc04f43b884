package message

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mergechat/mautrix-max/pkg/maxapi"
)

// MediaTransport covers the two sides of the media pipeline: pulling bytes
// off Max CDN URLs and pushing them into the Matrix content repository.
type MediaTransport interface {
	DownloadMedia(ctx context.Context, url string) ([]byte, error)
	UploadMedia(ctx context.Context, data []byte, mimeType, fileName string) (string, error)
}

// MatrixContent is one Matrix event produced from a Max message. A single
// Max message with attachments fans out into several events.
type MatrixContent struct {
	EventType string
	Content   map[string]interface{}
}

// Processor converts messages between Max and Matrix formats.
type Processor struct {
	log   *slog.Logger
	media MediaTransport
}

// NewProcessor creates a new message processor.
func NewProcessor(log *slog.Logger, media MediaTransport) *Processor {
	return &Processor{log: log, media: media}
}

// MaxToMatrix converts a Max message into the Matrix events it becomes:
// a text event when the body is non-empty, then one event per attachment.
func (p *Processor) MaxToMatrix(ctx context.Context, msg *maxapi.MaxMessage) ([]*MatrixContent, error) {
	var out []*MatrixContent

	if text := msg.Text(); text != "" {
		out = append(out, textContent("m.text", text))
	}

	for _, att := range msg.Attachments() {
		converted := p.convertAttachment(ctx, &att)
		if converted != nil {
			out = append(out, converted)
		}
	}

	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// MatrixToMax flattens Matrix event content into the plain text Max accepts.
// Formatted bodies win over the plain body because they carry link targets.
func (p *Processor) MatrixToMax(content map[string]interface{}) string {
	body, _ := content["body"].(string)
	format, _ := content["format"].(string)
	formatted, _ := content["formatted_body"].(string)
	if format == "org.matrix.custom.html" && formatted != "" {
		return HTMLToPlain(formatted)
	}
	if msgtype, _ := content["msgtype"].(string); msgtype == "m.emote" {
		return "* " + body
	}
	return body
}

func (p *Processor) convertAttachment(ctx context.Context, att *maxapi.MaxAttachment) *MatrixContent {
	switch {
	case att.Type.IsPhoto():
		return p.convertMedia(ctx, att, att.BestPhotoURL(), "m.image", "photo", "image.jpg")
	case att.Type == maxapi.AttachmentVideo:
		return p.convertMedia(ctx, att, att.URL, "m.video", "video", "video.mp4")
	case att.Type == maxapi.AttachmentAudio, att.Type == maxapi.AttachmentVoice:
		c := p.convertMedia(ctx, att, att.URL, "m.audio", "audio", "audio.ogg")
		if c != nil && c.Content["msgtype"] == "m.audio" {
			c.Content["org.matrix.msc3245.voice"] = map[string]interface{}{}
		}
		return c
	case att.Type == maxapi.AttachmentFile:
		return p.convertMedia(ctx, att, att.URL, "m.file", "file", "file")
	case att.Type == maxapi.AttachmentSticker:
		c := p.convertMedia(ctx, att, att.URL, "m.image", "sticker", "sticker.webp")
		if c != nil && c.Content["msgtype"] == "m.image" {
			delete(c.Content, "msgtype")
			c.EventType = "m.sticker"
		}
		return c
	case att.Type == maxapi.AttachmentLocation:
		return p.convertLocation(att)
	case att.Type == maxapi.AttachmentContact:
		return textContent("m.text", "[contact card]")
	default:
		p.log.Warn("unsupported max attachment type", "type", att.Type)
		return nil
	}
}

// convertMedia runs the download/re-upload pipeline. When either side
// fails the attachment degrades to a text event pointing at the source
// URL rather than dropping the message.
func (p *Processor) convertMedia(ctx context.Context, att *maxapi.MaxAttachment, url, msgtype, kind, defaultName string) *MatrixContent {
	if url == "" {
		p.log.Warn("max attachment has no url", "type", att.Type)
		return textContent("m.notice", fmt.Sprintf("[%s]", kind))
	}

	data, err := p.media.DownloadMedia(ctx, url)
	if err != nil {
		p.log.Warn("failed to download max media", "url", url, "error", err)
		return mediaFallback(kind, url)
	}

	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = maxapi.GuessMimeType(fileNameOrDefault(att.Filename, defaultName))
	}
	fileName := fileNameOrDefault(att.Filename, defaultName)

	mxc, err := p.media.UploadMedia(ctx, data, mimeType, fileName)
	if err != nil {
		p.log.Warn("failed to upload media to matrix", "error", err)
		return mediaFallback(kind, url)
	}

	content := map[string]interface{}{
		"msgtype": msgtype,
		"body":    fileName,
		"url":     mxc,
		"info": map[string]interface{}{
			"mimetype": mimeType,
			"size":     len(data),
		},
	}
	return &MatrixContent{EventType: "m.room.message", Content: content}
}

func (p *Processor) convertLocation(att *maxapi.MaxAttachment) *MatrixContent {
	geoURI := fmt.Sprintf("geo:%f,%f", att.Latitude, att.Longitude)
	return &MatrixContent{
		EventType: "m.room.message",
		Content: map[string]interface{}{
			"msgtype": "m.location",
			"body":    geoURI,
			"geo_uri": geoURI,
		},
	}
}

func textContent(msgtype, text string) *MatrixContent {
	content := map[string]interface{}{
		"msgtype": msgtype,
		"body":    text,
	}
	if html := PlainToHTML(text); html != "" {
		content["format"] = "org.matrix.custom.html"
		content["formatted_body"] = html
	}
	return &MatrixContent{EventType: "m.room.message", Content: content}
}

func mediaFallback(kind, url string) *MatrixContent {
	return textContent("m.notice", fmt.Sprintf("[%s: %s]", kind, url))
}

func fileNameOrDefault(name, fallback string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return fallback
}
