package maxapi

import (
	"fmt"
	"mime"
	"path/filepath"
)

// Max upload size limits.
const (
	MaxPhotoSize = 50 * 1024 * 1024
	MaxFileSize  = 256 * 1024 * 1024
	MaxVideoSize = 256 * 1024 * 1024
)

var supportedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

var supportedVideoTypes = map[string]bool{
	"video/mp4":       true,
	"video/quicktime": true,
	"video/webm":      true,
}

var supportedAudioTypes = map[string]bool{
	"audio/mpeg": true,
	"audio/ogg":  true,
	"audio/opus": true,
	"audio/aac":  true,
}

// GuessMimeType guesses a MIME type from a filename.
func GuessMimeType(filename string) string {
	if mimeType := mime.TypeByExtension(filepath.Ext(filename)); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}

// AttachmentTypeForMime maps a MIME type to the outbound attachment type
// string. The Bot API calls photos "image"; the User API calls them "photo".
func AttachmentTypeForMime(mimeType string, botAPI bool) string {
	switch {
	case supportedImageTypes[mimeType]:
		if botAPI {
			return "image"
		}
		return "photo"
	case supportedVideoTypes[mimeType]:
		return "video"
	case supportedAudioTypes[mimeType]:
		return "audio"
	default:
		return "file"
	}
}

// CheckFileSize returns an error when the payload exceeds Max's limits.
func CheckFileSize(size int64, mimeType string) error {
	switch {
	case supportedImageTypes[mimeType] && size > MaxPhotoSize:
		return fmt.Errorf("photo too large: %d bytes (max %d)", size, MaxPhotoSize)
	case supportedVideoTypes[mimeType] && size > MaxVideoSize:
		return fmt.Errorf("video too large: %d bytes (max %d)", size, MaxVideoSize)
	case size > MaxFileSize:
		return fmt.Errorf("file too large: %d bytes (max %d)", size, MaxFileSize)
	}
	return nil
}

// MakeAttachment builds an outbound attachment descriptor around an upload
// token. Filename is only carried for non-media types.
func MakeAttachment(token, mimeType, filename string, botAPI bool) OutboundAttachment {
	attType := AttachmentTypeForMime(mimeType, botAPI)
	att := OutboundAttachment{
		Type:    attType,
		Payload: map[string]string{"token": token},
	}
	if attType == "file" && filename != "" {
		att.Filename = filename
	}
	return att
}
