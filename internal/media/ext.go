package media

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/starford/timesnap/internal/apperr"
)

var extRe = regexp.MustCompile(`^[a-z0-9]{1,10}$`)

// NormalizeExt lowercases ext and strips a leading dot. An empty extension
// becomes "bin".
func NormalizeExt(ext string) (string, error) {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if ext == "" {
		return "bin", nil
	}
	if !extRe.MatchString(ext) {
		return "", fmt.Errorf("media: invalid extension %q: %w", ext, apperr.ErrInvalid)
	}
	return ext, nil
}

// mimeToExt maps capture/upload MIME types to stored extensions.
var mimeToExt = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/webp":      "webp",
	"image/heic":      "heic",
	"video/mp4":       "mp4",
	"video/quicktime": "mov",
	"video/webm":      "webm",
	"audio/mp4":       "m4a",
	"audio/x-m4a":     "m4a",
	"audio/mpeg":      "mp3",
	"audio/wav":       "wav",
	"audio/aac":       "aac",
	"audio/ogg":       "ogg",
}

// ExtForMIME returns the extension for a MIME type, or "" when unknown.
func ExtForMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(strings.Split(mime, ";")[0]))
	return mimeToExt[mime]
}

// Kind is the coarse content family detected from file bytes.
type Kind string

const (
	KindUnknown Kind = ""
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
	KindAudio   Kind = "audio"
)

// DetectKind sniffs the leading bytes of data. ISO base media files
// (mp4/mov/m4a share the "ftyp" box) are classified by their brand.
func DetectKind(data []byte) Kind {
	if len(data) >= 12 && string(data[4:8]) == "ftyp" {
		switch string(data[8:12]) {
		case "M4A ", "M4B ", "M4P ":
			return KindAudio
		default:
			return KindVideo
		}
	}
	detected := strings.Split(http.DetectContentType(data), ";")[0]
	switch {
	case strings.HasPrefix(detected, "image/"):
		return KindImage
	case strings.HasPrefix(detected, "video/"):
		return KindVideo
	case strings.HasPrefix(detected, "audio/"), detected == "application/ogg":
		return KindAudio
	}
	return KindUnknown
}
