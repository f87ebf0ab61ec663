package util

import (
	"path"
	"strings"
)

// RenderMessage substitutes the contact placeholders. Both the Portuguese and
// the English spellings are accepted.
func RenderMessage(tmpl, name, phone string) string {
	return strings.NewReplacer(
		"{{nome}}", name,
		"{{name}}", name,
		"{{telefone}}", phone,
		"{{phone}}", phone,
	).Replace(tmpl)
}

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

var videoExtensions = map[string]bool{"mp4": true, "mov": true, "avi": true}

// MediaKindForURL infers the media type from the file extension; anything that
// is not a known video extension is sent as an image.
func MediaKindForURL(mediaURL string) MediaKind {
	u := mediaURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(u), "."))
	if videoExtensions[ext] {
		return MediaVideo
	}
	return MediaImage
}
