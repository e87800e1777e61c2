package storage

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DetectImage sniffs data and reports its type when it is a raster image.
// SVG is refused because it can carry script.
func DetectImage(data []byte) (string, bool) {
	detected := mimetype.Detect(data).String()
	return detected, IsRasterImage(detected)
}

// IsRasterImage reports whether contentType is an image/* type other than SVG.
func IsRasterImage(contentType string) bool {
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(media, "image/") && media != "image/svg+xml"
}
