package media

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/sakif/kittygram/internal/apperror"
)

// allowed is the set of photo formats Kittygram accepts, mapped to the
// file extension used in storage keys.
var allowed = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Allowed reports whether contentType (parameters ignored) is an accepted
// photo format.
func Allowed(contentType string) bool {
	_, ok := allowed[normalize(contentType)]
	return ok
}

// Sniff decides the stored content type of data.
//
// The bytes decide, not the client: data is identified by its magic
// numbers, and anything outside the allow-list is UnsupportedFormat. A
// declared type is only a cross-check. If the client declares a type that
// is not a photo format the upload is refused even when the bytes are
// fine; if it declares one photo format and sends another (a PNG labelled
// image/jpeg), the sniffed type wins. An empty or generic declaration
// (application/octet-stream) is treated as "not declared".
func Sniff(data []byte, declared string) (contentType, ext string, err error) {
	declared = normalize(declared)
	if declared != "" && declared != "application/octet-stream" {
		if _, ok := allowed[declared]; !ok {
			return "", "", apperror.UnsupportedFormat(declared)
		}
	}

	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		t := normalize(m.String())
		if ext, ok := allowed[t]; ok {
			return t, ext, nil
		}
	}
	return "", "", apperror.UnsupportedFormat(normalize(detected.String()))
}

func normalize(contentType string) string {
	if contentType == "" {
		return ""
	}
	t, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return t
}
