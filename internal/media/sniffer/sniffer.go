package sniffer

import (
	"errors"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var ErrUnknownType = errors.New("unknown media type")

type Result struct {
	MIME      string
	Extension string
}

// Detect identifies an image format from its leading bytes. The declared
// Content-Type of an upload is never trusted for this.
func Detect(data []byte) (Result, error) {
	if len(data) == 0 {
		return Result{}, ErrUnknownType
	}

	mt := mimetype.Detect(data)
	mime := mt.String()
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = mime[:idx]
	}
	if !strings.HasPrefix(mime, "image/") {
		return Result{}, ErrUnknownType
	}

	ext := strings.TrimPrefix(mt.Extension(), ".")
	if ext == "" {
		ext = strings.TrimPrefix(mime, "image/")
	}
	return Result{MIME: mime, Extension: ext}, nil
}

// MimeTypeFromHeader strips parameters from a Content-Type value.
func MimeTypeFromHeader(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
