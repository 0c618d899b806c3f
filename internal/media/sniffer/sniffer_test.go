package sniffer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chitram/api/internal/media/sniffer"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		mime string
		ext  string
	}{
		{"jpeg", []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, "image/jpeg", "jpg"},
		{"png", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), "image/png", "png"},
		{"gif", []byte("GIF89a\x01\x00\x01\x00"), "image/gif", "gif"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := sniffer.Detect(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.mime, res.MIME)
			assert.Equal(t, tt.ext, res.Extension)
		})
	}
}

func TestDetectRejectsNonImages(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("hello world"), []byte("%PDF-1.7\n")} {
		_, err := sniffer.Detect(data)
		assert.ErrorIs(t, err, sniffer.ErrUnknownType)
	}
}

func TestMimeTypeFromHeader(t *testing.T) {
	assert.Equal(t, "image/png", sniffer.MimeTypeFromHeader("Image/PNG; charset=binary"))
	assert.Equal(t, "", sniffer.MimeTypeFromHeader(""))
}
