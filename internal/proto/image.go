package proto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrUnsupportedImage is returned for images that are not JPEG or GIF.
var ErrUnsupportedImage = errors.New("proto: unsupported image format (use JPEG or GIF)")

// allowedImages lists the content types accepted for image messages.
var allowedImages = []string{"image/jpeg", "image/gif"}

// ImageDataURL sniffs data and returns it as a base64 data URL.
// The declared type always comes from the content, never a file name.
func ImageDataURL(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrUnsupportedImage
	}
	mt := mimetype.Detect(data)
	if !mt.Is(allowedImages[0]) && !mt.Is(allowedImages[1]) {
		return "", fmt.Errorf("%w: got %s", ErrUnsupportedImage, mt.String())
	}
	return "data:" + baseMIME(mt.String()) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// ParseDataURL decodes a base64 image data URL and checks that the payload
// really is an allowed image.
func ParseDataURL(s string) (contentType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, errors.New("not a data URL")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errors.New("data URL without payload")
	}
	contentType, ok = strings.CutSuffix(header, ";base64")
	if !ok {
		return "", nil, errors.New("data URL is not base64")
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data URL: %w", err)
	}
	mt := mimetype.Detect(data)
	if !mt.Is(allowedImages[0]) && !mt.Is(allowedImages[1]) {
		return "", nil, fmt.Errorf("%w: got %s", ErrUnsupportedImage, mt.String())
	}
	return contentType, data, nil
}

func baseMIME(s string) string {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		return s[:i]
	}
	return s
}
