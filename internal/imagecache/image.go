package imagecache

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	errEmptyPayload   = errors.New("empty payload")
	errNotAnImage     = errors.New("payload is not an image")
	errEmptyCacheKey  = errors.New("image url is required")
	errUnexpectedCode = errors.New("unexpected status code")
)

// Image is a validated image payload together with its decoded header.
type Image struct {
	Data        []byte
	ContentType string
	Format      string
	Width       int
	Height      int
}

// Cost is the number of bytes the image occupies in the memory tier.
func (img Image) Cost() int64 {
	return int64(len(img.Data))
}

// DecodeError reports bytes that could not be decoded as an image.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("imagecache: decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// TransportError reports a failed retrieval from the image host.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("imagecache: fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("imagecache: fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Decode sniffs the payload and decodes its header, rejecting anything that is not a supported image.
func Decode(data []byte) (Image, error) {
	if len(data) == 0 {
		return Image{}, errEmptyPayload
	}
	detected := mimetype.Detect(data)
	if !strings.HasPrefix(detected.String(), "image/") {
		return Image{}, fmt.Errorf("%w: detected %s", errNotAnImage, detected.String())
	}
	config, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", errNotAnImage, err)
	}
	return Image{
		Data:        data,
		ContentType: detected.String(),
		Format:      format,
		Width:       config.Width,
		Height:      config.Height,
	}, nil
}
