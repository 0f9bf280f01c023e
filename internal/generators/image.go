package generators

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"net/http"

	_ "golang.org/x/image/webp"
)

const pngDataURIPrefix = "data:image/png;base64,"

// ErrNoImages is returned when a pipeline produced no output.
var ErrNoImages = errors.New("pipeline produced no images")

// FirstImagePNG returns the first image as PNG bytes, re-encoding other
// formats.
func FirstImagePNG(images [][]byte) ([]byte, error) {
	if len(images) == 0 || len(images[0]) == 0 {
		return nil, ErrNoImages
	}
	raw := images[0]
	if http.DetectContentType(raw) == "image/png" {
		return raw, nil
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode %s image as png: %w", format, err)
	}
	return buf.Bytes(), nil
}

// PNGDataURI embeds PNG bytes in a data URI.
func PNGDataURI(pngData []byte) string {
	return pngDataURIPrefix + base64.StdEncoding.EncodeToString(pngData)
}
