package generators

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 60), B: 128, A: 255})
		}
	}
	return img
}

func TestFirstImagePNG_PassesPNGThrough(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage()))

	out, err := FirstImagePNG([][]byte{buf.Bytes(), []byte("ignored")})
	require.NoError(t, err)
	assert.Equal(t, buf.Bytes(), out)
}

func TestFirstImagePNG_ReencodesJPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(), nil))

	out, err := FirstImagePNG([][]byte{buf.Bytes()})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
}

func TestFirstImagePNG_Errors(t *testing.T) {
	_, err := FirstImagePNG(nil)
	assert.ErrorIs(t, err, ErrNoImages)

	_, err = FirstImagePNG([][]byte{[]byte("not an image")})
	assert.Error(t, err)
}

func TestPNGDataURI(t *testing.T) {
	uri := PNGDataURI([]byte{0x89, 'P', 'N', 'G'})
	require.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, "data:image/png;base64,"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, decoded)
}
