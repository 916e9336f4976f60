package frame

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidJPEG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestMJPEGScannerSplitsStream(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(solidJPEG(t, 32, 24, color.RGBA{R: 255, A: 255}))
	stream.Write(solidJPEG(t, 32, 24, color.RGBA{G: 255, A: 255}))
	stream.Write(solidJPEG(t, 32, 24, color.RGBA{B: 255, A: 255}))

	sc := NewMJPEGScanner(&stream)

	var frames []image.Image
	for {
		img, err := sc.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		frames = append(frames, img)
	}

	require.Len(t, frames, 3)
	for _, f := range frames {
		assert.Equal(t, 32, f.Bounds().Dx())
		assert.Equal(t, 24, f.Bounds().Dy())
	}
}

func TestMJPEGScannerEmptyStream(t *testing.T) {
	sc := NewMJPEGScanner(bytes.NewReader(nil))
	_, err := sc.Next()
	assert.Equal(t, io.EOF, err)
}

func TestMJPEGScannerIgnoresLeadingGarbage(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0x01, 0x02, 0xff, 0x00})
	stream.Write(solidJPEG(t, 16, 16, color.RGBA{R: 128, A: 255}))

	sc := NewMJPEGScanner(&stream)
	img, err := sc.Next()
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())

	_, err = sc.Next()
	assert.Equal(t, io.EOF, err)
}

func TestMJPEGScannerTruncatedFrame(t *testing.T) {
	data := solidJPEG(t, 16, 16, color.RGBA{R: 128, A: 255})
	sc := NewMJPEGScanner(bytes.NewReader(data[:len(data)/2]))
	_, err := sc.Next()
	assert.Error(t, err)
	assert.NotEqual(t, io.EOF, err, "a half-written frame is corruption, not end of stream")
}
