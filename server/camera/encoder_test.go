package camera

import (
	"bytes"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/stretchr/testify/require"
)

func isJPEG(b []byte) bool {
	return bytes.HasPrefix(b, jpegSOI) && bytes.HasSuffix(b, jpegEOI)
}

func TestEncodeMJPEGPassThrough(t *testing.T) {
	e := NewJPEGEncoder(80)
	jpg := []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3, 0xff, 0xd9}
	padded := append(append([]byte{}, jpg...), 0, 0, 0, 0)

	out, err := e.Encode(&RawFrame{Width: 2, Height: 2, Format: PixelFormatMJPEG, Data: padded})
	require.NoError(t, err)
	require.Equal(t, jpg, out)

	// truncated frame (no EOI)
	_, err = e.Encode(&RawFrame{Width: 2, Height: 2, Format: PixelFormatMJPEG, Data: jpg[:6]})
	require.ErrorIs(t, err, ErrNotJPEG)

	// garbage
	_, err = e.Encode(&RawFrame{Width: 2, Height: 2, Format: PixelFormatMJPEG, Data: []byte{1, 2, 3}})
	require.ErrorIs(t, err, ErrNotJPEG)
}

func TestEncodeRGB(t *testing.T) {
	src := NewSyntheticSource(64, 48, 0)
	raw, err := src.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, PixelFormatRGB, raw.Format)

	out, err := NewJPEGEncoder(80).Encode(raw)
	require.NoError(t, err)
	require.True(t, isJPEG(out))

	img, err := cimg.Decompress(out)
	require.NoError(t, err)
	require.Equal(t, 64, img.Width)
	require.Equal(t, 48, img.Height)
}

func TestEncodeYUYV(t *testing.T) {
	w, h := 32, 16
	yuyv := make([]byte, w*h*2)
	for i := 0; i < len(yuyv); i += 4 {
		yuyv[i+0] = 200 // Y0
		yuyv[i+1] = 128 // U
		yuyv[i+2] = 200 // Y1
		yuyv[i+3] = 128 // V
	}
	out, err := NewJPEGEncoder(90).Encode(&RawFrame{Width: w, Height: h, Format: PixelFormatYUYV, Data: yuyv})
	require.NoError(t, err)
	require.True(t, isJPEG(out))

	_, err = NewJPEGEncoder(90).Encode(&RawFrame{Width: w, Height: h, Format: PixelFormatYUYV, Data: yuyv[:100]})
	require.ErrorIs(t, err, ErrShortData)
}

func TestEncodeBadFrames(t *testing.T) {
	e := NewJPEGEncoder(80)
	_, err := e.Encode(&RawFrame{Width: 0, Height: 10, Format: PixelFormatRGB})
	require.Error(t, err)
	_, err = e.Encode(&RawFrame{Width: 10, Height: 10, Format: PixelFormatRGB, Data: make([]byte, 10)})
	require.ErrorIs(t, err, ErrShortData)
	_, err = e.Encode(&RawFrame{Width: 10, Height: 10, Format: PixelFormat(99), Data: make([]byte, 300)})
	require.Error(t, err)
}

func TestYUYVToRGB(t *testing.T) {
	// Neutral chroma, black and white luma
	yuyv := []byte{16, 128, 235, 128}
	rgb := make([]byte, 6)
	YUYVToRGB(2, 1, yuyv, 6, rgb)
	require.Equal(t, []byte{0, 0, 0, 255, 255, 255}, rgb)
}

func TestSyntheticSourceMoves(t *testing.T) {
	src := NewSyntheticSource(16, 16, 0)
	a, err := src.ReadFrame()
	require.NoError(t, err)
	b, err := src.ReadFrame()
	require.NoError(t, err)
	require.NotEqual(t, a.Data, b.Data)

	require.NoError(t, src.Close())
	_, err = src.ReadFrame()
	require.ErrorIs(t, err, ErrNoFrame)
}
