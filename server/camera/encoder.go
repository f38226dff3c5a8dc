package camera

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bmharper/cimg/v2"
)

var (
	ErrNotJPEG   = errors.New("Frame is not a complete JPEG image")
	ErrShortData = errors.New("Frame data is smaller than its dimensions require")
)

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// JPEGEncoder turns raw camera frames into JPEG images
type JPEGEncoder struct {
	Quality int // 1..100
}

func NewJPEGEncoder(quality int) *JPEGEncoder {
	return &JPEGEncoder{Quality: quality}
}

// Encode returns a JPEG image for the frame.
// MJPEG frames are already compressed by the camera, so we only check that they are complete.
// An error means the frame is unusable and should be skipped.
func (e *JPEGEncoder) Encode(f *RawFrame) ([]byte, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("Invalid frame dimensions %vx%v", f.Width, f.Height)
	}
	switch f.Format {
	case PixelFormatMJPEG:
		return trimJPEG(f.Data)
	case PixelFormatYUYV:
		if len(f.Data) < f.Width*f.Height*2 || f.Width%2 != 0 {
			return nil, ErrShortData
		}
		rgb := cimg.NewImage(f.Width, f.Height, cimg.PixelFormatRGB)
		YUYVToRGB(f.Width, f.Height, f.Data, rgb.Stride, rgb.Pixels)
		return e.compress(rgb)
	case PixelFormatRGB:
		if len(f.Data) < f.Width*f.Height*3 {
			return nil, ErrShortData
		}
		return e.compress(cimg.WrapImage(f.Width, f.Height, cimg.PixelFormatRGB, f.Data))
	}
	return nil, fmt.Errorf("Unsupported pixel format %v", f.Format)
}

func (e *JPEGEncoder) compress(img *cimg.Image) ([]byte, error) {
	buf, err := cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, e.Quality, 0))
	if err != nil {
		return nil, fmt.Errorf("Failed to compress image: %w", err)
	}
	return buf, nil
}

// Some UVC cameras pad their MJPEG buffers with zeros after the End Of Image marker.
func trimJPEG(b []byte) ([]byte, error) {
	if !bytes.HasPrefix(b, jpegSOI) {
		return nil, ErrNotJPEG
	}
	end := bytes.LastIndex(b, jpegEOI)
	if end < len(jpegSOI) {
		return nil, ErrNotJPEG
	}
	return b[:end+len(jpegEOI)], nil
}

// YUYVToRGB converts packed YUV 4:2:2 into packed RGB, using BT.601 coefficients.
// width must be even.
func YUYVToRGB(width, height int, yuyv []byte, dstStride int, dst []byte) {
	srcStride := width * 2
	for y := 0; y < height; y++ {
		src := yuyv[y*srcStride : (y+1)*srcStride]
		out := dst[y*dstStride:]
		for x := 0; x < width; x += 2 {
			s := src[x*2 : x*2+4]
			u := int32(s[1]) - 128
			v := int32(s[3]) - 128
			writeRGB(out[x*3:], int32(s[0]), u, v)
			writeRGB(out[x*3+3:], int32(s[2]), u, v)
		}
	}
}

func writeRGB(dst []byte, y, u, v int32) {
	c := (y - 16) * 298
	r := (c + 409*v + 128) >> 8
	g := (c - 100*u - 208*v + 128) >> 8
	b := (c + 516*u + 128) >> 8
	dst[0] = clampByte(r)
	dst[1] = clampByte(g)
	dst[2] = clampByte(b)
}

func clampByte(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
