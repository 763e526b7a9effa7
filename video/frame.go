package video

import "fmt"

const (
	// EncodeWidth and EncodeHeight are the live encode resolution (480p 16:9).
	EncodeWidth  = 854
	EncodeHeight = 480
	// EncodeWidth360 and EncodeHeight360 are the congestion-degraded
	// resolution (ladder level 3).
	EncodeWidth360  = 640
	EncodeHeight360 = 360
	// CaptureFPS is the camera capture rate.
	CaptureFPS = 30
	// LiveFPS is the live encode rate at full quality.
	LiveFPS = 24
)

// PixelFormat identifies the canonical raw buffer layout, chosen once at
// startup based on what the camera delivers.
type PixelFormat int

const (
	// FormatRGB is packed 8-bit RGB.
	FormatRGB PixelFormat = iota
	// FormatI420 is planar YUV 4:2:0.
	FormatI420
)

// Frame is one raw video frame plus its capture instants. SessionMs is
// derived from the monotonic capture timestamp, never from wall-clock.
type Frame struct {
	Width     int
	Height    int
	Format    PixelFormat
	Data      []byte
	SessionMs uint32
}

// rgbSize returns the byte length of a packed RGB frame.
func rgbSize(w, h int) int { return w * h * 3 }

// i420Size returns the byte length of a planar I420 frame.
func i420Size(w, h int) int { return w*h + 2*((w/2)*(h/2)) }

// Validate checks that the buffer length matches the declared geometry.
func (f *Frame) Validate() error {
	var want int
	switch f.Format {
	case FormatRGB:
		want = rgbSize(f.Width, f.Height)
	case FormatI420:
		want = i420Size(f.Width, f.Height)
	default:
		return fmt.Errorf("unknown pixel format %d", f.Format)
	}
	if len(f.Data) != want {
		return fmt.Errorf("frame buffer %d bytes, want %d for %dx%d", len(f.Data), want, f.Width, f.Height)
	}
	return nil
}

// DownscaleRGB resizes a packed RGB frame to the target geometry with
// nearest-neighbor sampling. Fast enough for the 30 fps software path and
// visually adequate ahead of lossy encoding.
func DownscaleRGB(src *Frame, dstW, dstH int) *Frame {
	dst := &Frame{
		Width:     dstW,
		Height:    dstH,
		Format:    FormatRGB,
		Data:      make([]byte, rgbSize(dstW, dstH)),
		SessionMs: src.SessionMs,
	}
	for y := 0; y < dstH; y++ {
		sy := y * src.Height / dstH
		for x := 0; x < dstW; x++ {
			sx := x * src.Width / dstW
			si := (sy*src.Width + sx) * 3
			di := (y*dstW + x) * 3
			copy(dst.Data[di:di+3], src.Data[si:si+3])
		}
	}
	return dst
}

// RGBToI420 converts packed RGB to planar YUV 4:2:0 (BT.601), the input
// format VP8 encoders expect. Width and height must be even.
func RGBToI420(src *Frame) *Frame {
	w, h := src.Width, src.Height
	dst := &Frame{
		Width:     w,
		Height:    h,
		Format:    FormatI420,
		Data:      make([]byte, i420Size(w, h)),
		SessionMs: src.SessionMs,
	}
	yPlane := dst.Data[:w*h]
	uPlane := dst.Data[w*h : w*h+(w/2)*(h/2)]
	vPlane := dst.Data[w*h+(w/2)*(h/2):]

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			r, g, b := int32(src.Data[i]), int32(src.Data[i+1]), int32(src.Data[i+2])
			yPlane[y*w+x] = clamp8(((66*r + 129*g + 25*b + 128) >> 8) + 16)
		}
	}
	// Chroma sampled at even pixels.
	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x += 2 {
			i := (y*w + x) * 3
			r, g, b := int32(src.Data[i]), int32(src.Data[i+1]), int32(src.Data[i+2])
			ci := (y/2)*(w/2) + x/2
			uPlane[ci] = clamp8(((-38*r - 74*g + 112*b + 128) >> 8) + 128)
			vPlane[ci] = clamp8(((112*r - 94*g - 18*b + 128) >> 8) + 128)
		}
	}
	return dst
}

func clamp8(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
