package types

import (
	"image"
	"image/color"
	"time"
)

// Frame is an 8-bit, three channel raster in row-major interleaved layout.
// Pix holds exactly Width*Height*Channels bytes.
type Frame struct {
	Seq       uint64
	Width     int
	Height    int
	Channels  int
	Order     ChannelOrder
	Pix       []byte
	Timestamp time.Time
}

// NewFrame allocates a zeroed frame.
func NewFrame(width, height int, order ChannelOrder) Frame {
	return Frame{
		Width:    width,
		Height:   height,
		Channels: 3,
		Order:    order,
		Pix:      make([]byte, width*height*3),
	}
}

// Clone returns a frame with its own pixel buffer.
func (f Frame) Clone() Frame {
	out := f
	out.Pix = make([]byte, len(f.Pix))
	copy(out.Pix, f.Pix)
	return out
}

// Validate checks the buffer shape and returns an InvalidFrameError when it is malformed.
func (f Frame) Validate() error {
	if f.Channels != 3 {
		return &InvalidFrameError{Reason: "expected 3 channels", Channels: f.Channels}
	}
	if f.Width <= 0 || f.Height <= 0 {
		return &InvalidFrameError{Reason: "empty frame", Channels: f.Channels}
	}
	if len(f.Pix) != f.Width*f.Height*f.Channels {
		return &InvalidFrameError{Reason: "buffer size does not match dimensions", Channels: f.Channels}
	}
	return nil
}

// Bounds mirrors image.Image.Bounds.
func (f Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// FrameFromImage copies img into a new frame in the requested order.
func FrameFromImage(img image.Image, order ChannelOrder) Frame {
	b := img.Bounds()
	f := NewFrame(b.Dx(), b.Dy(), order)

	// Fast path for the common decoder outputs.
	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < f.Height; y++ {
			src := rgba.Pix[rgba.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := f.Pix[y*f.Width*3:]
			for x := 0; x < f.Width; x++ {
				r, g, bl := src[x*4], src[x*4+1], src[x*4+2]
				putPixel(dst[x*3:], order, r, g, bl)
			}
		}
		return f
	}

	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			putPixel(f.Pix[(y*f.Width+x)*3:], order, c.R, c.G, c.B)
		}
	}
	return f
}

// ToImage renders the frame as RGBA, honouring its channel order.
func (f Frame) ToImage() *image.RGBA {
	img := image.NewRGBA(f.Bounds())
	for i, j := 0, 0; i+2 < len(f.Pix) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		if f.Order == OrderBGR {
			img.Pix[j], img.Pix[j+1], img.Pix[j+2] = f.Pix[i+2], f.Pix[i+1], f.Pix[i]
		} else {
			img.Pix[j], img.Pix[j+1], img.Pix[j+2] = f.Pix[i], f.Pix[i+1], f.Pix[i+2]
		}
		img.Pix[j+3] = 255
	}
	return img
}

// At returns the pixel at (x, y) as RGB regardless of storage order.
func (f Frame) At(x, y int) (r, g, b uint8) {
	off := (y*f.Width + x) * 3
	if f.Order == OrderBGR {
		return f.Pix[off+2], f.Pix[off+1], f.Pix[off]
	}
	return f.Pix[off], f.Pix[off+1], f.Pix[off+2]
}

// Set writes an RGB pixel at (x, y) in the frame's storage order.
func (f Frame) Set(x, y int, r, g, b uint8) {
	putPixel(f.Pix[(y*f.Width+x)*3:], f.Order, r, g, b)
}

func putPixel(dst []byte, order ChannelOrder, r, g, b uint8) {
	if order == OrderBGR {
		dst[0], dst[1], dst[2] = b, g, r
		return
	}
	dst[0], dst[1], dst[2] = r, g, b
}
