// Package annotate draws face boxes and emotion labels onto display frames.
package annotate

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/andresmejia3/emoscope/internal/types"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Options controls how faces are drawn.
type Options struct {
	BoxColor   color.RGBA
	Thickness  int
	TextColor  color.RGBA
	LabelFill  color.RGBA
	LabelPad   int
	LabelSpace int // gap between the label and the top edge of the box
}

// DefaultOptions matches the live view: a blue box with white text on black.
func DefaultOptions() Options {
	return Options{
		BoxColor:   color.RGBA{0, 0, 255, 255},
		Thickness:  2,
		TextColor:  color.RGBA{255, 255, 255, 255},
		LabelFill:  color.RGBA{0, 0, 0, 255},
		LabelPad:   2,
		LabelSpace: 4,
	}
}

// Annotator draws detections onto copies of display frames.
type Annotator struct {
	opts Options
	face font.Face
}

// New returns an annotator using the basic 7x13 bitmap font.
func New(opts Options) *Annotator {
	if opts.Thickness < 1 {
		opts.Thickness = 1
	}
	return &Annotator{opts: opts, face: basicfont.Face7x13}
}

// Annotate returns a copy of f with a rectangle and label for every detection.
// f must be in capture (display) order and is never modified.
func (a *Annotator) Annotate(f types.Frame, dets []types.Detection) (types.Frame, error) {
	if err := f.Validate(); err != nil {
		return types.Frame{}, err
	}
	if f.Order != types.OrderBGR {
		return types.Frame{}, &types.InvalidFrameError{Reason: "annotation must target the display buffer, got " + f.Order.String(), Channels: f.Channels}
	}

	out := f.Clone()
	canvas := &frameCanvas{f: out}
	for _, d := range dets {
		a.drawBox(canvas, d.Box)
		a.drawLabel(canvas, d.Box, Label(d))
	}
	return out, nil
}

// LabelRect is where the label background for box goes on a frame of the given bounds.
// The label sits above the box; a negative top is clamped to the frame's top edge.
func (a *Annotator) LabelRect(box types.Box, text string, bounds image.Rectangle) image.Rectangle {
	m := a.face.Metrics()
	textH := (m.Ascent + m.Descent).Ceil()
	textW := font.MeasureString(a.face, text).Ceil()
	h := textH + 2*a.opts.LabelPad
	w := textW + 2*a.opts.LabelPad

	x := box.X
	y := box.Y - a.opts.LabelSpace - h
	if y < bounds.Min.Y {
		y = bounds.Min.Y
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}
	return image.Rect(x, y, x+w, y+h)
}

func (a *Annotator) drawBox(c *frameCanvas, box types.Box) {
	col := a.opts.BoxColor
	x1, y1 := box.X, box.Y
	x2, y2 := box.X+box.W, box.Y+box.H
	for t := 0; t < a.opts.Thickness; t++ {
		for x := x1; x <= x2; x++ {
			c.setRGBA(x, y1+t, col)
			c.setRGBA(x, y2-t, col)
		}
		for y := y1; y <= y2; y++ {
			c.setRGBA(x1+t, y, col)
			c.setRGBA(x2-t, y, col)
		}
	}
}

func (a *Annotator) drawLabel(c *frameCanvas, box types.Box, text string) {
	r := a.LabelRect(box, text, c.Bounds())
	draw.Draw(c, r.Intersect(c.Bounds()), image.NewUniform(a.opts.LabelFill), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  c,
		Src:  image.NewUniform(a.opts.TextColor),
		Face: a.face,
		Dot:  fixed.P(r.Min.X+a.opts.LabelPad, r.Min.Y+a.opts.LabelPad+a.face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)
}

// frameCanvas exposes a Frame as a draw.Image; writes outside the frame are dropped.
type frameCanvas struct {
	f types.Frame
}

func (c *frameCanvas) ColorModel() color.Model { return color.RGBAModel }

func (c *frameCanvas) Bounds() image.Rectangle { return c.f.Bounds() }

func (c *frameCanvas) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}).In(c.Bounds()) {
		return color.RGBA{}
	}
	r, g, b := c.f.At(x, y)
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

func (c *frameCanvas) Set(x, y int, col color.Color) {
	c.setRGBA(x, y, color.RGBAModel.Convert(col).(color.RGBA))
}

func (c *frameCanvas) setRGBA(x, y int, col color.RGBA) {
	if x < 0 || y < 0 || x >= c.f.Width || y >= c.f.Height {
		return
	}
	if col.A == 255 {
		c.f.Set(x, y, col.R, col.G, col.B)
		return
	}
	// Blend over the existing pixel; font glyph edges arrive with partial alpha.
	r, g, b := c.f.At(x, y)
	a := uint32(col.A)
	blend := func(dst uint8, src uint8) uint8 {
		// col is premultiplied
		return uint8(uint32(src) + uint32(dst)*(255-a)/255)
	}
	c.f.Set(x, y, blend(r, col.R), blend(g, col.G), blend(b, col.B))
}
