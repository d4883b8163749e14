// Package pipeline drives frames from a source through detection and annotation to a sink.
package pipeline

import (
	"bytes"
	"context"
	"image/jpeg"

	"github.com/andresmejia3/emoscope/internal/annotate"
	"github.com/andresmejia3/emoscope/internal/colorspace"
	"github.com/andresmejia3/emoscope/internal/detector"
	"github.com/andresmejia3/emoscope/internal/types"
)

// Result is one processed frame.
type Result struct {
	Seq        uint64
	Original   types.Frame // as acquired, untouched
	Annotated  types.Frame // display (BGR) order; a plain copy when nothing was drawn
	Detections []types.Detection
	Summary    []string
	// Err is a per-frame failure (usually *types.InferenceError). The frame is still
	// shown un-annotated and the session carries on.
	Err error
	// Degraded is set when no detector is configured and frames are only displayed.
	Degraded bool
}

// Processor runs normalize, detect, annotate for one frame.
type Processor struct {
	inv *detector.Invoker
	ann *annotate.Annotator
}

// NewProcessor builds a processor. A nil invoker yields display-only results.
func NewProcessor(inv *detector.Invoker, ann *annotate.Annotator) *Processor {
	if ann == nil {
		ann = annotate.New(annotate.DefaultOptions())
	}
	return &Processor{inv: inv, ann: ann}
}

// Degraded reports whether the processor runs without a detector.
func (p *Processor) Degraded() bool { return p.inv == nil }

// Process never fails as a whole: problems are reported through Result.Err.
func (p *Processor) Process(ctx context.Context, frame types.Frame) Result {
	res := Result{Seq: frame.Seq, Original: frame}
	display, err := colorspace.ToDisplay(frame)
	if err != nil {
		res.Annotated = frame.Clone()
		res.Err = err
		return res
	}
	res.Annotated = display
	if p.inv == nil {
		res.Degraded = true
		return res
	}

	rgb, err := colorspace.ToInference(display)
	if err != nil {
		res.Err = err
		return res
	}

	dets, err := p.inv.Detect(ctx, rgb)
	if err != nil {
		res.Err = err
		return res
	}

	out, err := p.ann.Annotate(display, dets)
	if err != nil {
		res.Err = err
		return res
	}
	res.Annotated = out
	res.Detections = dets
	res.Summary = annotate.Summary(dets)
	return res
}

// EncodeJPEG renders a frame for the browser or a snapshot file.
func EncodeJPEG(f types.Frame, quality int) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.ToImage(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
