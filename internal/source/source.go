// Package source turns images, video files and cameras into sequences of capture-order frames.
package source

import (
	"bytes"
	"context"
	"image"
	_ "image/gif" // register decoders for image.Decode
	_ "image/jpeg"
	_ "image/png"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/emoscope/internal/types"
)

// Source yields frames in capture (BGR) order. Next returns io.EOF once a finite
// sequence is exhausted. Close releases the underlying handle and may be called
// more than once.
type Source interface {
	Next(ctx context.Context) (types.Frame, error)
	Close() error
}

// sliceSource replays in-memory frames.
type sliceSource struct {
	mu     sync.Mutex
	frames []types.Frame
	pos    int
	closed bool
}

// Slice returns a finite source over frames. Each frame is handed out once, as a copy.
func Slice(frames ...types.Frame) Source {
	return &sliceSource{frames: frames}
}

func (s *sliceSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= len(s.frames) {
		return types.Frame{}, io.EOF
	}
	f := s.frames[s.pos].Clone()
	if f.Seq == 0 {
		f.Seq = uint64(s.pos)
	}
	s.pos++
	return f, nil
}

func (s *sliceSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// NewStill decodes one encoded image (JPEG, PNG or the first GIF frame) into a
// single-frame source. An unreadable or undecodable input is a *types.AcquisitionError.
func NewStill(raw RawBytesSource) (Source, error) {
	f, err := DecodeStill(raw)
	if err != nil {
		return nil, err
	}
	return Slice(f), nil
}

// DecodeStill is NewStill without the Source wrapper.
func DecodeStill(raw RawBytesSource) (types.Frame, error) {
	data, err := raw.ReadAll()
	if err != nil {
		return types.Frame{}, &types.AcquisitionError{Source: raw.Name(), Reason: "unreadable upload", Err: err}
	}
	if len(data) == 0 {
		return types.Frame{}, &types.AcquisitionError{Source: raw.Name(), Reason: "empty upload"}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return types.Frame{}, &types.AcquisitionError{Source: raw.Name(), Reason: "not a decodable image", Err: err}
	}
	f := types.FrameFromImage(img, types.OrderBGR)
	f.Timestamp = time.Now()
	return f, nil
}
