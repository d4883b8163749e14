package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/emoscope/internal/source"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/andresmejia3/emoscope/internal/utils"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
)

// FuncSink adapts a function to Sink.
type FuncSink func(ctx context.Context, r Result) error

func (f FuncSink) Show(ctx context.Context, r Result) error { return f(ctx, r) }

// MultiSink shows each result on every sink in order and stops at the first error.
type MultiSink []Sink

func (m MultiSink) Show(ctx context.Context, r Result) error {
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Show(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotSink keeps the latest annotated frame on disk as a JPEG. Writes go through a
// temp file and a rename so readers never see a half-written image.
type SnapshotSink struct {
	Path    string
	Quality int
}

func (s *SnapshotSink) Show(_ context.Context, r Result) error {
	q := s.Quality
	if q <= 0 {
		q = 90
	}
	data, err := EncodeJPEG(r.Annotated, q)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".snapshot-*.jpg")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}

// VideoSink encodes annotated frames into a video file with ffmpeg. It is best effort:
// if the encoder cannot start or dies, the failure is logged once and frames are dropped.
type VideoSink struct {
	Path string
	FPS  float64

	mu      sync.Mutex
	enc     *utils.SafeCommand
	stdin   io.WriteCloser
	width   int
	height  int
	failed  bool
	written int
}

// NewVideoSink returns a sink writing to path. The encoder starts on the first frame,
// when the dimensions are known.
func NewVideoSink(path string, fps float64) *VideoSink {
	if fps <= 0 {
		fps = 1
	}
	return &VideoSink{Path: path, FPS: fps}
}

func (v *VideoSink) Show(ctx context.Context, r Result) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failed {
		return nil
	}
	f := r.Annotated
	if v.enc == nil {
		if err := v.start(ctx, f.Width, f.Height); err != nil {
			v.fail("failed to start video encoder", err)
			return nil
		}
	}
	if f.Width != v.width || f.Height != v.height || f.Order != types.OrderBGR {
		v.fail("frame does not match the output video", fmt.Errorf("got %dx%d %v, want %dx%d BGR", f.Width, f.Height, f.Order, v.width, v.height))
		return nil
	}
	if _, err := v.stdin.Write(f.Pix); err != nil {
		v.fail("video encoder rejected a frame", err)
		return nil
	}
	v.written++
	return nil
}

func (v *VideoSink) start(ctx context.Context, width, height int) error {
	// The encoder must outlive a cancelled session so Close can finalize the file.
	enc := utils.NewFFmpegEncoder(context.WithoutCancel(ctx), v.Path, v.FPS, width, height)
	stdin, err := enc.StdinPipe()
	if err != nil {
		return err
	}
	if err := enc.Start(); err != nil {
		return err
	}
	v.enc, v.stdin, v.width, v.height = enc, stdin, width, height
	return nil
}

func (v *VideoSink) fail(msg string, err error) {
	v.failed = true
	ev := log.Warn().Err(err).Str("output", v.Path)
	if logs := v.enc.Logs(); logs != "" {
		ev = ev.Str("ffmpeg", logs)
	}
	ev.Msg(msg)
}

// Close flushes the encoder. It returns the number of frames written.
func (v *VideoSink) Close() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.enc == nil {
		return 0, nil
	}
	v.stdin.Close()
	err := v.enc.Wait()
	if err != nil && !v.failed {
		v.fail("video encoder failed", err)
	}
	v.enc = nil
	if v.failed {
		return v.written, errors.New("annotated video is incomplete")
	}
	return v.written, nil
}

// ProgressSink advances a progress bar once per frame.
type ProgressSink struct {
	bar *progressbar.ProgressBar
}

// NewProgressSink draws on w. A total of zero or less shows a spinner.
func NewProgressSink(w io.Writer, total int, description string) *ProgressSink {
	if total <= 0 {
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
	)
	return &ProgressSink{bar: bar}
}

func (p *ProgressSink) Show(context.Context, Result) error {
	p.bar.Add(1)
	return nil
}

// Finish completes the bar.
func (p *ProgressSink) Finish() { p.bar.Finish() }

// DetectionWriter persists the faces found in one frame.
type DetectionWriter interface {
	InsertDetections(ctx context.Context, sessionID string, frameIndex uint64, dets []types.Detection) error
}

// RecordingSink stores detections for later review. Storage problems are logged and
// never interrupt the session.
type RecordingSink struct {
	Store     DetectionWriter
	SessionID string
}

func (r *RecordingSink) Show(ctx context.Context, res Result) error {
	if r.Store == nil || len(res.Detections) == 0 {
		return nil
	}
	if err := r.Store.InsertDetections(ctx, r.SessionID, res.Seq, res.Detections); err != nil {
		log.Warn().Err(err).Str("session", r.SessionID).Uint64("frame", res.Seq).Msg("failed to record detections")
	}
	return nil
}

// History persists session lifecycles. *store.Store implements it.
type History interface {
	CreateSession(ctx context.Context, id string, mode types.Mode, source string) error
	FinishSession(ctx context.Context, id string, frames, faces int) error
	DetectionWriter
}

// RunRecorded is Run with the session and its detections written to h. A nil h just
// runs. Bookkeeping failures are logged and do not affect the session.
func (s *Session) RunRecorded(ctx context.Context, src source.Source, sink Sink, h History, sourceName string) error {
	if h == nil {
		return s.Run(ctx, src, sink)
	}
	if err := h.CreateSession(ctx, s.ID, s.Mode, sourceName); err != nil {
		log.Warn().Err(err).Str("session", s.ID).Msg("session will not be recorded")
		return s.Run(ctx, src, sink)
	}
	err := s.Run(ctx, src, MultiSink{sink, &RecordingSink{Store: h, SessionID: s.ID}})
	st := s.Stats()
	if ferr := h.FinishSession(context.WithoutCancel(ctx), s.ID, st.Frames, st.Faces); ferr != nil {
		log.Warn().Err(ferr).Str("session", s.ID).Msg("failed to close session record")
	}
	return err
}
