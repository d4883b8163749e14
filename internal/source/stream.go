package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/andresmejia3/emoscope/internal/utils"
)

const megabyte = 1024 * 1024

// mjpegSource splits a concatenated JPEG stream (ffmpeg image2pipe) into frames.
type mjpegSource struct {
	name    string
	cmd     *utils.SafeCommand // nil when reading a plain stream
	out     io.ReadCloser
	scanner *bufio.Scanner
	bounded bool // the stream is expected to end

	mu        sync.Mutex
	seq       uint64
	done      bool
	closeOnce sync.Once
	closeErr  error
}

func newMJPEGSource(name string, out io.ReadCloser, cmd *utils.SafeCommand, bounded bool) *mjpegSource {
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	return &mjpegSource{name: name, cmd: cmd, out: out, scanner: scanner, bounded: bounded}
}

// startFFmpeg launches cmd and wraps its stdout.
func startFFmpeg(name string, cmd *utils.SafeCommand, bounded bool) (*mjpegSource, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &types.AcquisitionError{Source: name, Reason: "failed to create ffmpeg pipe", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &types.AcquisitionError{Source: name, Reason: "failed to start ffmpeg", Err: err}
	}
	return newMJPEGSource(name, stdout, cmd, bounded), nil
}

func (s *mjpegSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return types.Frame{}, io.EOF
	}

	// A cancelled context unblocks a pending read by tearing the stream down.
	stop := context.AfterFunc(ctx, func() { s.kill() })
	ok := s.scanner.Scan()
	stop()
	if err := ctx.Err(); err != nil {
		s.done = true
		return types.Frame{}, err
	}

	if !ok {
		s.done = true
		return types.Frame{}, s.finish()
	}

	img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
	if err != nil {
		s.done = true
		return types.Frame{}, &types.AcquisitionError{Source: s.name, Reason: fmt.Sprintf("frame %d is corrupt", s.seq), Err: err}
	}
	f := types.FrameFromImage(img, types.OrderBGR)
	f.Seq = s.seq
	f.Timestamp = time.Now()
	s.seq++
	return f, nil
}

// finish maps the end of the byte stream to io.EOF or an acquisition failure.
func (s *mjpegSource) finish() error {
	if err := s.scanner.Err(); err != nil {
		return &types.AcquisitionError{Source: s.name, Reason: "frame scanner failed", Err: err}
	}
	var waitErr error
	if s.cmd != nil {
		waitErr = s.wait()
	}
	if waitErr != nil {
		if logs := s.cmd.Logs(); logs != "" {
			waitErr = fmt.Errorf("%w: %s", waitErr, logs)
		}
		return &types.AcquisitionError{Source: s.name, Reason: "ffmpeg failed", Err: waitErr}
	}
	if !s.bounded {
		return &types.AcquisitionError{Source: s.name, Reason: "stream ended unexpectedly"}
	}
	return io.EOF
}

func (s *mjpegSource) kill() {
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.out.Close()
}

func (s *mjpegSource) wait() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cmd.Wait()
	})
	return s.closeErr
}

// Close stops ffmpeg and reaps it. The device or file handle is released when Close returns.
func (s *mjpegSource) Close() error {
	s.kill()
	if s.cmd != nil {
		// Killed on purpose; the exit status says nothing useful here.
		s.wait()
	}
	return nil
}

// NewVideo decodes a video file frame by frame, in file order.
func NewVideo(ctx context.Context, path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &types.AcquisitionError{Source: path, Reason: "cannot open video", Err: err}
	}
	if info.IsDir() {
		return nil, &types.AcquisitionError{Source: path, Reason: "is a directory, expected a video file"}
	}
	return startFFmpeg(path, utils.NewFFmpegDecoder(ctx, path), true)
}

// CameraSpec selects a capture device. Format is the ffmpeg input format for the
// platform (v4l2, avfoundation, dshow).
type CameraSpec struct {
	Format string
	Device string
	Width  int
	Height int
	FPS    int
	Frames int // stop after this many frames; 0 streams until closed
}

// ErrNoCameraFormat is returned when no capture backend is known for the platform.
var ErrNoCameraFormat = errors.New("no camera capture format for this platform")

// NewCamera opens a capture device through ffmpeg. The sequence is unbounded unless
// spec.Frames is set. A busy or missing device surfaces as a *types.AcquisitionError
// from the first Next.
func NewCamera(ctx context.Context, spec CameraSpec) (Source, error) {
	name := "camera " + spec.Device
	if spec.Format == "" || spec.Device == "" {
		return nil, &types.AcquisitionError{Source: name, Reason: "camera not configured", Err: ErrNoCameraFormat}
	}
	cmd := utils.NewFFmpegCapture(ctx, utils.CaptureArgs{
		Format: spec.Format,
		Device: spec.Device,
		Width:  spec.Width,
		Height: spec.Height,
		FPS:    spec.FPS,
		Frames: spec.Frames,
	})
	return startFFmpeg(name, cmd, spec.Frames > 0)
}
