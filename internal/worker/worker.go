package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/andresmejia3/emoscope/internal/utils" // Using the SafeCommand wrapper
	"github.com/vmihailenco/msgpack/v5"
)

const (
	statusOK    byte = 0
	statusError byte = 1

	// maxResponse guards against reading garbage lengths after a crash
	maxResponse = 64 * 1024 * 1024
)

var (
	// ErrTimeout is returned when the worker does not answer within ReadTimeout.
	ErrTimeout = errors.New("python worker timed out")
	// ErrTerminated is returned for every call after the worker was killed.
	ErrTerminated = errors.New("python worker terminated")
)

// Config tunes a Python emotion worker.
type Config struct {
	Python      string
	Script      string
	MTCNN       bool
	ReadTimeout time.Duration
}

// inferenceRequest is sent to the Python worker
type inferenceRequest struct {
	Height int    `msgpack:"h"`
	Width  int    `msgpack:"w"`
	Data   []byte `msgpack:"d"` // RGB uint8, row-major, shape (H, W, 3)
}

// wireFace is one face in the worker response, in the FER result layout.
type wireFace struct {
	Box      []int              `msgpack:"box"` // [x, y, w, h]
	Emotions map[string]float64 `msgpack:"emotions"`
}

// readyMessage is the handshake the worker sends once its model is loaded.
type readyMessage struct {
	Ready bool   `msgpack:"ready"`
	Model string `msgpack:"model"`
}

// PythonWorker runs the emotion model in a child process.
// Protocol both ways: [uint32 big-endian length][payload].
// Responses start with a status byte; errors carry [uint32 length][message].
type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration // 0 waits indefinitely
	Model       string

	mu     sync.Mutex
	closed bool
	dead   error // why the child was killed
}

// NewPythonWorker starts the worker and waits for its ready handshake. A worker that
// cannot load its model fails here, once, instead of on every frame.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	args := []string{"-u", cfg.Script}
	if cfg.MTCNN {
		args = append(args, "--mtcnn")
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	pw := &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}

	if err := pw.handshake(); err != nil {
		pw.Close()
		if logs := py.Logs(); logs != "" {
			return nil, fmt.Errorf("worker %d failed to load model: %w\n%s", id, err, logs)
		}
		return nil, fmt.Errorf("worker %d failed to load model: %w", id, err)
	}
	return pw, nil
}

// handshake waits for the model to load. ReadTimeout does not apply here.
func (w *PythonWorker) handshake() error {
	body, err := w.readResponse(0)
	if err != nil {
		return err
	}
	var msg readyMessage
	if err := msgpack.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("malformed handshake: %w", err)
	}
	if !msg.Ready {
		return fmt.Errorf("worker reported not ready")
	}
	w.Model = msg.Model
	return nil
}

// ProcessFrame sends one inference-order frame and returns the faces in worker order.
func (w *PythonWorker) ProcessFrame(frame types.Frame) ([]types.Detection, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("python worker %d is closed", w.ID)
	}
	if w.dead != nil {
		return nil, fmt.Errorf("worker %d: %w: %w", w.ID, ErrTerminated, w.dead)
	}

	req, err := msgpack.Marshal(inferenceRequest{Height: frame.Height, Width: frame.Width, Data: frame.Pix})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(req))); err != nil {
		w.terminate(err)
		return nil, err
	}
	if _, err := w.Stdin.Write(req); err != nil {
		w.terminate(err)
		return nil, err
	}

	body, err := w.readResponse(w.ReadTimeout)
	if err != nil {
		return nil, err
	}
	return decodeFaces(body)
}

// readResponse reads one framed response and strips the status byte.
// A zero timeout waits for as long as the worker takes.
func (w *PythonWorker) readResponse(timeout time.Duration) ([]byte, error) {
	payload, err := w.readPayload(timeout)
	if err != nil {
		w.terminate(err)
		return nil, err
	}
	return parseResponse(payload)
}

func (w *PythonWorker) readPayload(timeout time.Duration) ([]byte, error) {
	type result struct {
		body []byte
		err  error
	}
	if timeout <= 0 {
		return w.readFrame()
	}

	done := make(chan result, 1)
	go func() {
		b, err := w.readFrame()
		done <- result{b, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.body, res.err
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// terminate kills the child after a transport failure. The byte stream is out of
// sync at that point, so every later call fails with ErrTerminated.
func (w *PythonWorker) terminate(cause error) {
	if w.dead != nil {
		return
	}
	w.dead = cause
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

func (w *PythonWorker) readFrame() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch an import crash in the worker
	}
	n := binary.BigEndian.Uint32(header)
	if n == 0 || n > maxResponse {
		return nil, fmt.Errorf("invalid response length %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(w.DataPipe, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// parseResponse splits a payload into its status byte and body.
func parseResponse(payload []byte) ([]byte, error) {
	switch payload[0] {
	case statusOK:
		return payload[1:], nil
	case statusError:
		rd := bytes.NewReader(payload[1:])
		var msgLen uint32
		if err := binary.Read(rd, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("python worker error: unreadable message: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(rd, msg); err != nil {
			return nil, fmt.Errorf("python worker error: truncated message: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown worker status byte %d", payload[0])
	}
}

func decodeFaces(body []byte) ([]types.Detection, error) {
	var faces []wireFace
	if err := msgpack.Unmarshal(body, &faces); err != nil {
		return nil, fmt.Errorf("failed to decode worker response: %w", err)
	}
	out := make([]types.Detection, 0, len(faces))
	for i, f := range faces {
		if len(f.Box) != 4 {
			return nil, fmt.Errorf("face %d: box has %d values, expected 4", i, len(f.Box))
		}
		out = append(out, types.Detection{
			Box:      types.Box{X: f.Box[0], Y: f.Box[1], W: f.Box[2], H: f.Box[3]},
			Emotions: f.Emotions,
		})
	}
	return out, nil
}

// Close shuts down the pipes and waits for the child to exit. Safe to call twice.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		// The worker exits on stdin EOF; a non-zero status at this point is not actionable.
		w.Cmd.Wait()
	}
	return nil
}
