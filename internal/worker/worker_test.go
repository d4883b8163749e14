package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// writeResponse frames a payload the way the Python side does.
func writeResponse(t *testing.T, w io.Writer, status byte, body []byte) {
	t.Helper()
	payload := append([]byte{status}, body...)
	binary.Write(w, binary.BigEndian, uint32(len(payload)))
	w.Write(payload)
}

func errorBody(msg string) []byte {
	b := new(bytes.Buffer)
	binary.Write(b, binary.BigEndian, uint32(len(msg)))
	b.WriteString(msg)
	return b.Bytes()
}

func TestProcessFrame(t *testing.T) {
	// 1. Setup Mocks
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// 2. Pre-fill dataPipeMock with a fake response from "Python"
	faces := []wireFace{
		{Box: []int{10, 20, 30, 40}, Emotions: map[string]float64{"happy": 0.9, "sad": 0.05}},
		{Box: []int{1, 2, 3, 4}, Emotions: map[string]float64{"angry": 0.6}},
	}
	body, err := msgpack.Marshal(faces)
	if err != nil {
		t.Fatal(err)
	}
	writeResponse(t, dataPipeMock, statusOK, body)

	// 3. Create Worker with mocks injected
	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	// 4. Execute the function under test
	frame := types.NewFrame(2, 1, types.OrderRGB)
	copy(frame.Pix, []byte{1, 2, 3, 4, 5, 6})
	resp, err := w.ProcessFrame(frame)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	// 5. Verify Go sent a framed msgpack request TO Python
	var n uint32
	if err := binary.Read(stdinMock, binary.BigEndian, &n); err != nil {
		t.Fatal(err)
	}
	var req inferenceRequest
	if err := msgpack.Unmarshal(stdinMock.Next(int(n)), &req); err != nil {
		t.Fatalf("request is not msgpack: %v", err)
	}
	if req.Width != 2 || req.Height != 1 || !bytes.Equal(req.Data, frame.Pix) {
		t.Errorf("unexpected request %+v", req)
	}

	// Verify Go read the correct data FROM Python, in order
	if len(resp) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(resp))
	}
	if resp[0].Box != (types.Box{X: 10, Y: 20, W: 30, H: 40}) {
		t.Errorf("unexpected box %+v", resp[0].Box)
	}
	if math.Abs(resp[0].Emotions["happy"]-0.9) > 1e-9 {
		t.Errorf("Expected happy approx 0.9, got %f", resp[0].Emotions["happy"])
	}
	if resp[1].Box.X != 1 {
		t.Errorf("faces reordered: %+v", resp)
	}
}

func TestProcessFrame_Error(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	errMsg := "Python Exception: cv2 error"
	writeResponse(t, dataPipeMock, statusError, errorBody(errMsg))

	w := &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	_, err := w.ProcessFrame(types.NewFrame(1, 1, types.OrderRGB))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestProcessFrame_MalformedBox(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	body, _ := msgpack.Marshal([]wireFace{{Box: []int{1, 2}}})
	writeResponse(t, dataPipeMock, statusOK, body)

	w := &PythonWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	if _, err := w.ProcessFrame(types.NewFrame(1, 1, types.OrderRGB)); err == nil {
		t.Fatal("expected error for a 2-value box")
	}
}

func TestHandshake(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	body, _ := msgpack.Marshal(readyMessage{Ready: true, Model: "fer-mtcnn"})
	writeResponse(t, dataPipeMock, statusOK, body)

	w := &PythonWorker{DataPipe: dataPipeMock}
	if err := w.handshake(); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if w.Model != "fer-mtcnn" {
		t.Errorf("model = %q", w.Model)
	}
}

func TestHandshake_ImportFailure(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	writeResponse(t, dataPipeMock, statusError, errorBody("No module named 'fer'"))

	w := &PythonWorker{DataPipe: dataPipeMock}
	err := w.handshake()
	if err == nil || err.Error() != "python worker error: No module named 'fer'" {
		t.Fatalf("unexpected handshake result: %v", err)
	}
}

// blockingReader never returns, like a hung interpreter.
type blockingReader struct{ ch chan struct{} }

func (b *blockingReader) Read([]byte) (int, error) { <-b.ch; return 0, io.EOF }
func (b *blockingReader) Close() error             { return nil }

func TestProcessFrame_Timeout(t *testing.T) {
	br := &blockingReader{ch: make(chan struct{})}
	defer close(br.ch)

	w := &PythonWorker{
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    br,
		ReadTimeout: 20 * time.Millisecond,
	}
	_, err := w.ProcessFrame(types.NewFrame(1, 1, types.OrderRGB))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	w := &PythonWorker{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}
	w.Close()
	w.Close()
	if _, err := w.ProcessFrame(types.NewFrame(1, 1, types.OrderRGB)); err == nil {
		t.Error("expected error from a closed worker")
	}
}

func TestProcessFrame_FailsFastAfterTimeout(t *testing.T) {
	br := &blockingReader{ch: make(chan struct{})}
	defer close(br.ch)

	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{ID: 3, Stdin: stdinMock, DataPipe: br, ReadTimeout: 20 * time.Millisecond}

	if _, err := w.ProcessFrame(types.NewFrame(1, 1, types.OrderRGB)); !errors.Is(err, ErrTimeout) {
		t.Fatalf("first frame: expected ErrTimeout, got %v", err)
	}
	sent := stdinMock.Len()

	for i := 0; i < 3; i++ {
		start := time.Now()
		_, err := w.ProcessFrame(types.NewFrame(1, 1, types.OrderRGB))
		if !errors.Is(err, ErrTerminated) || !errors.Is(err, ErrTimeout) {
			t.Fatalf("frame %d: expected ErrTerminated caused by ErrTimeout, got %v", i+2, err)
		}
		if time.Since(start) >= w.ReadTimeout {
			t.Errorf("frame %d waited on a dead worker", i+2)
		}
	}
	if stdinMock.Len() != sent {
		t.Error("requests were written to a terminated worker")
	}
	w.Close()
}

// brokenPipe fails every write, like stdin of a crashed interpreter.
type brokenPipe struct{}

func (brokenPipe) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
func (brokenPipe) Close() error              { return nil }

func TestProcessFrame_FailsFastAfterWriteError(t *testing.T) {
	w := &PythonWorker{Stdin: brokenPipe{}, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}

	if _, err := w.ProcessFrame(types.NewFrame(1, 1, types.OrderRGB)); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected closed pipe, got %v", err)
	}
	_, err := w.ProcessFrame(types.NewFrame(1, 1, types.OrderRGB))
	if !errors.Is(err, ErrTerminated) {
		t.Fatalf("expected ErrTerminated, got %v", err)
	}
}

func TestWorkerErrorKeepsWorkerUsable(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	writeResponse(t, dataPipeMock, statusError, errorBody("bad frame"))
	body, _ := msgpack.Marshal([]wireFace{})
	writeResponse(t, dataPipeMock, statusOK, body)

	w := &PythonWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	if _, err := w.ProcessFrame(types.NewFrame(1, 1, types.OrderRGB)); err == nil {
		t.Fatal("expected the worker error")
	}
	faces, err := w.ProcessFrame(types.NewFrame(1, 1, types.OrderRGB))
	if err != nil || len(faces) != 0 {
		t.Fatalf("second frame: faces=%v err=%v", faces, err)
	}
}

func TestHandshakeIgnoresReadTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	w := &PythonWorker{DataPipe: pr, ReadTimeout: 10 * time.Millisecond}

	go func() {
		time.Sleep(50 * time.Millisecond)
		body, _ := msgpack.Marshal(readyMessage{Ready: true, Model: "fer"})
		writeResponse(t, pw, statusOK, body)
	}()
	if err := w.handshake(); err != nil {
		t.Fatalf("slow model load failed the handshake: %v", err)
	}
}

// startScript runs the real worker script, skipping when its Python deps are missing.
func startScript(t *testing.T) *PythonWorker {
	t.Helper()
	if err := exec.Command("python3", "-c", "import fer, msgpack, numpy").Run(); err != nil {
		t.Skip("python3 with fer, msgpack and numpy is not available")
	}
	w, err := NewPythonWorker(context.Background(), 1, Config{Python: "python3", Script: "../../python/emotion_worker.py"})
	if err != nil {
		t.Fatalf("worker did not start: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestScriptAnswersMalformedRequest(t *testing.T) {
	w := startScript(t)

	garbage := []byte{0xc1, 0xc1, 0xc1}
	binary.Write(w.Stdin, binary.BigEndian, uint32(len(garbage)))
	w.Stdin.Write(garbage)
	if _, err := w.readResponse(5 * time.Second); err == nil || !strings.HasPrefix(err.Error(), "python worker error:") {
		t.Fatalf("expected a worker error, got %v", err)
	}

	// The worker is still serving.
	if _, err := w.ProcessFrame(types.NewFrame(8, 8, types.OrderRGB)); err != nil {
		t.Fatalf("worker died after a malformed request: %v", err)
	}
}

func TestScriptAnswersTruncatedRequest(t *testing.T) {
	w := startScript(t)

	binary.Write(w.Stdin, binary.BigEndian, uint32(100))
	w.Stdin.Write(make([]byte, 10))
	w.Stdin.Close()

	_, err := w.readResponse(5 * time.Second)
	if err == nil || !strings.Contains(err.Error(), "truncated request") {
		t.Fatalf("expected a truncated request error, got %v", err)
	}
}
