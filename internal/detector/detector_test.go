package detector

import (
	"context"
	"encoding/json"
	"errors"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andresmejia3/emoscope/internal/config"
	"github.com/andresmejia3/emoscope/internal/types"
)

type fakeDetector struct {
	dets   []types.Detection
	err    error
	closed bool
}

func (f *fakeDetector) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	return f.dets, f.err
}

func (f *fakeDetector) Close() error { f.closed = true; return nil }

func TestInvokerPassesThrough(t *testing.T) {
	want := []types.Detection{
		{Box: types.Box{X: 5}, Emotions: map[string]float64{"surprise": 0.4, "zzz": 2}},
		{Box: types.Box{X: 1}, Emotions: map[string]float64{}},
	}
	inv := NewInvoker(&fakeDetector{dets: want})
	got, err := inv.Detect(context.Background(), types.NewFrame(2, 2, types.OrderRGB))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Box.X != 5 || got[1].Box.X != 1 {
		t.Errorf("detections altered: %+v", got)
	}
	if got[0].Emotions["zzz"] != 2 {
		t.Error("invoker must not filter unknown labels or out-of-range scores")
	}
}

func TestInvokerWrapsErrors(t *testing.T) {
	cause := errors.New("model exploded")
	inv := NewInvoker(&fakeDetector{err: cause})
	_, err := inv.Detect(context.Background(), types.NewFrame(1, 1, types.OrderRGB))

	var ie *types.InferenceError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InferenceError, got %T %v", err, err)
	}
	if !errors.Is(err, cause) {
		t.Error("InferenceError must carry the original cause")
	}
}

func TestInvokerRejectsCaptureOrder(t *testing.T) {
	inv := NewInvoker(&fakeDetector{})
	_, err := inv.Detect(context.Background(), types.NewFrame(1, 1, types.OrderBGR))
	var bad *types.InvalidFrameError
	if !errors.As(err, &bad) {
		t.Fatalf("expected InvalidFrameError, got %v", err)
	}
}

func TestInvokerClose(t *testing.T) {
	fd := &fakeDetector{}
	NewInvoker(fd).Close()
	if !fd.closed {
		t.Error("Close not forwarded")
	}
}

func newEmotionService(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("POST /detect", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPDetector(t *testing.T) {
	srv := newEmotionService(t, func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("image")
		if err != nil {
			http.Error(w, "no image", http.StatusBadRequest)
			return
		}
		defer file.Close()
		img, err := jpeg.Decode(file)
		if err != nil || img.Bounds().Dx() != 4 {
			http.Error(w, "bad image", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode([]httpFace{
			{Box: []int{1, 1, 2, 2}, Emotions: map[string]float64{"happy": 0.8}},
		})
	})

	h := NewHTTPDetector(srv.URL+"/", time.Second)
	if err := h.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	dets, err := h.Detect(context.Background(), types.NewFrame(4, 3, types.OrderRGB))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) != 1 || dets[0].Box != (types.Box{X: 1, Y: 1, W: 2, H: 2}) || dets[0].Emotions["happy"] != 0.8 {
		t.Errorf("unexpected detections %+v", dets)
	}
}

func TestHTTPDetectorServiceError(t *testing.T) {
	srv := newEmotionService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(httpError{Error: "tensorflow OOM"})
	})
	inv := NewInvoker(NewHTTPDetector(srv.URL, time.Second))
	_, err := inv.Detect(context.Background(), types.NewFrame(2, 2, types.OrderRGB))
	var ie *types.InferenceError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
}

func TestOpenHTTPUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := Open(context.Background(), config.DetectorConfig{Backend: "http", URL: srv.URL, Timeout: time.Second})
	var de *types.DependencyUnavailableError
	if !errors.As(err, &de) {
		t.Fatalf("expected DependencyUnavailableError, got %v", err)
	}
}

func TestOpenPythonMissingInterpreter(t *testing.T) {
	_, err := Open(context.Background(), config.DetectorConfig{
		Backend: "python", Python: "definitely-not-a-python-binary", Script: "x.py", Timeout: time.Second,
	})
	var de *types.DependencyUnavailableError
	if !errors.As(err, &de) {
		t.Fatalf("expected DependencyUnavailableError, got %v", err)
	}
}
