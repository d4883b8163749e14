package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/emoscope/internal/config"
	"github.com/andresmejia3/emoscope/internal/detector"
	"github.com/andresmejia3/emoscope/internal/pipeline"
	"github.com/andresmejia3/emoscope/internal/source"
	"github.com/andresmejia3/emoscope/internal/store"
	"github.com/andresmejia3/emoscope/internal/types"
)

type fakeDetector struct{ dets []types.Detection }

func (f fakeDetector) Detect(context.Context, types.Frame) ([]types.Detection, error) {
	return f.dets, nil
}
func (f fakeDetector) Close() error { return nil }

var happyFace = types.Detection{
	Box:      types.Box{X: 1, Y: 2, W: 5, H: 6},
	Emotions: map[string]float64{"happy": 0.91, "neutral": 0.05},
}

// captureStderr runs fn with os.Stderr redirected and returns what was written.
func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stderr = w
	done := make(chan string)
	go func() {
		b, _ := io.ReadAll(r)
		done <- string(b)
	}()

	fn()

	w.Close()
	os.Stderr = old
	return <-done
}

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, 12, 12))); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAlreadyReported(t *testing.T) {
	if alreadyReported(errors.New("boom")) {
		t.Error("plain error treated as reported")
	}
	wrapped := errors.Join(errors.New("context"), reportedError{err: errors.New("shown")})
	if !alreadyReported(wrapped) {
		t.Error("reported error would be printed again")
	}
}

func TestOpenProcessorReportsDetectorFailureOnce(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer health.Close()

	oldCfg := Cfg
	defer func() { Cfg = oldCfg }()
	Cfg = config.Default()
	Cfg.Detector.Backend = "http"
	Cfg.Detector.URL = health.URL

	var err error
	var proc *pipeline.Processor
	stderr := captureStderr(t, func() {
		proc, _, err = openProcessor(context.Background(), types.Capabilities{InferenceAvailable: true})
	})

	if err == nil || proc != nil {
		t.Fatalf("expected a failure, got processor %v", proc)
	}
	var dep *types.DependencyUnavailableError
	if !errors.As(err, &dep) {
		t.Errorf("error %v is not a DependencyUnavailableError", err)
	}
	if n := strings.Count(stderr, "EMOSCOPE ERROR"); n != 1 {
		t.Errorf("error shown %d times:\n%s", n, stderr)
	}
	if !alreadyReported(err) {
		t.Error("Execute would print the detector failure a second time")
	}
}

func TestOpenProcessorWithoutInference(t *testing.T) {
	proc, closeProc, err := openProcessor(context.Background(), types.Capabilities{InferenceReason: "no python"})
	if err != nil {
		t.Fatal(err)
	}
	defer closeProc()
	if !proc.Degraded() {
		t.Error("expected a display-only processor")
	}
}

func TestAnalyzeStill(t *testing.T) {
	dir := t.TempDir()
	input := writePNG(t, dir, "face.png")
	output := filepath.Join(dir, "annotated.jpg")

	tests := []struct {
		name string
		dets []types.Detection
		want string
	}{
		{"one face", []types.Detection{happyFace}, "happy (0.91)"},
		{"no faces", nil, "No faces detected."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := pipeline.NewProcessor(detector.NewInvoker(fakeDetector{dets: tt.dets}), nil)
			src, err := source.NewStill(source.FileBytes(input))
			if err != nil {
				t.Fatal(err)
			}

			var out bytes.Buffer
			captureStderr(t, func() {
				err = analyzeStill(context.Background(), proc, types.ModeImage, src, "face.png", output, &out)
			})
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("output %q does not mention %q", out.String(), tt.want)
			}

			f, err := os.Open(output)
			if err != nil {
				t.Fatal(err)
			}
			defer f.Close()
			if _, err := jpeg.Decode(f); err != nil {
				t.Errorf("annotated output is not a JPEG: %v", err)
			}
		})
	}
}

func TestPrintStill(t *testing.T) {
	tests := []struct {
		name string
		res  pipeline.Result
		want string
	}{
		{"faces", pipeline.Result{Detections: []types.Detection{happyFace}}, "1,2 5x6"},
		{"no faces", pipeline.Result{}, "No faces detected."},
		{"inference error", pipeline.Result{Err: &types.InferenceError{Cause: errors.New("oom")}}, "detection failed"},
		{"degraded", pipeline.Result{Degraded: true}, "not available"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printStill(&buf, tt.res)
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("printStill() = %q, want it to contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestPrintSummaryOrdersByCount(t *testing.T) {
	tally := emotionTally{}
	tally.Show(context.Background(), pipeline.Result{Detections: []types.Detection{
		happyFace,
		{Emotions: map[string]float64{"sad": 0.7}},
		{Emotions: map[string]float64{"happy": 0.6, "sad": 0.1}},
	}})

	var buf bytes.Buffer
	printSummary(&buf, pipeline.Stats{Frames: 4, Faces: 3, InferenceErrors: 1}, tally)
	out := buf.String()

	if !strings.Contains(out, "Frames without detection: 1") {
		t.Errorf("missing inference error count:\n%s", out)
	}
	if strings.Index(out, "happy") > strings.Index(out, "sad") {
		t.Errorf("most frequent emotion not listed first:\n%s", out)
	}
}

func TestFinishLiveAfterCameraFailure(t *testing.T) {
	tally := emotionTally{}
	tally.Show(context.Background(), pipeline.Result{Detections: []types.Detection{happyFace}})
	camErr := &types.AcquisitionError{Source: "/dev/video0", Reason: "read failed", Err: io.ErrUnexpectedEOF}

	var buf bytes.Buffer
	var err error
	stderr := captureStderr(t, func() {
		err = finishLive(&buf, pipeline.Stats{Frames: 12, Faces: 1}, tally, camErr)
	})
	if err != nil {
		t.Fatalf("camera failure should end the session cleanly, got %v", err)
	}
	if strings.Contains(stderr, "EMOSCOPE ERROR") {
		t.Errorf("camera failure shown as an error:\n%s", stderr)
	}
	out := buf.String()
	summary := strings.Index(out, "SESSION SUMMARY")
	warning := strings.Index(out, "Camera stopped")
	if summary < 0 || warning < 0 || warning < summary {
		t.Errorf("expected the summary then the camera warning:\n%s", out)
	}
}

func TestFinishLiveReportsOtherFailures(t *testing.T) {
	var buf bytes.Buffer
	var err error
	stderr := captureStderr(t, func() {
		err = finishLive(&buf, pipeline.Stats{}, emotionTally{}, errors.New("disk full"))
	})
	if err == nil || !alreadyReported(err) {
		t.Fatalf("expected a reported error, got %v", err)
	}
	if !strings.Contains(stderr, "disk full") {
		t.Errorf("failure not shown:\n%s", stderr)
	}
}

func TestValidateImagePath(t *testing.T) {
	dir := t.TempDir()
	good := writePNG(t, dir, "face.PNG")
	gif := filepath.Join(dir, "anim.gif")
	os.WriteFile(gif, []byte("GIF89a"), 0644)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"Valid image", good, false},
		{"Missing file", filepath.Join(dir, "nope.jpg"), true},
		{"Directory", dir, true},
		{"Unsupported extension", gif, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateImagePath(tt.path); (err != nil) != tt.wantErr {
				t.Errorf("validateImagePath() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateVideoFlags(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(video, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	text := filepath.Join(dir, "notes.txt")
	os.WriteFile(text, []byte("x"), 0644)

	tests := []struct {
		name    string
		opts    videoOptions
		wantErr bool
	}{
		{"Valid options", videoOptions{InputPath: video, OutputPath: filepath.Join(dir, "out.mp4")}, false},
		{"Input file does not exist", videoOptions{InputPath: "nonexistent.mp4"}, true},
		{"Input is directory", videoOptions{InputPath: dir}, true},
		{"Not a video", videoOptions{InputPath: text}, true},
		{"Output overwrites input", videoOptions{InputPath: video, OutputPath: video}, true},
		{"Output directory missing", videoOptions{InputPath: video, OutputPath: filepath.Join(dir, "missing", "out.mp4")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateVideoFlags(tt.opts); (err != nil) != tt.wantErr {
				t.Errorf("validateVideoFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWatchQuit(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"hello\n q \nq\n", 1},
		{"QUIT\n", 1},
		{"keep going\n", 0},
		{"", 0},
	}
	for _, tt := range tests {
		stops := 0
		watchQuit(strings.NewReader(tt.input), func() { stops++ })
		if stops != tt.want {
			t.Errorf("watchQuit(%q) stopped %d times, want %d", tt.input, stops, tt.want)
		}
	}
}

func TestLiveConsolePrintsChanges(t *testing.T) {
	var buf bytes.Buffer
	c := &liveConsole{w: &buf}
	ctx := context.Background()

	c.Show(ctx, pipeline.Result{Seq: 1})
	c.Show(ctx, pipeline.Result{Seq: 2})
	c.Show(ctx, pipeline.Result{Seq: 3, Detections: []types.Detection{happyFace}, Summary: []string{"happy: 0.91"}})
	c.Show(ctx, pipeline.Result{Seq: 4, Err: errors.New("timeout")})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "[frame 1] No faces detected.") || !strings.Contains(lines[1], "happy: 0.91") || !strings.Contains(lines[2], "detection failed") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

type fakeLog struct {
	sessions []types.SessionInfo
	counts   []store.EmotionCount
	limit    int
}

func (f *fakeLog) ListSessions(_ context.Context, limit int) ([]types.SessionInfo, error) {
	f.limit = limit
	return f.sessions, nil
}

func (f *fakeLog) SessionTimeline(context.Context, string) ([]store.EmotionCount, error) {
	return f.counts, nil
}

func TestRunHistory(t *testing.T) {
	oldSession, oldLimit := historySession, historyLimit
	defer func() { historySession, historyLimit = oldSession, oldLimit }()

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(65 * time.Second)
	db := &fakeLog{
		sessions: []types.SessionInfo{
			{ID: "a1", Mode: "video", Source: "clip.mp4", State: "stopped", StartedAt: start, EndedAt: &end, Frames: 30, Faces: 12},
			{ID: "b2", Mode: "live", Source: "/dev/video0", State: "running", StartedAt: start},
		},
		counts: []store.EmotionCount{{Emotion: "happy", Count: 9, AvgScore: 0.812}},
	}

	historySession, historyLimit = "", 5
	var buf bytes.Buffer
	if err := runHistory(context.Background(), db, &buf); err != nil {
		t.Fatal(err)
	}
	if db.limit != 5 {
		t.Errorf("limit = %d", db.limit)
	}
	if !strings.Contains(buf.String(), "00:01:05") || !strings.Contains(buf.String(), "/dev/video0") {
		t.Errorf("unexpected listing:\n%s", buf.String())
	}

	historySession = "a1"
	buf.Reset()
	if err := runHistory(context.Background(), db, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "happy") || !strings.Contains(buf.String(), "0.81") {
		t.Errorf("unexpected timeline:\n%s", buf.String())
	}

	buf.Reset()
	printSessions(&buf, nil)
	if !strings.Contains(buf.String(), "No sessions") {
		t.Errorf("empty history printed %q", buf.String())
	}
}

func TestPrintProbe(t *testing.T) {
	caps := types.Capabilities{InferenceAvailable: true, VideoAvailable: true, CameraReason: "camera disabled by configuration"}

	var buf bytes.Buffer
	if err := printProbe(&buf, caps, false); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "camera disabled by configuration") || !strings.Contains(out, "use "+string(types.ModeVideo)) {
		t.Errorf("unexpected table:\n%s", out)
	}

	buf.Reset()
	if err := printProbe(&buf, caps, true); err != nil {
		t.Fatal(err)
	}
	var parsed struct {
		Capabilities types.Capabilities `json:"capabilities"`
		Modes        []json.RawMessage  `json:"modes"`
	}
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Capabilities != caps || len(parsed.Modes) != len(types.AllModes) {
		t.Errorf("unexpected JSON %+v", parsed)
	}
}

func TestRemoveOutputs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"emoscope-abc.mp4", "emoscope-upload-1.avi", "unrelated.mp4"} {
		os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644)
	}

	var n int
	captureStderr(t, func() { n = removeOutputs(dir) })
	if n != 2 {
		t.Errorf("removed %d files, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "unrelated.mp4")); err != nil {
		t.Error("removed a file emoscope did not write")
	}
}

func TestFmtTime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00"},
		{65, "00:01:05"},
		{3661, "01:01:01"},
	}

	for _, tt := range tests {
		if got := fmtTime(tt.seconds); got != tt.want {
			t.Errorf("fmtTime(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestImageInputFromStdin(t *testing.T) {
	var buf bytes.Buffer
	png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 3, 2)))

	raw, name := imageInput("-", &buf)
	if raw == nil || name != "stdin" {
		t.Fatalf("stdin not selected: %v %q", raw, name)
	}
	f, err := source.DecodeStill(raw)
	if err != nil {
		t.Fatal(err)
	}
	if f.Width != 3 || f.Height != 2 {
		t.Errorf("decoded %dx%d", f.Width, f.Height)
	}

	if raw, name := imageInput("/tmp/pics/face.jpg", &buf); raw != nil || name != "face.jpg" {
		t.Errorf("file path treated as stdin: %v %q", raw, name)
	}
}
