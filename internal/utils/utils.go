package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (ffmpeg / Python logs).
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a context-bound command and attaches a buffer to its Stderr.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns the captured stderr, trimmed.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return strings.TrimSpace(s.Stderr.String())
}

// ShowError prints a formatted error box and dumps child process logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 EMOSCOPE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if logs := s.Logs(); logs != "" {
		fmt.Fprintf(os.Stderr, "\nPROCESS LOGS:\n%s\n", logs)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the exit strategy for unrecoverable bootstrap failures.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// LookupBinary reports whether an executable is on PATH.
func LookupBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found on PATH: %w", name, err)
	}
	return nil
}

// --- 2. Video Engine (shared by video, webcam and live modes) ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFFmpegDecoder creates a decoder pipe that emits the input as MJPEG frames on stdout.
func NewFFmpegDecoder(ctx context.Context, inputPath string) *SafeCommand {
	// -loglevel error keeps the stderr buffer small
	return NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-i", inputPath,
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-")
}

// CaptureArgs describes how ffmpeg should open a camera device.
type CaptureArgs struct {
	Format string // v4l2, avfoundation, dshow
	Device string
	Width  int
	Height int
	FPS    int
	Frames int // 0 means unbounded
}

// NewFFmpegCapture opens a camera through ffmpeg and emits MJPEG frames on stdout.
func NewFFmpegCapture(ctx context.Context, c CaptureArgs) *SafeCommand {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", c.Format}
	if c.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(c.FPS))
	}
	if c.Width > 0 && c.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height))
	}
	args = append(args, "-i", c.Device)
	if c.Frames > 0 {
		args = append(args, "-frames:v", strconv.Itoa(c.Frames))
	}
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-")
	return NewSafeCommand(ctx, "ffmpeg", args...)
}

// NewFFmpegEncoder reads raw bgr24 frames on stdin and writes an encoded video file.
func NewFFmpegEncoder(ctx context.Context, outputPath string, fps float64, width, height int) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', 3, 64),
		"-i", "-",
		"-pix_fmt", "yuv420p", outputPath)
}

type ffprobeOutput struct {
	Streams []struct {
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
		RFrameRate    string `json:"r_frame_rate"`
	} `json:"streams"`
}

// GetTotalFrames uses ffprobe to read the frame count for the progress bar.
// It returns 0 if the count fails, allowing the caller to fall back to a spinner.
func GetTotalFrames(ctx context.Context, path string) int {
	if LookupBinary("ffprobe") != nil {
		return 0
	}
	out, err := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=nb_frames", "-of", "json", path).Output()
	if err != nil {
		return 0
	}
	var res ffprobeOutput
	if json.Unmarshal(out, &res) != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbFrames)
	if err != nil || count < 0 {
		return 0
	}
	return count
}

// GetVideoFPS returns the stream frame rate, e.g. "30000/1001" -> 29.97.
func GetVideoFPS(ctx context.Context, path string) (float64, error) {
	if err := LookupBinary("ffprobe"); err != nil {
		return 0, err
	}
	out, err := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate", "-of", "json", path).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return 0, fmt.Errorf("no video stream in %s", path)
	}
	return ParseRate(res.Streams[0].RFrameRate)
}

// ParseRate parses an ffprobe rational ("30/1") or decimal rate.
func ParseRate(s string) (float64, error) {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	return n / d, nil
}

// Fingerprint creates a deterministic hash for a file based on its path, size, and
// modification time.
func Fingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
