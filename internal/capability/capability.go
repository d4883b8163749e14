// Package capability decides, once at startup, what this deployment can do. It is the
// only package that looks at the host operating system and environment markers.
package capability

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/emoscope/internal/config"
	"github.com/andresmejia3/emoscope/internal/detector"
	"github.com/andresmejia3/emoscope/internal/source"
	"github.com/andresmejia3/emoscope/internal/types"
)

// Env is the slice of the host that the probe reads. Tests substitute their own.
type Env struct {
	GOOS     string
	Getenv   func(string) string
	LookPath func(string) error
	Stat     func(string) error
}

// SystemEnv reads the real host.
func SystemEnv() Env {
	return Env{
		GOOS:   runtime.GOOS,
		Getenv: os.Getenv,
		LookPath: func(name string) error {
			_, err := exec.LookPath(name)
			return err
		},
		Stat: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
	}
}

// hostedMarkers are variables set by hosting platforms that never expose a camera.
var hostedMarkers = []string{
	"STREAMLIT_SHARING_MODE",
	"SPACE_ID", // Hugging Face Spaces
	"DYNO",     // Heroku
	"K_SERVICE",
	"KUBERNETES_SERVICE_HOST",
	"CODESPACES",
}

// CameraDefaults returns the ffmpeg input format and default device for an OS.
func CameraDefaults(goos string) (format, device string, ok bool) {
	switch goos {
	case "linux":
		return "v4l2", "/dev/video0", true
	case "darwin":
		return "avfoundation", "0", true
	case "windows":
		return "dshow", "video=Integrated Camera", true
	default:
		return "", "", false
	}
}

// CameraSpec resolves the configured camera against the platform defaults.
func CameraSpec(cfg config.CameraConfig, goos string) source.CameraSpec {
	format, device, _ := CameraDefaults(goos)
	if cfg.Format != "" {
		format = cfg.Format
	}
	if cfg.Device != "" {
		device = cfg.Device
	}
	return source.CameraSpec{
		Format: format,
		Device: device,
		Width:  cfg.Width,
		Height: cfg.Height,
		FPS:    cfg.FPS,
	}
}

// HostCamera resolves the configured camera for the running OS.
func HostCamera(cfg config.CameraConfig) source.CameraSpec {
	return CameraSpec(cfg, runtime.GOOS)
}

// Probe checks inference, camera and video file support. It does not load the model;
// a backend that looks present can still fail in detector.Open.
func Probe(ctx context.Context, cfg *config.Config, env Env) types.Capabilities {
	var caps types.Capabilities
	if reason := probeInference(ctx, cfg.Detector, env); reason != "" {
		caps.InferenceReason = reason
	} else {
		caps.InferenceAvailable = true
	}
	if err := env.LookPath("ffmpeg"); err != nil {
		caps.VideoReason = "ffmpeg is not installed"
	} else {
		caps.VideoAvailable = true
	}
	if reason := probeCamera(cfg.Camera, env); reason != "" {
		caps.CameraReason = reason
	} else {
		caps.CameraAvailable = true
	}
	return caps
}

func probeInference(ctx context.Context, cfg config.DetectorConfig, env Env) string {
	switch cfg.Backend {
	case "python":
		if err := env.LookPath(cfg.Python); err != nil {
			return fmt.Sprintf("python interpreter %q not found", cfg.Python)
		}
		if err := env.Stat(cfg.Script); err != nil {
			return fmt.Sprintf("worker script %s is missing", cfg.Script)
		}
		return ""
	case "http":
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := detector.NewHTTPDetector(cfg.URL, cfg.Timeout).Ping(ctx); err != nil {
			return fmt.Sprintf("emotion service at %s is unreachable", cfg.URL)
		}
		return ""
	default:
		return fmt.Sprintf("unknown detector backend %q", cfg.Backend)
	}
}

func probeCamera(cfg config.CameraConfig, env Env) string {
	if cfg.Headless {
		return "camera disabled by configuration"
	}
	if v := env.Getenv("EMOSCOPE_HEADLESS"); v != "" {
		if on, err := strconv.ParseBool(v); err != nil || on {
			return "camera disabled by EMOSCOPE_HEADLESS"
		}
	}
	for _, m := range hostedMarkers {
		if env.Getenv(m) != "" {
			return "running in a hosted environment without camera access"
		}
	}
	if _, _, ok := CameraDefaults(env.GOOS); !ok && cfg.Format == "" {
		return fmt.Sprintf("no camera support on %s", env.GOOS)
	}
	if err := env.LookPath("ffmpeg"); err != nil {
		return "ffmpeg is not installed"
	}
	spec := CameraSpec(cfg, env.GOOS)
	if spec.Format == "v4l2" && strings.HasPrefix(spec.Device, "/dev/") {
		if err := env.Stat(spec.Device); err != nil {
			return fmt.Sprintf("no camera at %s", spec.Device)
		}
	}
	return ""
}
