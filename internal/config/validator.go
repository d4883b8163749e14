package config

import (
	"fmt"
	"net"
	"net/url"

	"github.com/rs/zerolog"
)

// Validate checks the configuration for invalid values
func Validate(cfg *Config) error {
	switch cfg.Detector.Backend {
	case "python":
		if cfg.Detector.Python == "" || cfg.Detector.Script == "" {
			return fmt.Errorf("detector.python and detector.script are required for the python backend")
		}
	case "http":
		u, err := url.Parse(cfg.Detector.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("detector.url must be an absolute URL, got %q", cfg.Detector.URL)
		}
	default:
		return fmt.Errorf("detector.backend must be 'python' or 'http', got %q", cfg.Detector.Backend)
	}

	if cfg.Detector.Timeout < 0 {
		return fmt.Errorf("detector.timeout must be >= 0, got %s", cfg.Detector.Timeout)
	}

	if cfg.Camera.Width < 0 || cfg.Camera.Height < 0 {
		return fmt.Errorf("camera.width and camera.height must be >= 0")
	}
	if (cfg.Camera.Width == 0) != (cfg.Camera.Height == 0) {
		return fmt.Errorf("camera.width and camera.height must be set together")
	}
	if cfg.Camera.FPS < 0 || cfg.Camera.FPS > 120 {
		return fmt.Errorf("camera.fps must be between 0 and 120, got %d", cfg.Camera.FPS)
	}

	if cfg.Video.FPS <= 0 {
		return fmt.Errorf("video.fps must be positive, got %f", cfg.Video.FPS)
	}

	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		return fmt.Errorf("server.addr %q: %w", cfg.Server.Addr, err)
	}
	if cfg.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("server.max_upload_mb must be positive")
	}

	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}
