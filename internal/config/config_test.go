package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "emoscope.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
detector:
  backend: http
  url: http://fer:5000
  timeout: 5s
camera:
  device: /dev/video2
  headless: true
server:
  addr: 127.0.0.1:9090
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Detector.Backend != "http" || cfg.Detector.URL != "http://fer:5000" {
		t.Errorf("detector not parsed: %+v", cfg.Detector)
	}
	if cfg.Detector.Timeout != 5*time.Second {
		t.Errorf("timeout = %s", cfg.Detector.Timeout)
	}
	if !cfg.Camera.Headless || cfg.Camera.Device != "/dev/video2" {
		t.Errorf("camera not parsed: %+v", cfg.Camera)
	}
	// Untouched keys keep defaults
	if cfg.Camera.Width != 640 || cfg.Server.MaxUploadMB != 200 {
		t.Errorf("defaults lost: %+v %+v", cfg.Camera, cfg.Server)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("EMOSCOPE_HEADLESS", "true")
	t.Setenv("EMOSCOPE_DETECTOR_TIMEOUT", "2s")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "emo")

	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Camera.Headless {
		t.Error("EMOSCOPE_HEADLESS not applied")
	}
	if cfg.Detector.Timeout != 2*time.Second {
		t.Errorf("timeout = %s", cfg.Detector.Timeout)
	}
	if cfg.Database.URL != "postgres://u:p@db:5432/emo" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad backend", func(c *Config) { c.Detector.Backend = "onnx" }, "detector.backend"},
		{"relative url", func(c *Config) { c.Detector.Backend = "http"; c.Detector.URL = "fer:5000" }, "detector.url"},
		{"negative timeout", func(c *Config) { c.Detector.Timeout = -time.Second }, "detector.timeout"},
		{"half resolution", func(c *Config) { c.Camera.Height = 0 }, "set together"},
		{"fps", func(c *Config) { c.Camera.FPS = 500 }, "camera.fps"},
		{"addr", func(c *Config) { c.Server.Addr = "8080" }, "server.addr"},
		{"level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDefaultDetectorWaitsIndefinitely(t *testing.T) {
	cfg := Default()
	if cfg.Detector.Timeout != 0 {
		t.Fatalf("default detector timeout = %s, want 0", cfg.Detector.Timeout)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("zero timeout rejected: %v", err)
	}
}
