package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given. A missing default file is not an error.
const DefaultPath = "emoscope.yaml"

// Config represents the complete emoscope configuration
type Config struct {
	Detector DetectorConfig `yaml:"detector"`
	Camera   CameraConfig   `yaml:"camera"`
	Video    VideoConfig    `yaml:"video"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

// DetectorConfig selects and tunes the emotion inference backend
type DetectorConfig struct {
	Backend string        `yaml:"backend"` // python, http
	Python  string        `yaml:"python"`  // interpreter for the python backend
	Script  string        `yaml:"script"`  // worker script for the python backend
	URL     string        `yaml:"url"`     // base URL for the http backend
	Timeout time.Duration `yaml:"timeout"` // per-frame read timeout, 0 waits indefinitely
	MTCNN   bool          `yaml:"mtcnn"`   // ask the worker to use the MTCNN face detector
}

// CameraConfig contains capture device settings
type CameraConfig struct {
	Device   string `yaml:"device"` // empty picks the platform default
	Format   string `yaml:"format"` // ffmpeg input format; empty picks the platform default
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	FPS      int    `yaml:"fps"`
	Headless bool   `yaml:"headless"` // declare the deployment camera-less
}

// VideoConfig contains video upload settings
type VideoConfig struct {
	OutputDir  string  `yaml:"output_dir"`
	SaveOutput bool    `yaml:"save_output"` // write an annotated copy of uploaded videos
	FPS        float64 `yaml:"fps"`         // output frame rate when the input rate is unknown
}

// ServerConfig contains the browser UI settings
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`
}

// DatabaseConfig enables session history when URL is set
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// LogConfig controls structured logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Detector: DetectorConfig{
			Backend: "python",
			Python:  "python3",
			Script:  "python/emotion_worker.py",
			URL:     "http://localhost:5000",
			Timeout: 0,
			MTCNN:   true,
		},
		Camera: CameraConfig{
			Width:  640,
			Height: 480,
			FPS:    15,
		},
		Video: VideoConfig{
			OutputDir: os.TempDir(),
			FPS:       1.0,
		},
		Server: ServerConfig{
			Addr:        ":8080",
			MaxUploadMB: 200,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads .env, the YAML file at path (if present) and EMOSCOPE_* environment overrides.
// An explicit path that does not exist is an error; the default path is optional.
func Load(path string) (*Config, error) {
	// .env is a convenience for local runs
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Detector.Backend, "EMOSCOPE_DETECTOR")
	setString(&cfg.Detector.Python, "EMOSCOPE_PYTHON")
	setString(&cfg.Detector.Script, "EMOSCOPE_WORKER_SCRIPT")
	setString(&cfg.Detector.URL, "EMOSCOPE_DETECTOR_URL")
	setString(&cfg.Camera.Device, "EMOSCOPE_CAMERA_DEVICE")
	setString(&cfg.Video.OutputDir, "EMOSCOPE_OUTPUT_DIR")
	setString(&cfg.Server.Addr, "EMOSCOPE_ADDR")
	setString(&cfg.Log.Level, "EMOSCOPE_LOG_LEVEL")
	setString(&cfg.Database.URL, "EMOSCOPE_DB")

	if v, ok := os.LookupEnv("EMOSCOPE_DETECTOR_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("EMOSCOPE_DETECTOR_TIMEOUT: %w", err)
		}
		cfg.Detector.Timeout = d
	}
	if v, ok := os.LookupEnv("EMOSCOPE_HEADLESS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("EMOSCOPE_HEADLESS: %w", err)
		}
		cfg.Camera.Headless = b
	}

	// Build the connection string from the environment like the rest of our tooling
	if cfg.Database.URL == "" {
		if host := os.Getenv("POSTGRES_HOST"); host != "" {
			port := os.Getenv("POSTGRES_PORT")
			if port == "" {
				port = "5432"
			}
			cfg.Database.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
				os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
