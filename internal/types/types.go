package types

import (
	"fmt"
	"strings"
	"time"
)

// ChannelOrder identifies how the three color channels of a Frame are laid out.
type ChannelOrder int

const (
	// OrderBGR is capture order: what decoders and cameras hand us, and what the display expects.
	OrderBGR ChannelOrder = iota
	// OrderRGB is inference order: what the emotion model expects.
	OrderRGB
)

func (o ChannelOrder) String() string {
	switch o {
	case OrderBGR:
		return "BGR"
	case OrderRGB:
		return "RGB"
	default:
		return fmt.Sprintf("ChannelOrder(%d)", int(o))
	}
}

// Box is a face bounding box in frame-pixel coordinates.
type Box struct {
	X int `json:"x" msgpack:"x"`
	Y int `json:"y" msgpack:"y"`
	W int `json:"w" msgpack:"w"`
	H int `json:"h" msgpack:"h"`
}

// Detection is one face returned by the inference collaborator.
// Emotion scores are in [0,1] and are not required to sum to 1.
type Detection struct {
	Box      Box                `json:"box" msgpack:"box"`
	Emotions map[string]float64 `json:"emotions" msgpack:"emotions"`
}

// Capabilities is the result of the startup probe. It is computed once and passed
// to whoever needs it; nothing re-reads the environment afterwards.
type Capabilities struct {
	InferenceAvailable bool   `json:"inference_available"`
	CameraAvailable    bool   `json:"camera_available"`
	VideoAvailable     bool   `json:"video_available"` // ffmpeg can decode and encode video files
	InferenceReason    string `json:"inference_reason,omitempty"`
	CameraReason       string `json:"camera_reason,omitempty"`
	VideoReason        string `json:"video_reason,omitempty"`
}

// SessionState is the observable lifecycle of one detection session.
type SessionState int32

const (
	Idle SessionState = iota
	Running
	Stopped
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// Mode is one of the fixed input modes offered to the user.
type Mode string

const (
	ModeWebcam Mode = "Webcam"
	ModeImage  Mode = "Image Upload"
	ModeVideo  Mode = "Video Upload"
	ModeLive   Mode = "Live Emotion Detection"
)

// AllModes lists the modes in the order they are offered.
var AllModes = []Mode{ModeWebcam, ModeImage, ModeVideo, ModeLive}

// NeedsCamera reports whether the mode acquires frames from a camera.
func (m Mode) NeedsCamera() bool {
	return m == ModeWebcam || m == ModeLive
}

// Slug is the short identifier used in URLs and persisted rows.
func (m Mode) Slug() string {
	switch m {
	case ModeWebcam:
		return "webcam"
	case ModeImage:
		return "image"
	case ModeVideo:
		return "video"
	case ModeLive:
		return "live"
	}
	return ""
}

// ParseMode accepts either the display name or the slug, case-insensitively.
func ParseMode(s string) (Mode, error) {
	for _, m := range AllModes {
		if strings.EqualFold(s, string(m)) || strings.EqualFold(s, m.Slug()) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// SessionInfo is a persisted summary of a finished or running session.
type SessionInfo struct {
	ID        string
	Mode      string
	Source    string
	State     string
	StartedAt time.Time
	EndedAt   *time.Time
	Frames    int
	Faces     int
}
