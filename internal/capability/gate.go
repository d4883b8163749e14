package capability

import (
	"fmt"

	"github.com/andresmejia3/emoscope/internal/types"
)

// Decision says whether and how a mode may run.
type Decision struct {
	Mode     types.Mode `json:"mode"`
	Enabled  bool       `json:"enabled"`
	Degraded bool       `json:"degraded"` // runs without detection
	Message  string     `json:"message,omitempty"`
	Redirect types.Mode `json:"redirect,omitempty"`
}

// Gate decides how mode behaves given the probed capabilities. Camera modes without a
// camera, and video without ffmpeg, are disabled and point at an upload mode. Without
// inference every mode still runs, display-only.
func Gate(mode types.Mode, caps types.Capabilities) Decision {
	d := Decision{Mode: mode, Enabled: true}
	if mode.NeedsCamera() && !caps.CameraAvailable {
		d.Enabled = false
		d.Redirect = types.ModeImage
		if mode == types.ModeLive && caps.VideoAvailable {
			d.Redirect = types.ModeVideo
		}
		d.Message = fmt.Sprintf("%s is not available here: %s. Use %s instead.", mode, caps.CameraReason, d.Redirect)
		return d
	}
	if mode == types.ModeVideo && !caps.VideoAvailable {
		d.Enabled = false
		d.Redirect = types.ModeImage
		d.Message = fmt.Sprintf("%s is not available here: %s. Use %s instead.", mode, caps.VideoReason, d.Redirect)
		return d
	}
	if !caps.InferenceAvailable {
		d.Degraded = true
		d.Message = fmt.Sprintf("Emotion detection is not available (%s). Frames will be shown without detection.", caps.InferenceReason)
	}
	return d
}

// GateAll returns a decision per mode, in menu order.
func GateAll(caps types.Capabilities) []Decision {
	out := make([]Decision, 0, len(types.AllModes))
	for _, m := range types.AllModes {
		out = append(out, Gate(m, caps))
	}
	return out
}

// Degrade records a detector that failed to load after a successful probe, so later
// decisions fall back to display-only.
func Degrade(caps types.Capabilities, err error) types.Capabilities {
	caps.InferenceAvailable = false
	caps.InferenceReason = err.Error()
	return caps
}
