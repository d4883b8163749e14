// Package detector is the boundary to the external emotion model.
package detector

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/emoscope/internal/config"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/andresmejia3/emoscope/internal/worker"
)

// Detector is an emotion model. Detect receives an inference-order (RGB) frame.
type Detector interface {
	Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error)
	Close() error
}

// Invoker calls a Detector and normalizes its failures. It passes detections through
// unchanged, in the collaborator's order.
type Invoker struct {
	d Detector
}

// NewInvoker wraps d.
func NewInvoker(d Detector) *Invoker {
	return &Invoker{d: d}
}

// Detect runs inference on an RGB frame. Collaborator failures come back as *types.InferenceError.
func (inv *Invoker) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if frame.Order != types.OrderRGB {
		return nil, &types.InvalidFrameError{Reason: "detector expects RGB input, got " + frame.Order.String(), Channels: frame.Channels}
	}

	dets, err := inv.d.Detect(ctx, frame)
	if err != nil {
		var ie *types.InferenceError
		if errors.As(err, &ie) {
			return nil, err
		}
		return nil, &types.InferenceError{Cause: err}
	}
	return dets, nil
}

// Close releases the underlying detector.
func (inv *Invoker) Close() error {
	return inv.d.Close()
}

// Open constructs the configured backend. Any failure is a *types.DependencyUnavailableError
// and should be reported to the user once.
func Open(ctx context.Context, cfg config.DetectorConfig) (*Invoker, error) {
	switch cfg.Backend {
	case "python":
		w, err := worker.NewPythonWorker(ctx, 0, worker.Config{
			Python:      cfg.Python,
			Script:      cfg.Script,
			MTCNN:       cfg.MTCNN,
			ReadTimeout: cfg.Timeout,
		})
		if err != nil {
			return nil, &types.DependencyUnavailableError{Dependency: "python emotion worker", Err: err}
		}
		return NewInvoker(&pythonDetector{w: w}), nil
	case "http":
		h := NewHTTPDetector(cfg.URL, cfg.Timeout)
		if err := h.Ping(ctx); err != nil {
			return nil, &types.DependencyUnavailableError{Dependency: "emotion service " + cfg.URL, Err: err}
		}
		return NewInvoker(h), nil
	default:
		return nil, &types.DependencyUnavailableError{Dependency: "detector", Err: fmt.Errorf("unknown backend %q", cfg.Backend)}
	}
}

// pythonDetector adapts the subprocess worker to Detector.
type pythonDetector struct {
	w *worker.PythonWorker
}

func (p *pythonDetector) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	// The worker call itself is not interruptible; a pending cancel is still honoured up front.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.w.ProcessFrame(frame)
}

func (p *pythonDetector) Close() error {
	return p.w.Close()
}
