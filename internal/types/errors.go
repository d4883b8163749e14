package types

import "fmt"

// AcquisitionError means a frame source (camera, upload, video file) is unusable.
type AcquisitionError struct {
	Source string
	Reason string
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acquire %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("acquire %s: %s", e.Source, e.Reason)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// InvalidFrameError means a buffer does not have the expected shape.
type InvalidFrameError struct {
	Reason   string
	Channels int
}

func (e *InvalidFrameError) Error() string {
	return fmt.Sprintf("invalid frame: %s (channels=%d)", e.Reason, e.Channels)
}

// InferenceError wraps a failure of the emotion model on a single call.
type InferenceError struct {
	Cause error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("emotion inference failed: %v", e.Cause)
}

func (e *InferenceError) Unwrap() error { return e.Cause }

// DependencyUnavailableError means the inference collaborator could not be loaded at all.
type DependencyUnavailableError struct {
	Dependency string
	Err        error
}

func (e *DependencyUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyUnavailableError) Unwrap() error { return e.Err }
