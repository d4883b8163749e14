package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/emoscope/internal/source"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/rs/zerolog/log"
)

// ErrSessionUsed is returned when Run is called on a session that already ran.
var ErrSessionUsed = errors.New("session has already been started")

// Sink presents results. A sink error ends the session.
type Sink interface {
	Show(ctx context.Context, r Result) error
}

// Stats counts what a session has done so far.
type Stats struct {
	Frames          int `json:"frames"`
	InferenceErrors int `json:"inference_errors"`
	Faces           int `json:"faces"`
}

// Session is one run of the loop over one source. States only move forward:
// Idle -> Running -> Stopped.
type Session struct {
	ID   string
	Mode types.Mode

	proc     *Processor
	state    atomic.Int32
	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	stats Stats
}

// NewSession returns an idle session.
func NewSession(id string, mode types.Mode, proc *Processor) *Session {
	return &Session{ID: id, Mode: mode, proc: proc, stopCh: make(chan struct{})}
}

// State is safe to call from any goroutine.
func (s *Session) State() types.SessionState {
	return types.SessionState(s.state.Load())
}

// Stop asks the loop to finish after the frame in flight. It is idempotent and may be
// called before Run, in which case Run returns without acquiring anything.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.state.CompareAndSwap(int32(types.Idle), int32(types.Stopped))
}

func (s *Session) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) record(r Result) {
	s.mu.Lock()
	s.stats.Frames++
	s.stats.Faces += len(r.Detections)
	if r.Err != nil {
		s.stats.InferenceErrors++
	}
	s.mu.Unlock()
}

// Run acquires, processes and shows frames until the source ends, Stop is called or
// ctx is cancelled. src is closed on every return path. End of stream and stop
// requests return nil; acquisition and sink failures are returned.
func (s *Session) Run(ctx context.Context, src source.Source, sink Sink) error {
	defer src.Close()

	if !s.state.CompareAndSwap(int32(types.Idle), int32(types.Running)) {
		if !s.started.Load() && s.stopRequested() {
			// Stopped before it ever started.
			return nil
		}
		return ErrSessionUsed
	}
	s.started.Store(true)
	defer s.state.Store(int32(types.Stopped))

	logger := log.With().Str("session", s.ID).Str("mode", s.Mode.Slug()).Logger()
	logger.Debug().Msg("session started")

	for {
		if s.stopRequested() || ctx.Err() != nil {
			logger.Debug().Msg("session stopped")
			return nil
		}

		frame, err := src.Next(ctx)
		if err == io.EOF {
			logger.Debug().Int("frames", s.Stats().Frames).Msg("source exhausted")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		res := s.proc.Process(ctx, frame)
		if res.Err != nil {
			logger.Warn().Err(res.Err).Uint64("frame", res.Seq).Msg("frame shown without annotations")
		}
		s.record(res)

		if err := sink.Show(ctx, res); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("display failed: %w", err)
		}
	}
}

// RunStill processes the single frame of src and shows it. It is terminal: there is
// no session state to stop.
func RunStill(ctx context.Context, proc *Processor, src source.Source, sink Sink) (Result, error) {
	defer src.Close()

	frame, err := src.Next(ctx)
	if err == io.EOF {
		return Result{}, &types.AcquisitionError{Source: "still", Reason: "no image"}
	}
	if err != nil {
		return Result{}, err
	}
	res := proc.Process(ctx, frame)
	if sink != nil {
		if err := sink.Show(ctx, res); err != nil {
			return res, err
		}
	}
	return res, nil
}
