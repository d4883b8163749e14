package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/andresmejia3/emoscope/internal/capability"
	"github.com/andresmejia3/emoscope/internal/pipeline"
	"github.com/andresmejia3/emoscope/internal/source"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type liveOptions struct {
	SnapshotPath string
	Frames       int
}

var liveOpts liveOptions

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Run emotion detection on the camera until stopped",
	Long:  "Streams the local camera through the detector. Press q then Enter, or Ctrl+C, to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if liveOpts.Frames < 0 {
			return fmt.Errorf("--frames must be >= 0, got %d", liveOpts.Frames)
		}
		return runLive(cmd.Context(), liveOpts, os.Stdin, os.Stdout)
	},
}

func init() {
	liveCmd.Flags().StringVarP(&liveOpts.SnapshotPath, "snapshot", "s", "", "Keep the latest annotated frame at this path")
	liveCmd.Flags().IntVarP(&liveOpts.Frames, "frames", "n", 0, "Stop after this many frames (0 runs until stopped)")
	rootCmd.AddCommand(liveCmd)
}

func runLive(ctx context.Context, opts liveOptions, in io.Reader, out io.Writer) error {
	caps := probe(ctx)
	d := capability.Gate(types.ModeLive, caps)
	if !d.Enabled {
		return report("Live detection is not available", errors.New(d.Message), nil)
	}
	announce(d)

	proc, closeProc, err := openProcessor(ctx, caps)
	if err != nil {
		return err
	}
	defer closeProc()

	spec := capability.HostCamera(Cfg.Camera)
	spec.Frames = opts.Frames
	cam, err := source.NewCamera(ctx, spec)
	if err != nil {
		return report("Failed to open the camera", err, nil)
	}

	sess := pipeline.NewSession(uuid.NewString(), types.ModeLive, proc)
	go watchQuit(in, sess.Stop)

	tally := emotionTally{}
	sinks := pipeline.MultiSink{tally, &liveConsole{w: out}}
	if opts.SnapshotPath != "" {
		sinks = append(sinks, &pipeline.SnapshotSink{Path: opts.SnapshotPath})
	}

	fmt.Fprintf(os.Stderr, "🎥 Live detection on %s. Press q then Enter to stop.\n", spec.Device)
	err = sess.RunRecorded(ctx, cam, sinks, history(), spec.Device)
	return finishLive(os.Stderr, sess.Stats(), tally, err)
}

// finishLive prints the summary for whatever ran. A camera that stops mid-stream
// ends the session like a stop request; anything else is a failure.
func finishLive(w io.Writer, st pipeline.Stats, tally emotionTally, err error) error {
	var acq *types.AcquisitionError
	if err != nil && !errors.As(err, &acq) {
		return report("Live detection stopped", err, nil)
	}
	printSummary(w, st, tally)
	if acq != nil {
		fmt.Fprintf(w, "⚠️  Camera stopped: %v\n", acq)
	}
	return nil
}

// watchQuit calls stop when a line reading q or quit arrives on r.
func watchQuit(r io.Reader, stop func()) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "q", "quit":
			stop()
			return
		}
	}
}

// liveConsole prints a line whenever what the camera sees changes.
type liveConsole struct {
	w    io.Writer
	mu   sync.Mutex
	last string
}

func (c *liveConsole) Show(_ context.Context, r pipeline.Result) error {
	line := frameLine(r)
	c.mu.Lock()
	defer c.mu.Unlock()
	if line == c.last {
		return nil
	}
	c.last = line
	_, err := fmt.Fprintf(c.w, "🎭 [frame %d] %s\n", r.Seq, line)
	return err
}
