package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/emoscope/internal/annotate"
	"github.com/andresmejia3/emoscope/internal/capability"
	"github.com/andresmejia3/emoscope/internal/detector"
	"github.com/andresmejia3/emoscope/internal/pipeline"
	"github.com/andresmejia3/emoscope/internal/source"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/andresmejia3/emoscope/internal/utils"
	"github.com/google/uuid"
)

// report shows the error box and marks err as already surfaced.
func report(context string, err error, s *utils.SafeCommand) error {
	utils.ShowError(context, err, s)
	return reportedError{err: err}
}

func noop() {}

// openProcessor loads the detector when the probe found one and falls back to a
// display-only processor otherwise. A detector that fails to load is reported once.
func openProcessor(ctx context.Context, caps types.Capabilities) (*pipeline.Processor, func(), error) {
	if !caps.InferenceAvailable {
		return pipeline.NewProcessor(nil, nil), noop, nil
	}
	fmt.Fprintln(os.Stderr, "🚀 Starting emotion detector...")
	inv, err := detector.Open(ctx, Cfg.Detector)
	if err != nil {
		return nil, noop, report("Failed to start the emotion detector", err, nil)
	}
	return pipeline.NewProcessor(inv, nil), func() { inv.Close() }, nil
}

// announce prints the gate message for a mode that still runs.
func announce(d capability.Decision) {
	if d.Message != "" {
		fmt.Fprintf(os.Stderr, "⚠️  %s\n", d.Message)
	}
}

// analyzeStill runs a one-frame session over src and prints what was found. outPath,
// when set, receives the annotated image.
func analyzeStill(ctx context.Context, proc *pipeline.Processor, mode types.Mode, src source.Source, name, outPath string, out io.Writer) error {
	var res pipeline.Result
	sinks := pipeline.MultiSink{pipeline.FuncSink(func(_ context.Context, r pipeline.Result) error {
		res = r
		return nil
	})}
	if outPath != "" {
		sinks = append(sinks, &pipeline.SnapshotSink{Path: outPath})
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	sess := pipeline.NewSession(uuid.NewString(), mode, proc)
	if err := sess.RunRecorded(ctx, src, sinks, history(), name); err != nil {
		return report("Failed to analyze "+name, err, nil)
	}
	if sess.Stats().Frames == 0 {
		return report("Failed to analyze "+name, &types.AcquisitionError{Source: name, Reason: "no frame was captured"}, nil)
	}

	printStill(out, res)
	if outPath != "" {
		fmt.Fprintf(os.Stderr, "💾 Annotated image saved to %s\n", outPath)
	}
	return nil
}

// printStill writes the per-face table for a single image.
func printStill(w io.Writer, res pipeline.Result) {
	switch {
	case res.Degraded:
		fmt.Fprintln(w, "⚠️  Emotion detection is not available; the image was not analyzed.")
		return
	case res.Err != nil:
		fmt.Fprintln(w, "⚠️  Emotion detection failed for this image.")
		return
	case len(res.Detections) == 0:
		fmt.Fprintln(w, "❌ No faces detected.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "FACE\tBOX\tEMOTION")
	fmt.Fprintln(tw, "----\t---\t-------")
	for i, d := range res.Detections {
		fmt.Fprintf(tw, "%d\t%d,%d %dx%d\t%s\n", i+1, d.Box.X, d.Box.Y, d.Box.W, d.Box.H, annotate.Label(d))
	}
	tw.Flush()
}

// emotionTally counts dominant emotions across a stream.
type emotionTally map[string]int

func (t emotionTally) Show(_ context.Context, r pipeline.Result) error {
	for label, n := range annotate.Counts(r.Detections) {
		t[label] += n
	}
	return nil
}

// printSummary writes the end-of-session report.
func printSummary(w io.Writer, st pipeline.Stats, tally emotionTally) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 SESSION SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	fmt.Fprintf(w, "🎞️  Frames processed:        %d\n", st.Frames)
	fmt.Fprintf(w, "👁️  Total face detections:   %d\n", st.Faces)
	if st.InferenceErrors > 0 {
		fmt.Fprintf(w, "⚠️  Frames without detection: %d\n", st.InferenceErrors)
	}

	if len(tally) > 0 {
		labels := make([]string, 0, len(tally))
		for l := range tally {
			labels = append(labels, l)
		}
		sort.Slice(labels, func(i, j int) bool {
			if tally[labels[i]] != tally[labels[j]] {
				return tally[labels[i]] > tally[labels[j]]
			}
			return labels[i] < labels[j]
		})
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "EMOTION\tFACES")
		fmt.Fprintln(tw, "-------\t-----")
		for _, l := range labels {
			fmt.Fprintf(tw, "%s\t%d\n", l, tally[l])
		}
		tw.Flush()
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// frameLine is the one-line console rendering of a streamed frame.
func frameLine(r pipeline.Result) string {
	switch {
	case r.Degraded:
		return "detection not available"
	case r.Err != nil:
		return "detection failed"
	case len(r.Detections) == 0:
		return "No faces detected."
	}
	return strings.Join(r.Summary, ", ")
}
