package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/emoscope/internal/capability"
	"github.com/andresmejia3/emoscope/internal/pipeline"
	"github.com/andresmejia3/emoscope/internal/source"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/andresmejia3/emoscope/internal/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var videoExts = []string{".mp4", ".avi", ".mov", ".mkv"}

type videoOptions struct {
	InputPath  string
	OutputPath string
	NoProgress bool
}

var videoOpts videoOptions

var videoCmd = &cobra.Command{
	Use:   "video",
	Short: "Detect emotions frame by frame in a video file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runVideo(cmd.Context(), videoOpts)
	},
}

func init() {
	videoCmd.Flags().StringVarP(&videoOpts.InputPath, "input", "i", "", "Path to video")
	videoCmd.Flags().StringVarP(&videoOpts.OutputPath, "output", "o", "", "Write an annotated copy of the video to this path")
	videoCmd.Flags().BoolVar(&videoOpts.NoProgress, "no-progress", false, "Hide the progress bar")

	videoCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(videoCmd)
}

// runVideo streams the file through the detector until it ends or the user interrupts.
func runVideo(ctx context.Context, opts videoOptions) error {
	if err := validateVideoFlags(opts); err != nil {
		return err
	}

	caps := probe(ctx)
	d := capability.Gate(types.ModeVideo, caps)
	if !d.Enabled {
		return report("Video detection is not available", errors.New(d.Message), nil)
	}
	announce(d)

	proc, closeProc, err := openProcessor(ctx, caps)
	if err != nil {
		return err
	}
	defer closeProc()

	videoID, err := utils.Fingerprint(opts.InputPath)
	if err != nil {
		return report("Failed to fingerprint video", err, nil)
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s\n", videoID[:12])

	fps, err := utils.GetVideoFPS(ctx, opts.InputPath)
	if err != nil {
		log.Warn().Err(err).Float64("fallback", Cfg.Video.FPS).Msg("could not read the video frame rate")
		fps = Cfg.Video.FPS
	}

	src, err := source.NewVideo(ctx, opts.InputPath)
	if err != nil {
		return report("Failed to open video", err, nil)
	}

	tally := emotionTally{}
	sinks := pipeline.MultiSink{tally}

	var progress *pipeline.ProgressSink
	if !opts.NoProgress {
		progress = pipeline.NewProgressSink(os.Stderr, utils.GetTotalFrames(ctx, opts.InputPath), "🎭 Detecting emotions")
		sinks = append(sinks, progress)
	}

	outPath := opts.OutputPath
	if outPath == "" && Cfg.Video.SaveOutput {
		outPath = filepath.Join(Cfg.Video.OutputDir, "emoscope-"+videoID[:12]+".mp4")
	}
	var video *pipeline.VideoSink
	if outPath != "" {
		video = pipeline.NewVideoSink(outPath, fps)
		sinks = append(sinks, video)
	}

	sess := pipeline.NewSession(uuid.NewString(), types.ModeVideo, proc)
	runErr := sess.RunRecorded(ctx, src, sinks, history(), opts.InputPath)

	if progress != nil {
		progress.Finish()
	}
	if video != nil {
		if n, err := video.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "\n⚠️  Annotated video was not fully written: %v\n", err)
		} else if n > 0 {
			fmt.Fprintf(os.Stderr, "\n💾 Annotated video saved to %s\n", outPath)
		}
	}
	if runErr != nil {
		return report("Video processing failed", runErr, nil)
	}
	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "\n🛑 Interrupted.")
	}

	printSummary(os.Stderr, sess.Stats(), tally)
	if DB != nil {
		fmt.Fprintf(os.Stderr, "🗄️  Recorded as session %s\n", sess.ID)
	}
	return nil
}

// validateVideoFlags ensures all CLI arguments are valid before starting heavy processes.
func validateVideoFlags(opts videoOptions) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %s", opts.InputPath)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path is a directory, expected a video file: %s", opts.InputPath)
	}
	if !hasExt(opts.InputPath, videoExts) {
		return fmt.Errorf("unsupported video type %q (use %s)", filepath.Ext(opts.InputPath), strings.Join(videoExts, ", "))
	}
	if opts.OutputPath != "" {
		if abs(opts.OutputPath) == abs(opts.InputPath) {
			return fmt.Errorf("output would overwrite the input video")
		}
		if dir := filepath.Dir(opts.OutputPath); dir != "." {
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				return fmt.Errorf("output directory does not exist: %s", dir)
			}
		}
	}
	return nil
}

func abs(path string) string {
	if p, err := filepath.Abs(path); err == nil {
		return p
	}
	return path
}
