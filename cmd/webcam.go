package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andresmejia3/emoscope/internal/capability"
	"github.com/andresmejia3/emoscope/internal/source"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type webcamOptions struct {
	OutputPath    string
	FallbackImage string
}

var webcamOpts webcamOptions

var webcamCmd = &cobra.Command{
	Use:   "webcam",
	Short: "Take one picture with the camera and detect emotions in it",
	Long: "Captures a single frame from the local camera. When no camera is available, " +
		"--fallback-image is analyzed instead.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runWebcam(cmd.Context(), webcamOpts, os.Stdout)
	},
}

func init() {
	webcamCmd.Flags().StringVarP(&webcamOpts.OutputPath, "output", "o", "webcam.jpg", "Write the annotated capture to this path (empty to skip)")
	webcamCmd.Flags().StringVarP(&webcamOpts.FallbackImage, "fallback-image", "f", "", "Image to analyze when the camera cannot be used")
	rootCmd.AddCommand(webcamCmd)
}

func runWebcam(ctx context.Context, opts webcamOptions, out io.Writer) error {
	if opts.FallbackImage != "" {
		if err := validateImagePath(opts.FallbackImage); err != nil {
			return err
		}
	}

	caps := probe(ctx)
	d := capability.Gate(types.ModeWebcam, caps)
	if !d.Enabled && opts.FallbackImage == "" {
		return report("Webcam is not available", errors.New(d.Message), nil)
	}
	announce(d)

	proc, closeProc, err := openProcessor(ctx, caps)
	if err != nil {
		return err
	}
	defer closeProc()

	if d.Enabled {
		spec := capability.HostCamera(Cfg.Camera)
		spec.Frames = 1
		fmt.Fprintf(os.Stderr, "📸 Capturing from %s...\n", spec.Device)
		cam, err := source.NewCamera(ctx, spec)
		if err == nil {
			return analyzeStill(ctx, proc, types.ModeWebcam, cam, spec.Device, opts.OutputPath, out)
		}
		if opts.FallbackImage == "" {
			return report("Failed to open the camera", err, nil)
		}
		log.Warn().Err(err).Msg("camera capture failed, using the fallback image")
	}

	src, err := source.NewStill(source.FileBytes(opts.FallbackImage))
	if err != nil {
		return report("Could not read the image", err, nil)
	}
	return analyzeStill(ctx, proc, types.ModeWebcam, src, filepath.Base(opts.FallbackImage), opts.OutputPath, out)
}
