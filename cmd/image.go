package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/emoscope/internal/capability"
	"github.com/andresmejia3/emoscope/internal/source"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/spf13/cobra"
)

var imageExts = []string{".jpg", ".jpeg", ".png"}

type imageOptions struct {
	InputPath  string
	OutputPath string
}

var imageOpts imageOptions

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Detect emotions in a still image",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runImage(cmd.Context(), imageOpts, os.Stdout)
	},
}

func init() {
	imageCmd.Flags().StringVarP(&imageOpts.InputPath, "input", "i", "", "Path to a jpg, jpeg or png image (- reads stdin)")
	imageCmd.Flags().StringVarP(&imageOpts.OutputPath, "output", "o", "", "Write the annotated image to this path")
	imageCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(imageCmd)
}

func runImage(ctx context.Context, opts imageOptions, out io.Writer) error {
	raw, name := imageInput(opts.InputPath, os.Stdin)
	if raw == nil {
		if err := validateImagePath(opts.InputPath); err != nil {
			return err
		}
		raw = source.FileBytes(opts.InputPath)
	}

	caps := probe(ctx)
	d := capability.Gate(types.ModeImage, caps)
	announce(d)

	proc, closeProc, err := openProcessor(ctx, caps)
	if err != nil {
		return err
	}
	defer closeProc()

	src, err := source.NewStill(raw)
	if err != nil {
		return report("Could not read the image", err, nil)
	}
	return analyzeStill(ctx, proc, types.ModeImage, src, name, opts.OutputPath, out)
}

// maxStdinImage bounds what `-i -` will buffer.
const maxStdinImage = 64 * 1024 * 1024

// imageInput returns a stdin reader for "-" and nil for a file path.
func imageInput(path string, stdin io.Reader) (source.RawBytesSource, string) {
	if path == "-" {
		return source.ReaderBytes("stdin", stdin, maxStdinImage), "stdin"
	}
	return nil, filepath.Base(path)
}

// validateImagePath checks the input before any detector is started.
func validateImagePath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %s", path)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path is a directory, expected an image: %s", path)
	}
	if !hasExt(path, imageExts) {
		return fmt.Errorf("unsupported image type %q (use %s)", filepath.Ext(path), strings.Join(imageExts, ", "))
	}
	return nil
}

func hasExt(path string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, a := range allowed {
		if ext == a {
			return true
		}
	}
	return false
}
