package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/andresmejia3/emoscope/internal/capability"
	"github.com/andresmejia3/emoscope/internal/pipeline"
	"github.com/andresmejia3/emoscope/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the browser UI with every detection mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if serveAddr != "" {
			Cfg.Server.Addr = serveAddr
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (default from config, :8080)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	caps := probe(ctx)

	proc, closeProc, err := openProcessor(ctx, caps)
	if err != nil {
		// Already reported; the UI keeps running without detection.
		caps = capability.Degrade(caps, err)
		proc = pipeline.NewProcessor(nil, nil)
	}
	defer closeProc()

	for _, d := range capability.GateAll(caps) {
		if d.Message != "" {
			log.Info().Str("mode", d.Mode.Slug()).Bool("enabled", d.Enabled).Msg(d.Message)
		}
	}

	srv := server.New(server.Options{
		Config:       Cfg,
		Capabilities: caps,
		Processor:    proc,
		History:      history(),
	})

	fmt.Fprintf(os.Stderr, "🌐 emoscope UI on %s (Ctrl+C to stop)\n", Cfg.Server.Addr)
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return report("Web server failed", err, nil)
	}
	fmt.Fprintln(os.Stderr, "👋 Server stopped.")
	return nil
}
