package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/emoscope/internal/capability"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/spf13/cobra"
)

var probeJSON bool

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Show which detection modes this machine supports",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return printProbe(os.Stdout, probe(cmd.Context()), probeJSON)
	},
}

func init() {
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "Print the result as JSON")
	rootCmd.AddCommand(probeCmd)
}

func printProbe(out io.Writer, caps types.Capabilities, asJSON bool) error {
	decisions := capability.GateAll(caps)
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"capabilities": caps, "modes": decisions})
	}

	fmt.Fprintf(out, "Emotion detection: %s\n", availability(caps.InferenceAvailable, caps.InferenceReason))
	fmt.Fprintf(out, "Camera:            %s\n", availability(caps.CameraAvailable, caps.CameraReason))
	fmt.Fprintf(out, "Video files:       %s\n\n", availability(caps.VideoAvailable, caps.VideoReason))

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "MODE\tSTATUS\tNOTE")
	fmt.Fprintln(w, "----\t------\t----")
	for _, d := range decisions {
		status := "✅ ready"
		switch {
		case !d.Enabled:
			status = "🚫 disabled"
		case d.Degraded:
			status = "⚠️  display only"
		}
		note := ""
		if d.Redirect != "" {
			note = "use " + string(d.Redirect)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Mode, status, note)
	}
	return w.Flush()
}

func availability(ok bool, reason string) string {
	if ok {
		return "available"
	}
	return "unavailable (" + reason + ")"
}
