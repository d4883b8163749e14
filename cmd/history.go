package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/emoscope/internal/store"
	"github.com/andresmejia3/emoscope/internal/types"
	"github.com/spf13/cobra"
)

var (
	historySession string
	historyLimit   int
)

var historyCmd = &cobra.Command{
	Use:         "history",
	Short:       "List recorded detection sessions",
	Annotations: map[string]string{needsDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runHistory(cmd.Context(), DB, os.Stdout)
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historySession, "session", "s", "", "Show the emotion breakdown of one session")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Maximum number of sessions to list")
	rootCmd.AddCommand(historyCmd)
}

// sessionLog is the read side of the store.
type sessionLog interface {
	ListSessions(ctx context.Context, limit int) ([]types.SessionInfo, error)
	SessionTimeline(ctx context.Context, id string) ([]store.EmotionCount, error)
}

func runHistory(ctx context.Context, db sessionLog, out io.Writer) error {
	if historySession != "" {
		counts, err := db.SessionTimeline(ctx, historySession)
		if err != nil {
			return report("Failed to load session", err, nil)
		}
		printTimeline(out, historySession, counts)
		return nil
	}

	sessions, err := db.ListSessions(ctx, historyLimit)
	if err != nil {
		return report("Failed to list sessions", err, nil)
	}
	printSessions(out, sessions)
	return nil
}

func printSessions(out io.Writer, sessions []types.SessionInfo) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions recorded yet.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tSOURCE\tSTATE\tFRAMES\tFACES\tSTARTED\tDURATION")
	fmt.Fprintln(w, "--\t----\t------\t-----\t------\t-----\t-------\t--------")
	for _, s := range sessions {
		duration := "-"
		if s.EndedAt != nil {
			duration = fmtTime(s.EndedAt.Sub(s.StartedAt).Seconds())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			s.ID, s.Mode, s.Source, s.State, s.Frames, s.Faces,
			s.StartedAt.Local().Format("2006-01-02 15:04"), duration)
	}
	w.Flush()
}

func printTimeline(out io.Writer, id string, counts []store.EmotionCount) {
	if len(counts) == 0 {
		fmt.Fprintf(out, "No detections recorded for session %s.\n", id)
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "EMOTION\tFACES\tAVG SCORE")
	fmt.Fprintln(w, "-------\t-----\t---------")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%d\t%.2f\n", c.Emotion, c.Count, c.AvgScore)
	}
	w.Flush()
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
