package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Session History, Output Files)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if DB == nil {
				fmt.Println("ℹ️  No database configured, skipping session history.")
			} else if confirm(reader, "⚠️  Are you sure you want to DROP all session history tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					return report("Failed to reset database", err, nil)
				}
			}
		}

		if resetFiles {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all emoscope output files in %s?", Cfg.Video.OutputDir)) {
				fmt.Println("🗑️  Clearing Output Files (Annotated Videos, Uploads)...")
				n := removeOutputs(Cfg.Video.OutputDir)
				fmt.Printf("   Removed %d file(s).\n", n)
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear the session history database")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear generated files (annotated videos, stored uploads)")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

// removeOutputs deletes the emoscope-* entries in dir and leaves everything else alone.
func removeOutputs(dir string) int {
	matches, err := filepath.Glob(filepath.Join(dir, "emoscope-*"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to list %s: %v\n", dir, err)
		return 0
	}
	removed := 0
	for _, path := range matches {
		if err := os.RemoveAll(path); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
			continue
		}
		removed++
	}
	return removed
}
