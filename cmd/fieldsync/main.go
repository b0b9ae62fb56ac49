package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	dataDir    string
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first record sync for field inspections",
	Long: `fieldsync keeps inspection records on the device and reconciles them with
the central server whenever a connection is available.

Writes always land in the local store first. While offline they are queued
and pushed in order by the next sync run.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Synchronisation:"},
		&cobra.Group{ID: "session", Title: "Session:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.fieldsync)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of warnings only")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
