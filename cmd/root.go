package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cloudscan",
	Short: "Scan cloud accounts with cloudsploit and import the findings into DefectDojo",
	Long: `cloudscan runs the cloudsploit engine against every account of a registered
product, shortens resource identifiers the backend cannot store, and imports the
findings into DefectDojo. With a cron expression it keeps running and repeats
the scan on schedule.`,
	SilenceUsage: true,
	RunE:         runScan,
}

var (
	DebugMode    bool
	SettingsPath string
)

// Execute adds all child commands to the root command and sets flags appropriately.
// SIGINT and SIGTERM cancel the running pipeline.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&DebugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&SettingsPath, "settings", "", "Settings file (default ~/.cloudscan/config.yaml)")
	addScanFlags(rootCmd.Flags(), &scanOpts)
}
