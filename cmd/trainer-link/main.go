package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "trainer-link",
	Short: "Connect to a smart trainer and heart-rate monitor over Bluetooth",
	Long: `trainer-link talks to Bluetooth Low Energy fitness equipment:

- Scan for FTMS smart trainers, power meters and heart-rate straps
- Connect headless and print live power, cadence and heart rate
- Ride with a terminal dashboard: set resistance and run preset workouts

Use --simulate to try everything without hardware.`,
	Version: version + " (" + commit + ")",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", formatUserError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(rideCmd)

	rootCmd.PersistentFlags().String("config", "", "Config file (default $HOME/.trainer-link/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to this file, rotated")
	rootCmd.PersistentFlags().Bool("simulate", false, "Use a simulated bike and heart-rate strap")
	rootCmd.PersistentFlags().Int("simulator-port", 0, "Serve the simulator control API on this port (with --simulate)")
}
