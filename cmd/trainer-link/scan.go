package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-link/internal/trainer"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby trainers and heart-rate straps",
	Long: `Scan for Bluetooth fitness equipment and list what was found.

By default both bikes (FTMS or Cycling Power) and heart-rate straps are shown.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanRole     string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default ble.scan_window from config)")
	scanCmd.Flags().StringVarP(&scanRole, "role", "r", "all", "What to look for (bike, hrm, all)")
}

func scanFilter(role string) (bt.ScanFilter, error) {
	switch role {
	case trainer.RoleBike:
		return trainer.BikeFilter(), nil
	case trainer.RoleHeartRate:
		return trainer.HeartRateFilter(), nil
	case "all":
		bike := trainer.BikeFilter()
		return bt.ScanFilter{Services: append(bike.Services, trainer.HeartRateFilter().Services...)}, nil
	default:
		return bt.ScanFilter{}, fmt.Errorf("invalid role '%s': must be one of bike, hrm, all", role)
	}
}

func runScan(cmd *cobra.Command, _ []string) error {
	filter, err := scanFilter(scanRole)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	rt, err := newRuntime(cmd, os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	window := scanDuration
	if window <= 0 {
		window = rt.cfg.BLE.ScanWindow
	}

	ctx, cancel := withInterrupt(cmd.Context(), rt.logger)
	defer cancel()

	color.New(color.FgCyan).Fprintf(os.Stderr, "Scanning for %v...\n", window)
	found, err := rt.radio.Scan(ctx, filter, window)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	printCandidates(os.Stdout, found)
	return nil
}

func printCandidates(out io.Writer, found []bt.Candidate) {
	if len(found) == 0 {
		color.New(color.FgYellow).Fprintln(out, "No devices found")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	bold := color.New(color.Bold)
	bold.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES")
	for _, c := range found {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.DisplayName(), c.Address, c.RSSI, serviceNames(c))
	}
	_ = w.Flush()
}

func serviceNames(c bt.Candidate) string {
	names := []string{}
	known := []struct {
		uuid string
		name string
	}{
		{ftms.ServiceUUIDFTMS, "FTMS"},
		{ftms.ServiceUUIDCyclingPower, "Cycling Power"},
		{ftms.ServiceUUIDHeartRate, "Heart Rate"},
	}
	for _, k := range known {
		if c.HasService(k.uuid) {
			names = append(names, k.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}
