package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/trainer-link/internal/link"
	"github.com/lowaak/smart-trainer/trainer-link/internal/trainer"
	"github.com/lowaak/smart-trainer/trainer-link/internal/workout"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to the bike and print live metrics",
	Long: `Connect to a smart trainer without a dashboard and print power, cadence,
heart rate and resistance once a second until interrupted.

The last device used for each role is preferred when it is advertising; otherwise
the strongest candidate found during the scan window is used.`,
	Example: `  trainer-link connect --hrm
  trainer-link connect --resistance 35
  trainer-link connect --workout hiit1 --offset -5`,
	RunE: runConnect,
}

var (
	connectHRM        bool
	connectResistance float64
	connectWorkout    string
)

func init() {
	connectCmd.Flags().BoolVar(&connectHRM, "hrm", false, "Also connect a heart-rate monitor")
	connectCmd.Flags().Float64Var(&connectResistance, "resistance", 0, "Set this resistance (0-100) once connected")
	connectCmd.Flags().StringVar(&connectWorkout, "workout", "", "Run a preset workout (hiit1, endurance1, ftp)")
	connectCmd.Flags().Int("offset", 0, "Resistance offset added to every request")
	connectCmd.Flags().Duration("timeout", 30*time.Second, "Connect and discovery timeout (0 disables)")
}

func runConnect(cmd *cobra.Command, _ []string) error {
	var preset *workout.Workout
	if connectWorkout != "" {
		w, ok := workout.Find(connectWorkout)
		if !ok {
			return fmt.Errorf("unknown workout '%s'", connectWorkout)
		}
		preset = w
	}
	setResistance := cmd.Flags().Changed("resistance")
	if setResistance && (connectResistance < trainer.MinResistance || connectResistance > trainer.MaxResistance) {
		return fmt.Errorf("resistance must be within %d..%d", trainer.MinResistance, trainer.MaxResistance)
	}
	cmd.SilenceUsage = true

	rt, err := newRuntime(cmd, os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := withInterrupt(cmd.Context(), rt.logger)
	defer cancel()

	out := newConsole(os.Stdout)

	bike := trainer.NewBike(rt.autoChooser(trainer.RoleBike), out.callbacks(), rt.trainerOptions(), rt.logger)
	defer rt.rememberConnections(trainer.RoleBike, bike.Manager)()
	lost := watchLinkLoss(bike.Manager)
	defer lost.stop()

	if err := bike.ScanAndConnect(ctx); err != nil {
		return interruptedOr(ctx, err)
	}
	defer disconnect(bike.Manager, rt.logger)

	var hrm *trainer.HeartRateMonitor
	if connectHRM {
		hrm = trainer.NewHeartRateMonitor(rt.autoChooser(trainer.RoleHeartRate), out.callbacks(), rt.trainerOptions(), rt.logger)
		defer rt.rememberConnections(trainer.RoleHeartRate, hrm.Manager)()
		if err := hrm.ScanAndConnect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			out.warn("Continuing without heart-rate monitor")
		} else {
			defer disconnect(hrm.Manager, rt.logger)
		}
	}

	if setResistance {
		if _, err := bike.SetResistance(connectResistance); err != nil {
			return err
		}
	}

	var runner *workout.Runner
	if preset != nil {
		runner = workout.NewRunner(bike, time.Second, rt.logger)
		defer runner.Shutdown()
		runner.Load(preset)
		runner.Start()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost.ch:
			return link.ErrUnsolicitedDisconnect
		case <-ticker.C:
			metrics := bike.Metrics()
			metrics.HeartRate = trainer.EffectiveHeartRate(hrm, bike)
			var run *workout.State
			if runner != nil {
				state := runner.State()
				run = &state
			}
			out.metrics(metrics, run)
		}
	}
}

// linkWatch signals once when a connected link goes away
type linkWatch struct {
	ch   chan struct{}
	stop func()
}

func watchLinkLoss(m *link.Manager) linkWatch {
	ch := make(chan struct{}, 1)
	stop := m.OnStateChange(func(change link.StateChange) {
		if change.From == link.Connected && change.To != link.Connected {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	return linkWatch{ch: ch, stop: stop}
}

// interruptedOr returns the context error when the user interrupted, else err
func interruptedOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func disconnect(m *link.Manager, logger logrus.FieldLogger) {
	if err := m.Disconnect(); err != nil {
		logger.WithError(err).Warn("Disconnect failed")
	}
}
