package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/bt/fakebt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/config"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gofuncs"
	"github.com/lowaak/smart-trainer/trainer-link/internal/link"
	"github.com/lowaak/smart-trainer/trainer-link/internal/trainer"
)

// radio is the Bluetooth side of the app: the platform adapter or the simulator
type radio interface {
	WithPicker(picker bt.Picker) bt.Chooser
	Scan(ctx context.Context, filter bt.ScanFilter, window time.Duration) ([]bt.Candidate, error)
	Shutdown()
}

var (
	_ radio = (*bt.Manager)(nil)
	_ radio = (*fakebt.Simulator)(nil)
)

// runtime holds what every command needs once flags are parsed
type runtime struct {
	cfg      *config.Config
	logger   *logrus.Logger
	closeLog func() error
	memory   *config.DeviceMemory
	radio    radio
	sim      *fakebt.Simulator
}

// newRuntime loads config, builds the logger (writing to logOut unless a log file
// is configured) and opens the radio
func newRuntime(cmd *cobra.Command, logOut io.Writer) (*runtime, error) {
	v := viper.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := config.NewLogger(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		memory:   config.OpenDeviceMemory(cfg.DevicesFile, logger),
	}

	if cfg.Simulator.Enabled {
		rt.sim = fakebt.NewSimulator(cfg.Simulator.Interval, logger)
		rt.sim.Start(cfg.Simulator.Port)
		rt.radio = rt.sim
		logger.Info("Using simulated devices")
		return rt, nil
	}

	mgr := bt.NewManager(bluetooth.DefaultAdapter, bt.AutoPicker("", cfg.BLE.ScanWindow),
		bt.ManagerOptions{CandidateExpiry: cfg.BLE.CandidateExpiry}, logger)
	if err := mgr.Enable(); err != nil {
		_ = closeLog()
		return nil, link.Classify(link.OpConnect, err)
	}
	rt.radio = mgr
	return rt, nil
}

func (rt *runtime) Close() {
	rt.radio.Shutdown()
	if err := rt.closeLog(); err != nil {
		fmt.Fprintf(os.Stderr, "closing log file: %v\n", err)
	}
}

func (rt *runtime) trainerOptions() trainer.Options {
	return trainer.Options{
		ConnectTimeout:   rt.cfg.BLE.ConnectTimeout,
		ResistanceOffset: rt.cfg.Trainer.ResistanceOffset,
	}
}

// autoChooser picks the remembered device for role when it shows up, otherwise
// the strongest candidate once the scan window has passed
func (rt *runtime) autoChooser(role string) bt.Chooser {
	preferred, ok := rt.memory.Preferred(role)
	if ok {
		rt.logger.WithFields(logrus.Fields{"role": role, "name": preferred.Name, "address": preferred.Address}).
			Info("Looking for remembered device")
	}
	return rt.radio.WithPicker(bt.AutoPicker(preferred.Address, rt.cfg.BLE.ScanWindow))
}

// rememberConnections records every device m connects to
func (rt *runtime) rememberConnections(role string, m *link.Manager) func() {
	return m.OnStateChange(func(change link.StateChange) {
		if change.To != link.Connected {
			return
		}
		if err := rt.memory.Remember(role, change.Device, m.DeviceAddress()); err != nil {
			rt.logger.WithError(err).Warn("Could not remember device")
		}
	})
}

// withInterrupt cancels the returned context on SIGINT or SIGTERM
func withInterrupt(parent context.Context, logger logrus.FieldLogger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	gofuncs.SafeGo(logger, "signals", func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			logger.Info("Interrupted")
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, cancel
}
