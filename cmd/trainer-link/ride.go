package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/trainer-link/internal/gofuncs"
	"github.com/lowaak/smart-trainer/trainer-link/internal/link"
	"github.com/lowaak/smart-trainer/trainer-link/internal/trainer"
	"github.com/lowaak/smart-trainer/trainer-link/internal/workout"
)

var rideCmd = &cobra.Command{
	Use:   "ride",
	Short: "Ride with a terminal dashboard",
	Long: `Open a dashboard showing live metrics, connection state and logs.

Keys:
  b / h    connect the bike / heart-rate monitor (pick from the list)
  d / D    disconnect the bike / heart-rate monitor
  + / -    raise / lower resistance by trainer.resistance_step
  < / >    lower / raise the resistance offset
  p        cycle through the preset workouts
  w        start or pause the workout
  s        stop the workout
  Esc      quit`,
	RunE: runRide,
}

func init() {
	rideCmd.Flags().Int("offset", 0, "Resistance offset added to every request")
	rideCmd.Flags().Duration("timeout", 30*time.Second, "Connect and discovery timeout (0 disables)")
}

func runRide(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	// stderr belongs to the terminal UI; logs go to the log pane (and the log file, if set)
	rt, err := newRuntime(cmd, io.Discard)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	return newDashboard(ctx, rt).run(cancel)
}

type dashboard struct {
	ctx    context.Context
	rt     *runtime
	logger logrus.FieldLogger

	app     *tview.Application
	pages   *tview.Pages
	status  *tview.TextView
	logView *tview.TextView
	picker  *pickerModal

	bike   *trainer.Bike
	hrm    *trainer.HeartRateMonitor
	runner *workout.Runner

	mu        sync.Mutex
	target    float64
	hasTarget bool
	preset    int
}

func newDashboard(ctx context.Context, rt *runtime) *dashboard {
	d := &dashboard{
		ctx:    ctx,
		rt:     rt,
		logger: rt.logger.WithField("component", "dashboard"),
		app:    tview.NewApplication(),
		preset: -1,
	}

	// Redrawn by the refresh ticker; a changed func calling app.Draw would deadlock
	// when something logs from the UI goroutine
	d.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetMaxLines(500)
	d.logView.SetBorder(true).SetTitle(" Logs ")

	d.status = tview.NewTextView().SetDynamicColors(true)
	d.status.SetBorder(true).SetTitle(" Ride ")

	help := tview.NewTextView().SetDynamicColors(true).SetText(
		"[yellow]b[-]/[yellow]h[-] connect  [yellow]d[-]/[yellow]D[-] disconnect  " +
			"[yellow]+[-]/[yellow]-[-] resistance  [yellow]<[-]/[yellow]>[-] offset  " +
			"[yellow]p[-] preset  [yellow]w[-] start/pause  [yellow]s[-] stop  [yellow]Esc[-] quit")

	body := tview.NewFlex().
		AddItem(d.status, 0, 1, true).
		AddItem(d.logView, 0, 1, false)
	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(help, 1, 0, false)

	d.pages = tview.NewPages().AddPage("main", layout, true, true)
	d.picker = newPickerModal(d.app, d.pages, d.status)

	rt.logger.AddHook(newViewHook(d.logView, rt.logger.GetLevel()))

	callbacks := link.Callbacks{
		OnSuccessMessage: func(msg string) { d.message("green", msg) },
		OnErrorMessage:   func(msg string) { d.message("red", msg) },
	}
	opts := rt.trainerOptions()
	d.bike = trainer.NewBike(rt.radio.WithPicker(d.picker.picker("Choose a bike")), callbacks, opts, rt.logger)
	d.hrm = trainer.NewHeartRateMonitor(rt.radio.WithPicker(d.picker.picker("Choose a heart-rate monitor")), callbacks, opts, rt.logger)
	d.runner = workout.NewRunner(d.bike, time.Second, rt.logger)

	d.app.SetInputCapture(d.handleKey)
	return d
}

// run blocks until the rider quits, then tears everything down
func (d *dashboard) run(cancel context.CancelFunc) error {
	forgetBike := d.rt.rememberConnections(trainer.RoleBike, d.bike.Manager)
	forgetHRM := d.rt.rememberConnections(trainer.RoleHeartRate, d.hrm.Manager)
	defer forgetBike()
	defer forgetHRM()

	gofuncs.SafeGo(d.logger, "dashboard-refresh", func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				d.app.QueueUpdateDraw(d.render)
			}
		}
	})

	d.message("white", "Press b to connect a bike, h for a heart-rate monitor")
	d.render()
	err := d.app.SetRoot(d.pages, true).SetFocus(d.status).Run()

	cancel()
	d.runner.Shutdown()
	disconnect(d.hrm.Manager, d.logger)
	disconnect(d.bike.Manager, d.logger)
	return err
}

func (d *dashboard) handleKey(event *tcell.EventKey) *tcell.EventKey {
	// The picker owns the keyboard while it is open
	if name, _ := d.pages.GetFrontPage(); name == pagePicker {
		return event
	}

	switch event.Key() {
	case tcell.KeyEscape:
		d.app.Stop()
		return nil
	case tcell.KeyRune:
	default:
		return event
	}

	switch event.Rune() {
	case 'b':
		d.connect(trainer.RoleBike, d.bike.Manager)
	case 'h':
		d.connect(trainer.RoleHeartRate, d.hrm.Manager)
	case 'd':
		d.disconnect(trainer.RoleBike, d.bike.Manager)
	case 'D':
		d.disconnect(trainer.RoleHeartRate, d.hrm.Manager)
	case '+', '=':
		d.stepResistance(1)
	case '-':
		d.stepResistance(-1)
	case '>':
		d.stepOffset(1)
	case '<':
		d.stepOffset(-1)
	case 'p':
		d.nextPreset()
	case 'w':
		d.toggleWorkout()
	case 's':
		d.runner.Stop()
	default:
		return event
	}
	return nil
}

func (d *dashboard) connect(role string, m *link.Manager) {
	gofuncs.SafeGo(d.logger, "connect-"+role, func() {
		if err := m.ScanAndConnect(d.ctx); err != nil {
			d.logger.WithError(err).WithField("role", role).Debug("Connect ended")
		}
	})
}

func (d *dashboard) disconnect(role string, m *link.Manager) {
	gofuncs.SafeGo(d.logger, "disconnect-"+role, func() {
		disconnect(m, d.logger)
	})
}

func (d *dashboard) stepResistance(direction int) {
	step := float64(d.rt.cfg.Trainer.ResistanceStep * direction)

	d.mu.Lock()
	target := max(trainer.MinResistance, min(trainer.MaxResistance, d.target+step))
	d.target = target
	d.hasTarget = true
	d.mu.Unlock()

	gofuncs.SafeGo(d.logger, "set-resistance", func() {
		// failures are already reported through the error message callback
		_, _ = d.bike.SetResistance(target)
	})
}

func (d *dashboard) stepOffset(delta int) {
	offset := max(-100, min(100, d.bike.ResistanceOffset()+delta))
	d.bike.SetResistanceOffset(offset)

	d.mu.Lock()
	target, resend := d.target, d.hasTarget
	d.mu.Unlock()
	if resend && d.bike.State() == link.Connected {
		gofuncs.SafeGo(d.logger, "set-resistance", func() {
			_, _ = d.bike.SetResistance(target)
		})
	}
}

func (d *dashboard) nextPreset() {
	state := d.runner.State()
	if state.Status == workout.StatusRunning || state.Status == workout.StatusPaused {
		d.message("yellow", "Stop the workout before choosing another")
		return
	}

	d.mu.Lock()
	d.preset = (d.preset + 1) % len(workout.Presets)
	w, _ := workout.Find(workout.Presets[d.preset].ID)
	d.mu.Unlock()

	d.runner.Load(w)
	d.message("white", fmt.Sprintf("Workout: %s (%s) - %s", w.Name, clock(w.TotalDuration()), w.Description))
}

func (d *dashboard) toggleWorkout() {
	switch d.runner.State().Status {
	case workout.StatusIdle:
		d.nextPreset()
		d.runner.Start()
	case workout.StatusRunning:
		d.runner.Pause()
	default:
		if d.bike.State() != link.Connected {
			d.message("yellow", "Workout started without a bike; resistance changes will fail")
		}
		d.runner.Start()
	}
}

func (d *dashboard) message(color, msg string) {
	fmt.Fprintf(d.logView, "[gray]%s[-] [%s]%s[-]\n", time.Now().Format("15:04:05"), color, tview.Escape(msg))
}

// render rebuilds the status pane; runs on the UI goroutine
func (d *dashboard) render() {
	var b strings.Builder

	fmt.Fprintf(&b, "[::b]Bike[::-]   %s\n", roleLine(d.bike.Manager))
	fmt.Fprintf(&b, "[::b]HRM[::-]    %s\n\n", roleLine(d.hrm.Manager))

	metrics := d.bike.Metrics()
	metrics.HeartRate = trainer.EffectiveHeartRate(d.hrm, d.bike)
	b.WriteString(formatMetrics(metrics, func(a ...any) string { return "[gray]" + fmt.Sprint(a...) + "[-]" }))
	b.WriteString("\n\n")

	d.mu.Lock()
	target, hasTarget := d.target, d.hasTarget
	d.mu.Unlock()
	if hasTarget {
		fmt.Fprintf(&b, "[gray]target[-] %.0f%%  ", target)
	}
	fmt.Fprintf(&b, "[gray]offset[-] %+d", d.bike.ResistanceOffset())
	if level, ok := d.bike.LastRequested(); ok {
		fmt.Fprintf(&b, "  [gray]sent[-] %d%%", level)
	}
	b.WriteString("\n\n")

	run := d.runner.State()
	if run.Workout == nil {
		b.WriteString("[gray]No workout loaded (press p)[-]\n")
	} else {
		fmt.Fprintf(&b, "[::b]Workout[::-] %s\n", tview.Escape(formatWorkout(run)))
		if run.Status == workout.StatusRunning || run.Status == workout.StatusPaused {
			fmt.Fprintf(&b, "[gray]cadence[-] %s rpm  [gray]segment[-] %d/%d\n",
				run.Segment.Cadence, run.SegmentIdx+1, len(run.Workout.Segments))
		}
	}

	if failures := d.bike.ParseFailures() + d.hrm.ParseFailures(); failures > 0 {
		fmt.Fprintf(&b, "\n[yellow]%d malformed notifications ignored[-]\n", failures)
	}

	d.status.SetText(b.String())
}

func roleLine(m *link.Manager) string {
	state := m.State()
	color := "gray"
	switch {
	case state == link.Connected:
		color = "green"
	case state.InFlight():
		color = "yellow"
	case state == link.Failed:
		color = "red"
	}

	line := fmt.Sprintf("[%s]%s[-]", color, state)
	if name := m.DeviceName(); name != "" && state != link.Disconnected {
		line += "  " + tview.Escape(name)
	}
	if plan := m.ActivePlan(); plan != "" && state == link.Connected {
		line += " [gray](" + plan + ")[-]"
	}
	if err := m.LastError(); err != nil && state == link.Failed {
		line += "  [red]" + tview.Escape(err.UserMessage()) + "[-]"
	}
	return line
}
