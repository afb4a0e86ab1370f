package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/lowaak/smart-trainer/trainer-link/internal/link"
	"github.com/lowaak/smart-trainer/trainer-link/internal/trainer"
	"github.com/lowaak/smart-trainer/trainer-link/internal/workout"
)

// console prints status messages and metric lines for the headless commands
type console struct {
	out   io.Writer
	ok    *color.Color
	bad   *color.Color
	label *color.Color
}

func newConsole(out io.Writer) *console {
	return &console{
		out:   out,
		ok:    color.New(color.FgGreen),
		bad:   color.New(color.FgRed),
		label: color.New(color.Faint),
	}
}

func (c *console) callbacks() link.Callbacks {
	return link.Callbacks{
		OnSuccessMessage: func(msg string) { c.ok.Fprintln(c.out, msg) },
		OnErrorMessage:   func(msg string) { c.bad.Fprintln(c.out, msg) },
	}
}

func (c *console) warn(format string, args ...any) {
	color.New(color.FgYellow).Fprintf(c.out, format+"\n", args...)
}

func (c *console) metrics(m trainer.LiveMetrics, run *workout.State) {
	line := formatMetrics(m, c.label.Sprint)
	if run != nil && run.Status != workout.StatusIdle {
		line += "  " + c.label.Sprint("|") + "  " + formatWorkout(*run)
	}
	fmt.Fprintln(c.out, line)
}

// formatMetrics renders one metrics line; label styles the field names
func formatMetrics(m trainer.LiveMetrics, label func(...any) string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %4d W", label("power"), m.PowerWatts)

	if m.HasCadence {
		fmt.Fprintf(&b, "  %s %5.1f rpm", label("cadence"), m.CadenceRpm)
	} else {
		fmt.Fprintf(&b, "  %s    -- rpm", label("cadence"))
	}

	if m.HeartRate > 0 {
		fmt.Fprintf(&b, "  %s %3d bpm", label("hr"), m.HeartRate)
	} else {
		fmt.Fprintf(&b, "  %s  -- bpm", label("hr"))
	}

	fmt.Fprintf(&b, "  %s %3d%%", label("resistance"), m.ResistancePercent)
	return b.String()
}

func formatWorkout(s workout.State) string {
	if s.Workout == nil {
		return s.Status.String()
	}
	if s.Status == workout.StatusCompleted {
		return fmt.Sprintf("%s completed in %s", s.Workout.Name, clock(s.Elapsed))
	}
	return fmt.Sprintf("%s %s: %s %d%% (%s left, %s total) [%s]",
		s.Workout.Name, clock(s.Elapsed), s.Segment.Kind, s.Segment.Resistance,
		clock(s.SegmentRemaining), clock(s.Remaining), s.Status)
}

// clock formats d as m:ss
func clock(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
