// Package workout runs preset resistance workouts against the bike
package workout

import "time"

// Segment is one block of a workout at a fixed resistance
type Segment struct {
	Kind       string        `json:"kind"`
	Duration   time.Duration `json:"duration"`
	Resistance int           `json:"resistance"`
	// Cadence is the suggested rpm range shown to the rider
	Cadence string `json:"cadence"`
}

// Workout is a named list of segments
type Workout struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Segments    []Segment `json:"segments"`
}

// TotalDuration returns the sum of all segment durations
func (w *Workout) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range w.Segments {
		total += s.Duration
	}
	return total
}

// SegmentAt returns the index of the segment running at elapsed and how far into
// it we are. Past the end it returns the last segment.
func (w *Workout) SegmentAt(elapsed time.Duration) (int, time.Duration) {
	var start time.Duration
	for i, s := range w.Segments {
		end := start + s.Duration
		if elapsed < end {
			return i, elapsed - start
		}
		start = end
	}
	if len(w.Segments) == 0 {
		return -1, 0
	}
	last := len(w.Segments) - 1
	return last, w.Segments[last].Duration
}

func seg(kind string, seconds, resistance int, cadence string) Segment {
	return Segment{Kind: kind, Duration: time.Duration(seconds) * time.Second, Resistance: resistance, Cadence: cadence}
}

// Presets are the built-in workouts
var Presets = []Workout{
	{
		ID:          "hiit1",
		Name:        "HIIT 20",
		Description: "20-minute High Intensity Interval Training",
		Segments: []Segment{
			seg("warmup", 180, 20, "70-80"),
			seg("sprint", 30, 50, "100+"),
			seg("recovery", 90, 25, "70-80"),
			seg("sprint", 30, 50, "100+"),
			seg("recovery", 90, 25, "70-80"),
			seg("sprint", 30, 50, "100+"),
			seg("recovery", 90, 25, "70-80"),
			seg("sprint", 30, 55, "100+"),
			seg("recovery", 90, 25, "70-80"),
			seg("sprint", 30, 55, "100+"),
			seg("recovery", 90, 25, "70-80"),
			seg("sprint", 30, 60, "100+"),
			seg("recovery", 90, 25, "70-80"),
			seg("cooldown", 180, 15, "60-70"),
		},
	},
	{
		ID:          "endurance1",
		Name:        "Endurance 30",
		Description: "30-minute Endurance Ride",
		Segments: []Segment{
			seg("warmup", 300, 20, "70-80"),
			seg("climb", 300, 35, "60-70"),
			seg("flat", 300, 25, "80-90"),
			seg("climb", 300, 40, "60-70"),
			seg("flat", 300, 25, "80-90"),
			seg("cooldown", 300, 15, "60-70"),
		},
	},
	{
		ID:          "ftp",
		Name:        "FTP Test",
		Description: "20-minute FTP Test",
		Segments: []Segment{
			seg("warmup", 600, 25, "80-90"),
			seg("effort", 300, 40, "90-100"),
			seg("recovery", 300, 25, "70-80"),
			seg("ftp", 1200, 50, "85-95"),
			seg("cooldown", 300, 15, "60-70"),
		},
	},
}

// Find returns the preset with id
func Find(id string) (*Workout, bool) {
	for i := range Presets {
		if Presets[i].ID == id {
			w := Presets[i]
			return &w, true
		}
	}
	return nil, false
}
