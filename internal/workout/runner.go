package workout

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gofuncs"
)

// Status of the runner
type Status int

const (
	StatusIdle Status = iota
	StatusReady
	StatusRunning
	StatusPaused
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ResistanceSetter is the bike, as far as a workout is concerned
type ResistanceSetter interface {
	SetResistance(percent float64) (bool, error)
}

// State is published after every command and tick
type State struct {
	Status           Status
	Workout          *Workout
	SegmentIdx       int
	Segment          Segment
	Elapsed          time.Duration
	Remaining        time.Duration
	SegmentRemaining time.Duration
}

// runnerCommand is sent to the run loop
type runnerCommand int

const (
	cmdStart runnerCommand = iota
	cmdPause
	cmdStop
)

// Runner steps through a workout one second per tick and pushes each segment's
// resistance to the bike when the segment changes
type Runner struct {
	setter ResistanceSetter
	logger logrus.FieldLogger
	tick   time.Duration

	mu          sync.RWMutex
	workout     *Workout
	status      Status
	elapsed     time.Duration
	lastSegment int

	stateEvent *events.CallbackEvent[State]

	cmdChan      chan runnerCommand
	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewRunner starts the run loop. tick is the wall-clock interval of one workout
// second; zero means one second.
func NewRunner(setter ResistanceSetter, tick time.Duration, logger logrus.FieldLogger) *Runner {
	if setter == nil {
		panic("workout.NewRunner: setter cannot be nil")
	}
	if logger == nil {
		panic("workout.NewRunner: logger cannot be nil")
	}
	if tick <= 0 {
		tick = time.Second
	}

	r := &Runner{
		setter:      setter,
		logger:      logger.WithField("component", "workout"),
		tick:        tick,
		status:      StatusIdle,
		lastSegment: -1,
		stateEvent:  events.NewCallbackEvent[State](true),
		cmdChan:     make(chan runnerCommand, 1),
		doneChan:    make(chan struct{}),
	}

	r.wg.Add(1)
	gofuncs.SafeGo(r.logger, "workout", r.runLoop)
	return r
}

// OnState registers fn for state updates and returns a function removing it
func (r *Runner) OnState(fn func(State)) func() {
	return r.stateEvent.Listen(fn)
}

// State returns the current state
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buildState()
}

// Load selects a workout. Ignored while one is running or paused.
func (r *Runner) Load(w *Workout) {
	r.mu.Lock()
	if r.status == StatusRunning || r.status == StatusPaused {
		r.mu.Unlock()
		r.logger.Warn("Cannot load a workout while one is running")
		return
	}

	r.workout = w
	r.elapsed = 0
	r.lastSegment = -1
	if w != nil {
		r.status = StatusReady
		r.logger.WithField("duration", w.TotalDuration()).Infof("Workout '%s' loaded", w.Name)
	} else {
		r.status = StatusIdle
		r.logger.Info("Workout cleared")
	}
	state := r.buildState()
	r.mu.Unlock()

	r.stateEvent.Notify(state)
}

// Start begins, resumes or restarts the loaded workout
func (r *Runner) Start() {
	r.mu.RLock()
	status, w := r.status, r.workout
	r.mu.RUnlock()

	switch {
	case w == nil:
		r.logger.Warn("No workout loaded")
		return
	case status == StatusRunning:
		return
	}
	r.send(cmdStart)
}

// Pause holds the workout clock
func (r *Runner) Pause() {
	r.mu.RLock()
	status := r.status
	r.mu.RUnlock()

	if status != StatusRunning {
		return
	}
	r.send(cmdPause)
}

// Stop rewinds the workout to the start
func (r *Runner) Stop() {
	r.mu.RLock()
	status := r.status
	r.mu.RUnlock()

	if status == StatusIdle || status == StatusReady {
		return
	}
	r.send(cmdStop)
}

// Shutdown ends the run loop. Safe to call more than once.
func (r *Runner) Shutdown() {
	r.shutdownOnce.Do(func() {
		close(r.doneChan)
		r.wg.Wait()
		r.logger.Debug("Workout runner stopped")
	})
}

func (r *Runner) send(cmd runnerCommand) {
	select {
	case r.cmdChan <- cmd:
	case <-r.doneChan:
	}
}

// buildState must be called with mu held
func (r *Runner) buildState() State {
	state := State{Status: r.status, Workout: r.workout, SegmentIdx: -1}
	if r.workout == nil {
		return state
	}

	total := r.workout.TotalDuration()
	state.Elapsed = r.elapsed
	state.Remaining = total - r.elapsed

	idx, into := r.workout.SegmentAt(r.elapsed)
	if idx >= 0 {
		state.SegmentIdx = idx
		state.Segment = r.workout.Segments[idx]
		state.SegmentRemaining = state.Segment.Duration - into
	}
	return state
}

// tickResult is what one tick decided, acted on after the lock is released
type tickResult struct {
	state      State
	skip       bool
	completed  bool
	newSegment bool
}

func (r *Runner) handleTick() tickResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusRunning {
		return tickResult{skip: true}
	}

	r.elapsed += time.Second
	if total := r.workout.TotalDuration(); r.elapsed >= total {
		r.elapsed = total
		r.status = StatusCompleted
		return tickResult{state: r.buildState(), completed: true}
	}

	state := r.buildState()
	changed := state.SegmentIdx != r.lastSegment
	r.lastSegment = state.SegmentIdx
	return tickResult{state: state, newSegment: changed}
}

func (r *Runner) applySegment(state State) {
	if state.SegmentIdx < 0 {
		return
	}
	log := r.logger.WithFields(logrus.Fields{
		"segment":    state.SegmentIdx,
		"kind":       state.Segment.Kind,
		"resistance": state.Segment.Resistance,
	})
	if _, err := r.setter.SetResistance(float64(state.Segment.Resistance)); err != nil {
		log.WithError(err).Warn("Could not apply segment resistance")
		return
	}
	log.Info("Segment started")
}

func (r *Runner) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.tick)
	ticker.Stop()

	for {
		select {
		case <-r.doneChan:
			ticker.Stop()
			return

		case cmd := <-r.cmdChan:
			var state State
			switch cmd {
			case cmdStart:
				state = func() State {
					r.mu.Lock()
					defer r.mu.Unlock()
					if r.status == StatusCompleted {
						r.elapsed = 0
					}
					r.status = StatusRunning
					s := r.buildState()
					r.lastSegment = s.SegmentIdx
					return s
				}()
				ticker.Reset(r.tick)
				r.logger.Info("Workout started")
				r.applySegment(state)

			case cmdPause:
				ticker.Stop()
				state = func() State {
					r.mu.Lock()
					defer r.mu.Unlock()
					r.status = StatusPaused
					return r.buildState()
				}()
				r.logger.Info("Workout paused")

			case cmdStop:
				ticker.Stop()
				state = func() State {
					r.mu.Lock()
					defer r.mu.Unlock()
					r.status = StatusReady
					r.elapsed = 0
					r.lastSegment = -1
					return r.buildState()
				}()
				r.logger.Info("Workout stopped")
			}
			r.stateEvent.Notify(state)

		case <-ticker.C:
			result := r.handleTick()
			if result.skip {
				continue
			}
			if result.completed {
				ticker.Stop()
				r.logger.Info("Workout complete")
			} else if result.newSegment {
				r.applySegment(result.state)
			}
			r.stateEvent.Notify(result.state)
		}
	}
}
