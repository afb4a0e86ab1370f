package trainer

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
	"github.com/lowaak/smart-trainer/trainer-link/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-link/internal/link"
)

const (
	RoleHeartRate = "hrm"
	PlanHeartRate = "heart-rate"
)

// HeartRateMonitor is a dedicated strap, connected independently of the bike
type HeartRateMonitor struct {
	*link.Manager
	logger logrus.FieldLogger

	mu  sync.Mutex
	bpm uint16

	event *events.CallbackEvent[uint16]
}

// NewHeartRateMonitor creates the strap role
func NewHeartRateMonitor(chooser bt.Chooser, callbacks link.Callbacks, opts Options, logger logrus.FieldLogger) *HeartRateMonitor {
	if logger == nil {
		panic("trainer.NewHeartRateMonitor: logger cannot be nil")
	}

	h := &HeartRateMonitor{
		logger: logger.WithField("component", "hrm"),
		event:  events.NewCallbackEvent[uint16](true),
	}

	profile := link.Profile{
		Role:   RoleHeartRate,
		Filter: HeartRateFilter(),
		Plans: []link.Plan{{
			Name:    PlanHeartRate,
			Service: ftms.ServiceUUIDHeartRate,
			Characteristics: []link.Binding{
				{UUID: ftms.CharUUIDHeartRateMeasurement, Notify: h.onHeartRate},
			},
		}},
		OnReset: h.reset,
	}

	h.Manager = link.NewManager(chooser, profile, callbacks, link.Options{ConnectTimeout: opts.ConnectTimeout}, logger)
	return h
}

// HeartRateFilter offers heart-rate straps
func HeartRateFilter() bt.ScanFilter {
	return bt.ScanFilter{Services: []string{ftms.ServiceUUIDHeartRate}}
}

// HeartRate returns the latest reading, 0 while disconnected
func (h *HeartRateMonitor) HeartRate() uint16 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bpm
}

// OnHeartRate registers fn for every reading and returns a function removing it
func (h *HeartRateMonitor) OnHeartRate(fn func(bpm uint16)) func() {
	return h.event.Listen(fn)
}

func (h *HeartRateMonitor) onHeartRate(buf []byte) error {
	sample, err := ftms.DecodeHeartRate(buf)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.State() != link.Connected {
		h.mu.Unlock()
		return nil
	}
	h.bpm = sample.BPM
	h.mu.Unlock()

	h.event.Notify(sample.BPM)
	return nil
}

func (h *HeartRateMonitor) reset() {
	h.mu.Lock()
	h.bpm = 0
	h.mu.Unlock()
	h.event.Notify(0)
}
