package trainer

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
	"github.com/lowaak/smart-trainer/trainer-link/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-link/internal/link"
)

const (
	RoleBike = "bike"

	PlanFTMS         = "ftms"
	PlanCyclingPower = "cycling-power"

	MinResistance = 0
	MaxResistance = 100
)

var (
	// ErrNotConnected is returned by SetResistance while no bike is connected
	ErrNotConnected = errors.New("bike not connected")
	// ErrControlUnsupported is returned by SetResistance when the connected bike has
	// no FTMS control point, as with a Cycling Power meter
	ErrControlUnsupported = errors.New("resistance control not supported")
)

// Options configures a role
type Options struct {
	ConnectTimeout time.Duration
	// ResistanceOffset is added to every requested resistance before it is sent
	ResistanceOffset int
}

// Bike is the smart-trainer role. It embeds its link.Manager, so ScanAndConnect,
// Disconnect and State come straight from the connection state machine.
type Bike struct {
	*link.Manager
	logger logrus.FieldLogger

	mu            sync.Mutex
	metrics       LiveMetrics
	offset        int
	lastRequested int
	hasRequested  bool
	hasControl    bool

	metricsEvent *events.CallbackEvent[LiveMetrics]
}

// NewBike creates the bike role. It connects to an FTMS bike, or failing that
// to a Cycling Power meter (metrics only, no resistance control).
func NewBike(chooser bt.Chooser, callbacks link.Callbacks, opts Options, logger logrus.FieldLogger) *Bike {
	if logger == nil {
		panic("trainer.NewBike: logger cannot be nil")
	}

	b := &Bike{
		logger:       logger.WithField("component", "bike"),
		offset:       opts.ResistanceOffset,
		metricsEvent: events.NewCallbackEvent[LiveMetrics](true),
	}

	onboardHeartRate := link.ServiceBinding{
		Service: ftms.ServiceUUIDHeartRate,
		Characteristics: []link.Binding{
			{UUID: ftms.CharUUIDHeartRateMeasurement, Notify: b.onHeartRate},
		},
	}

	profile := link.Profile{
		Role:   RoleBike,
		Filter: BikeFilter(),
		Plans: []link.Plan{
			{
				Name:    PlanFTMS,
				Service: ftms.ServiceUUIDFTMS,
				Characteristics: []link.Binding{
					{UUID: ftms.CharUUIDControlPoint},
					{UUID: ftms.CharUUIDMachineStatus, Notify: b.onStatus},
					{UUID: ftms.CharUUIDIndoorBikeData, Notify: b.onIndoorBikeData},
				},
				Extras: []link.ServiceBinding{onboardHeartRate},
			},
			{
				Name:    PlanCyclingPower,
				Service: ftms.ServiceUUIDCyclingPower,
				Characteristics: []link.Binding{
					{UUID: ftms.CharUUIDCyclingPowerMeasurement, Notify: b.onCyclingPower},
				},
				Extras: []link.ServiceBinding{onboardHeartRate},
			},
		},
		OnReset: b.resetMetrics,
	}

	b.Manager = link.NewManager(chooser, profile, callbacks, link.Options{ConnectTimeout: opts.ConnectTimeout}, logger)
	b.Manager.OnStateChange(b.onStateChange)
	return b
}

// BikeFilter offers FTMS bikes and Cycling Power meters
func BikeFilter() bt.ScanFilter {
	return bt.ScanFilter{
		Services:         []string{ftms.ServiceUUIDFTMS, ftms.ServiceUUIDCyclingPower},
		OptionalServices: []string{ftms.ServiceUUIDHeartRate},
	}
}

// Metrics returns a snapshot of the live values
func (b *Bike) Metrics() LiveMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// HeartRate returns the bike's onboard heart rate, 0 when it has none
func (b *Bike) HeartRate() uint16 {
	if b == nil {
		return 0
	}
	return b.Metrics().HeartRate
}

// OnMetrics registers fn for every metrics update and returns a function removing it
func (b *Bike) OnMetrics(fn func(LiveMetrics)) func() {
	return b.metricsEvent.Listen(fn)
}

// SetResistanceOffset changes the correction applied to later requests
func (b *Bike) SetResistanceOffset(offset int) {
	b.mu.Lock()
	b.offset = offset
	b.mu.Unlock()
	b.logger.WithField("offset", offset).Info("Resistance offset updated")
}

// ResistanceOffset returns the current correction
func (b *Bike) ResistanceOffset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}

// HasControl reports whether the trainer granted control of its control point
func (b *Bike) HasControl() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasControl
}

// LastRequested returns the last level written to the control point
func (b *Bike) LastRequested() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRequested, b.hasRequested
}

// SetResistance sends percent plus the offset, rounded and clamped to 0-100, to
// the control point. It does not wait for the bike to acknowledge; a rejection
// arrives later on the status characteristic and is reported as an error message.
func (b *Bike) SetResistance(percent float64) (bool, error) {
	if math.IsNaN(percent) || math.IsInf(percent, 0) {
		return false, fmt.Errorf("invalid resistance %v", percent)
	}

	cp, ok := b.Characteristic(ftms.CharUUIDControlPoint)
	if !ok {
		err, msg := ErrNotConnected, "Cannot set resistance: no connection"
		if b.State() == link.Connected {
			err = ErrControlUnsupported
			msg = fmt.Sprintf("Cannot set resistance: %s does not support resistance control", b.DeviceName())
		}
		b.ReportError(&link.Error{Kind: link.WriteFailure, Op: link.OpWrite, Msg: msg, Err: err})
		return false, err
	}

	level := ResistanceLevel(percent, b.ResistanceOffset())
	frame := ftms.EncodeSetResistance(uint16(level))

	if err := cp.WriteWithoutResponse(frame); err != nil {
		classified := link.Classify(link.OpWrite, err)
		classified.Msg = fmt.Sprintf("Set resistance failed: %v", err)
		b.ReportError(classified)
		return false, classified
	}

	b.mu.Lock()
	b.lastRequested = level
	b.hasRequested = true
	b.mu.Unlock()
	b.update(func(m *LiveMetrics) { m.ResistancePercent = level })

	b.logger.WithFields(logrus.Fields{
		"requested": percent,
		"level":     level,
		"frame":     ftms.Hex(frame),
	}).Info("Resistance set")
	return true, nil
}

// ResistanceLevel applies offset to percent, rounds and clamps the result
func ResistanceLevel(percent float64, offset int) int {
	level := int(math.Round(percent + float64(offset)))
	return max(MinResistance, min(MaxResistance, level))
}

func (b *Bike) onIndoorBikeData(buf []byte) error {
	data, err := ftms.DecodeIndoorBikeData(buf)
	if err != nil {
		return err
	}

	b.update(func(m *LiveMetrics) {
		m.PowerWatts = data.PowerWatts
		if data.HasCadence {
			m.CadenceRpm = data.CadenceRpm
			m.HasCadence = true
		}
	})
	return nil
}

func (b *Bike) onCyclingPower(buf []byte) error {
	power, err := ftms.DecodeCyclingPower(buf)
	if err != nil {
		return err
	}

	b.update(func(m *LiveMetrics) { m.PowerWatts = power })
	return nil
}

func (b *Bike) onHeartRate(buf []byte) error {
	sample, err := ftms.DecodeHeartRate(buf)
	if err != nil {
		return err
	}

	b.update(func(m *LiveMetrics) { m.HeartRate = sample.BPM })
	return nil
}

// onStatus matches responses to the last write by opcode only; the protocol
// carries no request id.
func (b *Bike) onStatus(buf []byte) error {
	status, err := ftms.DecodeStatus(buf)
	if err != nil {
		return err
	}

	if status.IsResponse && status.RequestedOpCode == ftms.OpCodeRequestControl {
		granted := status.ResultCode == ftms.ResultSuccess
		b.mu.Lock()
		b.hasControl = granted && b.State() == link.Connected
		b.mu.Unlock()
		if !granted {
			b.logger.Warnf("Trainer refused control: %s", ftms.ResultName(status.ResultCode))
		} else {
			b.logger.Info("Trainer control granted")
		}
		return nil
	}

	if status.ResistanceRejected() {
		b.ReportError(&link.Error{
			Kind: link.WriteFailure,
			Op:   link.OpWrite,
			Msg:  fmt.Sprintf("Set resistance failed (code %d)", status.ResultCode),
		})
		return nil
	}

	b.logger.Debug(status.String())
	return nil
}

func (b *Bike) onStateChange(change link.StateChange) {
	if change.To == link.Connected && b.ActivePlan() == PlanFTMS {
		b.requestControl()
	}
}

// requestControl asks an FTMS trainer for control and starts it. Trainers that
// refuse still stream data, so failures are only logged.
func (b *Bike) requestControl() {
	cp, ok := b.Characteristic(ftms.CharUUIDControlPoint)
	if !ok {
		return
	}
	if err := cp.WriteWithoutResponse([]byte{ftms.OpCodeRequestControl}); err != nil {
		b.logger.WithError(err).Warn("Request control failed")
		return
	}
	if err := cp.WriteWithoutResponse([]byte{ftms.OpCodeStartOrResume}); err != nil {
		b.logger.WithError(err).Debug("Start command failed; not every trainer needs it")
	}
}

// update applies fn to the metrics and publishes the result, unless the link
// is already gone. Listeners run without b.mu held.
func (b *Bike) update(fn func(m *LiveMetrics)) {
	b.mu.Lock()
	if b.State() != link.Connected {
		b.mu.Unlock()
		return
	}
	fn(&b.metrics)
	metrics := b.metrics
	b.mu.Unlock()

	b.metricsEvent.Notify(metrics)
}

func (b *Bike) resetMetrics() {
	b.mu.Lock()
	b.metrics = LiveMetrics{}
	b.hasControl = false
	b.mu.Unlock()
	b.metricsEvent.Notify(LiveMetrics{})
}
