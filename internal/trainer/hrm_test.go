package trainer

import (
	"context"
	"math"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt/fakebt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-link/internal/link"
)

func nan() float64 { return math.NaN() }

func newTestHRM(t *testing.T) (*HeartRateMonitor, *fakebt.Device, *messages) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	strap := fakebt.NewHeartRateStrap("HRM-Pro", "AA:BB:CC:DD:EE:10", logger)
	msgs := &messages{}
	return NewHeartRateMonitor(fakebt.NewChooser(strap), msgs.callbacks(), Options{}, logger), strap, msgs
}

func TestHeartRateMonitor_ConnectAndRead(t *testing.T) {
	hrm, strap, msgs := newTestHRM(t)

	require.NoError(t, hrm.ScanAndConnect(context.Background()))
	assert.Equal(t, link.Connected, hrm.State())
	assert.Equal(t, PlanHeartRate, hrm.ActivePlan())

	var readings []uint16
	hrm.OnHeartRate(func(bpm uint16) { readings = append(readings, bpm) })

	strap.Push(ftms.CharUUIDHeartRateMeasurement, []byte{0x00, 0x4B})
	assert.Equal(t, uint16(75), hrm.HeartRate())

	strap.Push(ftms.CharUUIDHeartRateMeasurement, []byte{0x01, 0x4B, 0x00})
	assert.Equal(t, uint16(75), hrm.HeartRate())
	assert.Equal(t, []uint16{75, 75}, readings[len(readings)-2:])

	require.NoError(t, hrm.ScanAndConnect(context.Background()))
	msgs.mu.Lock()
	assert.Equal(t, []string{"Connected to HRM-Pro", "Already connected to HRM-Pro"}, msgs.success)
	msgs.mu.Unlock()
}

func TestHeartRateMonitor_DropResetsReading(t *testing.T) {
	hrm, strap, msgs := newTestHRM(t)
	require.NoError(t, hrm.ScanAndConnect(context.Background()))
	strap.Push(ftms.CharUUIDHeartRateMeasurement, []byte{0x00, 0x8C})

	strap.Drop()

	assert.Equal(t, link.Disconnected, hrm.State())
	assert.Zero(t, hrm.HeartRate())
	assert.Equal(t, []string{"HRM-Pro"}, msgs.disconnects())
}

func TestHeartRateMonitor_IndependentOfBike(t *testing.T) {
	bike, bikeDevice, _ := connectBike(t, Options{})
	hrm, strap, _ := newTestHRM(t)
	require.NoError(t, hrm.ScanAndConnect(context.Background()))

	bikeDevice.Push(ftms.CharUUIDHeartRateMeasurement, fakebt.HeartRateFrame(120))
	strap.Push(ftms.CharUUIDHeartRateMeasurement, fakebt.HeartRateFrame(130))
	assert.Equal(t, uint16(130), EffectiveHeartRate(hrm, bike))

	strap.Drop()

	assert.Equal(t, link.Connected, bike.State())
	assert.Equal(t, link.Disconnected, hrm.State())
	assert.Equal(t, uint16(120), EffectiveHeartRate(hrm, bike))
}

func TestEffectiveHeartRate_NilSources(t *testing.T) {
	var hrm *HeartRateMonitor
	var bike *Bike

	assert.Zero(t, EffectiveHeartRate(nil, nil))
	assert.Zero(t, EffectiveHeartRate(hrm, bike))
}

func TestHeartRateMonitor_ListenerMayDisconnect(t *testing.T) {
	hrm, strap, msgs := newTestHRM(t)
	require.NoError(t, hrm.ScanAndConnect(context.Background()))
	hrm.OnHeartRate(func(bpm uint16) {
		if bpm > 200 {
			_ = hrm.Disconnect()
		}
	})

	returnsWithin(t, "notification delivery", func() {
		strap.Push(ftms.CharUUIDHeartRateMeasurement, []byte{0x00, 0xD2})
	})

	assert.Equal(t, link.Disconnected, hrm.State())
	assert.Zero(t, hrm.HeartRate())
	assert.Equal(t, []string{"HRM-Pro"}, msgs.disconnects())
}
