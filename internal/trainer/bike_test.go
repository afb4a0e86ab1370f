package trainer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt/fakebt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-link/internal/link"
)

// messages collects everything a role reports through its callbacks
type messages struct {
	mu           sync.Mutex
	success      []string
	errs         []string
	connected    []string
	disconnected []string
}

func (m *messages) callbacks() link.Callbacks {
	add := func(list *[]string) func(string) {
		return func(s string) {
			m.mu.Lock()
			*list = append(*list, s)
			m.mu.Unlock()
		}
	}
	return link.Callbacks{
		OnSuccessMessage:     add(&m.success),
		OnErrorMessage:       add(&m.errs),
		OnDeviceConnected:    add(&m.connected),
		OnDeviceDisconnected: add(&m.disconnected),
	}
}

func (m *messages) errors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.errs...)
}

func (m *messages) disconnects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.disconnected...)
}

func newTestBike(t *testing.T, opts Options) (*Bike, *fakebt.Device, *messages) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	device := fakebt.NewBike("IC4 Bike", "AA:BB:CC:DD:EE:01", logger)
	msgs := &messages{}
	bike := NewBike(fakebt.NewChooser(device), msgs.callbacks(), opts, logger)
	return bike, device, msgs
}

func connectBike(t *testing.T, opts Options) (*Bike, *fakebt.Device, *messages) {
	t.Helper()
	bike, device, msgs := newTestBike(t, opts)
	require.NoError(t, bike.ScanAndConnect(context.Background()))
	require.Equal(t, link.Connected, bike.State())
	return bike, device, msgs
}

func lastWrite(t *testing.T, device *fakebt.Device) fakebt.WrittenValue {
	t.Helper()
	writes := device.Writes()
	require.NotEmpty(t, writes)
	return writes[len(writes)-1]
}

func TestBike_FullCycle(t *testing.T) {
	bike, device, msgs := newTestBike(t, Options{})

	var states []link.State
	bike.OnStateChange(func(c link.StateChange) { states = append(states, c.To) })

	require.NoError(t, bike.ScanAndConnect(context.Background()))
	assert.Equal(t, []link.State{link.Scanning, link.Connecting, link.Discovering, link.Connected}, states)
	assert.Equal(t, PlanFTMS, bike.ActivePlan())

	require.True(t, device.Push(ftms.CharUUIDIndoorBikeData, fakebt.IndoorBikeDataFrame(120, 85)))
	assert.Equal(t, int16(120), bike.Metrics().PowerWatts)
	assert.Equal(t, 85.0, bike.Metrics().CadenceRpm)

	ok, err := bike.SetResistance(40)
	require.NoError(t, err)
	assert.True(t, ok)

	write := lastWrite(t, device)
	assert.Equal(t, ftms.CharUUIDControlPoint, write.CharacteristicUUID)
	assert.Equal(t, []byte{0x05, 40, 0x00}, write.Data)
	assert.Equal(t, "Set Resistance: 40", write.Description)
	assert.Empty(t, msgs.errors())

	device.RespondWith(ftms.ResultOperationFailed)
	ok, err = bike.SetResistance(45)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"Set resistance failed (code 4)"}, msgs.errors())
	assert.Equal(t, link.Connected, bike.State())
}

func TestBike_SetResistanceClamps(t *testing.T) {
	bike, device, _ := connectBike(t, Options{})

	_, err := bike.SetResistance(150)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 100, 0x00}, lastWrite(t, device).Data)

	_, err = bike.SetResistance(-10)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00, 0x00}, lastWrite(t, device).Data)

	level, ok := bike.LastRequested()
	assert.True(t, ok)
	assert.Equal(t, 0, level)
}

func TestBike_SetResistanceAppliesOffset(t *testing.T) {
	bike, device, _ := connectBike(t, Options{ResistanceOffset: 10})

	_, err := bike.SetResistance(50)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 60, 0x00}, lastWrite(t, device).Data)
	assert.Equal(t, 60, bike.Metrics().ResistancePercent)

	bike.SetResistanceOffset(-5)
	assert.Equal(t, -5, bike.ResistanceOffset())

	_, err = bike.SetResistance(50)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 45, 0x00}, lastWrite(t, device).Data)
}

func TestResistanceLevel(t *testing.T) {
	assert.Equal(t, 41, ResistanceLevel(40.5, 0))
	assert.Equal(t, 40, ResistanceLevel(40.4, 0))
	assert.Equal(t, 100, ResistanceLevel(95, 10))
	assert.Equal(t, 0, ResistanceLevel(3, -10))
}

func TestBike_SetResistanceWithoutConnection(t *testing.T) {
	bike, device, msgs := newTestBike(t, Options{})

	ok, err := bike.SetResistance(40)

	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, device.Writes())
	assert.Equal(t, []string{"Cannot set resistance: no connection"}, msgs.errors())
	_, requested := bike.LastRequested()
	assert.False(t, requested)
}

func TestBike_SetResistanceRejectsNaN(t *testing.T) {
	bike, device, _ := connectBike(t, Options{})
	before := len(device.Writes())

	ok, err := bike.SetResistance(nan())

	assert.False(t, ok)
	assert.Error(t, err)
	assert.Len(t, device.Writes(), before)
}

func TestBike_WriteFailureKeepsConnection(t *testing.T) {
	bike, device, msgs := connectBike(t, Options{})
	device.FailWrite(errors.New("gatt write failed"))

	ok, err := bike.SetResistance(40)

	assert.False(t, ok)
	assert.ErrorIs(t, err, link.ErrWriteFailure)
	assert.Equal(t, link.Connected, bike.State())
	assert.Equal(t, []string{"Set resistance failed: gatt write failed"}, msgs.errors())
	assert.Zero(t, bike.Metrics().ResistancePercent)
}

func TestBike_UnsolicitedDisconnectZeroesMetrics(t *testing.T) {
	bike, device, msgs := connectBike(t, Options{})
	device.Push(ftms.CharUUIDIndoorBikeData, fakebt.IndoorBikeDataFrame(200, 90))
	device.Push(ftms.CharUUIDHeartRateMeasurement, fakebt.HeartRateFrame(140))
	_, err := bike.SetResistance(40)
	require.NoError(t, err)
	require.NotZero(t, bike.Metrics())

	var seen []LiveMetrics
	bike.OnMetrics(func(m LiveMetrics) { seen = append(seen, m) })

	device.Drop()

	assert.Equal(t, link.Disconnected, bike.State())
	assert.Equal(t, LiveMetrics{}, bike.Metrics())
	assert.Equal(t, []string{"IC4 Bike"}, msgs.disconnects())
	require.NotEmpty(t, seen)
	assert.Equal(t, LiveMetrics{}, seen[len(seen)-1])

	ok, err := bike.SetResistance(40)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBike_DisconnectTwice(t *testing.T) {
	bike, device, msgs := connectBike(t, Options{})
	device.Push(ftms.CharUUIDIndoorBikeData, fakebt.IndoorBikeDataFrame(150, 70))

	require.NoError(t, bike.Disconnect())
	assert.Equal(t, link.Disconnected, bike.State())
	assert.Equal(t, LiveMetrics{}, bike.Metrics())

	require.NoError(t, bike.Disconnect())
	assert.Equal(t, link.Disconnected, bike.State())
	assert.Len(t, msgs.disconnects(), 1)
}

func TestBike_CadenceKeptWhenFrameHasNone(t *testing.T) {
	bike, device, _ := connectBike(t, Options{})
	device.Push(ftms.CharUUIDIndoorBikeData, fakebt.IndoorBikeDataFrame(100, 64))

	device.Push(ftms.CharUUIDIndoorBikeData, []byte{0x00, 0x00, 0x6E, 0x00})

	m := bike.Metrics()
	assert.Equal(t, int16(110), m.PowerWatts)
	assert.Equal(t, 64.0, m.CadenceRpm)
	assert.True(t, m.HasCadence)
}

func TestBike_MalformedFrameIsSkipped(t *testing.T) {
	bike, device, msgs := connectBike(t, Options{})
	device.Push(ftms.CharUUIDIndoorBikeData, fakebt.IndoorBikeDataFrame(100, 80))

	device.Push(ftms.CharUUIDIndoorBikeData, []byte{0x04})
	device.Push(ftms.CharUUIDHeartRateMeasurement, []byte{0x01, 0x4B})

	assert.Equal(t, int16(100), bike.Metrics().PowerWatts)
	assert.Equal(t, int64(2), bike.ParseFailures())
	assert.Equal(t, link.Connected, bike.State())
	assert.Empty(t, msgs.errors())
}

func TestBike_OnboardHeartRate(t *testing.T) {
	bike, device, _ := connectBike(t, Options{})

	device.Push(ftms.CharUUIDHeartRateMeasurement, []byte{0x01, 0x4B, 0x00})

	assert.Equal(t, uint16(75), bike.HeartRate())
	assert.Equal(t, uint16(75), EffectiveHeartRate(nil, bike))
}

func TestBike_OnboardHeartRateIsOptional(t *testing.T) {
	bike, device, _ := newTestBike(t, Options{})
	device.Remove(ftms.ServiceUUIDHeartRate)

	require.NoError(t, bike.ScanAndConnect(context.Background()))

	assert.Equal(t, link.Connected, bike.State())
	assert.False(t, device.Subscribed(ftms.CharUUIDHeartRateMeasurement))
}

func TestBike_CyclingPowerFallback(t *testing.T) {
	logger, _ := test.NewNullLogger()
	meter := fakebt.NewPowerMeterBike("Power Bike", "AA:BB:CC:DD:EE:03", logger)
	msgs := &messages{}
	bike := NewBike(fakebt.NewChooser(meter), msgs.callbacks(), Options{}, logger)

	require.NoError(t, bike.ScanAndConnect(context.Background()))
	assert.Equal(t, PlanCyclingPower, bike.ActivePlan())

	require.True(t, meter.Push(ftms.CharUUIDCyclingPowerMeasurement, []byte{0x00, 0x00, 0xFA, 0x00}))
	assert.Equal(t, int16(250), bike.Metrics().PowerWatts)

	ok, err := bike.SetResistance(40)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrControlUnsupported)
	assert.NotErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, []string{"Cannot set resistance: Power Bike does not support resistance control"}, msgs.errors())
	assert.Empty(t, meter.Writes())
	assert.Equal(t, link.Connected, bike.State())
}

func TestBike_MissingControlPointFails(t *testing.T) {
	bike, device, msgs := newTestBike(t, Options{})
	device.Remove(ftms.CharUUIDControlPoint)

	err := bike.ScanAndConnect(context.Background())

	assert.ErrorIs(t, err, link.ErrDiscoveryFailure)
	assert.Equal(t, link.Failed, bike.State())
	assert.Len(t, msgs.errors(), 1)
}

func TestBike_RequestsControlOnConnect(t *testing.T) {
	bike, device, _ := connectBike(t, Options{})

	writes := device.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, []byte{ftms.OpCodeRequestControl}, writes[0].Data)
	assert.Equal(t, []byte{ftms.OpCodeStartOrResume}, writes[1].Data)
	assert.True(t, bike.HasControl())

	require.NoError(t, bike.Disconnect())
	assert.False(t, bike.HasControl())
}

func TestBike_ControlRefusedStillConnects(t *testing.T) {
	bike, device, msgs := newTestBike(t, Options{})
	device.RespondWith(ftms.ResultControlNotPermitted)

	require.NoError(t, bike.ScanAndConnect(context.Background()))

	assert.Equal(t, link.Connected, bike.State())
	assert.False(t, bike.HasControl())
	assert.Empty(t, msgs.errors())
}

// returnsWithin fails the test when fn blocks for longer than a couple of seconds
func returnsWithin(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never returned", what)
	}
}

func TestBike_ErrorCallbackMayDisconnect(t *testing.T) {
	logger, _ := test.NewNullLogger()
	device := fakebt.NewBike("IC4 Bike", "AA:BB:CC:DD:EE:01", logger)
	msgs := &messages{}
	callbacks := msgs.callbacks()
	var bike *Bike
	callbacks.OnErrorMessage = func(string) { _ = bike.Disconnect() }
	bike = NewBike(fakebt.NewChooser(device), callbacks, Options{}, logger)
	require.NoError(t, bike.ScanAndConnect(context.Background()))
	device.RespondWith(ftms.ResultOperationFailed)

	returnsWithin(t, "SetResistance", func() { _, _ = bike.SetResistance(40) })

	assert.Equal(t, link.Disconnected, bike.State())
	assert.Equal(t, LiveMetrics{}, bike.Metrics())
	assert.Equal(t, []string{"IC4 Bike"}, msgs.disconnects())
}

func TestBike_MetricsListenerMayDisconnect(t *testing.T) {
	bike, device, msgs := connectBike(t, Options{})
	bike.OnMetrics(func(m LiveMetrics) {
		if m.PowerWatts > 500 {
			_ = bike.Disconnect()
		}
	})

	returnsWithin(t, "notification delivery", func() {
		device.Push(ftms.CharUUIDIndoorBikeData, fakebt.IndoorBikeDataFrame(600, 90))
	})

	assert.Equal(t, link.Disconnected, bike.State())
	assert.Equal(t, LiveMetrics{}, bike.Metrics())
	assert.Equal(t, []string{"IC4 Bike"}, msgs.disconnects())
}

func TestBike_NoSampleKeptAfterDisconnect(t *testing.T) {
	bike, device, _ := connectBike(t, Options{})

	require.NoError(t, bike.Disconnect())
	require.NoError(t, bike.onIndoorBikeData(fakebt.IndoorBikeDataFrame(250, 80)))
	require.NoError(t, bike.onHeartRate([]byte{0x00, 0x50}))
	require.NoError(t, bike.onStatus([]byte{ftms.OpCodeResponse, ftms.OpCodeRequestControl, ftms.ResultSuccess}))

	assert.Equal(t, LiveMetrics{}, bike.Metrics())
	assert.False(t, bike.HasControl())
	assert.False(t, device.IsConnected())
}
