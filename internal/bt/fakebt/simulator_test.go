package fakebt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/ftms"
)

func newTestSimulator(t *testing.T) *Simulator {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return NewSimulator(time.Hour, logger)
}

func mustCharacteristic(t *testing.T, d *Device, serviceUUID, charUUID string) bt.Characteristic {
	t.Helper()
	svc, err := d.Service(context.Background(), serviceUUID)
	require.NoError(t, err)
	char, err := svc.Characteristic(context.Background(), charUUID)
	require.NoError(t, err)
	return char
}

func TestSimulator_TickNotifiesSubscribers(t *testing.T) {
	s := newTestSimulator(t)
	require.NoError(t, s.Bike.Connect(context.Background()))
	require.NoError(t, s.Strap.Connect(context.Background()))

	var bikeFrames, strapFrames [][]byte
	require.NoError(t, mustCharacteristic(t, s.Bike, ftms.ServiceUUIDFTMS, ftms.CharUUIDIndoorBikeData).
		EnableNotifications(func(buf []byte) { bikeFrames = append(bikeFrames, buf) }))
	require.NoError(t, mustCharacteristic(t, s.Strap, ftms.ServiceUUIDHeartRate, ftms.CharUUIDHeartRateMeasurement).
		EnableNotifications(func(buf []byte) { strapFrames = append(strapFrames, buf) }))

	s.SetRide(180, 92.5, 130)
	s.Tick()

	require.Len(t, bikeFrames, 1)
	data, err := ftms.DecodeIndoorBikeData(bikeFrames[0])
	require.NoError(t, err)
	assert.Equal(t, int16(180), data.PowerWatts)

	require.Len(t, strapFrames, 1)
	hr, err := ftms.DecodeHeartRate(strapFrames[0])
	require.NoError(t, err)
	assert.Equal(t, uint16(131), hr.BPM)
}

func TestSimulator_ResistanceDrivesPower(t *testing.T) {
	s := newTestSimulator(t)
	require.NoError(t, s.Bike.Connect(context.Background()))
	cp := mustCharacteristic(t, s.Bike, ftms.ServiceUUIDFTMS, ftms.CharUUIDControlPoint)

	require.NoError(t, cp.WriteWithoutResponse(ftms.EncodeSetResistance(40)))

	state := s.State()
	assert.Equal(t, 40, state.Resistance)
	assert.Equal(t, int16(180), state.PowerWatts)
}

func TestSimulator_IgnoresOtherWrites(t *testing.T) {
	s := newTestSimulator(t)
	require.NoError(t, s.Bike.Connect(context.Background()))
	cp := mustCharacteristic(t, s.Bike, ftms.ServiceUUIDFTMS, ftms.CharUUIDControlPoint)

	require.NoError(t, cp.WriteWithoutResponse([]byte{ftms.OpCodeRequestControl}))

	assert.Equal(t, 0, s.State().Resistance)
	assert.Len(t, s.Bike.Writes(), 1)
}

func TestSimulator_HeartRateFrameWidth(t *testing.T) {
	assert.Equal(t, []byte{0x00, 72}, HeartRateFrame(72))
	assert.Equal(t, []byte{ftms.FlagHeartRateUint16, 0x2c, 0x01}, HeartRateFrame(300))
}

func TestSimulator_WithPicker(t *testing.T) {
	s := newTestSimulator(t)

	chooser := s.WithPicker(bt.AutoPicker(s.Bike.Address(), time.Hour))
	dev, err := chooser.Choose(context.Background(), bt.ScanFilter{Services: []string{ftms.ServiceUUIDHeartRate}})

	require.NoError(t, err)
	assert.Same(t, s.Bike, dev)
}

func TestSimulator_WithPickerCancelled(t *testing.T) {
	s := newTestSimulator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.WithPicker(bt.AutoPicker("", time.Hour)).Choose(ctx, bt.ScanFilter{})

	assert.ErrorIs(t, err, bt.ErrChooserCancelled)
}

func TestSimulator_Scan(t *testing.T) {
	s := newTestSimulator(t)

	bikes, err := s.Scan(context.Background(), bt.ScanFilter{Services: []string{ftms.ServiceUUIDFTMS}}, time.Second)
	require.NoError(t, err)
	require.Len(t, bikes, 1)
	assert.Equal(t, "Sim Bike", bikes[0].Name)

	straps, err := s.Scan(context.Background(), bt.ScanFilter{Services: []string{ftms.ServiceUUIDHeartRate}}, time.Second)
	require.NoError(t, err)
	assert.Len(t, straps, 2)
}

func TestSimulator_HTTPSet(t *testing.T) {
	s := newTestSimulator(t)

	rec := httptest.NewRecorder()
	s.handleSet(rec, httptest.NewRequest(http.MethodPost, "/api/set?power=250&cadence=95&heartRate=150", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got RideState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int16(250), got.PowerWatts)
	assert.Equal(t, 95.0, got.CadenceRpm)
	assert.Equal(t, uint8(150), got.HeartRate)
}

func TestSimulator_HTTPSetRejects(t *testing.T) {
	s := newTestSimulator(t)

	rec := httptest.NewRecorder()
	s.handleSet(rec, httptest.NewRequest(http.MethodGet, "/api/set?power=1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	s.handleSet(rec, httptest.NewRequest(http.MethodPost, "/api/set?heartRate=999", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, uint8(70), s.State().HeartRate)
}

func TestSimulator_HTTPDrop(t *testing.T) {
	s := newTestSimulator(t)
	require.NoError(t, s.Strap.Connect(context.Background()))
	dropped := make(chan struct{}, 1)
	s.Strap.OnDisconnect(func() { dropped <- struct{}{} })

	rec := httptest.NewRecorder()
	s.handleDrop(rec, httptest.NewRequest(http.MethodPost, "/api/drop?device=hrm", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, s.Strap.IsConnected())
	select {
	case <-dropped:
	default:
		t.Fatal("disconnect listener not called")
	}
}

func TestSimulator_StartAndShutdown(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewSimulator(2*time.Millisecond, logger)
	require.NoError(t, s.Bike.Connect(context.Background()))

	frames := make(chan []byte, 16)
	require.NoError(t, mustCharacteristic(t, s.Bike, ftms.ServiceUUIDFTMS, ftms.CharUUIDIndoorBikeData).
		EnableNotifications(func(buf []byte) {
			select {
			case frames <- buf:
			default:
			}
		}))

	s.Start(0)
	select {
	case <-frames:
	case <-time.After(time.Second):
		t.Fatal("no notification from ticker")
	}
	s.Shutdown()
}
