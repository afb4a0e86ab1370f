package fakebt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gofuncs"
)

// RideState is what the simulated rider is currently doing
type RideState struct {
	PowerWatts int16   `json:"power"`
	CadenceRpm float64 `json:"cadence"`
	HeartRate  uint8   `json:"heartRate"`
	Resistance int     `json:"resistance"`
}

// Simulator drives a fake bike and heart-rate strap with periodic notifications.
// Power follows the last resistance written to the bike.
type Simulator struct {
	Bike  *Device
	Strap *Device

	logger   logrus.FieldLogger
	interval time.Duration

	mu    sync.Mutex
	state RideState

	server *http.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSimulator creates a bike and strap pair ticking every interval
func NewSimulator(interval time.Duration, logger logrus.FieldLogger) *Simulator {
	if logger == nil {
		panic("fakebt.Simulator: logger cannot be nil")
	}
	s := &Simulator{
		Bike:     NewBike("Sim Bike", "00:11:22:33:44:02", logger),
		Strap:    NewHeartRateStrap("Sim HR Strap", "00:11:22:33:44:01", logger),
		logger:   logger.WithField("component", "simulator"),
		interval: interval,
		state:    RideState{PowerWatts: 100, CadenceRpm: 80, HeartRate: 70},
	}
	s.Bike.OnWrite(s.observeWrite)
	return s
}

// Chooser returns a chooser offering the simulated devices
func (s *Simulator) Chooser() *Chooser {
	return NewChooser(s.Bike, s.Strap)
}

// WithPicker lets picker choose among the simulated devices
func (s *Simulator) WithPicker(picker bt.Picker) bt.Chooser {
	return s.Chooser().WithPicker(picker)
}

// Scan returns the simulated devices matching filter without waiting for window
func (s *Simulator) Scan(ctx context.Context, filter bt.ScanFilter, _ time.Duration) ([]bt.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Chooser().Candidates(filter), nil
}

// Start begins sending notifications. A non-zero port also serves a small HTTP API
// for changing the ride and dropping links.
func (s *Simulator) Start(port int) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	gofuncs.SafeGo(s.logger, "simulator", func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	})

	if port == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/set", s.handleSet)
	mux.HandleFunc("/api/writes", s.handleWrites)
	mux.HandleFunc("/api/drop", s.handleDrop)
	s.server = &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", port), Handler: mux}

	s.wg.Add(1)
	gofuncs.SafeGo(s.logger, "simulator-http", func() {
		defer s.wg.Done()
		s.logger.Infof("Simulator API on http://%s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Warn("Simulator API stopped")
		}
	})
}

// Shutdown stops the ticker and the HTTP API
func (s *Simulator) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Warn("Simulator API shutdown failed")
		}
	}
	s.wg.Wait()
}

// State returns the current ride
func (s *Simulator) State() RideState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetRide overrides power, cadence and heart rate
func (s *Simulator) SetRide(power int16, cadence float64, heartRate uint8) {
	s.mu.Lock()
	s.state.PowerWatts = power
	s.state.CadenceRpm = cadence
	s.state.HeartRate = heartRate
	s.mu.Unlock()
}

// Tick pushes one round of notifications to whoever is subscribed
func (s *Simulator) Tick() {
	state := s.State()
	s.Bike.Push(ftms.CharUUIDIndoorBikeData, IndoorBikeDataFrame(state.PowerWatts, state.CadenceRpm))
	s.Bike.Push(ftms.CharUUIDHeartRateMeasurement, HeartRateFrame(uint16(state.HeartRate)))
	s.Strap.Push(ftms.CharUUIDHeartRateMeasurement, HeartRateFrame(uint16(state.HeartRate)+1))
}

func (s *Simulator) observeWrite(w WrittenValue) {
	if len(w.Data) < 3 || w.Data[0] != ftms.OpCodeSetResistance {
		return
	}
	level := int(binary.LittleEndian.Uint16(w.Data[1:3]))

	s.mu.Lock()
	s.state.Resistance = level
	s.state.PowerWatts = int16(60 + level*3)
	s.mu.Unlock()
	s.logger.WithField("resistance", level).Debug("Resistance applied")
}

// IndoorBikeDataFrame encodes power and cadence as an Indoor Bike Data notification
func IndoorBikeDataFrame(power int16, cadenceRpm float64) []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint16(buf[0:2], ftms.FlagInstantaneousCadence)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(power))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(cadenceRpm*2))
	return buf
}

// HeartRateFrame encodes bpm as a Heart Rate Measurement, using 16 bits only when needed
func HeartRateFrame(bpm uint16) []byte {
	if bpm > 0xFF {
		buf := []byte{ftms.FlagHeartRateUint16, 0, 0}
		binary.LittleEndian.PutUint16(buf[1:3], bpm)
		return buf
	}
	return []byte{0x00, byte(bpm)}
}

// --- HTTP handlers ---

func (s *Simulator) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.State())
}

func (s *Simulator) handleSet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := s.State()
	q := r.URL.Query()
	if v := q.Get("power"); v != "" {
		p, err := strconv.ParseInt(v, 10, 16)
		if err != nil {
			http.Error(w, "bad power", http.StatusBadRequest)
			return
		}
		state.PowerWatts = int16(p)
	}
	if v := q.Get("cadence"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "bad cadence", http.StatusBadRequest)
			return
		}
		state.CadenceRpm = c
	}
	if v := q.Get("heartRate"); v != "" {
		hr, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			http.Error(w, "bad heartRate", http.StatusBadRequest)
			return
		}
		state.HeartRate = uint8(hr)
	}

	s.SetRide(state.PowerWatts, state.CadenceRpm, state.HeartRate)
	writeJSON(w, s.State())
}

func (s *Simulator) handleWrites(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Bike.Writes())
}

func (s *Simulator) handleDrop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch r.URL.Query().Get("device") {
	case "hrm":
		s.Strap.Drop()
	default:
		s.Bike.Drop()
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
