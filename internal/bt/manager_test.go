package bt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"
)

// scriptedScanner reports a fixed set of advertisements on every scan
type scriptedScanner struct {
	mu          sync.Mutex
	advertising []Candidate
	stop        chan struct{}
	stopped     bool
}

func (s *scriptedScanner) scan(found func(scanEntry)) error {
	s.mu.Lock()
	if s.stopped {
		s.stopped = false
		s.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	s.stop = stop
	advertising := append([]Candidate(nil), s.advertising...)
	s.mu.Unlock()

	for _, c := range advertising {
		c.LastSeen = time.Now()
		found(scanEntry{candidate: c})
	}
	<-stop
	return nil
}

func (s *scriptedScanner) stopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		s.stopped = true
		return nil
	}
	close(s.stop)
	s.stop = nil
	return nil
}

func newScriptedManager(t *testing.T, advertising ...Candidate) *Manager {
	t.Helper()
	logger, _ := test.NewNullLogger()
	m := NewManager(bluetooth.DefaultAdapter, AutoPicker("", time.Hour),
		ManagerOptions{CandidateExpiry: time.Minute, EmitInterval: 5 * time.Millisecond}, logger)
	m.scanner = &scriptedScanner{advertising: advertising}
	t.Cleanup(m.Shutdown)
	return m
}

var (
	advertisingBike  = Candidate{Name: "IC4", Address: "AA:00:00:00:00:01", RSSI: -30, Services: []string{ftmsService}}
	advertisingStrap = Candidate{Name: "HRM-Pro", Address: "AA:00:00:00:00:02", RSSI: -70, Services: []string{heartRateService}}
)

func TestManager_ChooseOffersOnlyMatchingCandidates(t *testing.T) {
	m := newScriptedManager(t, advertisingBike, advertisingStrap)

	bike, err := m.WithPicker(AutoPicker("", 30*time.Millisecond)).
		Choose(context.Background(), ScanFilter{Services: []string{ftmsService}})
	require.NoError(t, err)
	assert.Equal(t, "IC4", bike.Name())

	var mu sync.Mutex
	var offered []Candidate
	recording := func(ctx context.Context, lists <-chan []Candidate) (Candidate, error) {
		seen := make(chan []Candidate, 1)
		go func() {
			for list := range lists {
				mu.Lock()
				offered = append(offered, list...)
				mu.Unlock()
				select {
				case seen <- list:
				default:
				}
			}
		}()
		return AutoPicker("", 30*time.Millisecond)(ctx, seen)
	}

	strap, err := m.WithPicker(recording).
		Choose(context.Background(), ScanFilter{Services: []string{heartRateService}})
	require.NoError(t, err)
	assert.Equal(t, "HRM-Pro", strap.Name())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, offered)
	for _, c := range offered {
		assert.Equal(t, advertisingStrap.Address, c.Address, "offered %s to the heart-rate chooser", c.Name)
	}
}

func TestManager_CandidatesFollowCurrentFilter(t *testing.T) {
	m := newScriptedManager(t)
	bike := advertisingBike
	bike.LastSeen = time.Now()
	m.candidates.Set(bike.Address, &scanEntry{candidate: bike})

	require.NoError(t, m.StartScan(ScanFilter{Services: []string{heartRateService}}))
	defer func() { _ = m.StopScan() }()

	assert.Empty(t, m.Candidates())
	_, stale := m.candidates.Get(bike.Address)
	assert.False(t, stale)
}

func TestManager_SecondScanIsRejected(t *testing.T) {
	m := newScriptedManager(t)

	require.NoError(t, m.StartScan(ScanFilter{}))
	assert.ErrorIs(t, m.StartScan(ScanFilter{}), ErrScanInProgress)
	require.NoError(t, m.StopScan())
	assert.False(t, m.IsScanning())
}
