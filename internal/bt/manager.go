package bt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gofuncs"
)

// ManagerOptions tunes scanning
type ManagerOptions struct {
	// CandidateExpiry drops candidates that stopped advertising
	CandidateExpiry time.Duration
	// EmitInterval is how often the candidate list is republished
	EmitInterval time.Duration
}

type scanEntry struct {
	address   bluetooth.Address
	candidate Candidate
}

// scanner is the part of the adapter a scan uses. scan blocks until stopScan.
type scanner interface {
	scan(found func(scanEntry)) error
	stopScan() error
}

type adapterScanner struct {
	adapter *bluetooth.Adapter
}

func (a adapterScanner) scan(found func(scanEntry)) error {
	return a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		found(entryFromResult(result, time.Now()))
	})
}

func (a adapterScanner) stopScan() error {
	return a.adapter.StopScan()
}

// Manager owns the platform adapter. It implements Chooser by scanning and handing
// candidate lists to a Picker, and routes adapter connection events to devices.
type Manager struct {
	adapter *bluetooth.Adapter
	scanner scanner
	picker  Picker
	opts    ManagerOptions
	logger  logrus.FieldLogger

	candidates     *hashmap.Map[string, *scanEntry]
	devices        *hashmap.Map[string, *device]
	candidateEvent *events.ChannelEvent[[]Candidate]

	mu         sync.Mutex
	scanning   bool
	filter     ScanFilter
	scanCancel context.CancelFunc
	wg         sync.WaitGroup
}

var _ Chooser = (*Manager)(nil)

// NewManager creates a Manager over adapter. picker decides which candidate Choose returns.
func NewManager(adapter *bluetooth.Adapter, picker Picker, opts ManagerOptions, logger logrus.FieldLogger) *Manager {
	if adapter == nil {
		panic("bt.Manager: adapter cannot be nil")
	}
	if picker == nil {
		panic("bt.Manager: picker cannot be nil")
	}
	if logger == nil {
		panic("bt.Manager: logger cannot be nil")
	}
	if opts.CandidateExpiry <= 0 {
		opts.CandidateExpiry = 10 * time.Second
	}
	if opts.EmitInterval <= 0 {
		opts.EmitInterval = time.Second
	}
	return &Manager{
		adapter:        adapter,
		scanner:        adapterScanner{adapter: adapter},
		picker:         picker,
		opts:           opts,
		logger:         logger.WithField("component", "bt"),
		candidates:     hashmap.New[string, *scanEntry](),
		devices:        hashmap.New[string, *device](),
		candidateEvent: events.NewChannelEvent[[]Candidate](true),
	}
}

// Enable powers up the adapter and installs the connection handler
func (m *Manager) Enable() error {
	m.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		addr := d.Address.String()
		m.logger.WithFields(logrus.Fields{"address": addr, "connected": connected}).Debug("Connection change")
		if dev, ok := m.devices.Get(addr); ok {
			dev.connectionChanged(connected)
		}
	})

	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %w", ErrAdapterUnavailable, err)
	}
	return nil
}

// ListenCandidates registers ch for the periodically published candidate list
func (m *Manager) ListenCandidates(ch chan<- []Candidate) func() {
	return m.candidateEvent.Listen(ch)
}

// Choose scans for peripherals matching filter until the picker decides
func (m *Manager) Choose(ctx context.Context, filter ScanFilter) (Device, error) {
	return m.choose(ctx, filter, m.picker)
}

// WithPicker returns a Chooser that scans through m but lets picker decide.
// Only one scan runs at a time; a second concurrent Choose fails with ErrScanInProgress.
func (m *Manager) WithPicker(picker Picker) Chooser {
	if picker == nil {
		panic("bt.Manager.WithPicker: picker cannot be nil")
	}
	return ChooserFunc(func(ctx context.Context, filter ScanFilter) (Device, error) {
		return m.choose(ctx, filter, picker)
	})
}

// Scan collects candidates matching filter for window, or until ctx ends
func (m *Manager) Scan(ctx context.Context, filter ScanFilter, window time.Duration) ([]Candidate, error) {
	if err := m.StartScan(filter); err != nil {
		return nil, err
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	found := m.Candidates()
	if err := m.StopScan(); err != nil {
		return found, err
	}
	return found, ctx.Err()
}

func (m *Manager) choose(ctx context.Context, filter ScanFilter, picker Picker) (Device, error) {
	if err := m.StartScan(filter); err != nil {
		return nil, err
	}

	lists := make(chan []Candidate, 1)
	remove := m.candidateEvent.Listen(lists)
	picked, err := picker(ctx, lists)
	remove()

	if stopErr := m.StopScan(); stopErr != nil {
		m.logger.WithError(stopErr).Warn("Stopping scan failed")
	}
	if err != nil {
		return nil, NormalizeError(err)
	}

	entry, ok := m.candidates.Get(picked.Address)
	if !ok || !filter.Matches(entry.candidate) {
		return nil, fmt.Errorf("%w: %s", ErrNoDeviceFound, picked.Address)
	}

	m.logger.WithFields(logrus.Fields{"name": picked.DisplayName(), "address": picked.Address}).Info("Device chosen")
	return m.deviceFor(entry), nil
}

// StartScan begins collecting candidates that match filter. Candidates left
// from an earlier scan are dropped, since they were matched against another filter.
func (m *Manager) StartScan(filter ScanFilter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scanning {
		return ErrScanInProgress
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.scanning = true
	m.filter = filter
	m.scanCancel = cancel
	var previous []string
	m.candidates.Range(func(addr string, _ *scanEntry) bool {
		previous = append(previous, addr)
		return true
	})
	for _, addr := range previous {
		m.candidates.Del(addr)
	}
	m.candidateEvent.Notify(nil)

	m.logger.WithField("services", filter.Services).Info("Starting scan")

	m.wg.Add(2)
	gofuncs.SafeGo(m.logger, "bt-scan", func() {
		defer m.wg.Done()
		err := m.scanner.scan(func(entry scanEntry) {
			if ctx.Err() != nil {
				return
			}
			m.record(filter, entry)
		})
		if err != nil {
			m.logger.WithError(err).Warn("Scan ended with error")
		}
	})
	gofuncs.SafeGo(m.logger, "bt-scan-emit", func() {
		defer m.wg.Done()
		m.emitCandidates(ctx)
	})
	return nil
}

// StopScan ends an active scan
func (m *Manager) StopScan() error {
	m.mu.Lock()
	if !m.scanning {
		m.mu.Unlock()
		return nil
	}
	m.scanning = false
	m.scanCancel()
	m.scanCancel = nil
	m.mu.Unlock()

	return m.scanner.stopScan()
}

// IsScanning reports whether a scan is running
func (m *Manager) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

// Candidates returns the unexpired candidates matching the filter of the
// current (or last) scan, strongest first
func (m *Manager) Candidates() []Candidate {
	m.mu.Lock()
	filter := m.filter
	m.mu.Unlock()

	now := time.Now()
	out := make([]Candidate, 0, m.candidates.Len())
	m.candidates.Range(func(_ string, entry *scanEntry) bool {
		if now.Sub(entry.candidate.LastSeen) <= m.opts.CandidateExpiry && filter.Matches(entry.candidate) {
			out = append(out, entry.candidate)
		}
		return true
	})
	SortCandidates(out)
	return out
}

// Shutdown disconnects every known device, stops scanning and waits for goroutines
func (m *Manager) Shutdown() {
	m.logger.Info("Shutting down")
	m.devices.Range(func(addr string, dev *device) bool {
		if dev.IsConnected() {
			if err := dev.Disconnect(); err != nil {
				m.logger.WithError(err).WithField("address", addr).Warn("Disconnect failed")
			}
		}
		return true
	})
	if err := m.StopScan(); err != nil {
		m.logger.WithError(err).Warn("Stopping scan failed")
	}
	m.wg.Wait()
	m.logger.Info("Shutdown complete")
}

func entryFromResult(result bluetooth.ScanResult, now time.Time) scanEntry {
	uuids := result.ServiceUUIDs()
	services := make([]string, 0, len(uuids))
	for _, u := range uuids {
		services = append(services, u.String())
	}

	return scanEntry{
		address: result.Address,
		candidate: Candidate{
			Name:     result.LocalName(),
			Address:  result.Address.String(),
			RSSI:     result.RSSI,
			Services: services,
			LastSeen: now,
		},
	}
}

func (m *Manager) record(filter ScanFilter, entry scanEntry) {
	candidate := entry.candidate
	if !filter.Matches(candidate) {
		return
	}

	if _, seen := m.candidates.Get(candidate.Address); !seen {
		m.logger.WithFields(logrus.Fields{
			"name":    candidate.DisplayName(),
			"address": candidate.Address,
			"rssi":    candidate.RSSI,
		}).Info("Found device")
	}
	m.candidates.Set(candidate.Address, &entry)
}

func (m *Manager) emitCandidates(ctx context.Context) {
	ticker := time.NewTicker(m.opts.EmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.expireCandidates(now)
			m.candidateEvent.Notify(m.Candidates())
		}
	}
}

func (m *Manager) expireCandidates(now time.Time) {
	var stale []string
	m.candidates.Range(func(addr string, entry *scanEntry) bool {
		if now.Sub(entry.candidate.LastSeen) > m.opts.CandidateExpiry {
			stale = append(stale, addr)
		}
		return true
	})
	for _, addr := range stale {
		m.candidates.Del(addr)
		m.logger.WithField("address", addr).Debugf("Candidate expired (not seen for %v)", m.opts.CandidateExpiry)
	}
}

func (m *Manager) deviceFor(entry *scanEntry) *device {
	addr := entry.candidate.Address
	dev, _ := m.devices.GetOrInsert(addr, newDevice(m.adapter, entry.address, entry.candidate.Name, m.logger))
	dev.setName(entry.candidate.Name)
	return dev
}
