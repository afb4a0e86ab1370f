// Package fakebt provides in-process peripherals implementing the bt interfaces,
// used by tests and by --simulate runs.
package fakebt

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
	"github.com/lowaak/smart-trainer/trainer-link/internal/ftms"
)

const maxRecordedWrites = 100

// WrittenValue records a value written to a characteristic
type WrittenValue struct {
	Timestamp          time.Time `json:"timestamp"`
	ServiceUUID        string    `json:"serviceUuid"`
	CharacteristicUUID string    `json:"characteristicUuid"`
	Data               []byte    `json:"data"`
	DataHex            string    `json:"dataHex"`
	Description        string    `json:"description"`
}

// GATTService describes one service a fake device exposes
type GATTService struct {
	UUID            string
	Characteristics []string
}

// Config describes a fake peripheral
type Config struct {
	Name     string
	Address  string
	RSSI     int16
	Services []GATTService
	// ResponseCharacteristic receives [0x80, op, result] after every Control Point
	// write when subscribed. Empty disables responses.
	ResponseCharacteristic string
}

// Device is a scriptable fake peripheral
type Device struct {
	cfg    Config
	logger logrus.FieldLogger

	mu            sync.Mutex
	connected     bool
	subscriptions map[string]func([]byte)
	writes        []WrittenValue
	writeHooks    []func(WrittenValue)

	connectCalls    int
	disconnectCalls int

	connectErr         error
	hangConnect        bool
	reportDisconnected bool
	missing            map[string]bool
	notifyErr          map[string]error
	writeErr           error
	responseResult     byte
	beforeConnectDone  func()

	disconnectEvent *events.CallbackEvent[string]
}

var _ bt.Device = (*Device)(nil)

// NewDevice creates a fake peripheral from cfg
func NewDevice(cfg Config, logger logrus.FieldLogger) *Device {
	if logger == nil {
		panic("fakebt: logger cannot be nil")
	}
	if cfg.RSSI == 0 {
		cfg.RSSI = -50
	}
	return &Device{
		cfg:             cfg,
		logger:          logger.WithFields(logrus.Fields{"component": "fakebt", "device": cfg.Name}),
		subscriptions:   make(map[string]func([]byte)),
		missing:         make(map[string]bool),
		notifyErr:       make(map[string]error),
		responseResult:  ftms.ResultSuccess,
		disconnectEvent: events.NewCallbackEvent[string](false),
	}
}

// NewBike returns an FTMS bike that also carries a Heart Rate service
func NewBike(name, address string, logger logrus.FieldLogger) *Device {
	return NewDevice(Config{
		Name:    name,
		Address: address,
		Services: []GATTService{
			{UUID: ftms.ServiceUUIDFTMS, Characteristics: []string{
				ftms.CharUUIDControlPoint, ftms.CharUUIDMachineStatus, ftms.CharUUIDIndoorBikeData,
			}},
			{UUID: ftms.ServiceUUIDHeartRate, Characteristics: []string{ftms.CharUUIDHeartRateMeasurement}},
		},
		ResponseCharacteristic: ftms.CharUUIDMachineStatus,
	}, logger)
}

// NewPowerMeterBike returns a bike exposing only the Cycling Power service
func NewPowerMeterBike(name, address string, logger logrus.FieldLogger) *Device {
	return NewDevice(Config{
		Name:    name,
		Address: address,
		Services: []GATTService{
			{UUID: ftms.ServiceUUIDCyclingPower, Characteristics: []string{ftms.CharUUIDCyclingPowerMeasurement}},
		},
	}, logger)
}

// NewHeartRateStrap returns a chest strap exposing the Heart Rate service
func NewHeartRateStrap(name, address string, logger logrus.FieldLogger) *Device {
	return NewDevice(Config{
		Name:    name,
		Address: address,
		Services: []GATTService{
			{UUID: ftms.ServiceUUIDHeartRate, Characteristics: []string{ftms.CharUUIDHeartRateMeasurement}},
		},
	}, logger)
}

// --- failure injection ---

// FailConnect makes Connect return err
func (d *Device) FailConnect(err error) {
	d.mu.Lock()
	d.connectErr = err
	d.mu.Unlock()
}

// HangConnect makes Connect block until its context ends
func (d *Device) HangConnect() {
	d.mu.Lock()
	d.hangConnect = true
	d.mu.Unlock()
}

// ReportNotConnected makes Connect succeed while IsConnected stays false
func (d *Device) ReportNotConnected() {
	d.mu.Lock()
	d.reportDisconnected = true
	d.mu.Unlock()
}

// Remove hides a service or characteristic from discovery
func (d *Device) Remove(uuid string) {
	d.mu.Lock()
	d.missing[strings.ToLower(uuid)] = true
	d.mu.Unlock()
}

// FailNotify makes enabling notifications on charUUID return err
func (d *Device) FailNotify(charUUID string, err error) {
	d.mu.Lock()
	d.notifyErr[strings.ToLower(charUUID)] = err
	d.mu.Unlock()
}

// FailWrite makes every write return err; nil restores normal writes
func (d *Device) FailWrite(err error) {
	d.mu.Lock()
	d.writeErr = err
	d.mu.Unlock()
}

// RespondWith sets the result code sent back for Control Point writes
func (d *Device) RespondWith(result byte) {
	d.mu.Lock()
	d.responseResult = result
	d.mu.Unlock()
}

// BeforeConnectReturns runs fn after the link is up but before Connect returns
func (d *Device) BeforeConnectReturns(fn func()) {
	d.mu.Lock()
	d.beforeConnectDone = fn
	d.mu.Unlock()
}

// OnWrite registers fn to observe every recorded write
func (d *Device) OnWrite(fn func(WrittenValue)) {
	d.mu.Lock()
	d.writeHooks = append(d.writeHooks, fn)
	d.mu.Unlock()
}

// --- bt.Device ---

func (d *Device) Name() string { return d.cfg.Name }
func (d *Device) Address() string { return d.cfg.Address }

// Candidate describes the device as a scan would
func (d *Device) Candidate() bt.Candidate {
	services := make([]string, 0, len(d.cfg.Services))
	for _, s := range d.cfg.Services {
		services = append(services, s.UUID)
	}
	return bt.Candidate{Name: d.cfg.Name, Address: d.cfg.Address, RSSI: d.cfg.RSSI, Services: services, LastSeen: time.Now()}
}

func (d *Device) OnDisconnect(fn func()) func() {
	return d.disconnectEvent.Listen(func(string) { fn() })
}

func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	d.connectCalls++
	err, hang, notConnected, hook := d.connectErr, d.hangConnect, d.reportDisconnected, d.beforeConnectDone
	d.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.connected = !notConnected
	d.mu.Unlock()
	d.logger.Debug("Connected")

	if hook != nil {
		hook()
	}
	return nil
}

func (d *Device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Disconnect drops the link and fires the disconnect listeners, as a platform
// stack does for a locally initiated disconnect
func (d *Device) Disconnect() error {
	d.mu.Lock()
	d.disconnectCalls++
	wasConnected := d.connected
	d.connected = false
	d.subscriptions = make(map[string]func([]byte))
	d.mu.Unlock()

	if wasConnected {
		d.logger.Debug("Disconnected")
		d.disconnectEvent.Notify(d.cfg.Address)
	}
	return nil
}

// Drop simulates link loss: out of range, powered off
func (d *Device) Drop() {
	d.mu.Lock()
	d.connected = false
	d.subscriptions = make(map[string]func([]byte))
	d.mu.Unlock()

	d.logger.Debug("Link dropped")
	d.disconnectEvent.Notify(d.cfg.Address)
}

func (d *Device) Service(_ context.Context, uuid string) (bt.Service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil, bt.ErrNotConnected
	}
	for _, s := range d.cfg.Services {
		if strings.EqualFold(s.UUID, uuid) && !d.missing[strings.ToLower(s.UUID)] {
			return &service{device: d, def: s}, nil
		}
	}
	return nil, &bt.NotFoundError{Resource: "service", UUID: uuid}
}

// --- inspection and notification injection ---

// Push delivers data to the subscriber of charUUID. It reports whether anyone was listening.
func (d *Device) Push(charUUID string, data []byte) bool {
	d.mu.Lock()
	fn := d.subscriptions[strings.ToLower(charUUID)]
	d.mu.Unlock()

	if fn == nil {
		return false
	}
	fn(append([]byte(nil), data...))
	return true
}

// Subscribed reports whether charUUID currently has notifications enabled
func (d *Device) Subscribed(charUUID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subscriptions[strings.ToLower(charUUID)] != nil
}

// Writes returns a copy of the recorded writes
func (d *Device) Writes() []WrittenValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]WrittenValue(nil), d.writes...)
}

// ConnectCalls returns how often Connect was called
func (d *Device) ConnectCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectCalls
}

// DisconnectCalls returns how often Disconnect was called
func (d *Device) DisconnectCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnectCalls
}

// DisconnectListeners returns the number of registered disconnect listeners
func (d *Device) DisconnectListeners() int {
	return d.disconnectEvent.ListenerCount()
}

func (d *Device) subscribe(charUUID string, fn func([]byte)) error {
	key := strings.ToLower(charUUID)

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return bt.ErrNotConnected
	}
	if err := d.notifyErr[key]; err != nil {
		return err
	}
	if fn == nil {
		delete(d.subscriptions, key)
	} else {
		d.subscriptions[key] = fn
	}
	return nil
}

func (d *Device) write(serviceUUID, charUUID string, data []byte) error {
	value := WrittenValue{
		Timestamp:          time.Now(),
		ServiceUUID:        serviceUUID,
		CharacteristicUUID: charUUID,
		Data:               append([]byte(nil), data...),
		DataHex:            ftms.Hex(data),
	}
	isControlPoint := strings.EqualFold(charUUID, ftms.CharUUIDControlPoint)
	if isControlPoint {
		value.Description = ftms.DescribeControlPoint(data)
	}

	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return bt.ErrNotConnected
	}
	if d.writeErr != nil {
		err := d.writeErr
		d.mu.Unlock()
		return err
	}
	d.writes = append(d.writes, value)
	if len(d.writes) > maxRecordedWrites {
		d.writes = d.writes[len(d.writes)-maxRecordedWrites:]
	}
	hooks := slices.Clone(d.writeHooks)
	result := d.responseResult
	d.mu.Unlock()

	d.logger.WithField("data", value.DataHex).Debugf("Write %s", value.Description)
	for _, hook := range hooks {
		hook(value)
	}

	if isControlPoint && len(data) > 0 && d.cfg.ResponseCharacteristic != "" {
		d.Push(d.cfg.ResponseCharacteristic, []byte{ftms.OpCodeResponse, data[0], result})
	}
	return nil
}

type service struct {
	device *Device
	def    GATTService
}

func (s *service) UUID() string { return s.def.UUID }

func (s *service) Characteristic(_ context.Context, uuid string) (bt.Characteristic, error) {
	s.device.mu.Lock()
	defer s.device.mu.Unlock()

	for _, c := range s.def.Characteristics {
		if strings.EqualFold(c, uuid) && !s.device.missing[strings.ToLower(c)] {
			return &characteristic{device: s.device, service: s.def.UUID, uuid: c}, nil
		}
	}
	return nil, &bt.NotFoundError{Resource: "characteristic", UUID: uuid, Parent: s.def.UUID}
}

type characteristic struct {
	device  *Device
	service string
	uuid    string
}

func (c *characteristic) UUID() string { return c.uuid }

func (c *characteristic) EnableNotifications(fn func([]byte)) error {
	if fn == nil {
		return fmt.Errorf("fakebt: nil notification callback for %s", c.uuid)
	}
	return c.device.subscribe(c.uuid, fn)
}

func (c *characteristic) DisableNotifications() error {
	return c.device.subscribe(c.uuid, nil)
}

func (c *characteristic) WriteWithoutResponse(data []byte) error {
	return c.device.write(c.service, c.uuid, data)
}
