package bt

import (
	"context"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gofuncs"
)

// device is a peripheral reached through the tinygo adapter
type device struct {
	adapter *bluetooth.Adapter
	address bluetooth.Address
	logger  logrus.FieldLogger

	mu        sync.Mutex
	name      string
	conn      *bluetooth.Device
	connected bool

	// bleMu serializes discovery, notification and write calls on this device
	bleMu sync.Mutex
	cache *gattCache

	disconnectEvent *events.CallbackEvent[string]
}

var _ Device = (*device)(nil)

func newDevice(adapter *bluetooth.Adapter, address bluetooth.Address, name string, logger logrus.FieldLogger) *device {
	return &device{
		adapter:         adapter,
		address:         address,
		name:            name,
		logger:          logger.WithField("address", address.String()),
		cache:           newGattCache(),
		disconnectEvent: events.NewCallbackEvent[string](false),
	}
}

func (d *device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

func (d *device) setName(name string) {
	if name == "" {
		return
	}
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
}

func (d *device) Address() string {
	return d.address.String()
}

func (d *device) OnDisconnect(fn func()) func() {
	return d.disconnectEvent.Listen(func(string) { fn() })
}

// Connect blocks until the adapter connects or ctx ends. A connection that completes
// after ctx ended is torn down again.
func (d *device) Connect(ctx context.Context) error {
	type result struct {
		conn bluetooth.Device
		err  error
	}
	done := make(chan result, 1)

	d.logger.Info("Connecting")
	gofuncs.SafeGo(d.logger, "bt-connect", func() {
		conn, err := d.adapter.Connect(d.address, bluetooth.ConnectionParams{})
		done <- result{conn: conn, err: err}
	})

	select {
	case r := <-done:
		if r.err != nil {
			return NormalizeError(r.err)
		}
		d.setConnection(&r.conn)
		return nil
	case <-ctx.Done():
		gofuncs.SafeGo(d.logger, "bt-connect-abandon", func() {
			if r := <-done; r.err == nil {
				d.logger.Warn("Connect completed after it was abandoned, disconnecting")
				_ = r.conn.Disconnect()
			}
		})
		return ctx.Err()
	}
}

func (d *device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected && d.conn != nil
}

func (d *device) Disconnect() error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil
	}

	d.logger.Info("Disconnecting")
	if err := conn.Disconnect(); err != nil {
		return NormalizeError(err)
	}
	d.clearConnection()
	return nil
}

func (d *device) setConnection(conn *bluetooth.Device) {
	d.mu.Lock()
	d.conn = conn
	d.connected = true
	d.mu.Unlock()
}

// clearConnection drops the connection and its discovery cache
func (d *device) clearConnection() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn = nil
	d.connected = false
	d.cache = newGattCache()
}

// connectionChanged is called from the adapter's connect handler
func (d *device) connectionChanged(connected bool) {
	if connected {
		d.mu.Lock()
		d.connected = true
		d.mu.Unlock()
		return
	}

	d.logger.Info("Link lost")
	d.clearConnection()
	d.disconnectEvent.Notify(d.Address())
}

func (d *device) Service(ctx context.Context, uuid string) (Service, error) {
	parsed, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", uuid, err)
	}
	key := parsed.String()

	d.mu.Lock()
	conn, cache := d.conn, d.cache
	d.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	err = d.await(ctx, "bt-discover-services", func() error {
		if cache.discovered {
			return nil
		}
		// Discover everything at once; discovering single services again later
		// interrupts services already in use on some stacks.
		d.logger.Debug("Discovering all services")
		discovered, err := conn.DiscoverServices(nil)
		if err != nil {
			return fmt.Errorf("discovering services: %w", NormalizeError(err))
		}
		for i := range discovered {
			svc := &service{device: d, svc: discovered[i], chars: hashmap.New[string, *characteristic]()}
			cache.services.Set(discovered[i].UUID().String(), svc)
		}
		cache.discovered = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	svc, ok := cache.services.Get(key)
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUID: uuid}
	}
	return svc, nil
}

// await runs fn under bleMu on its own goroutine so a stuck platform call cannot
// outlive ctx for the caller
func (d *device) await(ctx context.Context, name string, fn func() error) error {
	done := make(chan error, 1)
	gofuncs.SafeGo(d.logger, name, func() {
		d.bleMu.Lock()
		defer d.bleMu.Unlock()
		done <- fn()
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// gattCache holds what one connection discovered; it is replaced on link loss
type gattCache struct {
	services   *hashmap.Map[string, *service]
	discovered bool
}

func newGattCache() *gattCache {
	return &gattCache{services: hashmap.New[string, *service]()}
}

type service struct {
	device          *device
	svc             bluetooth.DeviceService
	chars           *hashmap.Map[string, *characteristic]
	charsDiscovered bool
}

func (s *service) UUID() string {
	return s.svc.UUID().String()
}

func (s *service) Characteristic(ctx context.Context, uuid string) (Characteristic, error) {
	parsed, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", uuid, err)
	}

	err = s.device.await(ctx, "bt-discover-characteristics", func() error {
		if s.charsDiscovered {
			return nil
		}
		s.device.logger.WithField("service", s.UUID()).Debug("Discovering all characteristics")
		discovered, err := s.svc.DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("discovering characteristics of %s: %w", s.UUID(), NormalizeError(err))
		}
		for i := range discovered {
			s.chars.Set(discovered[i].UUID().String(), &characteristic{device: s.device, char: discovered[i]})
		}
		s.charsDiscovered = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	char, ok := s.chars.Get(parsed.String())
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUID: uuid, Parent: s.UUID()}
	}
	return char, nil
}

type characteristic struct {
	device *device
	char   bluetooth.DeviceCharacteristic
}

func (c *characteristic) UUID() string {
	return c.char.UUID().String()
}

func (c *characteristic) EnableNotifications(fn func(buf []byte)) error {
	c.device.bleMu.Lock()
	defer c.device.bleMu.Unlock()
	if err := c.char.EnableNotifications(fn); err != nil {
		return fmt.Errorf("enabling notifications on %s: %w", c.UUID(), NormalizeError(err))
	}
	return nil
}

func (c *characteristic) DisableNotifications() error {
	c.device.bleMu.Lock()
	defer c.device.bleMu.Unlock()
	// A nil callback unsubscribes
	if err := c.char.EnableNotifications(nil); err != nil {
		return fmt.Errorf("disabling notifications on %s: %w", c.UUID(), NormalizeError(err))
	}
	return nil
}

func (c *characteristic) WriteWithoutResponse(data []byte) error {
	c.device.bleMu.Lock()
	defer c.device.bleMu.Unlock()
	if _, err := c.char.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("writing %s: %w", c.UUID(), NormalizeError(err))
	}
	return nil
}
