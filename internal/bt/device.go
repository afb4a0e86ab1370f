package bt

import (
	"context"
	"strings"
	"time"
)

// ScanFilter selects which advertising peripherals a Chooser offers.
// A candidate matches when it advertises at least one of Services. An empty
// Services list matches everything.
type ScanFilter struct {
	Services         []string
	OptionalServices []string
	NamePrefix       string
}

// Matches reports whether c satisfies the filter
func (f ScanFilter) Matches(c Candidate) bool {
	if f.NamePrefix != "" && !strings.HasPrefix(c.Name, f.NamePrefix) {
		return false
	}
	if len(f.Services) == 0 {
		return true
	}
	for _, want := range f.Services {
		if c.HasService(want) {
			return true
		}
	}
	return false
}

// Candidate is an advertising peripheral offered to a Picker
type Candidate struct {
	Name     string
	Address  string
	RSSI     int16
	Services []string
	LastSeen time.Time
}

// HasService reports whether the candidate advertised uuid
func (c Candidate) HasService(uuid string) bool {
	for _, s := range c.Services {
		if strings.EqualFold(s, uuid) {
			return true
		}
	}
	return false
}

// DisplayName returns the advertised name, or "Unknown"
func (c Candidate) DisplayName() string {
	if c.Name == "" {
		return "Unknown"
	}
	return c.Name
}

// Chooser asks the platform (and usually the user) for one peripheral matching filter.
// Dismissal returns ErrChooserCancelled; an empty result returns ErrNoDeviceFound.
type Chooser interface {
	Choose(ctx context.Context, filter ScanFilter) (Device, error)
}

// ChooserFunc adapts a function to Chooser
type ChooserFunc func(ctx context.Context, filter ScanFilter) (Device, error)

func (f ChooserFunc) Choose(ctx context.Context, filter ScanFilter) (Device, error) {
	return f(ctx, filter)
}

// Device is a selected peripheral and its GATT connection
type Device interface {
	Name() string
	Address() string
	// OnDisconnect registers fn for link loss and returns a function removing it
	OnDisconnect(fn func()) (remove func())
	Connect(ctx context.Context) error
	IsConnected() bool
	Disconnect() error
	Service(ctx context.Context, uuid string) (Service, error)
}

// Service is a discovered primary service
type Service interface {
	UUID() string
	Characteristic(ctx context.Context, uuid string) (Characteristic, error)
}

// Characteristic is a discovered characteristic handle
type Characteristic interface {
	UUID() string
	EnableNotifications(fn func(buf []byte)) error
	DisableNotifications() error
	WriteWithoutResponse(data []byte) error
}
