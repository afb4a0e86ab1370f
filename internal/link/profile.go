package link

import (
	"time"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
)

// Profile describes one peripheral role: what the chooser offers and which
// services and characteristics make a usable connection
type Profile struct {
	Role   string
	Filter bt.ScanFilter
	// Plans are tried in order; the first whose primary service exists is used
	Plans []Plan
	// OnReset zeroes the role's live values whenever the connection is torn down.
	// It runs after the state has left Connected, so a role that stores samples
	// only while State() is Connected, under the same lock OnReset takes, never
	// keeps one past a reset.
	OnReset func()
}

// Plan binds characteristics of one primary service
type Plan struct {
	Name            string
	Service         string
	Characteristics []Binding
	// Extras are optional services; anything missing in them is skipped
	Extras []ServiceBinding
}

// ServiceBinding groups bindings under a service other than the plan's primary one
type ServiceBinding struct {
	Service         string
	Characteristics []Binding
}

// Binding is one characteristic of interest. Notify, when set, subscribes and
// receives each payload; a returned error counts as a parse failure for that sample.
type Binding struct {
	UUID     string
	Notify   func(buf []byte) error
	Optional bool
}

// Callbacks reports connection events to the consumer. Any of them may be nil.
type Callbacks struct {
	OnSuccessMessage     func(msg string)
	OnErrorMessage       func(msg string)
	OnDeviceConnected    func(name string)
	OnDeviceDisconnected func(name string)
}

// Options tunes a Manager
type Options struct {
	// ConnectTimeout bounds connect plus discovery after a device is chosen.
	// Zero means no limit.
	ConnectTimeout time.Duration
}
