package fakebt

import (
	"context"
	"sync"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
)

// Chooser hands out the first registered fake device whose advertised services
// match the filter
type Chooser struct {
	mu      sync.Mutex
	devices []*Device
	err     error
	block   bool
	calls   int
	filters []bt.ScanFilter
}

var _ bt.Chooser = (*Chooser)(nil)

// NewChooser creates a chooser offering devices
func NewChooser(devices ...*Device) *Chooser {
	return &Chooser{devices: devices}
}

// Add offers another device
func (c *Chooser) Add(d *Device) {
	c.mu.Lock()
	c.devices = append(c.devices, d)
	c.mu.Unlock()
}

// Fail makes Choose return err; nil restores normal behaviour
func (c *Chooser) Fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Block makes Choose wait until its context ends, like an open chooser dialog
func (c *Chooser) Block() {
	c.mu.Lock()
	c.block = true
	c.mu.Unlock()
}

func (c *Chooser) Choose(ctx context.Context, filter bt.ScanFilter) (bt.Device, error) {
	c.mu.Lock()
	c.calls++
	c.filters = append(c.filters, filter)
	err, block := c.err, c.block
	devices := append([]*Device(nil), c.devices...)
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, bt.ErrChooserCancelled
	}
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if filter.Matches(d.Candidate()) {
			return d, nil
		}
	}
	return nil, bt.ErrNoDeviceFound
}

// Calls returns how often Choose was invoked
func (c *Chooser) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// LastFilter returns the filter of the most recent Choose call
func (c *Chooser) LastFilter() bt.ScanFilter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.filters) == 0 {
		return bt.ScanFilter{}
	}
	return c.filters[len(c.filters)-1]
}

// WithPicker returns a Chooser that offers the matching devices to picker as one
// candidate list, the way a scan would
func (c *Chooser) WithPicker(picker bt.Picker) bt.Chooser {
	return bt.ChooserFunc(func(ctx context.Context, filter bt.ScanFilter) (bt.Device, error) {
		c.mu.Lock()
		c.calls++
		c.filters = append(c.filters, filter)
		err := c.err
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}

		offered := c.Candidates(filter)
		lists := make(chan []bt.Candidate, 1)
		lists <- offered
		picked, err := picker(ctx, lists)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		for _, d := range c.devices {
			if d.Address() == picked.Address {
				return d, nil
			}
		}
		return nil, bt.ErrNoDeviceFound
	})
}

// Candidates lists the devices matching filter, strongest first
func (c *Chooser) Candidates(filter bt.ScanFilter) []bt.Candidate {
	c.mu.Lock()
	devices := append([]*Device(nil), c.devices...)
	c.mu.Unlock()

	var out []bt.Candidate
	for _, d := range devices {
		if candidate := d.Candidate(); filter.Matches(candidate) {
			out = append(out, candidate)
		}
	}
	bt.SortCandidates(out)
	return out
}
