package bt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrChooserCancelled   = errors.New("device chooser cancelled")
	ErrNoDeviceFound      = errors.New("no matching device found")
	ErrAdapterUnavailable = errors.New("bluetooth adapter unavailable")
	ErrPermission         = errors.New("bluetooth permission denied")
	ErrNotConnected       = errors.New("device not connected")
	ErrTimeout            = errors.New("bluetooth operation timed out")
	ErrScanInProgress     = errors.New("a device chooser is already open")
)

// NotFoundError reports a missing service or characteristic
type NotFoundError struct {
	Resource string // "service" or "characteristic"
	UUID     string
	Parent   string // owning service for a characteristic
}

func (e *NotFoundError) Error() string {
	if e.Parent != "" {
		return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUID, e.Parent)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.UUID)
}

// NormalizeError maps platform error strings onto the sentinels above, keeping the
// original error in the chain. Errors that already carry a sentinel pass through.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	for _, known := range []error{
		ErrChooserCancelled, ErrNoDeviceFound, ErrAdapterUnavailable,
		ErrPermission, ErrNotConnected, ErrTimeout, ErrScanInProgress,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "cancel", "user aborted", "chooser dismissed"):
		return fmt.Errorf("%w: %w", ErrChooserCancelled, err)
	case containsAny(msg, "permission", "not authorized", "not permitted", "access denied"):
		return fmt.Errorf("%w: %w", ErrPermission, err)
	case containsAny(msg, "adapter", "powered off", "not powered", "no default controller", "bluez"):
		return fmt.Errorf("%w: %w", ErrAdapterUnavailable, err)
	case containsAny(msg, "not connected", "disconnected"):
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	case containsAny(msg, "timeout", "timed out"):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case containsAny(msg, "no device", "device not found"):
		return fmt.Errorf("%w: %w", ErrNoDeviceFound, err)
	default:
		return err
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
