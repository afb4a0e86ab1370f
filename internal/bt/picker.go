package bt

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Picker selects one candidate from the lists a Manager publishes while scanning.
// It returns ErrChooserCancelled when the user backs out.
type Picker func(ctx context.Context, candidates <-chan []Candidate) (Candidate, error)

// SortCandidates orders candidates by signal strength, strongest first, then by address
func SortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].RSSI != candidates[j].RSSI {
			return candidates[i].RSSI > candidates[j].RSSI
		}
		return candidates[i].Address < candidates[j].Address
	})
}

// AutoPicker returns a headless Picker. It takes preferredAddress as soon as that
// address shows up, otherwise the strongest candidate seen once window has elapsed.
func AutoPicker(preferredAddress string, window time.Duration) Picker {
	return func(ctx context.Context, lists <-chan []Candidate) (Candidate, error) {
		timer := time.NewTimer(window)
		defer timer.Stop()

		var latest []Candidate
		for {
			select {
			case <-ctx.Done():
				return Candidate{}, ErrChooserCancelled
			case list := <-lists:
				latest = list
				if preferredAddress == "" {
					continue
				}
				for _, c := range list {
					if strings.EqualFold(c.Address, preferredAddress) {
						return c, nil
					}
				}
			case <-timer.C:
				if len(latest) == 0 {
					return Candidate{}, ErrNoDeviceFound
				}
				best := append([]Candidate(nil), latest...)
				SortCandidates(best)
				return best[0], nil
			}
		}
	}
}
