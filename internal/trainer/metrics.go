// Package trainer holds the two peripheral roles a ride uses: the smart bike
// (metrics and resistance control) and an optional heart-rate strap.
package trainer

// LiveMetrics is the latest decoded state of a connected bike. Every field is
// zero while the bike is not connected.
type LiveMetrics struct {
	PowerWatts        int16   `json:"power"`
	CadenceRpm        float64 `json:"cadence"`
	HasCadence        bool    `json:"hasCadence"`
	ResistancePercent int     `json:"resistance"`
	// HeartRate comes from the bike's own heart-rate service, when it has one
	HeartRate uint16 `json:"heartRate"`
}

// HeartRateSource is anything that reports a current heart rate
type HeartRateSource interface {
	HeartRate() uint16
}

// EffectiveHeartRate prefers the dedicated strap and falls back to the bike.
// Either source may be nil.
func EffectiveHeartRate(dedicated, onboard HeartRateSource) uint16 {
	if dedicated != nil {
		if bpm := dedicated.HeartRate(); bpm > 0 {
			return bpm
		}
	}
	if onboard != nil {
		return onboard.HeartRate()
	}
	return 0
}
