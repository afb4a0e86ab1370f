package ftms

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortFrame is returned when a notification payload is shorter than its layout requires
var ErrShortFrame = errors.New("frame too short")

// IndoorBikeData holds the fields read from an Indoor Bike Data notification
type IndoorBikeData struct {
	Flags      uint16
	PowerWatts int16
	CadenceRpm float64
	HasCadence bool
}

// HeartRateSample is a single decoded Heart Rate Measurement
type HeartRateSample struct {
	BPM uint16
}

// Status is a decoded Control Point indication or Machine Status notification.
// RequestedOpCode and ResultCode are only meaningful when IsResponse is true.
type Status struct {
	OpCode          byte
	IsResponse      bool
	RequestedOpCode byte
	ResultCode      byte
}

// ResistanceRejected reports whether the frame answers a set resistance request with
// anything but success. The profile carries no request id, so the op code is the only
// correlation available.
func (s Status) ResistanceRejected() bool {
	return s.IsResponse && s.RequestedOpCode == OpCodeSetResistance && s.ResultCode != ResultSuccess
}

func (s Status) String() string {
	if !s.IsResponse {
		return OpCodeName(s.OpCode)
	}
	return fmt.Sprintf("%s to %s: %s", OpCodeName(s.OpCode), OpCodeName(s.RequestedOpCode), ResultName(s.ResultCode))
}

func shortFrame(name string, need, got int) error {
	return fmt.Errorf("%s: %w (need %d bytes, got %d)", name, ErrShortFrame, need, got)
}

// DecodeIndoorBikeData parses an Indoor Bike Data notification.
// Power sits at offset 2 whatever the flags say; cadence (0.5 rpm units) follows at
// offset 4 when the cadence flag is set and the frame is long enough.
func DecodeIndoorBikeData(buf []byte) (IndoorBikeData, error) {
	if len(buf) < 4 {
		return IndoorBikeData{}, shortFrame("indoor bike data", 4, len(buf))
	}

	data := IndoorBikeData{
		Flags:      binary.LittleEndian.Uint16(buf[0:2]),
		PowerWatts: int16(binary.LittleEndian.Uint16(buf[2:4])),
	}

	if data.Flags&FlagInstantaneousCadence != 0 && len(buf) >= 6 {
		raw := binary.LittleEndian.Uint16(buf[4:6])
		data.CadenceRpm = float64(raw) * 0.5
		data.HasCadence = true
	}

	return data, nil
}

// DecodeHeartRate parses a Heart Rate Measurement notification
func DecodeHeartRate(buf []byte) (HeartRateSample, error) {
	if len(buf) < 2 {
		return HeartRateSample{}, shortFrame("heart rate", 2, len(buf))
	}

	if buf[0]&FlagHeartRateUint16 != 0 {
		if len(buf) < 3 {
			return HeartRateSample{}, shortFrame("heart rate uint16", 3, len(buf))
		}
		return HeartRateSample{BPM: binary.LittleEndian.Uint16(buf[1:3])}, nil
	}

	return HeartRateSample{BPM: uint16(buf[1])}, nil
}

// DecodeStatus parses a frame from the status characteristic
func DecodeStatus(buf []byte) (Status, error) {
	if len(buf) < 1 {
		return Status{}, shortFrame("machine status", 1, len(buf))
	}

	status := Status{OpCode: buf[0]}
	if status.OpCode == OpCodeResponse && len(buf) >= 3 {
		status.IsResponse = true
		status.RequestedOpCode = buf[1]
		status.ResultCode = buf[2]
	}
	return status, nil
}

// DecodeCyclingPower reads the instantaneous power from a Cycling Power Measurement
func DecodeCyclingPower(buf []byte) (int16, error) {
	if len(buf) < 4 {
		return 0, shortFrame("cycling power", 4, len(buf))
	}
	return int16(binary.LittleEndian.Uint16(buf[2:4])), nil
}
