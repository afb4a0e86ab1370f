package ftms

import "fmt"

// GATT service and characteristic UUIDs in 128-bit form
const (
	// Fitness Machine Service (FTMS)
	ServiceUUIDFTMS        = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDControlPoint   = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharUUIDMachineStatus  = "00002ada-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData = "00002ad2-0000-1000-8000-00805f9b34fb"

	// Cycling Power Service
	ServiceUUIDCyclingPower         = "00001818-0000-1000-8000-00805f9b34fb"
	CharUUIDCyclingPowerMeasurement = "00002a63-0000-1000-8000-00805f9b34fb"

	// Heart Rate Service
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"
)

// Control Point op codes.
// Resistance bikes in the IC4 family take the 0-100 resistance percentage on 0x05.
const (
	OpCodeRequestControl       byte = 0x00
	OpCodeReset                byte = 0x01
	OpCodeSetTargetSpeed       byte = 0x02
	OpCodeSetTargetInclination byte = 0x03
	OpCodeSetResistanceLevel   byte = 0x04
	OpCodeSetResistance        byte = 0x05
	OpCodeSetTargetHeartRate   byte = 0x06
	OpCodeStartOrResume        byte = 0x07
	OpCodeStopOrPause          byte = 0x08
	OpCodeResponse             byte = 0x80
)

// Control Point result codes
const (
	ResultSuccess             byte = 0x01
	ResultOpCodeNotSupported  byte = 0x02
	ResultInvalidParameter    byte = 0x03
	ResultOperationFailed     byte = 0x04
	ResultControlNotPermitted byte = 0x05
)

// Indoor Bike Data flag bits
const (
	FlagMoreData             uint16 = 0x0001
	FlagAverageSpeed         uint16 = 0x0002
	FlagInstantaneousCadence uint16 = 0x0004
)

// Heart Rate Measurement flag bits
const (
	FlagHeartRateUint16 byte = 0x01
)

// OpCodeName returns a readable name for a Control Point op code
func OpCodeName(op byte) string {
	switch op {
	case OpCodeRequestControl:
		return "Request Control"
	case OpCodeReset:
		return "Reset"
	case OpCodeSetTargetSpeed:
		return "Set Target Speed"
	case OpCodeSetTargetInclination:
		return "Set Target Inclination"
	case OpCodeSetResistanceLevel:
		return "Set Resistance Level"
	case OpCodeSetResistance:
		return "Set Resistance"
	case OpCodeSetTargetHeartRate:
		return "Set Target Heart Rate"
	case OpCodeStartOrResume:
		return "Start/Resume"
	case OpCodeStopOrPause:
		return "Stop/Pause"
	case OpCodeResponse:
		return "Response"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", op)
	}
}

// ResultName returns a readable name for a Control Point result code
func ResultName(result byte) string {
	switch result {
	case ResultSuccess:
		return "Success"
	case ResultOpCodeNotSupported:
		return "Op Code Not Supported"
	case ResultInvalidParameter:
		return "Invalid Parameter"
	case ResultOperationFailed:
		return "Operation Failed"
	case ResultControlNotPermitted:
		return "Control Not Permitted"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", result)
	}
}
