package ftms

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// EncodeSetResistance builds the 3 byte set resistance Control Point frame
func EncodeSetResistance(level uint16) []byte {
	buf := make([]byte, 3)
	buf[0] = OpCodeSetResistance
	binary.LittleEndian.PutUint16(buf[1:], level)
	return buf
}

// DescribeControlPoint renders a Control Point write for logs
func DescribeControlPoint(data []byte) string {
	if len(data) == 0 {
		return "empty"
	}

	switch data[0] {
	case OpCodeSetResistance, OpCodeSetResistanceLevel:
		if len(data) >= 3 {
			return fmt.Sprintf("%s: %d", OpCodeName(data[0]), binary.LittleEndian.Uint16(data[1:3]))
		}
	case OpCodeResponse:
		if len(data) >= 3 {
			return fmt.Sprintf("Response to %s: %s", OpCodeName(data[1]), ResultName(data[2]))
		}
	}

	return OpCodeName(data[0])
}

// Hex formats a frame as space separated hex bytes
func Hex(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}
