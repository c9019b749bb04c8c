package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/nexus-edge/modbus-monitor/internal/domain"
)

// decodeRegisters unpacks big-endian 16-bit registers from a response
// payload. The result holds exactly count values; surplus payload bytes
// are ignored, a short payload is an error.
func decodeRegisters(data []byte, count int) ([]interface{}, error) {
	if len(data) < count*2 {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", domain.ErrShortRead, len(data), count*2)
	}
	values := make([]interface{}, count)
	for i := 0; i < count; i++ {
		values[i] = binary.BigEndian.Uint16(data[i*2 : i*2+2])
	}
	return values, nil
}

// decodeBits unpacks packed coil/discrete-input bits from a response
// payload. Bits are packed LSB-first within each byte. The result holds
// exactly count values; padding bits in the final byte are ignored.
func decodeBits(data []byte, count int) ([]interface{}, error) {
	need := (count + 7) / 8
	if len(data) < need {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", domain.ErrShortRead, len(data), need)
	}
	values := make([]interface{}, count)
	for i := 0; i < count; i++ {
		values[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return values, nil
}
