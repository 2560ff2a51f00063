package eventdata

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeMinimal packs a MinimalEventData into its fixed 22-byte
// little-endian wire representation, kept compatible with the legacy C++
// implementation's packed struct layout (spec §6).
func EncodeMinimal(m MinimalEventData) [MinimalEventDataSize]byte {
	var buf [MinimalEventDataSize]byte
	buf[0] = m.Module
	buf[1] = m.Channel
	binary.LittleEndian.PutUint16(buf[2:4], m.Energy)
	binary.LittleEndian.PutUint16(buf[4:6], m.EnergyShort)
	binary.LittleEndian.PutUint64(buf[6:14], m.Flags)
	binary.LittleEndian.PutUint64(buf[14:22], math.Float64bits(m.TimestampNs))
	return buf
}

// DecodeMinimal unpacks a 22-byte MinimalEventData record.
func DecodeMinimal(buf []byte) (MinimalEventData, error) {
	if len(buf) < MinimalEventDataSize {
		return MinimalEventData{}, fmt.Errorf("eventdata: minimal record truncated: got %d bytes, want %d", len(buf), MinimalEventDataSize)
	}
	var m MinimalEventData
	m.Module = buf[0]
	m.Channel = buf[1]
	m.Energy = binary.LittleEndian.Uint16(buf[2:4])
	m.EnergyShort = binary.LittleEndian.Uint16(buf[4:6])
	m.Flags = binary.LittleEndian.Uint64(buf[6:14])
	m.TimestampNs = math.Float64frombits(binary.LittleEndian.Uint64(buf[14:22]))
	return m, nil
}
