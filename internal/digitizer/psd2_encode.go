package digitizer

import "encoding/binary"

// encodePsd2Flat builds one raw PSD2 event record (spec §4.2, layout
// documented in internal/decode/psd2.go) directly, rather than routing
// through a Psd1/Psd2 wire type the Reader would have to re-decode — the
// emulator stands in for real digitizer hardware, which speaks the wire
// format natively.
func encodePsd2Flat(_ uint8, channel uint8, rawTimestampTicks uint64, energy, energyShort uint16, waveformSamples int) []byte {
	const recordTypeEvent = 0x02
	header := uint64(recordTypeEvent)<<56 | uint64(channel)<<48 | uint64(waveformSamples)<<16
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, header)

	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, rawTimestampTicks)

	word2 := uint64(energy)<<48 | uint64(energyShort)<<32
	w2 := make([]byte, 8)
	binary.BigEndian.PutUint64(w2, word2)

	out := append(buf, ts...)
	out = append(out, w2...)
	for i := 0; i < waveformSamples; i++ {
		sample := uint64(1000+i)<<48 | uint64(2000+i)<<32
		sb := make([]byte, 8)
		binary.BigEndian.PutUint64(sb, sample)
		out = append(out, sb...)
	}
	return out
}
