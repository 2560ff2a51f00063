package recorder

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileHeaderRoundtrip(t *testing.T) {
	h := FileHeader{Version: 1, RunNumber: 42, ExpName: "NP1306", StartTimeUnixNano: 123456789}
	buf, err := h.Encode()
	require.NoError(t, err)
	assert.Len(t, buf, FileHeaderSize)

	got, err := DecodeFileHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestFileHeaderRejectsOversizeExpName(t *testing.T) {
	h := FileHeader{ExpName: string(make([]byte, expNameFieldLen+1))}
	_, err := h.Encode()
	assert.Error(t, err)
}

func TestDecodeFileHeaderBadMagic(t *testing.T) {
	buf := make([]byte, FileHeaderSize)
	_, err := DecodeFileHeader(buf)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestBlockRoundtrip(t *testing.T) {
	payload := []byte("hello world, this is a test payload")
	blk := EncodeBlock(7, payload)

	got, err := ReadBlock(bytes.NewReader(blk))
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.Seq)
	assert.Equal(t, payload, got.Payload)
}

func TestBlockChecksumDetectsCorruption(t *testing.T) {
	payload := []byte("hello world, this is a test payload")
	blk := EncodeBlock(7, payload)

	// Flip one byte inside the payload region.
	blk[len(blk)-1] ^= 0xFF

	_, err := ReadBlock(bytes.NewReader(blk))
	assert.ErrorIs(t, err, ErrBlockCorrupt)
}

func TestFileFooterRoundtrip(t *testing.T) {
	f := FileFooter{TotalEvents: 500, TsMin: 0, TsMax: 9007199254740992, IsComplete: true, DataBytes: 12345, Checksum: 0xdeadbeef}
	buf := f.Encode()
	assert.Len(t, buf, FooterSize)

	got, err := DecodeFileFooter(buf)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}
