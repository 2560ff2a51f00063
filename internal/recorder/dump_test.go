package recorder

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aogaki/delila-go/internal/eventdata"
)

func TestDumpRoundtripsEventRecords(t *testing.T) {
	src := buildFile(t, 3)
	outPath := filepath.Join(t.TempDir(), "run.flat")

	require.NoError(t, Dump(src, outPath))

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 8+8)
	assert.Equal(t, DumpMagic[:], data[0:8])

	n := binary.LittleEndian.Uint64(data[8:16])
	require.EqualValues(t, 3, n)

	const recSize = 22
	require.Equal(t, 16+int(n)*recSize, len(data))

	for i := 0; i < int(n); i++ {
		rec := data[16+i*recSize : 16+(i+1)*recSize]
		min, err := eventdata.DecodeMinimal(rec)
		require.NoError(t, err)
		assert.EqualValues(t, i, min.TimestampNs)
		assert.EqualValues(t, i*10, min.Energy)
	}
}

func TestDumpSkipsCorruptBlocks(t *testing.T) {
	src := buildFile(t, 4)
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	off := nthBlockPayloadOffset(t, data, 2)
	data[off] ^= 0xFF
	require.NoError(t, os.WriteFile(src, data, 0o644))

	outPath := filepath.Join(t.TempDir(), "run.flat")
	require.NoError(t, Dump(src, outPath))

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	n := binary.LittleEndian.Uint64(out[8:16])
	assert.EqualValues(t, 3, n, "the corrupted block's event must be excluded from the dump")
}
