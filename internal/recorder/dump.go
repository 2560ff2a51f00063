package recorder

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aogaki/delila-go/internal/eventdata"
)

// DumpMagic identifies the flat binary dump format (spec §4.5 "Dump tool").
var DumpMagic = [8]byte{'D', 'L', 'D', 'U', 'M', 'P', '0', '1'}

// Dump reads every recoverable block of the recorder file at inPath
// (skipping blocks that fail their checksum instead of aborting — a
// best-effort analysis export, not another recoverability check) and writes the flat binary DLDUMP01 format to
// outPath: magic, n_events, then one fixed-size record per event.
func Dump(inPath, outPath string) error {
	report, err := Recover(inPath)
	if err != nil {
		return err
	}

	var events []eventdata.EventData
	for _, b := range report.Blocks {
		if !b.OK {
			continue
		}
		var batch eventdata.EventDataBatch
		if err := msgpack.Unmarshal(b.Payload, &batch); err != nil {
			continue
		}
		events = append(events, batch.Events...)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("recorder: create %s: %w", outPath, err)
	}
	defer out.Close()

	if _, err := out.Write(DumpMagic[:]); err != nil {
		return err
	}
	var nBuf [8]byte
	binary.LittleEndian.PutUint64(nBuf[:], uint64(len(events)))
	if _, err := out.Write(nBuf[:]); err != nil {
		return err
	}
	for _, ev := range events {
		rec := eventdata.EncodeMinimal(eventdata.ToMinimal(ev))
		if _, err := out.Write(rec[:]); err != nil {
			return err
		}
	}
	return nil
}
