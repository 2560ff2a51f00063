package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aogaki/delila-go/internal/eventdata"
	"github.com/vmihailenco/msgpack/v5"
)

// BlockReport is one scanned block's recovery outcome.
type BlockReport struct {
	Offset  int64
	Seq     uint64
	Events  int
	OK      bool
	Err     string
	Payload []byte // the verified msgpack-encoded EventDataBatch, set only when OK
}

// RecoveryReport summarizes a byte-by-byte scan of a recorder file: every
// block that could be located and whether its checksum verified, plus
// whether a valid FileFooter was found (spec §8 scenario 2: "recover
// validate must report that block as unrecoverable while leaving all other
// blocks intact").
type RecoveryReport struct {
	Header      *FileHeader
	Blocks      []BlockReport
	Footer      *FileFooter
	FooterValid bool
	TotalEvents uint64
	ComputedMin float64
	ComputedMax float64
	HasRange    bool
}

// Recover scans path for a FileHeader, every recoverable Block (resynching
// at the next BlockMagic occurrence after any corrupt or unreadable one),
// and a trailing FileFooter. It never returns an error for file-content
// corruption — that is reported per-block in the returned report — only
// for an unreadable path.
func Recover(path string) (*RecoveryReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: read %s: %w", path, err)
	}
	return RecoverBytes(data), nil
}

// RecoverBytes runs the same scan as Recover directly over an in-memory
// image, used by tests that corrupt a byte without touching disk.
func RecoverBytes(data []byte) *RecoveryReport {
	report := &RecoveryReport{}

	offset := int64(0)
	if len(data) >= FileHeaderSize {
		if hdr, err := DecodeFileHeader(data[:FileHeaderSize]); err == nil {
			report.Header = &hdr
			offset = int64(FileHeaderSize)
		}
	}

	for offset < int64(len(data)) {
		idx := bytes.Index(data[offset:], BlockMagic[:])
		if idx < 0 {
			break
		}
		blockStart := offset + int64(idx)

		r := bytes.NewReader(data[blockStart:])
		blk, err := ReadBlock(r)
		consumed, _ := r.Seek(0, io.SeekCurrent)
		if err != nil && !errors.Is(err, ErrBlockCorrupt) {
			// Header itself unreadable (truncated/bad magic past this point);
			// resynchronize by searching past this occurrence of the magic.
			report.Blocks = append(report.Blocks, BlockReport{Offset: blockStart, OK: false, Err: err.Error()})
			offset = blockStart + 1
			continue
		}
		ok := err == nil
		br := BlockReport{Offset: blockStart, Seq: blk.Seq, OK: ok}
		if !ok {
			br.Err = err.Error()
		} else {
			br.Payload = blk.Payload
			var batch eventdata.EventDataBatch
			if decErr := msgpack.Unmarshal(blk.Payload, &batch); decErr == nil {
				br.Events = len(batch.Events)
				report.TotalEvents += uint64(br.Events)
				report.accumulateRange(batch.Events)
			}
		}
		report.Blocks = append(report.Blocks, br)
		offset = blockStart + consumed
	}

	// A cleanly closed file ends with its footer, so it sits at a fixed
	// offset from EOF; a truncated file simply fails the magic check here.
	if footer, ok := tryFooterAt(data, int64(len(data))-int64(FooterSize)); ok {
		report.Footer = &footer
		report.FooterValid = true
	}

	return report
}

// Valid reports whether every located block verified its checksum, a
// FileFooter marked complete was present, and the footer's event total
// matches what the scan
// independently computed (spec §8 testable property 4). It is the
// predicate the `recover validate` CLI tool reports.
func (report *RecoveryReport) Valid() bool {
	if !report.FooterValid || report.Footer == nil || !report.Footer.IsComplete {
		return false
	}
	for _, b := range report.Blocks {
		if !b.OK {
			return false
		}
	}
	return report.Footer.TotalEvents == report.TotalEvents
}

// CorruptBlocks returns the BlockReport of every block that failed its
// checksum or could not be parsed.
func (report *RecoveryReport) CorruptBlocks() []BlockReport {
	var out []BlockReport
	for _, b := range report.Blocks {
		if !b.OK {
			out = append(out, b)
		}
	}
	return out
}

func tryFooterAt(data []byte, offset int64) (FileFooter, bool) {
	if offset < 0 || offset+int64(FooterSize) > int64(len(data)) {
		return FileFooter{}, false
	}
	f, err := DecodeFileFooter(data[offset : offset+int64(FooterSize)])
	if err != nil {
		return FileFooter{}, false
	}
	return f, true
}

func (report *RecoveryReport) accumulateRange(events []eventdata.EventData) {
	for _, ev := range events {
		if !report.HasRange {
			report.ComputedMin, report.ComputedMax = ev.TimestampNs, ev.TimestampNs
			report.HasRange = true
			continue
		}
		if ev.TimestampNs < report.ComputedMin {
			report.ComputedMin = ev.TimestampNs
		}
		if ev.TimestampNs > report.ComputedMax {
			report.ComputedMax = ev.TimestampNs
		}
	}
}
