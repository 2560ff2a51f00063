// Package recorder implements the Recorder pipeline stage (spec §4.5): a
// Receiver/Sorter/Writer task pipeline that appends checksummed, magic-
// framed blocks to a recoverable binary file, plus the standalone recovery
// scan and flat-binary dump tools described in spec §6.
package recorder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
)

// FileMagic identifies a delila recorder file at offset 0.
var FileMagic = [8]byte{'D', 'E', 'L', 'I', 'L', 'A', 'F', '1'}

// BlockMagic identifies the start of a Block; a recovery scan seeks this
// 4-byte sequence byte-by-byte when resynchronizing after corruption.
var BlockMagic = [4]byte{'B', 'L', 'K', '1'}

// FooterMagic identifies a FileFooter, written only on a clean close.
var FooterMagic = [8]byte{'D', 'E', 'L', 'I', 'L', 'A', 'F', 'T'}

// FileFormatVersion is bumped whenever FileHeader/Block/FileFooter layout
// changes incompatibly.
const FileFormatVersion = 1

// expNameFieldLen is the fixed, null-padded width of FileHeader.ExpName on
// the wire, keeping FileHeader a fixed-size record (spec §4.5).
const expNameFieldLen = 64

// FileHeaderSize is the exact on-disk size of an encoded FileHeader.
const FileHeaderSize = 8 + 4 + 4 + expNameFieldLen + 8

// blockHeaderSize is the exact on-disk size of a Block's framing fields,
// excluding its payload.
const blockHeaderSize = 4 + 8 + 4 + 8

// FooterSize is the exact on-disk size of an encoded FileFooter.
const FooterSize = 8 + 8 + 8 + 8 + 8 + 8 + 8

// FileHeader is the fixed-size, versioned record at the start of every
// recorder file (spec §4.5 "File layout").
type FileHeader struct {
	Version           uint32
	RunNumber         uint32
	ExpName           string
	StartTimeUnixNano int64
}

// ErrBadMagic is returned when a header, block, or footer's magic bytes do
// not match, i.e. the reader is not positioned at a valid record boundary.
var ErrBadMagic = errors.New("recorder: bad magic")

// ErrTruncated is returned when fewer bytes are available than a fixed-size
// record requires.
var ErrTruncated = errors.New("recorder: truncated record")

// ErrBlockCorrupt is returned by ReadBlock when a block's stored xxHash64
// does not match its payload (spec §8 testable property 3).
var ErrBlockCorrupt = errors.New("recorder: block payload fails checksum")

// Encode serializes h to its fixed-size wire representation.
func (h FileHeader) Encode() ([]byte, error) {
	if len(h.ExpName) > expNameFieldLen {
		return nil, fmt.Errorf("recorder: exp_name %q exceeds %d bytes", h.ExpName, expNameFieldLen)
	}
	buf := make([]byte, FileHeaderSize)
	copy(buf[0:8], FileMagic[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.RunNumber)
	copy(buf[16:16+expNameFieldLen], h.ExpName)
	binary.LittleEndian.PutUint64(buf[16+expNameFieldLen:FileHeaderSize], uint64(h.StartTimeUnixNano))
	return buf, nil
}

// DecodeFileHeader parses a FileHeader from its fixed-size wire
// representation.
func DecodeFileHeader(buf []byte) (FileHeader, error) {
	if len(buf) < FileHeaderSize {
		return FileHeader{}, ErrTruncated
	}
	if !bytes.Equal(buf[0:8], FileMagic[:]) {
		return FileHeader{}, ErrBadMagic
	}
	var h FileHeader
	h.Version = binary.LittleEndian.Uint32(buf[8:12])
	h.RunNumber = binary.LittleEndian.Uint32(buf[12:16])
	nameField := buf[16 : 16+expNameFieldLen]
	if nul := bytes.IndexByte(nameField, 0); nul >= 0 {
		h.ExpName = string(nameField[:nul])
	} else {
		h.ExpName = string(nameField)
	}
	h.StartTimeUnixNano = int64(binary.LittleEndian.Uint64(buf[16+expNameFieldLen : FileHeaderSize]))
	return h, nil
}

// EncodeBlock frames payload as a self-describing Block: magic, sequence
// number, length, and xxHash64 of payload, so a recovery scan can validate
// each block independently of the file footer (spec §4.5 "recoverability
// contract").
func EncodeBlock(seq uint64, payload []byte) []byte {
	buf := make([]byte, blockHeaderSize+len(payload))
	copy(buf[0:4], BlockMagic[:])
	binary.LittleEndian.PutUint64(buf[4:12], seq)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[16:24], xxhash.Sum64(payload))
	copy(buf[blockHeaderSize:], payload)
	return buf
}

// DecodedBlock is one verified-or-not block read back from a file.
type DecodedBlock struct {
	Seq     uint64
	Payload []byte
}

// ReadBlock reads exactly one block from r, positioned at the start of its
// magic, and verifies its payload against the stored checksum. A checksum
// mismatch returns ErrBlockCorrupt with the partially-read block so a
// recovery tool can still report its sequence number.
func ReadBlock(r io.Reader) (DecodedBlock, error) {
	hdr := make([]byte, blockHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return DecodedBlock{}, io.EOF
		}
		return DecodedBlock{}, err
	}
	if !bytes.Equal(hdr[0:4], BlockMagic[:]) {
		return DecodedBlock{}, ErrBadMagic
	}
	seq := binary.LittleEndian.Uint64(hdr[4:12])
	length := binary.LittleEndian.Uint32(hdr[12:16])
	wantSum := binary.LittleEndian.Uint64(hdr[16:24])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return DecodedBlock{Seq: seq}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if xxhash.Sum64(payload) != wantSum {
		return DecodedBlock{Seq: seq, Payload: payload}, ErrBlockCorrupt
	}
	return DecodedBlock{Seq: seq, Payload: payload}, nil
}

// FileFooter is written only on a clean close, summarizing the blocks that
// preceded it (spec §4.5, §8 testable property 4).
type FileFooter struct {
	TotalEvents uint64
	TsMin       float64
	TsMax       float64
	IsComplete  bool
	DataBytes   uint64
	Checksum    uint64
}

// Encode serializes f to its fixed-size wire representation.
func (f FileFooter) Encode() []byte {
	buf := make([]byte, FooterSize)
	copy(buf[0:8], FooterMagic[:])
	binary.LittleEndian.PutUint64(buf[8:16], f.TotalEvents)
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(f.TsMin))
	binary.LittleEndian.PutUint64(buf[24:32], math.Float64bits(f.TsMax))
	var complete uint64
	if f.IsComplete {
		complete = 1
	}
	binary.LittleEndian.PutUint64(buf[32:40], complete)
	binary.LittleEndian.PutUint64(buf[40:48], f.DataBytes)
	binary.LittleEndian.PutUint64(buf[48:56], f.Checksum)
	return buf
}

// DecodeFileFooter parses a FileFooter from its fixed-size wire
// representation.
func DecodeFileFooter(buf []byte) (FileFooter, error) {
	if len(buf) < FooterSize {
		return FileFooter{}, ErrTruncated
	}
	if !bytes.Equal(buf[0:8], FooterMagic[:]) {
		return FileFooter{}, ErrBadMagic
	}
	var f FileFooter
	f.TotalEvents = binary.LittleEndian.Uint64(buf[8:16])
	f.TsMin = math.Float64frombits(binary.LittleEndian.Uint64(buf[16:24]))
	f.TsMax = math.Float64frombits(binary.LittleEndian.Uint64(buf[24:32]))
	f.IsComplete = binary.LittleEndian.Uint64(buf[32:40]) != 0
	f.DataBytes = binary.LittleEndian.Uint64(buf[40:48])
	f.Checksum = binary.LittleEndian.Uint64(buf[48:56])
	return f, nil
}
