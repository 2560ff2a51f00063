// Package decode implements the two vendor wire-format decoders (PSD1,
// PSD2) that turn raw digitizer aggregates into canonical EventData
// records (spec §4.2).
package decode

import (
	"errors"
	"fmt"

	"github.com/aogaki/delila-go/internal/eventdata"
)

// Classification is the outcome of decoding a raw aggregate.
type Classification int

const (
	ClassUnknown Classification = iota
	ClassEvent
	ClassStart
	ClassStop
)

func (c Classification) String() string {
	switch c {
	case ClassEvent:
		return "Event"
	case ClassStart:
		return "Start"
	case ClassStop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// ErrCorrupt is the Decode-class error (spec §7 "Decode"): a malformed
// aggregate was encountered. The caller should log it, drop the aggregate,
// and resynchronize at the next recognizable boundary.
var ErrCorrupt = errors.New("decode: corrupt or truncated aggregate")

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// Decoder turns one raw aggregate (PSD1: a board aggregate that may contain
// many events; PSD2: a single flat event record) into a classification and,
// for Event, a time-ordered sequence of EventData.
type Decoder interface {
	Decode(sourceID uint32, moduleID uint8, raw []byte) (Classification, []eventdata.EventData, error)
}

// sortByTimestamp sorts events in place, non-decreasing by TimestampNs, as
// required of every decoder's output (spec §4.2, invariant 2).
func sortByTimestamp(events []eventdata.EventData) {
	// Small inputs dominate (one board aggregate rarely holds more than a
	// few dozen events); insertion sort avoids pulling in sort.Slice's
	// reflection-based comparator for the common case while staying O(n^2)
	// worst case only for pathological aggregate sizes.
	for i := 1; i < len(events); i++ {
		j := i
		for j > 0 && events[j-1].TimestampNs > events[j].TimestampNs {
			events[j-1], events[j] = events[j], events[j-1]
			j--
		}
	}
}
