package recorder

import (
	"sort"

	"github.com/aogaki/delila-go/internal/eventdata"
)

// mergedSourceID tags the synthetic EventDataBatch a Sorter emits: its
// events originate from more than one upstream source_id, so no single
// source_id applies.
const mergedSourceID = 0xFFFFFFFF

// Sorter bounds cross-source out-of-orderness with a one-batch-per-source
// window (spec §9 Open Question, resolved in DESIGN.md): it holds at most
// one pending batch per currently active source and, once every active
// source has contributed one, merges them by timestamp and emits a single
// batch. A source that sends EndOfStream is removed from the active set so
// the remaining sources are not held hostage waiting on a terminated one.
type Sorter struct {
	pending map[uint32]*eventdata.EventDataBatch
	active  map[uint32]struct{}
}

// NewSorter returns an empty Sorter.
func NewSorter() *Sorter {
	return &Sorter{pending: make(map[uint32]*eventdata.EventDataBatch), active: make(map[uint32]struct{})}
}

// Expect registers id as a known active source before it has sent its
// first batch, so the window correctly waits for it instead of treating
// whichever source happens to report first as the only one that matters.
func (s *Sorter) Expect(id uint32) { s.active[id] = struct{}{} }

// Offer buffers batch for source id, marking it active if this is the
// first batch seen from it, and returns a merged batch if every active
// source now has one pending.
func (s *Sorter) Offer(id uint32, batch eventdata.EventDataBatch) (eventdata.EventDataBatch, bool) {
	s.active[id] = struct{}{}
	s.pending[id] = &batch
	return s.tryFlush()
}

// MarkEOS removes id from the active set, which may unblock a flush that
// was only waiting on it.
func (s *Sorter) MarkEOS(id uint32) (eventdata.EventDataBatch, bool) {
	delete(s.active, id)
	delete(s.pending, id)
	return s.tryFlush()
}

// Drain force-flushes any batches still pending, used once the upstream
// source set is fully known to be terminal so no buffered events are lost.
func (s *Sorter) Drain() (eventdata.EventDataBatch, bool) {
	if len(s.pending) == 0 {
		return eventdata.EventDataBatch{}, false
	}
	return s.merge(), true
}

func (s *Sorter) tryFlush() (eventdata.EventDataBatch, bool) {
	if len(s.active) == 0 {
		return eventdata.EventDataBatch{}, false
	}
	for id := range s.active {
		if s.pending[id] == nil {
			return eventdata.EventDataBatch{}, false
		}
	}
	return s.merge(), true
}

func (s *Sorter) merge() eventdata.EventDataBatch {
	var all []eventdata.EventData
	for id, b := range s.pending {
		all = append(all, b.Events...)
		delete(s.pending, id)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].TimestampNs < all[j].TimestampNs })
	return eventdata.EventDataBatch{SourceID: mergedSourceID, Events: all}
}
