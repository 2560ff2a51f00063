package eventdata

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageKind discriminates the three cases a Message can carry, mirroring
// the Rust enum `Message = Data | EndOfStream | Heartbeat` from spec §2/§6.
type MessageKind uint8

const (
	KindData MessageKind = iota + 1
	KindEndOfStream
	KindHeartbeat
)

func (k MessageKind) String() string {
	switch k {
	case KindData:
		return "Data"
	case KindEndOfStream:
		return "EndOfStream"
	case KindHeartbeat:
		return "Heartbeat"
	default:
		return "Unknown"
	}
}

// EndOfStream is terminal for the named source: no further Data or
// Heartbeat from that source_id is expected in the same run (invariant 3).
type EndOfStream struct {
	SourceID uint32 `msgpack:"source_id" json:"source_id"`
}

// Heartbeat is a liveness beacon emitted at ~1Hz regardless of data traffic.
type Heartbeat struct {
	SourceID    uint32 `msgpack:"source_id" json:"source_id"`
	TimestampNs uint64 `msgpack:"timestamp_ns" json:"timestamp_ns"`
	Counter     uint64 `msgpack:"counter" json:"counter"`
}

// Message is one envelope traveling over a pub/sub edge of the pipeline.
// Exactly one of Batch/EOS/Beat is populated, selected by Kind.
type Message struct {
	Kind  MessageKind
	Batch *EventDataBatch
	EOS   *EndOfStream
	Beat  *Heartbeat
}

func DataMessage(b EventDataBatch) Message    { return Message{Kind: KindData, Batch: &b} }
func EOSMessage(sourceID uint32) Message      { return Message{Kind: KindEndOfStream, EOS: &EndOfStream{SourceID: sourceID}} }
func HeartbeatMessage(h Heartbeat) Message    { return Message{Kind: KindHeartbeat, Beat: &h} }

// wireMessage is the on-the-wire shape: a kind discriminant plus exactly
// one populated payload field, msgpack-encoded as a compact map.
type wireMessage struct {
	Kind  uint8            `msgpack:"kind"`
	Batch *EventDataBatch  `msgpack:"batch,omitempty"`
	EOS   *EndOfStream     `msgpack:"eos,omitempty"`
	Beat  *Heartbeat       `msgpack:"beat,omitempty"`
}

// EncodeMessage serializes a Message to its msgpack wire representation.
func EncodeMessage(m Message) ([]byte, error) {
	w := wireMessage{Kind: uint8(m.Kind), Batch: m.Batch, EOS: m.EOS, Beat: m.Beat}
	return msgpack.Marshal(&w)
}

// DecodeMessage deserializes a msgpack-encoded Message frame.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("eventdata: decode message: %w", err)
	}
	m := Message{Kind: MessageKind(w.Kind), Batch: w.Batch, EOS: w.EOS, Beat: w.Beat}
	switch m.Kind {
	case KindData:
		if m.Batch == nil {
			return Message{}, fmt.Errorf("eventdata: Data message missing batch payload")
		}
	case KindEndOfStream:
		if m.EOS == nil {
			return Message{}, fmt.Errorf("eventdata: EndOfStream message missing payload")
		}
	case KindHeartbeat:
		if m.Beat == nil {
			return Message{}, fmt.Errorf("eventdata: Heartbeat message missing payload")
		}
	default:
		return Message{}, fmt.Errorf("eventdata: unknown message kind %d", w.Kind)
	}
	return m, nil
}
