package operator

import (
	"context"

	busp "github.com/aogaki/delila-go/internal/bus"
	"github.com/aogaki/delila-go/internal/component"
	"github.com/aogaki/delila-go/internal/config"
	"github.com/aogaki/delila-go/internal/merger"
	"github.com/aogaki/delila-go/internal/monitor"
	"github.com/aogaki/delila-go/internal/reader"
	"github.com/aogaki/delila-go/internal/recorder"
)

// ComponentHandle lets the Operator drive any pipeline component uniformly,
// even though each concrete type (Reader, Merger, Recorder, Monitor) has its
// own Request shape (spec §4.7: "Operator holds a handle to every other
// component").
type ComponentHandle interface {
	ID() string
	Command(ctx context.Context, cmd component.Command, run *config.RunConfig) (component.CommandResponse, error)
	StatusValue() *busp.LatestValue[component.Status]
}

// readerHandle adapts *reader.Reader to ComponentHandle.
type readerHandle struct {
	id string
	r  *reader.Reader
}

// NewReaderHandle wraps a Reader/Emulator for Operator coordination.
func NewReaderHandle(id string, r *reader.Reader) ComponentHandle { return &readerHandle{id: id, r: r} }

func (h *readerHandle) ID() string { return h.id }

func (h *readerHandle) Command(ctx context.Context, cmd component.Command, run *config.RunConfig) (component.CommandResponse, error) {
	return h.r.Endpoint().Request(ctx, reader.Request{Cmd: cmd, Run: run})
}

func (h *readerHandle) StatusValue() *busp.LatestValue[component.Status] { return h.r.Status() }

// mergerHandle adapts *merger.Merger to ComponentHandle.
type mergerHandle struct {
	id string
	m  *merger.Merger
}

// NewMergerHandle wraps a Merger for Operator coordination.
func NewMergerHandle(id string, m *merger.Merger) ComponentHandle { return &mergerHandle{id: id, m: m} }

func (h *mergerHandle) ID() string { return h.id }

func (h *mergerHandle) Command(ctx context.Context, cmd component.Command, run *config.RunConfig) (component.CommandResponse, error) {
	return h.m.Endpoint().Request(ctx, merger.Request{Cmd: cmd, Run: run})
}

func (h *mergerHandle) StatusValue() *busp.LatestValue[component.Status] { return h.m.Status() }

// recorderHandle adapts *recorder.Recorder to ComponentHandle.
type recorderHandle struct {
	id string
	r  *recorder.Recorder
}

// NewRecorderHandle wraps a Recorder for Operator coordination.
func NewRecorderHandle(id string, r *recorder.Recorder) ComponentHandle {
	return &recorderHandle{id: id, r: r}
}

func (h *recorderHandle) ID() string { return h.id }

func (h *recorderHandle) Command(ctx context.Context, cmd component.Command, run *config.RunConfig) (component.CommandResponse, error) {
	return h.r.Endpoint().Request(ctx, recorder.Request{Cmd: cmd, Run: run})
}

func (h *recorderHandle) StatusValue() *busp.LatestValue[component.Status] { return h.r.Status() }

// monitorHandle adapts *monitor.Monitor to ComponentHandle.
type monitorHandle struct {
	id string
	m  *monitor.Monitor
}

// NewMonitorHandle wraps a Monitor for Operator coordination.
func NewMonitorHandle(id string, m *monitor.Monitor) ComponentHandle { return &monitorHandle{id: id, m: m} }

func (h *monitorHandle) ID() string { return h.id }

func (h *monitorHandle) Command(ctx context.Context, cmd component.Command, run *config.RunConfig) (component.CommandResponse, error) {
	return h.m.Endpoint().Request(ctx, monitor.Request{Cmd: cmd, Run: run})
}

func (h *monitorHandle) StatusValue() *busp.LatestValue[component.Status] { return h.m.Status() }
