package monitor

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aogaki/delila-go/internal/telemetry/metrics"
)

// wsPushInterval is how often the live histogram feed pushes a snapshot of
// every known channel to connected WebSocket clients (spec §4.6 "push model
// for live updates").
const wsPushInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024 * 16,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerOptions configures the Monitor's HTTP facade.
type HandlerOptions struct {
	Engine  *Engine
	Metrics metrics.Provider
}

// NewMux builds the Monitor's REST + WebSocket + metrics surface (spec §6
// port table: Monitor HTTP on 8081).
func NewMux(opts HandlerOptions) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /api/histograms", listChannelsHandler(opts.Engine))
	mux.Handle("GET /api/histograms/{module}/{channel}", getHistogramHandler(opts.Engine))
	mux.Handle("GET /api/waveforms/latest/{module}/{channel}", getWaveformHandler(opts.Engine))
	mux.Handle("GET /api/ws/histograms", liveHistogramsHandler(opts.Engine))
	mux.Handle("GET /metrics", newMetricsHandler(opts.Metrics))
	return mux
}

// newMetricsHandler mirrors the teacher's duck-typed Prometheus delegation:
// any Provider exposing MetricsHandler() serves /metrics directly, a nil
// Provider yields 404, and any other Provider reports not-implemented rather
// than guessing a format.
func newMetricsHandler(p metrics.Provider) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	}
	if promP, ok := p.(interface{ MetricsHandler() http.Handler }); ok {
		return promP.MetricsHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "metrics handler unavailable", http.StatusNotImplemented)
	})
}

func listChannelsHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys := engine.ListChannels()
		out := make([]HistogramSnapshot, 0, len(keys))
		for _, k := range keys {
			if snap, ok := engine.GetHistogram(k.Module, k.Channel); ok {
				out = append(out, snap)
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func getHistogramHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		module, channel, ok := parseModuleChannel(r)
		if !ok {
			http.Error(w, "invalid module/channel", http.StatusBadRequest)
			return
		}
		snap, ok := engine.GetHistogram(module, channel)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func getWaveformHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		module, channel, ok := parseModuleChannel(r)
		if !ok {
			http.Error(w, "invalid module/channel", http.StatusBadRequest)
			return
		}
		wf, ok := engine.GetLatestWaveform(module, channel)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	}
}

// liveHistogramsHandler upgrades to a WebSocket connection and periodically
// pushes every known channel's current snapshot (spec §4.6 live feed).
func liveHistogramsHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(wsPushInterval)
		defer ticker.Stop()

		for range ticker.C {
			keys := engine.ListChannels()
			out := make([]HistogramSnapshot, 0, len(keys))
			for _, k := range keys {
				if snap, ok := engine.GetHistogram(k.Module, k.Channel); ok {
					out = append(out, snap)
				}
			}
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}
}

func parseModuleChannel(r *http.Request) (module, channel uint8, ok bool) {
	m, err := strconv.ParseUint(r.PathValue("module"), 10, 8)
	if err != nil {
		return 0, 0, false
	}
	c, err := strconv.ParseUint(r.PathValue("channel"), 10, 8)
	if err != nil {
		return 0, 0, false
	}
	return uint8(m), uint8(c), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
