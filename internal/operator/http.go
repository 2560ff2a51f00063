package operator

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aogaki/delila-go/internal/config"
	"github.com/aogaki/delila-go/internal/telemetry/metrics"
)

// wsPushInterval is how often the live status feed pushes a SystemStatus
// snapshot to connected WebSocket clients.
const wsPushInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024 * 8,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ApiResponse is the generic envelope every Operator POST endpoint replies
// with (spec §6 "-> ApiResponse").
type ApiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HandlerOptions configures the Operator's HTTP facade.
type HandlerOptions struct {
	Operator *Operator
	Metrics  metrics.Provider
}

type configureRequest struct {
	RunNumber uint32 `json:"run_number"`
	ExpName   string `json:"exp_name"`
}

type startRequest struct {
	RunNumber *uint32 `json:"run_number,omitempty"`
	Comment   string  `json:"comment,omitempty"`
}

type notesRequest struct {
	Text string `json:"text"`
}

// NewMux builds the Operator's REST + WebSocket + metrics surface (spec §6
// port table: Operator HTTP on 8080).
func NewMux(opts HandlerOptions) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", statusHandler(opts.Operator))
	mux.HandleFunc("POST /api/configure", configureHandler(opts.Operator))
	mux.HandleFunc("POST /api/arm", armHandler(opts.Operator))
	mux.HandleFunc("POST /api/start", startHandler(opts.Operator))
	mux.HandleFunc("POST /api/stop", stopHandler(opts.Operator))
	mux.HandleFunc("POST /api/reset", resetHandler(opts.Operator))
	mux.HandleFunc("POST /api/notes", notesHandler(opts.Operator))
	mux.HandleFunc("GET /api/ws/status", liveStatusHandler(opts.Operator))
	mux.Handle("GET /metrics", newMetricsHandler(opts.Metrics))
	return mux
}

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

func statusHandler(op *Operator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, op.Status())
	}
}

func configureHandler(op *Operator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req configureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, ApiResponse{Message: err.Error()})
			return
		}
		cfg := config.RunConfig{RunNumber: req.RunNumber, ExpName: req.ExpName}
		if err := op.Configure(r.Context(), cfg); err != nil {
			writeJSON(w, http.StatusConflict, ApiResponse{Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "configured"})
	}
}

func armHandler(op *Operator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op.Arm(r.Context()); err != nil {
			writeJSON(w, http.StatusConflict, ApiResponse{Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "armed"})
	}
}

func startHandler(op *Operator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RunNumber != nil {
			if err := op.OverrideRunNumber(*req.RunNumber); err != nil {
				writeJSON(w, http.StatusConflict, ApiResponse{Message: err.Error()})
				return
			}
		}
		if err := op.Start(r.Context(), req.Comment); err != nil {
			writeJSON(w, http.StatusConflict, ApiResponse{Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "running"})
	}
}

func stopHandler(op *Operator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op.Stop(r.Context()); err != nil {
			writeJSON(w, http.StatusConflict, ApiResponse{Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "stopped"})
	}
}

func resetHandler(op *Operator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op.Reset(r.Context()); err != nil {
			writeJSON(w, http.StatusConflict, ApiResponse{Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "reset"})
	}
}

func notesHandler(op *Operator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req notesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, ApiResponse{Message: err.Error()})
			return
		}
		if err := op.AddNote(req.Text); err != nil {
			writeJSON(w, http.StatusConflict, ApiResponse{Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "noted"})
	}
}

// liveStatusHandler upgrades to a WebSocket connection and periodically
// pushes the current SystemStatus.
func liveStatusHandler(op *Operator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(wsPushInterval)
		defer ticker.Stop()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteJSON(op.Status()); err != nil {
					return
				}
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
