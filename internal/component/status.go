package component

// Metrics is the control-plane metrics snapshot carried on every
// ComponentStatus broadcast and CommandResponse (spec §3 "ComponentMetrics").
type Metrics struct {
	EventsProcessed  uint64  `json:"events_processed"`
	BytesTransferred uint64  `json:"bytes_transferred"`
	QueueSize        int     `json:"queue_size"`
	QueueMax         int     `json:"queue_max"`
	EventRate        float64 `json:"event_rate"`
}

// Status is the control-plane entity broadcast on every state transition and
// on each 1Hz metrics refresh (spec §3 "ComponentStatus").
type Status struct {
	ComponentID  string  `json:"component_id"`
	State        State   `json:"state"`
	RunNumber    *uint32 `json:"run_number,omitempty"`
	Metrics      Metrics `json:"metrics"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// CommandResponse is the reply every command Endpoint sends back (spec §6).
type CommandResponse struct {
	Success   bool    `json:"success"`
	Message   string  `json:"message"`
	State     State   `json:"state"`
	RunNumber *uint32 `json:"run_number,omitempty"`
	Metrics   *Metrics `json:"metrics,omitempty"`
}
