// API payload shaping and run event handling for the admin server.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/syncwell/calbridge/internal/engine"
)

// RunStartedData identifies the mapping behind a run_started message
type RunStartedData struct {
	MappingID string `json:"mapping_id"`
}

// MappingStatus describes one mapping in a status response
type MappingStatus struct {
	ID              string            `json:"id"`
	Direction       string            `json:"direction"`
	Enabled         bool              `json:"enabled"`
	Running         bool              `json:"running"`
	IntervalMinutes int               `json:"interval_minutes"`
	LastRun         *engine.RunResult `json:"last_run,omitempty"`
}

// BudgetStatus reports daily write budget consumption
type BudgetStatus struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// StatusResponse is the GET /api/status payload
type StatusResponse struct {
	Mappings []MappingStatus `json:"mappings"`
	Budget   *BudgetStatus   `json:"budget,omitempty"`
}

// TriggerRequest is the POST /api/trigger payload. An empty mapping_ids
// list triggers every enabled mapping.
type TriggerRequest struct {
	MappingIDs []string `json:"mapping_ids"`
}

// TriggerResponse lists the mappings actually started
type TriggerResponse struct {
	Triggered []string `json:"triggered"`
}

// RunStarted broadcasts a run_started message to connected clients.
// Implements the scheduler's events sink.
func (s *Server) RunStarted(mappingID string) {
	data, err := json.Marshal(RunStartedData{MappingID: mappingID})
	if err != nil {
		s.logger.Printf("Failed to marshal run start: %v", err)
		return
	}

	s.Broadcast(Message{
		Type:      MessageTypeRunStarted,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// RunFinished broadcasts the finished run's full result.
func (s *Server) RunFinished(res *engine.RunResult) {
	data, err := json.Marshal(res)
	if err != nil {
		s.logger.Printf("Failed to marshal run result: %v", err)
		return
	}

	s.Broadcast(Message{
		Type:      MessageTypeRunFinished,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// handleStatus returns the scheduling state of every mapping
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.control == nil {
		http.Error(w, "scheduler not ready", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, s.statusResponse())
}

// handleTrigger queues sync runs for the requested mappings
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.control == nil {
		http.Error(w, "scheduler not ready", http.StatusServiceUnavailable)
		return
	}

	// An empty body means trigger everything.
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	started := s.control.Trigger(req.MappingIDs...)
	s.logger.Printf("Trigger request: asked=%v started=%v", req.MappingIDs, started)

	writeJSON(w, TriggerResponse{Triggered: started})
}

// statusResponse builds the status payload shared by the API and the
// WebSocket welcome message.
func (s *Server) statusResponse() StatusResponse {
	resp := StatusResponse{Mappings: []MappingStatus{}}

	if s.control != nil {
		for _, st := range s.control.Status() {
			resp.Mappings = append(resp.Mappings, MappingStatus{
				ID:              st.Mapping.ID,
				Direction:       string(st.Mapping.Direction),
				Enabled:         st.Mapping.IsEnabled(),
				Running:         st.Running,
				IntervalMinutes: st.Mapping.IntervalMinutes,
				LastRun:         st.LastRun,
			})
		}
	}

	if s.budget != nil {
		resp.Budget = &BudgetStatus{
			Limit:     s.budget.Limit(),
			Remaining: s.budget.Remaining(),
			ResetsAt:  s.budget.ResetsAt(),
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
