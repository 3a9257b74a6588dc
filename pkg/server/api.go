package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kylerisse/taskwatch/pkg/check"
)

// CheckAPIResponse describes one check instance.
type CheckAPIResponse struct {
	Type     string         `json:"type"`
	Interval string         `json:"interval"`
	Status   InstanceStatus `json:"status"`
	check.StatusSnapshot
}

// SummaryAPIResponse counts instances per status.
type SummaryAPIResponse struct {
	Status    OverallStatus          `json:"status"`
	Total     int                    `json:"total"`
	Instances map[InstanceStatus]int `json:"instances"`
}

func (s *Server) describe(inst *instance, now time.Time) CheckAPIResponse {
	snap := inst.status.Snapshot()
	return CheckAPIResponse{
		Type:           inst.typ,
		Interval:       inst.interval.String(),
		Status:         computeInstanceStatus(snap, inst.interval, now),
		StatusSnapshot: snap,
	}
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	checks := make(map[string]CheckAPIResponse, len(s.instances))
	for _, inst := range s.instances {
		checks[inst.name] = s.describe(inst, now)
	}
	s.writeJSON(w, http.StatusOK, checks)
}

func (s *Server) handleCheckAPI(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	inst, ok := s.byName[name]
	if !ok {
		http.Error(w, "check instance not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.describe(inst, time.Now()))
}

func (s *Server) handleSummaryAPI(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	counts := make(map[InstanceStatus]int)
	statuses := make([]InstanceStatus, 0, len(s.instances))
	for _, inst := range s.instances {
		st := computeInstanceStatus(inst.status.Snapshot(), inst.interval, now)
		counts[st]++
		statuses = append(statuses, st)
	}
	s.writeJSON(w, http.StatusOK, SummaryAPIResponse{
		Status:    computeOverallStatus(statuses),
		Total:     len(s.instances),
		Instances: counts,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorf("API Handler: failed to encode response: %v", err)
	}
}
