package check

import (
	"sync"
)

// Status tracks the latest result of a check instance.
// It is safe for concurrent reads via the exported accessor methods,
// but writes should be done through SetResult.
type Status struct {
	mu         sync.RWMutex
	lastResult Result
	runs       int64
	failures   int64
}

// NewStatus creates a Status with zero values (not alive, never run).
func NewStatus() *Status {
	return &Status{}
}

// Alive returns whether the check's last run was successful.
func (s *Status) Alive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastResult.Success
}

// LastUpdate returns the unix timestamp of the last run, or 0 if the
// check has never run.
func (s *Status) LastUpdate() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastResult.Timestamp.IsZero() {
		return 0
	}
	return s.lastResult.Timestamp.Unix()
}

// SetResult stores the latest run result and updates the run counters.
func (s *Status) SetResult(result Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = result
	s.runs++
	if !result.Success {
		s.failures++
	}
}

// Snapshot returns a point-in-time copy of the status fields.
// This is useful for building API responses without holding the lock.
func (s *Status) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StatusSnapshot{
		Alive:      s.lastResult.Success,
		DurationMS: s.lastResult.Duration.Milliseconds(),
		Runs:       s.runs,
		Failures:   s.failures,
	}
	if !s.lastResult.Timestamp.IsZero() {
		snap.LastUpdate = s.lastResult.Timestamp.Unix()
	}
	if s.lastResult.Err != nil {
		snap.Error = s.lastResult.Err.Error()
	}
	if len(s.lastResult.Warnings) > 0 {
		snap.Warnings = append([]string(nil), s.lastResult.Warnings...)
	}
	return snap
}

// StatusSnapshot is a point-in-time copy of Status fields.
type StatusSnapshot struct {
	Alive      bool     `json:"alive"`
	LastUpdate int64    `json:"lastupdate"`
	DurationMS int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	Runs       int64    `json:"runs"`
	Failures   int64    `json:"failures"`
}
