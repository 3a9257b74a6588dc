package check

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewStatus_ZeroValues(t *testing.T) {
	s := NewStatus()
	if s.Alive() {
		t.Error("new status should not be alive")
	}
	if s.LastUpdate() != 0 {
		t.Errorf("new status should have zero last update, got %d", s.LastUpdate())
	}
	snap := s.Snapshot()
	if snap.Runs != 0 || snap.Failures != 0 {
		t.Errorf("new status should have no runs, got runs=%d failures=%d", snap.Runs, snap.Failures)
	}
}

func TestStatus_SetResult_Success(t *testing.T) {
	s := NewStatus()
	ts := time.Unix(1700000000, 0)
	s.SetResult(Result{Timestamp: ts, Success: true})

	if !s.Alive() {
		t.Error("expected alive after successful result")
	}
	if s.LastUpdate() != 1700000000 {
		t.Errorf("expected last update 1700000000, got %d", s.LastUpdate())
	}
}

func TestStatus_SetResult_Failure(t *testing.T) {
	s := NewStatus()
	// First set it alive
	s.SetResult(Result{Timestamp: time.Now(), Success: true})
	// Then fail
	s.SetResult(Result{Timestamp: time.Now(), Success: false, Err: errors.New("connection refused")})

	if s.Alive() {
		t.Error("expected not alive after failed result")
	}
	snap := s.Snapshot()
	if snap.Error != "connection refused" {
		t.Errorf("expected error text to be kept verbatim, got %q", snap.Error)
	}
	if snap.Runs != 2 || snap.Failures != 1 {
		t.Errorf("expected runs=2 failures=1, got runs=%d failures=%d", snap.Runs, snap.Failures)
	}
}

func TestStatus_Snapshot(t *testing.T) {
	s := NewStatus()
	s.SetResult(Result{
		Timestamp: time.Unix(1700000000, 0),
		Duration:  42 * time.Millisecond,
		Success:   true,
		Warnings:  []string{"Host not set, assuming 127.0.0.1"},
	})

	snap := s.Snapshot()

	if !snap.Alive {
		t.Error("snapshot should be alive")
	}
	if snap.DurationMS != 42 {
		t.Errorf("snapshot duration: expected 42, got %d", snap.DurationMS)
	}
	if snap.LastUpdate != 1700000000 {
		t.Errorf("snapshot last update: expected 1700000000, got %d", snap.LastUpdate)
	}
	if len(snap.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(snap.Warnings))
	}
	if snap.Error != "" {
		t.Errorf("expected no error, got %q", snap.Error)
	}
}

func TestStatus_Snapshot_Independent(t *testing.T) {
	s := NewStatus()
	warnings := []string{"first"}
	s.SetResult(Result{Timestamp: time.Now(), Success: true, Warnings: warnings})

	snap := s.Snapshot()

	// Mutate the status and the caller's slice after taking snapshot
	warnings[0] = "mutated"
	s.SetResult(Result{Success: false})

	// Snapshot should still reflect old state
	if !snap.Alive {
		t.Error("snapshot should be independent of subsequent mutations")
	}
	if snap.Warnings[0] != "first" {
		t.Errorf("snapshot warnings should be copied, got %q", snap.Warnings[0])
	}
}

func TestStatus_ConcurrentAccess(t *testing.T) {
	s := NewStatus()
	var wg sync.WaitGroup

	// Concurrent writers
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.SetResult(Result{
				Timestamp: time.Unix(int64(n), 0),
				Success:   n%2 == 0,
			})
		}(i)
	}

	// Concurrent readers
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Alive()
			_ = s.LastUpdate()
			_ = s.Snapshot()
		}()
	}

	wg.Wait()

	if got := s.Snapshot().Runs; got != 50 {
		t.Errorf("expected 50 runs, got %d", got)
	}
}

func TestServiceCheckStatus_String(t *testing.T) {
	tests := []struct {
		status ServiceCheckStatus
		want   string
	}{
		{StatusOK, "OK"},
		{StatusWarning, "WARNING"},
		{StatusCritical, "CRITICAL"},
		{StatusUnknown, "UNKNOWN"},
		{ServiceCheckStatus(9), "STATUS(9)"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.status), got, tt.want)
		}
	}
}
