package server

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/kylerisse/taskwatch/pkg/check"
	"github.com/kylerisse/taskwatch/pkg/sender"
)

// worker runs inst after a random start delay and then once per interval
// until ctx is done.
func (s *Server) worker(ctx context.Context, inst *instance) {
	defer s.wg.Done()

	startDelay := s.startDelay(inst.interval)
	inst.logger.Debugf("Worker will start in %v", startDelay)

	timer := time.NewTimer(startDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.runOnce(ctx, inst)
	case <-ctx.Done():
		inst.logger.Debug("Worker received shutdown signal before starting")
		return
	}

	ticker := time.NewTicker(inst.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, inst)
		case <-ctx.Done():
			inst.logger.Debug("Worker received shutdown signal")
			return
		}
	}
}

func (s *Server) startDelay(interval time.Duration) time.Duration {
	limit := min(s.maxStartDelay, interval)
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

// runOnce runs one cycle of inst bounded by its interval, then publishes
// the samples to the exporter and the outcome to the instance status.
func (s *Server) runOnce(ctx context.Context, inst *instance) check.Result {
	ctx, cancel := context.WithTimeout(ctx, inst.interval)
	defer cancel()

	rec := sender.NewRecorder()
	start := time.Now()
	err := inst.check.Run(ctx, rec)

	result := check.Result{
		Timestamp: start,
		Duration:  time.Since(start),
		Success:   err == nil,
		Err:       err,
	}
	if w, ok := inst.check.(check.Warner); ok {
		result.Warnings = w.Warnings()
	}

	inst.status.SetResult(result)
	s.exporter.Update(inst.name, rec.Samples(), rec.Metadata())
	s.metrics.observe(inst, result)

	if err != nil {
		inst.logger.Warnf("Check failed after %v: %v", result.Duration.Round(time.Millisecond), err)
	} else {
		inst.logger.Debugf("Check succeeded in %v, %d samples", result.Duration.Round(time.Millisecond), len(rec.Samples()))
	}
	return result
}
