package check

import (
	"time"
)

// Result captures the outcome of a single check run as seen by the scheduler.
type Result struct {
	// Timestamp is when the run started.
	Timestamp time.Time

	// Duration is how long the run took.
	Duration time.Duration

	// Success indicates whether the run completed without a fatal error.
	Success bool

	// Err holds the fatal error returned by Check.Run, if any.
	Err error

	// Warnings holds non-fatal diagnostics reported by the check.
	Warnings []string
}
