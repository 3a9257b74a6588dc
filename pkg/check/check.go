// Package check defines the core interfaces and types for monitoring checks.
//
// A Check represents a single monitoring probe that polls one kind of
// service (a job-queue daemon, a DNS server, ...) and translates what it
// finds into a uniform shape: gauges with tags, one service-health
// observation per run, and optional metadata. Everything a check produces
// goes through a Sender, so the same check can feed a Prometheus exporter,
// an in-memory recorder used by tests, or both.
//
// The Registry provides type discovery, allowing check types to be
// registered by name and instantiated from configuration at runtime.
package check

import (
	"context"
)

// Check is the interface that all monitoring check types must implement.
type Check interface {
	// Type returns the registered name of this check type (e.g. "gearmand", "dns").
	Type() string

	// Run executes one polling cycle and reports through s.
	// A non-nil error means the cycle failed. The check has already sent
	// its service-health observation for the cycle when Run returns, so
	// callers only need the error for logging and scheduling decisions.
	Run(ctx context.Context, s Sender) error
}

// Warner is implemented by checks that surface non-fatal diagnostics
// (defaulted configuration, truncated result sets, missing metadata)
// from their most recent run.
type Warner interface {
	Warnings() []string
}
