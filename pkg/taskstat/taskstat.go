// Package taskstat turns per-task statistics from a stateful endpoint into
// aggregate gauges, a bounded set of per-task gauges, one service-health
// observation and optional version metadata.
//
// The engine is independent of any particular service. A check supplies
// a Session that hands the engine a Source for the duration of one cycle
// (usually backed by an endpoint.Cache), and the engine does the rest:
//
//	Session → Source.Stats → Aggregate → gauges
//	                       → Select    → per-task gauges
//	        → service check (OK or CRITICAL)
//	        → Source.Version → SetMetadata (best effort)
//
// Aggregates always cover every task the endpoint reported. Only the
// per-task gauges are filtered and capped, so that an unbounded number of
// task names can never produce an unbounded number of series.
package taskstat

import (
	"context"
	"errors"
)

var (
	// ErrRemoteUnavailable marks failures to use the endpoint at all:
	// dial, network, protocol or timeout errors.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrMalformedResponse marks responses that arrived but could not be
	// decoded into statistics.
	ErrMalformedResponse = errors.New("malformed response")
)

// TaskStat holds the counts one endpoint reports for one named task.
type TaskStat struct {
	Name    string
	Running int64
	Queued  int64
	Workers int64
}

// Stats is everything a Source reports in one fetch.
type Stats struct {
	// Tasks in the order the endpoint reported them.
	Tasks []TaskStat

	// Workers is the number of active worker processes on the endpoint.
	// It is a property of the endpoint, not the sum of per-task workers.
	Workers int64
}

// Source fetches statistics from one endpoint. Implementations enforce
// their own I/O timeout and do not retry.
type Source interface {
	Stats(ctx context.Context) (Stats, error)
	Version(ctx context.Context) (string, error)
}

// Session acquires a Source for the duration of fn. Errors from acquiring
// the Source are returned without calling fn; errors from fn are returned
// unchanged.
type Session func(ctx context.Context, fn func(Source) error) error

// Snapshot is the process-wide view of one fetch.
type Snapshot struct {
	UniqueTasks int64
	Running     int64
	Queued      int64
	Workers     int64
}

// Aggregate sums the complete task collection. workers is taken as given.
func Aggregate(tasks []TaskStat, workers int64) Snapshot {
	snap := Snapshot{
		UniqueTasks: int64(len(tasks)),
		Workers:     workers,
	}
	for _, t := range tasks {
		snap.Running += t.Running
		snap.Queued += t.Queued
	}
	return snap
}
