package server

import (
	"time"

	"github.com/kylerisse/taskwatch/pkg/check"
)

// InstanceStatus is the health of one check instance as reported by the API.
type InstanceStatus string

const (
	// InstanceStatusPending means the instance has not completed a run yet.
	InstanceStatusPending InstanceStatus = "pending"
	// InstanceStatusUp means the last run succeeded without warnings.
	InstanceStatusUp InstanceStatus = "up"
	// InstanceStatusDegraded means the last run succeeded but reported warnings.
	InstanceStatusDegraded InstanceStatus = "degraded"
	// InstanceStatusDown means the last run failed.
	InstanceStatusDown InstanceStatus = "down"
	// InstanceStatusStale means no run has completed within staleAfter intervals.
	InstanceStatusStale InstanceStatus = "stale"
)

// staleAfter is how many missed intervals make a result stale.
const staleAfter = 3

func computeInstanceStatus(snap check.StatusSnapshot, interval time.Duration, now time.Time) InstanceStatus {
	switch {
	case snap.LastUpdate == 0:
		return InstanceStatusPending
	case now.Sub(time.Unix(snap.LastUpdate, 0)) > staleAfter*interval:
		return InstanceStatusStale
	case !snap.Alive:
		return InstanceStatusDown
	case len(snap.Warnings) > 0:
		return InstanceStatusDegraded
	default:
		return InstanceStatusUp
	}
}

// OverallStatus is the aggregate health of every instance.
type OverallStatus string

const (
	OverallUnconfigured OverallStatus = "unconfigured"
	OverallPending      OverallStatus = "pending"
	OverallUp           OverallStatus = "up"
	OverallDegraded     OverallStatus = "degraded"
	OverallDown         OverallStatus = "down"
)

// computeOverallStatus folds instance statuses together. Pending instances
// are ignored once any instance has reported. Degraded and stale instances
// count as neither up nor down and make the result degraded.
func computeOverallStatus(statuses []InstanceStatus) OverallStatus {
	if len(statuses) == 0 {
		return OverallUnconfigured
	}

	var up, down, other int
	for _, st := range statuses {
		switch st {
		case InstanceStatusPending:
		case InstanceStatusUp:
			up++
		case InstanceStatusDown:
			down++
		default:
			other++
		}
	}

	switch {
	case up+down+other == 0:
		return OverallPending
	case down == 0 && other == 0:
		return OverallUp
	case up == 0 && other == 0:
		return OverallDown
	default:
		return OverallDegraded
	}
}
