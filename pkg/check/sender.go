package check

import "fmt"

// ServiceCheckStatus is the health vocabulary used by service checks.
type ServiceCheckStatus int

const (
	StatusOK ServiceCheckStatus = iota
	StatusWarning
	StatusCritical
	StatusUnknown
)

// String returns the upper-case name of the status.
func (s ServiceCheckStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusCritical:
		return "CRITICAL"
	case StatusUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// Sender receives everything a check emits during a run.
// Implementations must not retain or modify the tags slice they are given
// beyond the call; checks may reuse its backing array.
type Sender interface {
	// Gauge records the current value of a named measurement.
	Gauge(name string, value float64, tags []string)

	// ServiceCheck records one service-health observation.
	// The message is empty for StatusOK.
	ServiceCheck(name string, status ServiceCheckStatus, message string, tags []string)

	// SetMetadata records a piece of descriptive information about the
	// monitored service, such as its version.
	SetMetadata(name, value string)
}
