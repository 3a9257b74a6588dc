package taskstat

// DiagnosticKind classifies a non-fatal condition found during a cycle.
type DiagnosticKind int

const (
	// DiagDefaultHost: no host configured, the default was used.
	DiagDefaultHost DiagnosticKind = iota + 1
	// DiagDefaultPort: no port configured, the default was used.
	DiagDefaultPort
	// DiagFilterExceedsCap: the task filter names more tasks than can be reported.
	DiagFilterExceedsCap
	// DiagTooManyTasks: per-task gauges were truncated to the cap.
	DiagTooManyTasks
	// DiagMetadataUnavailable: version metadata could not be collected.
	DiagMetadataUnavailable
)

var diagnosticKindNames = map[DiagnosticKind]string{
	DiagDefaultHost:         "default_host",
	DiagDefaultPort:         "default_port",
	DiagFilterExceedsCap:    "filter_exceeds_cap",
	DiagTooManyTasks:        "too_many_tasks",
	DiagMetadataUnavailable: "metadata_unavailable",
}

func (k DiagnosticKind) String() string {
	if name, ok := diagnosticKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Diagnostic is one warning-level record. Diagnostics never fail a cycle.
type Diagnostic struct {
	Kind    DiagnosticKind
	Message string
}

func (d Diagnostic) String() string {
	return d.Message
}
