package taskstat

import (
	"context"
	"fmt"

	"github.com/kylerisse/taskwatch/pkg/check"
	"github.com/sirupsen/logrus"
)

// TaskTagKey is the tag key added to per-task gauges.
const TaskTagKey = "task"

// Outcome is the result of one cycle as seen by the health report.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}

// Request describes one cycle.
type Request struct {
	// Session provides the Source for the cycle.
	Session Session

	// Filter is the task allow-list. Empty means every task.
	Filter []string

	// Tags are the base tags for every emission.
	Tags Tags

	// CollectMetadata enables the version lookup after health is reported.
	CollectMetadata bool

	// Diagnostics already known before the cycle starts, such as
	// defaulted configuration. They are copied into the Report.
	Diagnostics []Diagnostic
}

// Report is what one cycle produced.
type Report struct {
	Outcome  Outcome
	Err      error
	Snapshot Snapshot

	// Selected holds the tasks that received per-task gauges.
	Selected []TaskStat

	// Version is the collected version, empty if none was recorded.
	Version string

	Diagnostics []Diagnostic
}

// Warnings returns the diagnostic messages of the report.
func (r Report) Warnings() []string {
	if len(r.Diagnostics) == 0 {
		return nil
	}
	out := make([]string, len(r.Diagnostics))
	for i, d := range r.Diagnostics {
		out[i] = d.Message
	}
	return out
}

// Engine runs cycles for one family of metrics, e.g. "gearman".
type Engine struct {
	namespace string
	maxTasks  int
	logger    logrus.FieldLogger
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine) error

// WithMaxTasks sets the cap on tasks reported individually.
func WithMaxTasks(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			return fmt.Errorf("max tasks must be at least 1, got %d", n)
		}
		e.maxTasks = n
		return nil
	}
}

// WithLogger sets the logger for diagnostics and metadata failures.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) error {
		if l == nil {
			return fmt.Errorf("logger must not be nil")
		}
		e.logger = l
		return nil
	}
}

// NewEngine creates an Engine whose metric names start with namespace.
func NewEngine(namespace string, opts ...Option) (*Engine, error) {
	if namespace == "" {
		return nil, fmt.Errorf("taskstat: namespace must not be empty")
	}

	e := &Engine{
		namespace: namespace,
		maxTasks:  DefaultMaxTasks,
		logger:    logrus.StandardLogger(),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("taskstat: %w", err)
		}
	}

	return e, nil
}

// MaxTasks returns the configured per-task cap.
func (e *Engine) MaxTasks() int {
	return e.maxTasks
}

// MetricName returns namespace.suffix.
func (e *Engine) MetricName(suffix string) string {
	return e.namespace + "." + suffix
}

// ServiceCheckName returns the name of the health observation.
func (e *Engine) ServiceCheckName() string {
	return e.MetricName("can_connect")
}

// Collect runs one cycle against req.Session and reports through s.
//
// Exactly one service check is sent: OK once stats were fetched and
// every gauge was emitted, CRITICAL with the error text if acquiring the
// Source or fetching stats failed. In the failure case no gauges are sent
// and the error is returned. Metadata problems are only logged.
func (e *Engine) Collect(ctx context.Context, s check.Sender, req Request) (Report, error) {
	report := Report{
		Diagnostics: append([]Diagnostic(nil), req.Diagnostics...),
	}
	healthSent := false

	err := req.Session(ctx, func(src Source) error {
		stats, err := src.Stats(ctx)
		if err != nil {
			return err
		}

		report.Snapshot = Aggregate(stats.Tasks, stats.Workers)
		e.emitAggregate(s, report.Snapshot, req.Tags)

		selected, diags := Select(stats.Tasks, req.Filter, e.maxTasks)
		for _, d := range diags {
			e.warn(&report, d)
		}
		report.Selected = selected
		e.emitPerTask(s, selected, req.Tags)

		report.Outcome = OutcomeSuccess
		s.ServiceCheck(e.ServiceCheckName(), check.StatusOK, "", req.Tags)
		healthSent = true

		if req.CollectMetadata {
			e.collectMetadata(ctx, s, src, &report)
		}
		return nil
	})
	if err != nil {
		report.Outcome = OutcomeFailure
		report.Err = err
		if !healthSent {
			s.ServiceCheck(e.ServiceCheckName(), check.StatusCritical, err.Error(), req.Tags)
		}
		return report, err
	}

	return report, nil
}

func (e *Engine) emitAggregate(s check.Sender, snap Snapshot, tags Tags) {
	s.Gauge(e.MetricName("unique_tasks"), float64(snap.UniqueTasks), tags)
	s.Gauge(e.MetricName("running"), float64(snap.Running), tags)
	s.Gauge(e.MetricName("queued"), float64(snap.Queued), tags)
	s.Gauge(e.MetricName("workers"), float64(snap.Workers), tags)

	e.logger.Debugf("running %d, queued %d, unique tasks %d, workers: %d",
		snap.Running, snap.Queued, snap.UniqueTasks, snap.Workers)
}

func (e *Engine) emitPerTask(s check.Sender, tasks []TaskStat, tags Tags) {
	for _, t := range tasks {
		taskTags := tags.With(TaskTagKey + ":" + t.Name)
		s.Gauge(e.MetricName("running_by_task"), float64(t.Running), taskTags)
		s.Gauge(e.MetricName("queued_by_task"), float64(t.Queued), taskTags)
		s.Gauge(e.MetricName("workers_by_task"), float64(t.Workers), taskTags)
	}
}

func (e *Engine) collectMetadata(ctx context.Context, s check.Sender, src Source, report *Report) {
	resp, err := src.Version(ctx)
	if err != nil {
		e.warn(report, Diagnostic{
			Kind:    DiagMetadataUnavailable,
			Message: fmt.Sprintf("Error retrieving version information: %v", err),
		})
		return
	}

	version, ok := ParseVersion(resp)
	if !ok {
		e.warn(report, Diagnostic{
			Kind:    DiagMetadataUnavailable,
			Message: fmt.Sprintf("Error retrieving version information from server, response: %s", resp),
		})
		return
	}
	if version == "" {
		e.logger.Debugf("Server returned an empty version")
		return
	}

	s.SetMetadata("version", version)
	report.Version = version
}

func (e *Engine) warn(report *Report, d Diagnostic) {
	e.logger.WithField("diagnostic", d.Kind.String()).Warn(d.Message)
	report.Diagnostics = append(report.Diagnostics, d)
}
