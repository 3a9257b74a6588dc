// Package sender provides check.Sender implementations: an in-memory
// Recorder that captures one run, a fan-out, and a Prometheus exporter
// that serves the latest recorded samples of every check instance.
package sender

import (
	"sync"

	"github.com/kylerisse/taskwatch/pkg/check"
)

// Kind distinguishes gauges from service checks.
type Kind int

const (
	KindGauge Kind = iota
	KindServiceCheck
)

// Sample is one recorded emission.
type Sample struct {
	Kind    Kind
	Name    string
	Value   float64
	Status  check.ServiceCheckStatus
	Message string
	Tags    []string
}

// Recorder is a check.Sender that keeps everything it is sent, in order.
// It is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	samples  []Sample
	metadata map[string]string
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		metadata: make(map[string]string),
	}
}

// Gauge implements check.Sender.
func (r *Recorder) Gauge(name string, value float64, tags []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, Sample{
		Kind:  KindGauge,
		Name:  name,
		Value: value,
		Tags:  append([]string(nil), tags...),
	})
}

// ServiceCheck implements check.Sender.
func (r *Recorder) ServiceCheck(name string, status check.ServiceCheckStatus, message string, tags []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, Sample{
		Kind:    KindServiceCheck,
		Name:    name,
		Value:   float64(status),
		Status:  status,
		Message: message,
		Tags:    append([]string(nil), tags...),
	})
}

// SetMetadata implements check.Sender. Later values replace earlier ones.
func (r *Recorder) SetMetadata(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[name] = value
}

// Samples returns a copy of everything recorded so far.
func (r *Recorder) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sample(nil), r.samples...)
}

// Gauges returns the recorded gauges with the given name.
func (r *Recorder) Gauges(name string) []Sample {
	return r.filter(func(s Sample) bool { return s.Kind == KindGauge && s.Name == name })
}

// GaugeCount returns the number of recorded gauges.
func (r *Recorder) GaugeCount() int {
	return len(r.filter(func(s Sample) bool { return s.Kind == KindGauge }))
}

// ServiceChecks returns the recorded service checks.
func (r *Recorder) ServiceChecks() []Sample {
	return r.filter(func(s Sample) bool { return s.Kind == KindServiceCheck })
}

// Metadata returns a copy of the recorded metadata.
func (r *Recorder) Metadata() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out
}

func (r *Recorder) filter(keep func(Sample) bool) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Sample
	for _, s := range r.samples {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// Multi sends every emission to each of its senders in order.
type Multi []check.Sender

// Gauge implements check.Sender.
func (m Multi) Gauge(name string, value float64, tags []string) {
	for _, s := range m {
		s.Gauge(name, value, tags)
	}
}

// ServiceCheck implements check.Sender.
func (m Multi) ServiceCheck(name string, status check.ServiceCheckStatus, message string, tags []string) {
	for _, s := range m {
		s.ServiceCheck(name, status, message, tags)
	}
}

// SetMetadata implements check.Sender.
func (m Multi) SetMetadata(name, value string) {
	for _, s := range m {
		s.SetMetadata(name, value)
	}
}
