package sender

import (
	"sort"
	"strings"
	"sync"

	"github.com/kylerisse/taskwatch/pkg/check"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// InstanceLabel is the label that carries the check instance name.
const InstanceLabel = "check_instance"

const metadataMetric = "taskwatch_metadata_info"

// Exporter is a prometheus.Collector serving the most recent samples of
// each check instance. Tags of the form "key:value" become labels; a bare
// tag becomes a label with the value "true".
//
// Exporter is an unchecked collector: series appear and disappear as
// checks emit them, so it describes nothing up front.
type Exporter struct {
	mu        sync.RWMutex
	instances map[string]instanceSamples
	logger    logrus.FieldLogger
}

type instanceSamples struct {
	samples  []Sample
	metadata map[string]string
}

// NewExporter creates an empty Exporter.
func NewExporter(logger logrus.FieldLogger) *Exporter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Exporter{
		instances: make(map[string]instanceSamples),
		logger:    logger,
	}
}

// Update replaces everything served for instance with the given samples
// and metadata.
func (e *Exporter) Update(instance string, samples []Sample, metadata map[string]string) {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.instances[instance] = instanceSamples{
		samples:  append([]Sample(nil), samples...),
		metadata: md,
	}
}

// Remove stops serving samples for instance.
func (e *Exporter) Remove(instance string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.instances, instance)
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.instances))
	for name := range e.instances {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, instance := range names {
		data := e.instances[instance]

		// Last emission wins when a check repeats a series within one run.
		seen := make(map[string]int)
		var metrics []prometheus.Metric
		for _, s := range data.samples {
			m, key, ok := e.metricFor(instance, s)
			if !ok {
				continue
			}
			if i, dup := seen[key]; dup {
				metrics[i] = m
				continue
			}
			seen[key] = len(metrics)
			metrics = append(metrics, m)
		}
		for _, m := range metrics {
			ch <- m
		}

		for _, k := range sortedKeys(data.metadata) {
			desc := prometheus.NewDesc(metadataMetric,
				"Descriptive metadata reported by a check, such as the server version.",
				[]string{InstanceLabel, "name", "value"}, nil)
			m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, 1, instance, k, data.metadata[k])
			if err != nil {
				e.logger.Warnf("Skipping metadata %q for %s: %v", k, instance, err)
				continue
			}
			ch <- m
		}
	}
}

func (e *Exporter) metricFor(instance string, s Sample) (prometheus.Metric, string, bool) {
	fqName := SanitizeMetricName(s.Name)
	help := "Gauge " + s.Name + " reported by a check."
	if s.Kind == KindServiceCheck {
		help = "Service check " + s.Name + " status (0=OK, 1=WARNING, 2=CRITICAL, 3=UNKNOWN)."
	}

	labels := TagsToLabels(s.Tags)
	labels[InstanceLabel] = instance

	keys := sortedKeys(labels)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}

	desc := prometheus.NewDesc(fqName, help, keys, nil)
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, s.Value, values...)
	if err != nil {
		e.logger.Warnf("Skipping sample %q for %s: %v", s.Name, instance, err)
		return nil, "", false
	}

	var b strings.Builder
	b.WriteString(fqName)
	for i, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(values[i])
	}
	return m, b.String(), true
}

// TagsToLabels converts "key:value" tags into a label map. The first
// occurrence of a key wins and the instance label cannot be overridden.
func TagsToLabels(tags []string) map[string]string {
	labels := make(map[string]string, len(tags)+1)
	for _, tag := range tags {
		key, value, found := strings.Cut(tag, ":")
		if !found {
			value = "true"
		}
		key = sanitizeLabelName(key)
		if key == "" || key == InstanceLabel {
			continue
		}
		if _, exists := labels[key]; exists {
			continue
		}
		labels[key] = value
	}
	return labels
}

// SanitizeMetricName maps a dotted check metric name such as
// "gearman.running_by_task" to a valid Prometheus name.
func SanitizeMetricName(name string) string {
	return sanitize(name, true)
}

func sanitizeLabelName(name string) string {
	s := sanitize(name, false)
	if strings.HasPrefix(s, "__") {
		s = strings.TrimLeft(s, "_")
	}
	return s
}

func sanitize(name string, allowColon bool) string {
	if name == "" {
		return ""
	}
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		case r == ':' && allowColon:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ check.Sender = (*Recorder)(nil)
var _ check.Sender = Multi(nil)
var _ prometheus.Collector = (*Exporter)(nil)
