// Package gearmand implements a check that polls a gearmand job server
// through its administrative protocol. Each run reports process-wide
// totals, a bounded set of per-function gauges, the gearman.can_connect
// service check and, optionally, the server version.
package gearmand

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kylerisse/taskwatch/pkg/check"
	"github.com/kylerisse/taskwatch/pkg/endpoint"
	"github.com/kylerisse/taskwatch/pkg/gearman"
	"github.com/kylerisse/taskwatch/pkg/taskstat"
	"github.com/sirupsen/logrus"
)

const (
	// TypeName is the registered name for this check type.
	TypeName = "gearmand"

	// Namespace prefixes every metric and service check name.
	Namespace = "gearman"

	DefaultHost    = "127.0.0.1"
	DefaultPort    = 4730
	DefaultTimeout = gearman.DefaultTimeout
)

var validate = validator.New()

// Settings is the resolved configuration of one check instance.
type Settings struct {
	Host            string        `validate:"omitempty,hostname_rfc1123|ip"`
	Port            int           `validate:"gte=0,lte=65535"`
	Tasks           []string      `validate:"dive,required"`
	Tags            []string      `validate:"dive,required"`
	CollectMetadata bool
	MaxTasks        int           `validate:"gte=0"`
	Timeout         time.Duration `validate:"gte=0"`
	RedialInterval  time.Duration `validate:"gte=0"`
}

// DefaultSettings returns the settings used for keys that are not
// configured. Host and Port are left empty so New can report them.
func DefaultSettings() Settings {
	return Settings{
		CollectMetadata: true,
		MaxTasks:        taskstat.DefaultMaxTasks,
		Timeout:         DefaultTimeout,
	}
}

// Check implements check.Check against one gearmand server.
type Check struct {
	settings    Settings
	endpoint    endpoint.Endpoint
	tags        taskstat.Tags
	diagnostics []taskstat.Diagnostic

	engine *taskstat.Engine
	cache  *endpoint.Cache[*gearman.Client]
	logger logrus.FieldLogger

	mu   sync.Mutex
	last *taskstat.Report
}

// Option is a functional option for configuring a gearmand Check.
type Option func(*Check) error

// WithLogger sets the logger for the check, its engine and its
// connection cache.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Check) error {
		if l == nil {
			return fmt.Errorf("logger must not be nil")
		}
		c.logger = l
		return nil
	}
}

// New creates a gearmand Check. A missing host or port falls back to
// DefaultHost or DefaultPort and is reported as a warning on every run.
func New(settings Settings, opts ...Option) (*Check, error) {
	if err := validate.Struct(settings); err != nil {
		return nil, fmt.Errorf("gearmand: invalid settings: %w", err)
	}

	c := &Check{
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("gearmand: %w", err)
		}
	}

	if settings.Host == "" {
		settings.Host = DefaultHost
		c.diagnostics = append(c.diagnostics, taskstat.Diagnostic{
			Kind:    taskstat.DiagDefaultHost,
			Message: "Host not set, assuming " + DefaultHost,
		})
	}
	if settings.Port == 0 {
		settings.Port = DefaultPort
		c.diagnostics = append(c.diagnostics, taskstat.Diagnostic{
			Kind:    taskstat.DiagDefaultPort,
			Message: "Port is not set, assuming " + strconv.Itoa(DefaultPort),
		})
	}
	if settings.MaxTasks == 0 {
		settings.MaxTasks = taskstat.DefaultMaxTasks
	}
	if settings.Timeout == 0 {
		settings.Timeout = DefaultTimeout
	}
	for _, d := range c.diagnostics {
		c.logger.WithField("diagnostic", d.Kind.String()).Warn(d.Message)
	}

	c.settings = settings
	c.endpoint = endpoint.Endpoint{Host: settings.Host, Port: settings.Port}
	c.tags = taskstat.BaseTags(settings.Host, settings.Port, settings.Tags)

	engine, err := taskstat.NewEngine(Namespace,
		taskstat.WithMaxTasks(settings.MaxTasks),
		taskstat.WithLogger(c.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("gearmand: %w", err)
	}
	c.engine = engine

	timeout := settings.Timeout
	cache, err := endpoint.NewCache(
		func(ctx context.Context, ep endpoint.Endpoint) (*gearman.Client, error) {
			return gearman.Dial(ctx, ep.String(), timeout)
		},
		endpoint.WithLogger(c.logger),
		endpoint.WithEvictOn(func(err error) bool {
			return errors.Is(err, taskstat.ErrRemoteUnavailable)
		}),
		endpoint.WithRedialInterval(settings.RedialInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("gearmand: %w", err)
	}
	c.cache = cache

	return c, nil
}

// Type returns the check type name.
func (c *Check) Type() string {
	return TypeName
}

// Settings returns the settings after defaults were applied.
func (c *Check) Settings() Settings {
	return c.settings
}

// Run polls the server once and reports through s.
func (c *Check) Run(ctx context.Context, s check.Sender) error {
	report, err := c.engine.Collect(ctx, s, taskstat.Request{
		Session:         c.session,
		Filter:          c.settings.Tasks,
		Tags:            c.tags,
		CollectMetadata: c.settings.CollectMetadata,
		Diagnostics:     c.diagnostics,
	})

	c.mu.Lock()
	c.last = &report
	c.mu.Unlock()

	return err
}

// LastReport returns the report of the most recent run, if any.
func (c *Check) LastReport() (taskstat.Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return taskstat.Report{}, false
	}
	return *c.last, true
}

// Warnings implements check.Warner. Before the first run it returns the
// configuration diagnostics.
func (c *Check) Warnings() []string {
	if report, ok := c.LastReport(); ok {
		return report.Warnings()
	}
	return taskstat.Report{Diagnostics: c.diagnostics}.Warnings()
}

// Close closes the cached connection.
func (c *Check) Close() error {
	return c.cache.Close()
}

func (c *Check) session(ctx context.Context, fn func(taskstat.Source) error) error {
	return c.cache.With(ctx, c.endpoint, func(client *gearman.Client) error {
		return fn(client)
	})
}

// Factory creates a gearmand Check from a config map.
// Optional keys:
//   - "server" (string), default "127.0.0.1"
//   - "port" (integer), default 4730
//   - "tasks" (list of strings), default every task
//   - "tags" (list of strings)
//   - "collect_metadata" (bool), default true
//   - "max_tasks" (integer), default 200
//   - "timeout" (string) duration, default "5s"
//   - "redial_interval" (string) duration, default no limit
func Factory(config map[string]any, logger logrus.FieldLogger) (check.Check, error) {
	s := DefaultSettings()

	if v, ok := config["server"]; ok {
		host, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("gearmand: 'server' must be a string, got %T", v)
		}
		s.Host = host
	}

	var err error
	if s.Port, err = intValue(config, "port", 0); err != nil {
		return nil, err
	}
	if s.MaxTasks, err = intValue(config, "max_tasks", s.MaxTasks); err != nil {
		return nil, err
	}
	if s.MaxTasks < 1 {
		return nil, fmt.Errorf("gearmand: 'max_tasks' must be at least 1, got %d", s.MaxTasks)
	}
	if s.Tasks, err = stringList(config, "tasks"); err != nil {
		return nil, err
	}
	if s.Tags, err = stringList(config, "tags"); err != nil {
		return nil, err
	}
	if s.Timeout, err = duration(config, "timeout", s.Timeout); err != nil {
		return nil, err
	}
	if s.RedialInterval, err = duration(config, "redial_interval", 0); err != nil {
		return nil, err
	}

	if v, ok := config["collect_metadata"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("gearmand: 'collect_metadata' must be a bool, got %T", v)
		}
		s.CollectMetadata = b
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return New(s, WithLogger(logger))
}

// intValue reads an integer that may have been decoded as int or float64.
func intValue(config map[string]any, key string, def int) (int, error) {
	v, ok := config[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("gearmand: '%s' must be an integer, got %v", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("gearmand: '%s' must be an integer, got %T", key, v)
	}
}

func stringList(config map[string]any, key string) ([]string, error) {
	v, ok := config[key]
	if !ok {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []any:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("gearmand: '%s' item at index %d must be a string, got %T", key, i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("gearmand: '%s' must be a list of strings, got %T", key, v)
	}
}

func duration(config map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := config[key]
	if !ok {
		return def, nil
	}
	ts, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("gearmand: '%s' must be a string, got %T", key, v)
	}
	d, err := time.ParseDuration(ts)
	if err != nil {
		return 0, fmt.Errorf("gearmand: invalid %s %q: %w", key, ts, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("gearmand: '%s' must not be negative, got %v", key, d)
	}
	return d, nil
}

var (
	_ check.Check  = (*Check)(nil)
	_ check.Warner = (*Check)(nil)
)
