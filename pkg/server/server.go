// Package server runs configured check instances on a schedule and serves
// their latest status as JSON and their latest samples as Prometheus
// metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kylerisse/taskwatch/pkg/check"
	"github.com/kylerisse/taskwatch/pkg/config"
	"github.com/kylerisse/taskwatch/pkg/sender"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxStartDelay bounds the random delay before an instance's
	// first run, so instances started together do not poll in lockstep.
	DefaultMaxStartDelay = 59 * time.Second

	DefaultRequestRate  = 20
	DefaultRequestBurst = 40
)

// instance is one running check and what the server knows about it.
type instance struct {
	name     string
	typ      string
	interval time.Duration
	check    check.Check
	status   *check.Status
	logger   logrus.FieldLogger
}

// Server owns the check instances, their workers and the HTTP API.
type Server struct {
	listen        string
	logger        *logrus.Logger
	maxStartDelay time.Duration
	limiter       *rate.Limiter

	instances []*instance
	byName    map[string]*instance

	exporter *sender.Exporter
	registry *prometheus.Registry
	metrics  *runMetrics

	httpSrv *http.Server
	ln      net.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Option is a functional option for configuring a Server.
type Option func(*Server) error

// WithMaxStartDelay sets the upper bound of the random delay before each
// instance's first run. Zero starts every instance immediately.
func WithMaxStartDelay(d time.Duration) Option {
	return func(s *Server) error {
		if d < 0 {
			return fmt.Errorf("start delay must not be negative, got %v", d)
		}
		s.maxStartDelay = d
		return nil
	}
}

// WithRequestRate limits API requests to r per second with the given burst.
func WithRequestRate(r float64, burst int) Option {
	return func(s *Server) error {
		if r <= 0 || burst < 1 {
			return fmt.Errorf("request rate must be positive, got %v/s burst %d", r, burst)
		}
		s.limiter = rate.NewLimiter(rate.Limit(r), burst)
		return nil
	}
}

// NewServer creates a check instance for every enabled entry of cfg using
// the factories in registry. If any instance fails to build, the ones
// already built are closed and the error is returned.
func NewServer(cfg *config.Config, registry *check.Registry, logger *logrus.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		listen:        cfg.Listen,
		logger:        logger,
		maxStartDelay: DefaultMaxStartDelay,
		limiter:       rate.NewLimiter(DefaultRequestRate, DefaultRequestBurst),
		byName:        make(map[string]*instance),
		exporter:      sender.NewExporter(logger),
		registry:      prometheus.NewRegistry(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
	}

	metrics, err := newRunMetrics(s.registry, s.exporter)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	s.metrics = metrics

	for _, ic := range cfg.EnabledInstances() {
		ilog := logger.WithFields(logrus.Fields{"check": ic.Type, "instance": ic.Name})
		chk, err := registry.Create(ic.Type, ic.Config, ilog)
		if err != nil {
			return nil, multierr.Append(
				fmt.Errorf("server: instance %q: %w", ic.Name, err),
				s.closeChecks(),
			)
		}
		inst := &instance{
			name:     ic.Name,
			typ:      ic.Type,
			interval: ic.Interval,
			check:    chk,
			status:   check.NewStatus(),
			logger:   ilog,
		}
		s.instances = append(s.instances, inst)
		s.byName[ic.Name] = inst
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start binds the listen address, starts the API server and one worker
// per instance.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.listen, err)
	}
	s.ln = ln
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Infof("Starting API server on %v...", ln.Addr())
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("API server failed: %v", err)
		}
	}()

	s.logger.Infof("Starting workers for %d check instances...", len(s.instances))
	for _, inst := range s.instances {
		s.wg.Add(1)
		go s.worker(s.ctx, inst)
	}
	return nil
}

// Addr returns the bound API address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop stops the workers, shuts the API server down and closes every
// check that holds resources. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		if s.httpSrv != nil {
			err = multierr.Append(err, s.httpSrv.Shutdown(ctx))
		}
		s.wg.Wait()
		err = multierr.Append(err, s.closeChecks())
		s.logger.Info("All workers stopped.")
	})
	return err
}

func (s *Server) closeChecks() error {
	var err error
	for _, inst := range s.instances {
		c, ok := inst.check.(io.Closer)
		if !ok {
			continue
		}
		if cerr := c.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing %s: %w", inst.name, cerr))
		}
	}
	return err
}
