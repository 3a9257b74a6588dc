// Package config loads the daemon configuration: where to listen, how
// often to poll, and which check instances to run.
//
// Example:
//
//	listen: ":1982"
//	interval: 60s
//	instances:
//	  - name: queue-primary
//	    type: gearmand
//	    config:
//	      server: 10.0.0.5
//	      port: 4730
//	      tasks: [resize, reverse]
//	      tags: ["env:prod"]
//	  - name: resolver
//	    type: dns
//	    interval: 30s
//	    config:
//	      server: 10.0.0.53:53
//	      queries:
//	        - {name: queue.internal, type: A, expect: 10.0.0.5}
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen   = ":1982"
	DefaultInterval = time.Minute
	MinInterval     = time.Second
)

var validate = validator.New()

// Config is the daemon configuration.
type Config struct {
	Listen    string        `yaml:"listen" validate:"required"`
	Interval  time.Duration `yaml:"interval" validate:"gte=1s"`
	Instances []Instance    `yaml:"instances" validate:"dive"`
}

// Instance configures one check instance. Config is handed to the
// check type's Factory unchanged.
type Instance struct {
	Name     string         `yaml:"name" validate:"required"`
	Type     string         `yaml:"type" validate:"required"`
	Interval time.Duration  `yaml:"interval" validate:"gte=1s"`
	Enabled  *bool          `yaml:"enabled"`
	Config   map[string]any `yaml:"config"`
}

// IsEnabled reports whether the instance should run. Instances are
// enabled unless explicitly disabled.
func (i Instance) IsEnabled() bool {
	return i.Enabled == nil || *i.Enabled
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("could not parse YAML: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in the listen address, the global interval, and
// each instance's interval and config map. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	for i := range c.Instances {
		inst := &c.Instances[i]
		if inst.Interval == 0 {
			inst.Interval = c.Interval
		}
		if inst.Config == nil {
			inst.Config = make(map[string]any)
		}
	}
}

// Validate checks field constraints and that instance names are unique.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Instances))
	for _, inst := range c.Instances {
		if _, dup := seen[inst.Name]; dup {
			return fmt.Errorf("invalid config: duplicate instance name %q", inst.Name)
		}
		seen[inst.Name] = struct{}{}
	}
	return nil
}

// EnabledInstances returns the instances that should run, in file order.
func (c *Config) EnabledInstances() []Instance {
	out := make([]Instance, 0, len(c.Instances))
	for _, inst := range c.Instances {
		if inst.IsEnabled() {
			out = append(out, inst)
		}
	}
	return out
}
