// Package dns implements a check that resolves one or more names against a
// specific server and validates each answer against an expected value.
// Supported record types are A, AAAA, and PTR.
//
// Each answered query reports a dns.response_time gauge in seconds tagged
// with the query name and record type. Every run sends one dns.can_resolve
// service check: OK when every query matched, CRITICAL otherwise.
package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/kylerisse/taskwatch/pkg/check"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	// TypeName is the registered name for this check type.
	TypeName = "dns"

	// DefaultTimeout is the default DNS query timeout.
	DefaultTimeout = 3 * time.Second

	MetricResponseTime = "dns.response_time"
	ServiceCheckName   = "dns.can_resolve"
)

// queryConfig holds the parsed configuration for a single DNS query.
type queryConfig struct {
	name   string // query name as provided (without trailing dot)
	qtype  uint16 // dns.TypeA, dns.TypeAAAA, dns.TypePTR
	expect string
}

// Check implements check.Check using DNS queries to a specific server.
type Check struct {
	server  string // host:port of the DNS server
	timeout time.Duration
	queries []queryConfig
	tags    []string
	client  *dns.Client
	logger  logrus.FieldLogger
}

// Option is a functional option for configuring a DNS Check.
type Option func(*Check) error

// WithTimeout sets the DNS query timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Check) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		c.timeout = d
		return nil
	}
}

// WithTags appends instance tags to everything the check sends.
func WithTags(tags ...string) Option {
	return func(c *Check) error {
		c.tags = append(c.tags, tags...)
		return nil
	}
}

// WithLogger sets the logger for the check.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Check) error {
		if l == nil {
			return fmt.Errorf("logger must not be nil")
		}
		c.logger = l
		return nil
	}
}

// New creates a DNS Check targeting the given server with the given queries.
func New(server string, queries []queryConfig, opts ...Option) (*Check, error) {
	if server == "" {
		return nil, fmt.Errorf("dns: server must not be empty")
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("dns: at least one query is required")
	}

	c := &Check{
		server:  server,
		timeout: DefaultTimeout,
		queries: queries,
		tags:    []string{"server:" + server},
		logger:  logrus.StandardLogger(),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("dns: %w", err)
		}
	}

	c.client = &dns.Client{
		Timeout: c.timeout,
	}

	return c, nil
}

// Type returns the check type name.
func (c *Check) Type() string {
	return TypeName
}

// Run executes all configured queries against the server. Every query is
// attempted even after a failure; the returned error combines all of them.
func (c *Check) Run(ctx context.Context, s check.Sender) error {
	var errs error

	for _, q := range c.queries {
		rtt, err := c.query(ctx, q)
		if err != nil {
			c.logger.Debugf("%v", err)
			errs = multierr.Append(errs, err)
			continue
		}

		tags := make([]string, 0, len(c.tags)+2)
		tags = append(tags, c.tags...)
		tags = append(tags, "query:"+q.name, "record_type:"+qtypeName(q.qtype))
		s.Gauge(MetricResponseTime, rtt.Seconds(), tags)
	}

	if errs != nil {
		s.ServiceCheck(ServiceCheckName, check.StatusCritical, errs.Error(), c.tags)
		return errs
	}
	s.ServiceCheck(ServiceCheckName, check.StatusOK, "", c.tags)
	return nil
}

func (c *Check) query(ctx context.Context, q queryConfig) (time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(q.name), q.qtype)
	msg.RecursionDesired = true

	resp, rtt, err := c.client.ExchangeContext(ctx, msg, c.server)
	if err != nil {
		return 0, fmt.Errorf("dns %s %s: %w", qtypeName(q.qtype), q.name, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return 0, fmt.Errorf("dns %s %s: rcode %s", qtypeName(q.qtype), q.name, dns.RcodeToString[resp.Rcode])
	}
	if err := validateAnswer(resp.Answer, q.qtype, q.expect); err != nil {
		return 0, fmt.Errorf("dns %s %s: %w", qtypeName(q.qtype), q.name, err)
	}
	return rtt, nil
}

// validateAnswer checks that at least one RR in the answer section matches
// the expected value for the given query type.
func validateAnswer(rrs []dns.RR, qtype uint16, expect string) error {
	for _, rr := range rrs {
		var got, want string
		switch v := rr.(type) {
		case *dns.A:
			if qtype != dns.TypeA {
				continue
			}
			got, want = normalizeIP(v.A.String()), normalizeIP(expect)
		case *dns.AAAA:
			if qtype != dns.TypeAAAA {
				continue
			}
			got, want = normalizeIP(v.AAAA.String()), normalizeIP(expect)
		case *dns.PTR:
			if qtype != dns.TypePTR {
				continue
			}
			got, want = normalizeFQDN(v.Ptr), normalizeFQDN(expect)
		default:
			continue
		}
		if got == want {
			return nil
		}
	}
	return fmt.Errorf("expected %q not found in answer", expect)
}

// normalizeIP re-serializes an IP address so that equivalent spellings
// compare equal.
func normalizeIP(s string) string {
	ip := net.ParseIP(s)
	if ip == nil {
		return s
	}
	return ip.String()
}

func normalizeFQDN(s string) string {
	return strings.ToLower(strings.TrimSuffix(s, "."))
}

func qtypeName(qtype uint16) string {
	if name, ok := dns.TypeToString[qtype]; ok {
		return name
	}
	return fmt.Sprintf("TYPE%d", qtype)
}

// parseQType converts a record type string to a miekg/dns type constant.
// Supported values (case-insensitive): A, AAAA, PTR.
func parseQType(s string) (uint16, error) {
	switch strings.ToUpper(s) {
	case "A":
		return dns.TypeA, nil
	case "AAAA":
		return dns.TypeAAAA, nil
	case "PTR":
		return dns.TypePTR, nil
	default:
		return 0, fmt.Errorf("unsupported query type %q (supported: A, AAAA, PTR)", s)
	}
}

// Factory creates a DNS Check from a config map.
// Required keys:
//   - "server" (string): host:port of the DNS server to query
//   - "queries" (list of objects): each with "name", "type", and "expect"
//
// Optional keys:
//   - "timeout" (string): duration string (e.g. "5s"), default "3s"
//   - "tags" (list of strings)
func Factory(config map[string]any, logger logrus.FieldLogger) (check.Check, error) {
	serverRaw, ok := config["server"]
	if !ok {
		return nil, fmt.Errorf("dns: config missing required key 'server'")
	}
	server, ok := serverRaw.(string)
	if !ok {
		return nil, fmt.Errorf("dns: 'server' must be a string, got %T", serverRaw)
	}
	if server == "" {
		return nil, fmt.Errorf("dns: 'server' must not be empty")
	}

	queries, err := extractQueries(config)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts := []Option{WithLogger(logger)}

	if v, ok := config["timeout"]; ok {
		ts, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("dns: 'timeout' must be a string, got %T", v)
		}
		d, err := time.ParseDuration(ts)
		if err != nil {
			return nil, fmt.Errorf("dns: invalid timeout %q: %w", ts, err)
		}
		opts = append(opts, WithTimeout(d))
	}

	if v, ok := config["tags"]; ok {
		tags, err := extractTags(v)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTags(tags...))
	}

	return New(server, queries, opts...)
}

func extractTags(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		tags := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("dns: tag at index %d must be a string, got %T", i, item)
			}
			tags = append(tags, s)
		}
		return tags, nil
	default:
		return nil, fmt.Errorf("dns: 'tags' must be a list of strings, got %T", v)
	}
}

// extractQueries parses the "queries" list from the config map.
func extractQueries(config map[string]any) ([]queryConfig, error) {
	raw, ok := config["queries"]
	if !ok {
		return nil, fmt.Errorf("dns: config missing required key 'queries'")
	}

	rawList, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("dns: 'queries' must be a list, got %T", raw)
	}
	if len(rawList) == 0 {
		return nil, fmt.Errorf("dns: 'queries' must not be empty")
	}

	queries := make([]queryConfig, 0, len(rawList))
	for i, item := range rawList {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("dns: query at index %d must be an object, got %T", i, item)
		}

		name, ok := m["name"].(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("dns: query at index %d missing required 'name'", i)
		}

		typeStr, ok := m["type"].(string)
		if !ok || typeStr == "" {
			return nil, fmt.Errorf("dns: query at index %d missing required 'type'", i)
		}

		qtype, err := parseQType(typeStr)
		if err != nil {
			return nil, fmt.Errorf("dns: query at index %d: %w", i, err)
		}

		expect, ok := m["expect"].(string)
		if !ok || expect == "" {
			return nil, fmt.Errorf("dns: query at index %d missing required 'expect'", i)
		}

		queries = append(queries, queryConfig{
			name:   strings.TrimSuffix(name, "."),
			qtype:  qtype,
			expect: expect,
		})
	}

	return queries, nil
}
