package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	// ErrClosed is returned by Get and With after Close.
	ErrClosed = errors.New("endpoint: cache is closed")

	// ErrDialThrottled is returned when a re-dial is refused because the
	// previous dial attempt for the same endpoint was too recent.
	ErrDialThrottled = errors.New("endpoint: dial throttled")
)

// DialFunc opens a new connection to ep.
type DialFunc[C io.Closer] func(ctx context.Context, ep Endpoint) (C, error)

// Option is a functional option for configuring a Cache.
type Option func(*options) error

type options struct {
	logger         logrus.FieldLogger
	evict          func(error) bool
	redialInterval time.Duration
}

// WithLogger sets the logger used for connect and eviction messages.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) error {
		if l == nil {
			return fmt.Errorf("logger must not be nil")
		}
		o.logger = l
		return nil
	}
}

// WithEvictOn sets the predicate deciding whether an error returned from
// a With callback leaves the connection unusable. Matching connections
// are closed and dropped; the next use dials again. A nil predicate
// disables eviction.
func WithEvictOn(fn func(error) bool) Option {
	return func(o *options) error {
		o.evict = fn
		return nil
	}
}

// WithRedialInterval sets the minimum spacing between dial attempts for
// one endpoint. Zero means no limit.
func WithRedialInterval(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return fmt.Errorf("redial interval must not be negative, got %v", d)
		}
		o.redialInterval = d
		return nil
	}
}

type entry[C io.Closer] struct {
	conn    C
	created time.Time
}

// Cache owns one connection per Endpoint.
// It is safe for concurrent use.
type Cache[C io.Closer] struct {
	dial DialFunc[C]
	opts options

	mu       sync.Mutex
	entries  map[Endpoint]*entry[C]
	locks    map[Endpoint]*sync.Mutex
	limiters map[Endpoint]*rate.Limiter
	closed   bool

	group singleflight.Group
}

// NewCache creates an empty Cache that opens connections with dial.
func NewCache[C io.Closer](dial DialFunc[C], opts ...Option) (*Cache[C], error) {
	if dial == nil {
		return nil, fmt.Errorf("endpoint: dial function must not be nil")
	}

	c := &Cache[C]{
		dial: dial,
		opts: options{
			logger: logrus.StandardLogger(),
		},
		entries:  make(map[Endpoint]*entry[C]),
		locks:    make(map[Endpoint]*sync.Mutex),
		limiters: make(map[Endpoint]*rate.Limiter),
	}

	for _, opt := range opts {
		if err := opt(&c.opts); err != nil {
			return nil, fmt.Errorf("endpoint: %w", err)
		}
	}

	return c, nil
}

// Get returns the connection for ep, dialing it if none is cached.
// Dial errors are returned as-is and nothing is cached.
func (c *Cache[C]) Get(ctx context.Context, ep Endpoint) (C, error) {
	e, err := c.acquire(ctx, ep)
	if err != nil {
		var zero C
		return zero, err
	}
	return e.conn, nil
}

// With runs fn with the connection for ep while holding the endpoint's
// lock. If fn fails with an error matching the eviction predicate, the
// connection is closed and dropped before With returns fn's error.
func (c *Cache[C]) With(ctx context.Context, ep Endpoint, fn func(C) error) error {
	lock, err := c.lockFor(ep)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	e, err := c.acquire(ctx, ep)
	if err != nil {
		return err
	}

	if err := fn(e.conn); err != nil {
		if c.opts.evict != nil && c.opts.evict(err) {
			c.opts.logger.Warnf("Dropping connection to %s (open for %v) after error: %v", ep, time.Since(e.created).Round(time.Second), err)
			if cerr := c.drop(ep, e); cerr != nil {
				c.opts.logger.Debugf("Closing connection to %s failed: %v", ep, cerr)
			}
		}
		return err
	}
	return nil
}

// Invalidate closes and drops the cached connection for ep, if any.
func (c *Cache[C]) Invalidate(ep Endpoint) error {
	c.mu.Lock()
	e, ok := c.entries[ep]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.drop(ep, e)
}

// Len returns the number of cached connections.
func (c *Cache[C]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close closes every cached connection and refuses further use.
// The returned error combines all close failures.
func (c *Cache[C]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[Endpoint]*entry[C])
	c.mu.Unlock()

	var err error
	for ep, e := range entries {
		if cerr := e.conn.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing %s: %w", ep, cerr))
		}
	}
	return err
}

func (c *Cache[C]) acquire(ctx context.Context, ep Endpoint) (*entry[C], error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := c.entries[ep]; ok {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(ep.String(), func() (any, error) {
		// A caller that missed the map above may arrive here after an
		// earlier flight for the same key already stored its entry.
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := c.entries[ep]; ok {
			c.mu.Unlock()
			return e, nil
		}
		lim := c.limiterLocked(ep)
		c.mu.Unlock()

		if lim != nil && !lim.Allow() {
			return nil, fmt.Errorf("%w: last attempt for %s was less than %v ago", ErrDialThrottled, ep, c.opts.redialInterval)
		}

		c.opts.logger.Debugf("Connecting to %s", ep)
		conn, err := c.dial(ctx, ep)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			conn.Close()
			return nil, ErrClosed
		}
		e := &entry[C]{conn: conn, created: time.Now()}
		c.entries[ep] = e
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry[C]), nil
}

// drop removes e if it is still the cached entry for ep and closes it.
func (c *Cache[C]) drop(ep Endpoint, e *entry[C]) error {
	c.mu.Lock()
	if cur, ok := c.entries[ep]; !ok || cur != e {
		c.mu.Unlock()
		return nil
	}
	delete(c.entries, ep)
	c.mu.Unlock()
	return e.conn.Close()
}

func (c *Cache[C]) lockFor(ep Endpoint) (*sync.Mutex, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	l, ok := c.locks[ep]
	if !ok {
		l = &sync.Mutex{}
		c.locks[ep] = l
	}
	return l, nil
}

// limiterLocked returns the dial limiter for ep, or nil when dials are
// not rate limited. c.mu must be held.
func (c *Cache[C]) limiterLocked(ep Endpoint) *rate.Limiter {
	if c.opts.redialInterval == 0 {
		return nil
	}
	l, ok := c.limiters[ep]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.opts.redialInterval), 1)
		c.limiters[ep] = l
	}
	return l
}
