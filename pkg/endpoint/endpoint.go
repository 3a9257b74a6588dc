// Package endpoint caches long-lived connections to remote services.
//
// A Cache holds at most one connection per Endpoint. The connection is
// dialed on first use and reused by every later polling cycle against the
// same endpoint. Concurrent first use of one endpoint dials exactly once;
// dials for different endpoints proceed independently. With serializes
// use of a connection so that two cycles never interleave requests on the
// same stream, and evicts a connection whose use failed in a way that
// leaves it unusable.
package endpoint

import (
	"net"
	"strconv"
)

// Endpoint identifies one monitored instance of a remote service.
// It is comparable and used as the cache key.
type Endpoint struct {
	Host string
	Port int
}

// String returns the endpoint in host:port form, bracketing IPv6 hosts.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}
