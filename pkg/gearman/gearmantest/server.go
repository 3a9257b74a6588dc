// Package gearmantest provides an in-process gearmand admin server for
// tests.
package gearmantest

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Server answers "status", "workers" and "version" on 127.0.0.1 with
// canned responses. Every response can be changed between requests.
type Server struct {
	ln net.Listener

	mu       sync.Mutex
	status   []string
	workers  []string
	version  string
	silent   bool
	accepted int
	commands []string
	conns    map[net.Conn]struct{}

	wg sync.WaitGroup
}

// NewServer starts a Server on a random port. It is closed when the test
// finishes.
func NewServer(t testing.TB) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("gearmantest: listen: %v", err)
	}

	s := &Server{
		ln:      ln,
		version: "OK 1.1.19",
		conns:   make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns "host:port".
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Host returns the listening IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// SetStatus sets the lines returned for "status", without the terminator.
func (s *Server) SetStatus(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = lines
}

// SetWorkers sets the lines returned for "workers", without the terminator.
func (s *Server) SetWorkers(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = lines
}

// SetVersion sets the line returned for "version".
func (s *Server) SetVersion(resp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = resp
}

// SetSilent makes the server read commands without ever answering.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Commands returns every command received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// DropConnections closes every open client connection. The listener keeps
// accepting.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops the listener, closes every connection and waits for all
// handlers to return.
func (s *Server) Close() {
	s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)

		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		silent := s.silent
		resp := s.responseLocked(cmd)
		s.mu.Unlock()

		if silent {
			continue
		}
		if _, err := conn.Write([]byte(resp)); err != nil {
			return
		}
	}
}

func (s *Server) responseLocked(cmd string) string {
	var b strings.Builder
	switch cmd {
	case "status":
		for _, l := range s.status {
			b.WriteString(l + "\n")
		}
		b.WriteString(".\n")
	case "workers":
		for _, l := range s.workers {
			b.WriteString(l + "\n")
		}
		b.WriteString(".\n")
	case "version":
		b.WriteString(s.version + "\n")
	default:
		b.WriteString("ERR UNKNOWN_COMMAND Unknown+server+command\n")
	}
	return b.String()
}
