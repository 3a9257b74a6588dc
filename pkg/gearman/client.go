// Package gearman is a client for the gearmand text administrative
// protocol. It speaks the "status", "workers" and "version" commands over
// a single TCP connection and implements taskstat.Source.
//
// A Client is not safe for concurrent use. Callers serialize access,
// usually through an endpoint.Cache.
package gearman

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kylerisse/taskwatch/pkg/taskstat"
)

// DefaultTimeout bounds each request when no timeout is given.
const DefaultTimeout = 5 * time.Second

// Worker is one entry of the "workers" listing.
type Worker struct {
	FD        string
	Addr      string
	ClientID  string
	Functions []string
}

// Client is one admin connection to a gearmand server.
type Client struct {
	addr    string
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// Dial connects to the server at addr ("host:port"). timeout bounds the
// dial and every later request; zero selects DefaultTimeout.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gearman: %w: %w", taskstat.ErrRemoteUnavailable, err)
	}

	return &Client{
		addr:    addr,
		conn:    conn,
		r:       bufio.NewReader(conn),
		timeout: timeout,
	}, nil
}

// Addr returns the address the client is connected to.
func (c *Client) Addr() string {
	return c.addr
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Status returns one TaskStat per registered function, in server order.
// Queued is the total number of jobs the server holds for the function,
// which includes the running ones.
func (c *Client) Status(ctx context.Context) ([]taskstat.TaskStat, error) {
	lines, err := c.list(ctx, "status")
	if err != nil {
		return nil, err
	}

	tasks := make([]taskstat.TaskStat, 0, len(lines))
	for _, line := range lines {
		t, err := parseStatusLine(line)
		if err != nil {
			return nil, fmt.Errorf("gearman: status: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Workers returns every connected worker, in server order.
func (c *Client) Workers(ctx context.Context) ([]Worker, error) {
	lines, err := c.list(ctx, "workers")
	if err != nil {
		return nil, err
	}

	workers := make([]Worker, 0, len(lines))
	for _, line := range lines {
		w, err := parseWorkerLine(line)
		if err != nil {
			return nil, fmt.Errorf("gearman: workers: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// Version returns the raw response to the "version" command, for example
// "OK 1.1.19". It is not interpreted.
func (c *Client) Version(ctx context.Context) (string, error) {
	if err := c.send(ctx, "version"); err != nil {
		return "", err
	}
	return c.readLine("version")
}

// Stats fetches the task listing and the number of workers that have at
// least one function registered.
func (c *Client) Stats(ctx context.Context) (taskstat.Stats, error) {
	tasks, err := c.Status(ctx)
	if err != nil {
		return taskstat.Stats{}, err
	}
	workers, err := c.Workers(ctx)
	if err != nil {
		return taskstat.Stats{}, err
	}

	var active int64
	for _, w := range workers {
		if len(w.Functions) > 0 {
			active++
		}
	}
	return taskstat.Stats{Tasks: tasks, Workers: active}, nil
}

// list sends cmd and reads lines up to the "." terminator. A malformed
// line does not stop the read, so the connection stays in sync.
func (c *Client) list(ctx context.Context, cmd string) ([]string, error) {
	if err := c.send(ctx, cmd); err != nil {
		return nil, err
	}

	var lines []string
	for {
		line, err := c.readLine(cmd)
		if err != nil {
			return nil, err
		}
		if line == "." {
			return lines, nil
		}
		if strings.HasPrefix(line, "ERR ") && len(lines) == 0 {
			return nil, fmt.Errorf("gearman: %s: %w: server replied %q", cmd, taskstat.ErrRemoteUnavailable, line)
		}
		lines = append(lines, line)
	}
}

func (c *Client) send(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("gearman: %s: %w: %w", cmd, taskstat.ErrRemoteUnavailable, err)
	}
	if err := c.conn.SetDeadline(c.deadline(ctx)); err != nil {
		return fmt.Errorf("gearman: %s: %w: %w", cmd, taskstat.ErrRemoteUnavailable, err)
	}
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("gearman: %s: %w: %w", cmd, taskstat.ErrRemoteUnavailable, err)
	}
	return nil
}

func (c *Client) readLine(cmd string) (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("gearman: %s: %w: %w", cmd, taskstat.ErrRemoteUnavailable, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// deadline is the earlier of now+timeout and the context deadline.
func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// parseStatusLine parses "FUNCTION\tTOTAL\tRUNNING\tAVAILABLE_WORKERS".
func parseStatusLine(line string) (taskstat.TaskStat, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 4 || fields[0] == "" {
		return taskstat.TaskStat{}, fmt.Errorf("%w: bad status line %q", taskstat.ErrMalformedResponse, line)
	}

	var counts [3]int64
	for i, f := range fields[1:] {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil || n < 0 {
			return taskstat.TaskStat{}, fmt.Errorf("%w: bad count %q in status line %q", taskstat.ErrMalformedResponse, f, line)
		}
		counts[i] = n
	}

	return taskstat.TaskStat{
		Name:    fields[0],
		Queued:  counts[0],
		Running: counts[1],
		Workers: counts[2],
	}, nil
}

// parseWorkerLine parses "FD IP-ADDRESS CLIENT-ID : FUNCTION ...".
func parseWorkerLine(line string) (Worker, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[3] != ":" {
		return Worker{}, fmt.Errorf("%w: bad worker line %q", taskstat.ErrMalformedResponse, line)
	}

	w := Worker{
		FD:       fields[0],
		Addr:     fields[1],
		ClientID: fields[2],
	}
	if len(fields) > 4 {
		w.Functions = fields[4:]
	}
	return w, nil
}

var _ taskstat.Source = (*Client)(nil)
