package gearmand

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kylerisse/taskwatch/pkg/check"
	"github.com/kylerisse/taskwatch/pkg/endpoint"
	"github.com/kylerisse/taskwatch/pkg/gearman/gearmantest"
	"github.com/kylerisse/taskwatch/pkg/sender"
	"github.com/kylerisse/taskwatch/pkg/taskstat"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func quietLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

// startServer returns a fake gearmand with three functions and five
// workers, four of which have functions registered.
func startServer(t *testing.T) *gearmantest.Server {
	t.Helper()
	srv := gearmantest.NewServer(t)
	srv.SetStatus(
		"A\t1\t2\t1",
		"B\t5\t0\t2",
		"C\t0\t1\t1",
	)
	srv.SetWorkers(
		"30 127.0.0.1 - : A",
		"31 127.0.0.1 - : B",
		"32 127.0.0.1 - : B C",
		"33 127.0.0.1 - :",
		"34 127.0.0.1 - : A",
	)
	return srv
}

func newForServer(t *testing.T, srv *gearmantest.Server, mutate func(*Settings)) *Check {
	t.Helper()
	s := DefaultSettings()
	s.Host = srv.Host()
	s.Port = srv.Port()
	s.Timeout = time.Second
	if mutate != nil {
		mutate(&s)
	}
	chk, err := New(s, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { chk.Close() })
	return chk
}

func value(t *testing.T, rec *sender.Recorder, name string) float64 {
	t.Helper()
	g := rec.Gauges(name)
	if len(g) != 1 {
		t.Fatalf("expected one %s gauge, got %d", name, len(g))
	}
	return g[0].Value
}

// --- New / Factory ---

func TestNew_Defaults(t *testing.T) {
	logger, hook := test.NewNullLogger()
	chk, err := New(Settings{}, WithLogger(logger))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer chk.Close()

	s := chk.Settings()
	if s.Host != DefaultHost || s.Port != DefaultPort {
		t.Errorf("expected default endpoint, got %s:%d", s.Host, s.Port)
	}
	if s.MaxTasks != taskstat.DefaultMaxTasks {
		t.Errorf("expected default max tasks, got %d", s.MaxTasks)
	}
	if s.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout, got %v", s.Timeout)
	}

	want := []string{"Host not set, assuming 127.0.0.1", "Port is not set, assuming 4730"}
	if diff := cmp.Diff(want, chk.Warnings()); diff != "" {
		t.Errorf("warnings mismatch (-want +got):\n%s", diff)
	}
	if n := len(hook.AllEntries()); n != 2 {
		t.Errorf("expected the defaults to be logged once each, got %d entries", n)
	}
}

func TestNew_InvalidSettings(t *testing.T) {
	tests := map[string]Settings{
		"bad host":         {Host: "not a host!"},
		"port too large":   {Port: 70000},
		"negative timeout": {Timeout: -time.Second},
		"empty task name":  {Tasks: []string{"A", ""}},
		"negative redial":  {RedialInterval: -time.Second},
	}
	for name, s := range tests {
		if _, err := New(s, WithLogger(quietLogger())); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestNew_NilLogger(t *testing.T) {
	if _, err := New(Settings{}, WithLogger(nil)); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestFactory_Full(t *testing.T) {
	chk, err := Factory(map[string]any{
		"server":           "gearman.internal",
		"port":             float64(4731),
		"tasks":            []any{"reverse", "resize"},
		"tags":             []string{"env:prod"},
		"collect_metadata": false,
		"max_tasks":        10,
		"timeout":          "2s",
		"redial_interval":  "30s",
	}, quietLogger())
	if err != nil {
		t.Fatalf("Factory failed: %v", err)
	}
	g := chk.(*Check)
	defer g.Close()

	want := Settings{
		Host:            "gearman.internal",
		Port:            4731,
		Tasks:           []string{"reverse", "resize"},
		Tags:            []string{"env:prod"},
		CollectMetadata: false,
		MaxTasks:        10,
		Timeout:         2 * time.Second,
		RedialInterval:  30 * time.Second,
	}
	if diff := cmp.Diff(want, g.Settings()); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
	if len(g.Warnings()) != 0 {
		t.Errorf("expected no warnings, got %v", g.Warnings())
	}
}

func TestFactory_EmptyConfig(t *testing.T) {
	chk, err := Factory(map[string]any{}, quietLogger())
	if err != nil {
		t.Fatalf("Factory failed: %v", err)
	}
	g := chk.(*Check)
	defer g.Close()

	if !g.Settings().CollectMetadata {
		t.Error("expected metadata collection to default to true")
	}
	if len(g.Warnings()) != 2 {
		t.Errorf("expected host and port warnings, got %v", g.Warnings())
	}
}

func TestFactory_Errors(t *testing.T) {
	tests := map[string]map[string]any{
		"server type":           {"server": 1},
		"port type":             {"port": "4730"},
		"port fraction":         {"port": 4730.5},
		"tasks type":            {"tasks": "A"},
		"tasks item":            {"tasks": []any{"A", 2}},
		"tags type":             {"tags": map[string]any{}},
		"metadata type":         {"collect_metadata": "yes"},
		"max tasks zero":        {"max_tasks": 0},
		"timeout type":          {"timeout": 5},
		"timeout invalid":       {"timeout": "soon"},
		"redial negative":       {"redial_interval": "-1s"},
		"port out of range":     {"port": 99999},
		"host fails validation": {"server": "bad host"},
	}
	for name, cfg := range tests {
		if _, err := Factory(cfg, quietLogger()); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestRegistryIntegration(t *testing.T) {
	reg := check.NewRegistry()
	if err := reg.Register(TypeName, Factory); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	chk, err := reg.Create(TypeName, map[string]any{"server": "127.0.0.1", "port": 4730}, quietLogger())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer chk.(*Check).Close()
	if chk.Type() != TypeName {
		t.Errorf("expected type %q, got %q", TypeName, chk.Type())
	}
}

// --- Run ---

func TestRun_ReportsEverything(t *testing.T) {
	srv := startServer(t)
	chk := newForServer(t, srv, func(s *Settings) { s.Tags = []string{"env:test"} })
	rec := sender.NewRecorder()

	if err := chk.Run(context.Background(), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := value(t, rec, "gearman.unique_tasks"); got != 3 {
		t.Errorf("unique_tasks = %v, want 3", got)
	}
	if got := value(t, rec, "gearman.running"); got != 3 {
		t.Errorf("running = %v, want 3", got)
	}
	if got := value(t, rec, "gearman.queued"); got != 6 {
		t.Errorf("queued = %v, want 6", got)
	}
	if got := value(t, rec, "gearman.workers"); got != 4 {
		t.Errorf("workers = %v, want 4", got)
	}
	if n := len(rec.Gauges("gearman.running_by_task")); n != 3 {
		t.Errorf("expected 3 per-task series, got %d", n)
	}

	sc := rec.ServiceChecks()
	if len(sc) != 1 || sc[0].Name != "gearman.can_connect" || sc[0].Status != check.StatusOK {
		t.Fatalf("expected one OK can_connect, got %+v", sc)
	}
	wantTags := []string{"server:127.0.0.1", "port:" + strconv.Itoa(srv.Port()), "env:test"}
	if diff := cmp.Diff(wantTags, sc[0].Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if rec.Metadata()["version"] != "1.1.19" {
		t.Errorf("expected version metadata, got %v", rec.Metadata())
	}

	report, ok := chk.LastReport()
	if !ok || report.Outcome != taskstat.OutcomeSuccess {
		t.Errorf("expected a successful report, got %+v", report)
	}
}

func TestRun_FilterAndCap(t *testing.T) {
	srv := startServer(t)
	chk := newForServer(t, srv, func(s *Settings) {
		s.Tasks = []string{"C", "B", "A"}
		s.MaxTasks = 2
	})
	rec := sender.NewRecorder()

	if err := chk.Run(context.Background(), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := value(t, rec, "gearman.unique_tasks"); got != 3 {
		t.Errorf("aggregates must cover every task, got unique_tasks %v", got)
	}
	if n := len(rec.Gauges("gearman.queued_by_task")); n != 2 {
		t.Errorf("expected 2 per-task series, got %d", n)
	}
	if n := len(chk.Warnings()); n != 2 {
		t.Errorf("expected filter and truncation warnings, got %v", chk.Warnings())
	}
}

func TestRun_ConnectionReuse(t *testing.T) {
	srv := startServer(t)
	chk := newForServer(t, srv, nil)

	for i := 0; i < 3; i++ {
		if err := chk.Run(context.Background(), sender.NewRecorder()); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}
	if n := srv.Accepted(); n != 1 {
		t.Errorf("expected one connection across runs, got %d", n)
	}
}

func TestRun_DistinctEndpoints(t *testing.T) {
	a, b := startServer(t), startServer(t)
	chkA := newForServer(t, a, nil)
	chkB := newForServer(t, b, nil)

	for _, chk := range []*Check{chkA, chkB, chkA, chkB} {
		if err := chk.Run(context.Background(), sender.NewRecorder()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	}
	if a.Accepted() != 1 || b.Accepted() != 1 {
		t.Errorf("expected one connection per endpoint, got %d and %d", a.Accepted(), b.Accepted())
	}
}

func TestRun_Unreachable(t *testing.T) {
	srv := startServer(t)
	chk := newForServer(t, srv, nil)
	srv.Close()

	rec := sender.NewRecorder()
	err := chk.Run(context.Background(), rec)
	if !errors.Is(err, taskstat.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}

	if rec.GaugeCount() != 0 {
		t.Errorf("expected no gauges, got %d", rec.GaugeCount())
	}
	sc := rec.ServiceChecks()
	if len(sc) != 1 || sc[0].Status != check.StatusCritical || sc[0].Message != err.Error() {
		t.Errorf("expected one CRITICAL carrying the error, got %+v", sc)
	}
	report, _ := chk.LastReport()
	if report.Outcome != taskstat.OutcomeFailure {
		t.Errorf("expected failure outcome, got %v", report.Outcome)
	}
}

func TestRun_ReconnectsAfterDrop(t *testing.T) {
	srv := startServer(t)
	chk := newForServer(t, srv, nil)

	if err := chk.Run(context.Background(), sender.NewRecorder()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	srv.DropConnections()

	rec := sender.NewRecorder()
	if err := chk.Run(context.Background(), rec); err == nil {
		t.Fatal("expected the run on a dropped connection to fail")
	}
	if sc := rec.ServiceChecks(); len(sc) != 1 || sc[0].Status != check.StatusCritical {
		t.Errorf("expected CRITICAL, got %+v", sc)
	}

	if err := chk.Run(context.Background(), sender.NewRecorder()); err != nil {
		t.Fatalf("run after eviction failed: %v", err)
	}
	if n := srv.Accepted(); n != 2 {
		t.Errorf("expected a second connection after eviction, got %d", n)
	}
}

func TestRun_RedialThrottled(t *testing.T) {
	srv := startServer(t)
	chk := newForServer(t, srv, func(s *Settings) { s.RedialInterval = time.Hour })

	if err := chk.Run(context.Background(), sender.NewRecorder()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	srv.DropConnections()
	if err := chk.Run(context.Background(), sender.NewRecorder()); err == nil {
		t.Fatal("expected the run on a dropped connection to fail")
	}

	rec := sender.NewRecorder()
	err := chk.Run(context.Background(), rec)
	if !errors.Is(err, endpoint.ErrDialThrottled) {
		t.Fatalf("expected ErrDialThrottled, got %v", err)
	}
	if sc := rec.ServiceChecks(); len(sc) != 1 || sc[0].Status != check.StatusCritical {
		t.Errorf("expected CRITICAL, got %+v", sc)
	}
	if n := srv.Accepted(); n != 1 {
		t.Errorf("expected no redial, got %d connections", n)
	}
}

func TestRun_Timeout(t *testing.T) {
	srv := startServer(t)
	srv.SetSilent(true)
	chk := newForServer(t, srv, func(s *Settings) { s.Timeout = 50 * time.Millisecond })

	rec := sender.NewRecorder()
	if err := chk.Run(context.Background(), rec); !errors.Is(err, taskstat.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if sc := rec.ServiceChecks(); len(sc) != 1 || sc[0].Status != check.StatusCritical {
		t.Errorf("expected CRITICAL, got %+v", sc)
	}
}

func TestRun_BadVersionStillOK(t *testing.T) {
	srv := startServer(t)
	srv.SetVersion("ERR bad request")
	chk := newForServer(t, srv, nil)
	rec := sender.NewRecorder()

	if err := chk.Run(context.Background(), rec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(rec.Metadata()) != 0 {
		t.Errorf("expected no metadata, got %v", rec.Metadata())
	}
	if sc := rec.ServiceChecks(); len(sc) != 1 || sc[0].Status != check.StatusOK {
		t.Errorf("expected OK, got %+v", sc)
	}
	if n := len(chk.Warnings()); n != 1 {
		t.Errorf("expected a metadata warning, got %v", chk.Warnings())
	}
}

func TestRun_MetadataDisabled(t *testing.T) {
	srv := startServer(t)
	chk := newForServer(t, srv, func(s *Settings) { s.CollectMetadata = false })

	if err := chk.Run(context.Background(), sender.NewRecorder()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, cmd := range srv.Commands() {
		if cmd == "version" {
			t.Error("version must not be requested when metadata is disabled")
		}
	}
}

func TestRun_MalformedStatus(t *testing.T) {
	srv := startServer(t)
	srv.SetStatus("A\tnot-a-number\t0\t0")
	chk := newForServer(t, srv, nil)

	rec := sender.NewRecorder()
	err := chk.Run(context.Background(), rec)
	if !errors.Is(err, taskstat.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if sc := rec.ServiceChecks(); len(sc) != 1 || sc[0].Status != check.StatusCritical {
		t.Errorf("expected CRITICAL, got %+v", sc)
	}

	srv.SetStatus("A\t1\t0\t0")
	if err := chk.Run(context.Background(), sender.NewRecorder()); err != nil {
		t.Fatalf("run after malformed response failed: %v", err)
	}
	if n := srv.Accepted(); n != 1 {
		t.Errorf("a malformed response must not drop the connection, got %d connections", n)
	}
}

func TestClose(t *testing.T) {
	srv := startServer(t)
	chk := newForServer(t, srv, nil)

	if err := chk.Run(context.Background(), sender.NewRecorder()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := chk.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	rec := sender.NewRecorder()
	if err := chk.Run(context.Background(), rec); !errors.Is(err, endpoint.ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}
