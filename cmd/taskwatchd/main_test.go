package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kylerisse/taskwatch/pkg/gearman/gearmantest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskwatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestCheckCommand(t *testing.T) {
	srv := gearmantest.NewServer(t)
	srv.SetStatus("resize\t3\t1\t2")
	srv.SetWorkers("30 127.0.0.1 - : resize")

	path := writeConfig(t, fmt.Sprintf(`
instances:
  - name: queue
    type: gearmand
    config:
      server: %s
      port: %d
`, srv.Host(), srv.Port()))

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check", "--config", path, "--log-level", "error"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("check failed: %v", err)
	}

	for _, want := range []string{
		"queue (gearmand)",
		"gearman.queued 3",
		"gearman.can_connect OK",
		"metadata version=1.1.19",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in output:\n%s", want, out.String())
		}
	}
}

func TestCheckCommand_UnknownInstance(t *testing.T) {
	path := writeConfig(t, "instances: []\n")

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"check", "--config", path, "missing"})
	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), `"missing"`) {
		t.Errorf("expected unknown instance error, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug", "json"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := newLogger("loud", "text"); err == nil {
		t.Error("expected error for bad level")
	}
	if _, err := newLogger("info", "xml"); err == nil {
		t.Error("expected error for bad format")
	}
}

func TestNewRegistry(t *testing.T) {
	reg, err := newRegistry()
	if err != nil {
		t.Fatalf("newRegistry failed: %v", err)
	}
	if got := strings.Join(reg.Types(), ","); got != "dns,gearmand" {
		t.Errorf("expected dns,gearmand; got %s", got)
	}
}
