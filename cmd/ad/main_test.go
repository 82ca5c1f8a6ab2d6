package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// writeConfig writes a sqlite config into a temp dir and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentdesk.yaml")
	body := fmt.Sprintf("database:\n  driver: sqlite\n  path: %s\nstorage:\n  root: %s\n",
		filepath.Join(dir, "ad.db"), filepath.Join(dir, "storage"))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "ad dev") {
		t.Errorf("expected output to contain 'ad dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "ad 1.0.0 (commit: abc123, built: 2026-01-01)") {
		t.Errorf("unexpected version output: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, err := run(t, "--help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, sub := range []string{"serve", "worker", "db", "agent", "templates", "tasks"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help does not list %q:\n%s", sub, out)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"serve", "--help"}, "--no-worker"},
		{[]string{"worker", "--help"}, "cron sweeps"},
		{[]string{"db", "init", "--help"}, "agentdesk.yaml"},
		{[]string{"agent", "run", "--help"}, "--conversation"},
		{[]string{"agent", "sandbox", "--help"}, "piped input"},
		{[]string{"templates", "sync", "--help"}, "--workspace"},
		{[]string{"tasks", "list", "--help"}, "--status"},
	}
	for _, tt := range tests {
		out, err := run(t, tt.args...)
		if err != nil {
			t.Errorf("%v failed: %v", tt.args, err)
			continue
		}
		if !strings.Contains(out, tt.want) {
			t.Errorf("%v help missing %q:\n%s", tt.args, tt.want, out)
		}
	}
}

func TestMissingConfig(t *testing.T) {
	for _, args := range [][]string{
		{"db", "migrate", "--config", "/nonexistent/agentdesk.yaml"},
		{"tasks", "list", "--config", "/nonexistent/agentdesk.yaml"},
		{"serve", "--config", "/nonexistent/agentdesk.yaml"},
	} {
		if _, err := run(t, args...); err == nil || !strings.Contains(err.Error(), "load config") {
			t.Errorf("%v error = %v, want load config failure", args, err)
		}
	}
}

func TestSplitProcesses_RequireRedis(t *testing.T) {
	cfg := writeConfig(t)
	for _, args := range [][]string{
		{"worker", "--config", cfg},
		{"serve", "--no-worker", "--config", cfg},
	} {
		if _, err := run(t, args...); err == nil || !strings.Contains(err.Error(), "redis.url is required") {
			t.Errorf("%v error = %v, want redis.url requirement", args, err)
		}
	}
}

func TestAgentRun_RequiresConversation(t *testing.T) {
	if _, err := run(t, "agent", "run", "a1"); err == nil {
		t.Error("agent run without --conversation succeeded")
	}
}

func TestExecute(t *testing.T) {
	ok := &cobra.Command{Use: "ok", RunE: func(*cobra.Command, []string) error { return nil }}
	ok.SetArgs([]string{})
	if got := execute(ok); got != 0 {
		t.Errorf("execute(ok) = %d, want 0", got)
	}
	bad := &cobra.Command{Use: "bad", SilenceErrors: true, SilenceUsage: true, RunE: func(*cobra.Command, []string) error {
		return fmt.Errorf("boom")
	}}
	bad.SetArgs([]string{})
	if got := execute(bad); got != 1 {
		t.Errorf("execute(bad) = %d, want 1", got)
	}
}
