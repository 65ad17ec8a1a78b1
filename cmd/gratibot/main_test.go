package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	body := "storage:\n  driver: file\n  path: " + filepath.ToSlash(filepath.Join(dir, "state")) + "\n"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func run(t *testing.T, cfg string, args ...string) string {
	t.Helper()
	var out, errOut bytes.Buffer
	argv := append([]string{"gratibot", "--config", cfg}, args...)
	if err := newCLI(&out, &errOut).Run(argv); err != nil {
		t.Fatalf("%v: %v (stderr: %s)", args, err, errOut.String())
	}
	return out.String()
}

func TestUsersLifecycle(t *testing.T) {
	t.Parallel()
	cfg := newTestConfig(t)

	if out := run(t, cfg, "users", "list"); !strings.Contains(out, "no users") {
		t.Fatalf("empty list = %q", out)
	}
	out := run(t, cfg, "users", "add", "--phone", "+15550001111", "--email", "ana@example.com", "--timezone", "Europe/Lisbon")
	if !strings.Contains(out, "added +15550001111 (Europe/Lisbon at 20:00)") {
		t.Fatalf("add = %q", out)
	}
	run(t, cfg, "users", "update", "--phone", "+15550001111", "--time", "07:30")
	run(t, cfg, "users", "deactivate", "+15550001111")

	out = run(t, cfg, "users", "list")
	for _, want := range []string{"+15550001111", "ana@example.com", "07:30", "false"} {
		if !strings.Contains(out, want) {
			t.Fatalf("list missing %q:\n%s", want, out)
		}
	}

	run(t, cfg, "users", "delete", "+15550001111")
	if out := run(t, cfg, "users", "list"); !strings.Contains(out, "no users") {
		t.Fatalf("list after delete = %q", out)
	}
}

func TestJournalAddList(t *testing.T) {
	t.Parallel()
	cfg := newTestConfig(t)
	run(t, cfg, "users", "add", "--phone", "+15550002222", "--email", "bo@example.com")

	out := run(t, cfg, "journal", "add", "--phone", "+15550002222", "--text", "coffee with a friend")
	if !strings.Contains(out, "stored entry") {
		t.Fatalf("add = %q", out)
	}
	out = run(t, cfg, "journal", "list", "+15550002222")
	if !strings.Contains(out, "coffee with a friend") {
		t.Fatalf("list = %q", out)
	}
}
