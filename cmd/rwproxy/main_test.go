package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCheckRules(t *testing.T) {
	path := writeFile(t, t.TempDir(), "rules.proxy", "# demo\na.com -> b.com\nb.com -> 8080\n")

	out, err := execute(t, "check", "-r", path)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out, "rules ok (2 rules, tls: none)") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestCheckExitCodes(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name  string
		rules string
		flags []string
		code  int
	}{
		{"ok", "a.com -> 80\n", nil, exitOK},
		{"compile error", "a.com -> $3\n", nil, exitCompile},
		{"cycle", "a.com -> b.com\nb.com -> a.com\n", nil, exitCycle},
		{"cycle allowed", "a.com -> b.com\nb.com -> a.com\n", []string{"--allow-cycles"}, exitOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, strings.ReplaceAll(tt.name, " ", "-")+".proxy", tt.rules)
			args := append([]string{"check", "-r", path}, tt.flags...)
			_, err := execute(t, args...)
			if got := exitCode(err); got != tt.code {
				t.Fatalf("expected exit %d, got %d (%v)", tt.code, got, err)
			}
		})
	}
}

func TestCheckMissingFileIsGenericFailure(t *testing.T) {
	_, err := execute(t, "check", "-r", filepath.Join(t.TempDir(), "missing.proxy"))
	if exitCode(err) != exitFailure {
		t.Fatalf("expected exit 1, got %d (%v)", exitCode(err), err)
	}
}

func TestCycleErrorPrintsCycles(t *testing.T) {
	path := writeFile(t, t.TempDir(), "loop.proxy", "a.com -> b.com\nb.com -> a.com\n")
	_, err := execute(t, "check", "-r", path)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var buf bytes.Buffer
	printError(&buf, err)
	if !strings.Contains(buf.String(), "loop.proxy") || !strings.Contains(buf.String(), "cycle: #0 (1:1) -> #1 (2:1) -> #0") {
		t.Fatalf("unexpected error output %q", buf.String())
	}
}

func TestResolvePrintsTrace(t *testing.T) {
	path := writeFile(t, t.TempDir(), "rules.proxy", "http://(*) -> https://$0\nhttps://test-1.nl -> :443\nblocked.nl -> !ERR 403\n")

	out, err := execute(t, "resolve", "-r", path, "test-1.nl", "http://blocked.nl")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, want := range []string{
		"http://test-1.nl\n",
		"=> forwarding test-1.nl:443 (2 steps)",
		"=> responding 403 Forbidden (2 steps)",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil || !strings.HasPrefix(out, "version=dev") {
		t.Fatalf("unexpected version output %q %v", out, err)
	}
}
