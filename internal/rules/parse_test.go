package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseEntriesAndComments(t *testing.T) {
	src := `# edge rules
http://a.com -> https://b.com // trailing comment
b.com = 8443,

// whole line comment
c.com -> !ERR 503 "down # for maintenance"  # comment after quote
`
	parsed, err := Parse("test.proxy", []byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	want := []Entry{
		{LHS: "http://a.com", RHS: "https://b.com", Pos: Pos{Line: 2, Col: 1}},
		{LHS: "b.com", RHS: "8443", Pos: Pos{Line: 3, Col: 1}},
		{LHS: "c.com", RHS: `!ERR 503 "down # for maintenance"`, Pos: Pos{Line: 6, Col: 1}},
	}
	if diff := cmp.Diff(want, parsed.Entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	if parsed.Settings.MaxSteps != DefaultMaxSteps {
		t.Fatalf("expected default max steps, got %d", parsed.Settings.MaxSteps)
	}
}

func TestParseConfigBlock(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want Settings
	}{
		{
			name: "single line",
			src:  "config { tls: optional, nonmatched: allowed }\na.com -> 80\n",
			want: Settings{TLS: TLSOptional, Nonmatched: NonmatchedAllowed, MaxSteps: DefaultMaxSteps},
		},
		{
			name: "multi line",
			src:  "config {\n  tls: mandatory\n  max_steps: 4\n}\n",
			want: Settings{TLS: TLSMandatory, Nonmatched: NonmatchedDropped, MaxSteps: 4},
		},
		{
			name: "defaults",
			src:  "a.com -> 80\n",
			want: Settings{TLS: TLSNone, Nonmatched: NonmatchedDropped, MaxSteps: DefaultMaxSteps},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := Parse("test.proxy", []byte(tt.src))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if parsed.Settings != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, parsed.Settings)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"missing arrow", "a.com b.com\n", ErrSyntax},
		{"empty action", "a.com ->\n", ErrSyntax},
		{"unknown setting", "config { color: blue }\n", ErrUnknownSetting},
		{"bad tls", "config { tls: sometimes }\n", ErrSyntax},
		{"bad max steps", "config { max_steps: 0 }\n", ErrSyntax},
		{"duplicate config", "config { tls: none }\nconfig { tls: optional }\n", ErrDuplicateConfig},
		{"unterminated config", "config {\n tls: none\n", ErrSyntax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("test.proxy", []byte(tt.src))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var cerr *CompileError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected CompileError, got %T", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.proxy")
	src := "config { nonmatched: allowed }\nhttp://(*) -> https://$0\nhttps://test-1.nl -> :443\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	table, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 rules, got %d", table.Len())
	}
	if table.Settings().Nonmatched != NonmatchedAllowed {
		t.Fatalf("expected nonmatched allowed")
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.proxy")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestParseSeparatorInsideQuotes(t *testing.T) {
	src := `foo.com = !ERR 500 "a -> b"
bar.com -> !ERR 503 "x = y"
`
	parsed, err := Parse("test.proxy", []byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	want := []Entry{
		{LHS: "foo.com", RHS: `!ERR 500 "a -> b"`, Pos: Pos{Line: 1, Col: 1}},
		{LHS: "bar.com", RHS: `!ERR 503 "x = y"`, Pos: Pos{Line: 2, Col: 1}},
	}
	if diff := cmp.Diff(want, parsed.Entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}

	table, err := Compile(parsed)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if msg := table.Rule(0).Action.Message; msg != "a -> b" {
		t.Fatalf("expected message %q, got %q", "a -> b", msg)
	}
}
