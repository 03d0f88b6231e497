package rules

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCheckCyclesReportsMutualRewrite(t *testing.T) {
	table := mustTable(t, "a -> b\nb -> a\n")

	err := CheckCycles(table)
	var cerr *CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if len(cerr.Cycles) != 1 {
		t.Fatalf("expected 1 cycle, got %d", len(cerr.Cycles))
	}
	got := cerr.Cycles[0].String()
	if got != "#0 (1:1) -> #1 (2:1) -> #0" {
		t.Fatalf("unexpected cycle rendering %q", got)
	}
	if cerr.Truncated {
		t.Fatalf("did not expect truncation")
	}
}

func TestCheckCyclesAcceptsChains(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"scheme upgrade", "http://(*) -> https://$0\nhttps://test-1.nl -> :443\n"},
		{"port mismatch", "a.com:80 -> https://a.com\n"},
		{"literal mismatch", "*.old.com -> *.new.com\n*.new.com -> 8080\n"},
		{"terminal only", "a.com -> 80\nb.com -> !DROP\n"},
		{"default is never re-entered", "default -> a.com\na.com -> 80\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := CheckCycles(mustTable(t, tt.src)); err != nil {
				t.Fatalf("unexpected cycle: %v", err)
			}
		})
	}
}

func TestCheckCyclesFindsSelfLoop(t *testing.T) {
	cycles, _ := Cycles(mustTable(t, "* -> x*\n"))
	if len(cycles) != 1 || len(cycles[0].Rules) != 1 {
		t.Fatalf("expected one self loop, got %v", cycles)
	}
}

func TestCyclesListedOnce(t *testing.T) {
	// Three rules all rewriting into each other.
	table := mustTable(t, "*.a -> *.b\n*.b -> *.c\n*.c -> *.a\n")
	cycles, truncated := Cycles(table)
	if truncated {
		t.Fatalf("did not expect truncation")
	}
	if len(cycles) != 1 {
		t.Fatalf("expected 1 cycle, got %d: %v", len(cycles), cycles)
	}
	if cycles[0].Rules[0].Order != 0 {
		t.Fatalf("expected cycle to start at lowest rule")
	}
}

func TestCyclesTruncated(t *testing.T) {
	// Every rule's output can match every rule.
	var src strings.Builder
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&src, "*%c* -> $0\n", 'a'+i)
	}
	cycles, truncated := Cycles(mustTable(t, src.String()))
	if !truncated {
		t.Fatalf("expected truncation, got %d cycles", len(cycles))
	}
	if len(cycles) != MaxReportedCycles {
		t.Fatalf("expected %d cycles, got %d", MaxReportedCycles, len(cycles))
	}
	if err := CheckCycles(mustTable(t, src.String())); !strings.Contains(err.Error(), "truncated") {
		t.Fatalf("expected truncated error, got %v", err)
	}
}

func TestIntersects(t *testing.T) {
	lit := func(s string) []elem {
		out := make([]elem, 0, len(s))
		for i := 0; i < len(s); i++ {
			if s[i] == '?' {
				out = append(out, elem{hole: true})
				continue
			}
			out = append(out, elem{c: s[i]})
		}
		return out
	}

	tests := []struct {
		a, b string
		want bool
	}{
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"?.com", "x.?", true},
		{"?.com", "?.org", false},
		{"a?", "?b", true},
		{"?", "", true},
		{"a", "", false},
	}

	for _, tt := range tests {
		if got := intersects(lit(tt.a), lit(tt.b)); got != tt.want {
			t.Fatalf("intersects(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
