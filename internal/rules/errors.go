package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSyntax                   = errors.New("syntax error")
	ErrUnknownWildcardReference = errors.New("unknown wildcard reference")
	ErrDuplicateWildcard        = errors.New("duplicate wildcard name")
	ErrDuplicateDefault         = errors.New("duplicate default rule")
	ErrDuplicateConfig          = errors.New("duplicate config block")
	ErrUnknownSetting           = errors.New("unknown setting")
)

// CompileError reports the first malformed rule of a table. The table is never
// built when one is returned.
type CompileError struct {
	File string
	Pos  Pos
	Err  error
}

func (e *CompileError) Error() string {
	file := e.File
	if file == "" {
		file = "<rules>"
	}
	return fmt.Sprintf("%s:%s: %v", file, e.Pos, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

func compileErr(pos Pos, sentinel error, format string, args ...any) *CompileError {
	return &CompileError{Pos: pos, Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))}
}

// Cycle is one simple cycle in the rewrite graph, in traversal order.
type Cycle struct {
	Rules []Rule
}

func (c Cycle) String() string {
	parts := make([]string, 0, len(c.Rules)+1)
	for _, r := range c.Rules {
		parts = append(parts, fmt.Sprintf("#%d (%s)", r.Order, r.Pos))
	}
	if len(c.Rules) > 0 {
		parts = append(parts, fmt.Sprintf("#%d", c.Rules[0].Order))
	}
	return strings.Join(parts, " -> ")
}

// CycleError is returned by CheckCycles when the rewrite graph is not acyclic.
type CycleError struct {
	File      string
	Cycles    []Cycle
	Truncated bool
}

func (e *CycleError) Error() string {
	msg := fmt.Sprintf("%d rewrite cycle(s) detected", len(e.Cycles))
	if e.Truncated {
		msg += " (truncated)"
	}
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	return msg
}

// Problems renders one line per cycle for operator output.
func (e *CycleError) Problems() []string {
	out := make([]string, 0, len(e.Cycles))
	for _, c := range e.Cycles {
		out = append(out, "cycle: "+c.String())
	}
	return out
}
