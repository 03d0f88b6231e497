package rules

import "fmt"

// Table is the compiled, read-only rule set. It is safe for concurrent use
// once built.
type Table struct {
	rules    []Rule
	def      *Rule
	settings Settings
}

// NewTable validates cross-rule invariants and freezes the rule set.
func NewTable(rules []Rule, def *Rule, settings Settings) (*Table, error) {
	if def != nil && def.Pattern.Kind != PatternDefault {
		return nil, fmt.Errorf("default rule has non-default pattern %q", def.Pattern.Raw)
	}
	for i, r := range rules {
		if r.Pattern.Kind == PatternDefault {
			return nil, &CompileError{Pos: r.Pos, Err: fmt.Errorf("%w: rule #%d", ErrDuplicateDefault, i)}
		}
		if r.Order != i {
			return nil, fmt.Errorf("rule %q has order %d, want %d", r.Pattern.Raw, r.Order, i)
		}
	}
	if settings.MaxSteps <= 0 {
		settings.MaxSteps = DefaultMaxSteps
	}

	t := &Table{rules: append([]Rule(nil), rules...), settings: settings}
	if def != nil {
		d := *def
		t.def = &d
	}
	return t, nil
}

// RulesInOrder returns the non-default rules in ascending source order.
func (t *Table) RulesInOrder() []Rule {
	return append([]Rule(nil), t.rules...)
}

func (t *Table) Len() int {
	return len(t.rules)
}

func (t *Table) Rule(i int) Rule {
	return t.rules[i]
}

// Default returns the default rule, if one was declared.
func (t *Table) Default() (Rule, bool) {
	if t.def == nil {
		return Rule{}, false
	}
	return *t.def, true
}

func (t *Table) Settings() Settings {
	return t.settings
}

func (t *Table) TLSMode() TLSMode {
	return t.settings.TLS
}

func (t *Table) MaxSteps() int {
	return t.settings.MaxSteps
}

// ResolveNonmatched applies the nonmatched policy to a URL no rule matched.
func (t *Table) ResolveNonmatched(u URL) Outcome {
	if t.settings.Nonmatched == NonmatchedAllowed {
		return Outcome{State: StateForwarding, Destination: u, Reason: "nonmatched allowed"}
	}
	return Outcome{State: StateDropped, Reason: "nonmatched dropped"}
}
