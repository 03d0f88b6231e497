package rules

import (
	"fmt"
	"net/http"

	"github.com/cespare/xxhash/v2"
)

// LoopStatus is the response code used when resolution trips the step cap.
const LoopStatus = http.StatusLoopDetected

const loopMessage = "rewrite loop detected"

type State int

const (
	StateForwarding State = iota
	StateResponding
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateForwarding:
		return "forwarding"
	case StateResponding:
		return "responding"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Step records one rule application.
type Step struct {
	Rule   int
	Action ActionKind
	From   URL
	To     URL
}

func (s Step) String() string {
	name := fmt.Sprintf("#%d", s.Rule)
	if s.Rule < 0 {
		name = "default"
	}
	return fmt.Sprintf("%s %s: %s -> %s", name, s.Action, s.From, s.To)
}

// Outcome is the terminal state of a resolution.
type Outcome struct {
	State       State
	Destination URL
	Code        int
	Message     string
	Steps       int
	Trace       []Step
	Reason      string
	Loop        bool
}

// LastRule returns the order of the rule that ended resolution, -1 for the
// default rule, or false when no rule was applied.
func (o Outcome) LastRule() (int, bool) {
	if len(o.Trace) == 0 {
		return 0, false
	}
	return o.Trace[len(o.Trace)-1].Rule, true
}

// Engine resolves URLs against a Table.
type Engine struct {
	Table *Table
}

func NewEngine(t *Table) *Engine {
	return &Engine{Table: t}
}

type visit struct {
	rule int
	url  uint64
}

type resolution struct {
	initial URL
	working URL
	steps   int
	trace   []Step
	visited map[visit]struct{}
}

// Resolve runs the rewrite chain for initial to a terminal outcome. The
// result depends only on the table and initial.
func (e *Engine) Resolve(initial URL) Outcome {
	r := &resolution{initial: initial, working: initial, visited: map[visit]struct{}{}}
	maxSteps := e.Table.MaxSteps()

	for {
		rule, caps, ok := e.first(r.working)
		if !ok {
			if r.steps > 0 {
				return r.finish(Outcome{State: StateForwarding, Destination: r.working, Reason: "chain end"})
			}
			def, hasDefault := e.Table.Default()
			if !hasDefault {
				return r.finish(e.Table.ResolveNonmatched(initial))
			}
			rule, caps = def, nil
		}

		if out, done := r.apply(rule, caps, maxSteps); done {
			return r.finish(out)
		}
	}
}

func (e *Engine) first(u URL) (Rule, Captures, bool) {
	for _, rule := range e.Table.rules {
		if caps, ok := Match(rule.Pattern, u); ok {
			return rule, caps, true
		}
	}
	return Rule{}, nil, false
}

func (r *resolution) apply(rule Rule, caps Captures, maxSteps int) (Outcome, bool) {
	from := r.working
	r.steps++

	act := rule.Action
	switch act.Kind {
	case ActionRewrite:
		key := visit{rule: rule.Order, url: xxhash.Sum64String(from.String())}
		next := Render(act.Template, caps, from)
		r.record(rule, from, next)
		if _, seen := r.visited[key]; seen {
			return loopOutcome("rule re-applied to the same url"), true
		}
		if r.steps > maxSteps {
			return loopOutcome(fmt.Sprintf("exceeded %d steps", maxSteps)), true
		}
		r.visited[key] = struct{}{}
		r.working = next
		return Outcome{}, false
	case ActionPort:
		dest := URL{Scheme: from.Scheme, Host: from.Host, Port: act.Port}
		r.record(rule, from, dest)
		return Outcome{State: StateForwarding, Destination: dest, Reason: "port"}, true
	case ActionURL:
		dest := act.URL
		if dest.Scheme == "" {
			dest.Scheme = from.Scheme
		}
		r.record(rule, from, dest)
		return Outcome{State: StateForwarding, Destination: dest, Reason: "forward"}, true
	case ActionAccept:
		r.record(rule, from, from)
		return Outcome{State: StateForwarding, Destination: from, Reason: "accept"}, true
	case ActionError:
		r.record(rule, from, URL{})
		msg := act.Message
		if msg == "" {
			msg = http.StatusText(act.Code)
		}
		return Outcome{State: StateResponding, Code: act.Code, Message: msg, Reason: "error"}, true
	case ActionDrop:
		r.record(rule, from, URL{})
		return Outcome{State: StateDropped, Reason: "drop"}, true
	default:
		return Outcome{State: StateDropped, Reason: fmt.Sprintf("unknown action %d", act.Kind)}, true
	}
}

func (r *resolution) record(rule Rule, from, to URL) {
	r.trace = append(r.trace, Step{Rule: rule.Order, Action: rule.Action.Kind, From: from, To: to})
}

func (r *resolution) finish(out Outcome) Outcome {
	out.Steps = r.steps
	out.Trace = r.trace
	return out
}

func loopOutcome(reason string) Outcome {
	return Outcome{State: StateResponding, Code: LoopStatus, Message: loopMessage, Reason: reason, Loop: true}
}
