package rules

// MaxReportedCycles caps how many cycles CheckCycles collects.
const MaxReportedCycles = 256

const maxCycleSearch = 1 << 20

// CheckCycles returns a *CycleError when some chain of rewrites can re-enter
// a rule it already applied. The analysis over-approximates: wildcards and
// captured values are assumed to match anything.
func CheckCycles(t *Table) error {
	cycles, truncated := Cycles(t)
	if len(cycles) == 0 {
		return nil
	}
	return &CycleError{Cycles: cycles, Truncated: truncated}
}

// Cycles lists each simple cycle of the rewrite graph once, starting from its
// lowest-ordered rule.
func Cycles(t *Table) ([]Cycle, bool) {
	graph := RewriteGraph(t)
	f := cycleFinder{graph: graph, onPath: make([]bool, len(graph))}
	for start := range graph {
		f.start = start
		f.walk(start)
		if f.truncated {
			break
		}
	}

	out := make([]Cycle, 0, len(f.found))
	for _, path := range f.found {
		c := Cycle{Rules: make([]Rule, 0, len(path))}
		for _, i := range path {
			c.Rules = append(c.Rules, t.rules[i])
		}
		out = append(out, c)
	}
	return out, f.truncated
}

// RewriteGraph returns, for each rule, the rules its rewrite output could
// match. Terminal rules have no successors.
func RewriteGraph(t *Table) [][]int {
	graph := make([][]int, len(t.rules))
	for i, from := range t.rules {
		if from.Action.Kind != ActionRewrite {
			continue
		}
		out := symbolicOutput(from)
		for j, to := range t.rules {
			if out.mayMatch(to.Pattern) {
				graph[i] = append(graph[i], j)
			}
		}
	}
	return graph
}

type cycleFinder struct {
	graph     [][]int
	start     int
	path      []int
	onPath    []bool
	found     [][]int
	steps     int
	truncated bool
}

func (f *cycleFinder) walk(node int) {
	f.path = append(f.path, node)
	f.onPath[node] = true
	defer func() {
		f.path = f.path[:len(f.path)-1]
		f.onPath[node] = false
	}()

	for _, next := range f.graph[node] {
		if f.truncated {
			return
		}
		f.steps++
		if f.steps > maxCycleSearch {
			f.truncated = true
			return
		}
		switch {
		case next == f.start:
			if len(f.found) >= MaxReportedCycles {
				f.truncated = true
				return
			}
			f.found = append(f.found, append([]int(nil), f.path...))
		case next > f.start && !f.onPath[next]:
			f.walk(next)
		}
	}
}

// elem is one element of a symbolic host: a concrete byte or a hole standing
// for any string, the empty string included.
type elem struct {
	hole bool
	c    byte
}

type symbolic struct {
	scheme string
	host   []elem
	port   int
}

func symbolicOutput(r Rule) symbolic {
	lhs := r.Pattern
	t := r.Action.Template

	out := symbolic{port: t.Port}
	out.scheme = t.Scheme
	if out.scheme == "" && lhs.Kind == PatternURL {
		out.scheme = lhs.Scheme
	}

	switch {
	case len(t.Host) > 0:
		for _, p := range t.Host {
			if p.Ref >= 0 {
				out.host = append(out.host, elem{hole: true})
				continue
			}
			for i := 0; i < len(p.Literal); i++ {
				out.host = append(out.host, elem{c: p.Literal[i]})
			}
		}
	case lhs.Kind == PatternURL:
		out.host = patternElems(lhs.Host)
	default:
		out.host = []elem{{hole: true}}
	}
	return out
}

func patternElems(tokens []Token) []elem {
	var out []elem
	for _, tok := range tokens {
		if tok.Kind == TokenWildcard {
			out = append(out, elem{hole: true})
			continue
		}
		for i := 0; i < len(tok.Text); i++ {
			out = append(out, elem{c: tok.Text[i]})
		}
	}
	return out
}

// effectivePort returns the port the output will carry, or 0 when it
// depends on the runtime url.
func (s symbolic) effectivePort() int {
	if s.port != 0 {
		return s.port
	}
	return DefaultPort(s.scheme)
}

func (s symbolic) mayMatch(p Pattern) bool {
	switch p.Kind {
	case PatternDefault:
		return false
	case PatternPort:
		port := s.effectivePort()
		return port == 0 || port == p.Port
	}

	if p.Scheme != "" && s.scheme != "" && p.Scheme != s.scheme {
		return false
	}
	if p.Port != 0 {
		if port := s.effectivePort(); port != 0 && port != p.Port {
			return false
		}
	}
	return intersects(patternElems(p.Host), s.host)
}

// intersects reports whether two host globs share at least one string.
func intersects(a, b []elem) bool {
	width := len(b) + 1
	memo := make([]int8, (len(a)+1)*width)

	var walk func(i, j int) bool
	walk = func(i, j int) bool {
		if i == len(a) && j == len(b) {
			return true
		}
		key := i*width + j
		if memo[key] != 0 {
			return memo[key] > 0
		}

		ok := false
		switch {
		case i < len(a) && a[i].hole:
			ok = walk(i+1, j) || (j < len(b) && walk(i, j+1))
		case j < len(b) && b[j].hole:
			ok = walk(i, j+1) || (i < len(a) && walk(i+1, j))
		case i < len(a) && j < len(b):
			ok = a[i].c == b[j].c && walk(i+1, j+1)
		}

		if ok {
			memo[key] = 1
		} else {
			memo[key] = -1
		}
		return ok
	}
	return walk(0, 0)
}
