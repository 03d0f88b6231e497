package rules

import "strings"

// Captures holds the substring bound to each wildcard, indexed by the
// wildcard's position in the pattern.
type Captures []string

// Named returns the capture of the named wildcard n.
func (c Captures) Named(p Pattern, n int) (string, bool) {
	idx, ok := p.named(n)
	if !ok || idx >= len(c) {
		return "", false
	}
	return c[idx], true
}

// Match reports whether u satisfies p. Wildcards bind the shortest run of
// one or more characters that still lets the rest of the pattern match,
// left to right. The default pattern never matches.
func Match(p Pattern, u URL) (Captures, bool) {
	switch p.Kind {
	case PatternDefault:
		return nil, false
	case PatternPort:
		if u.EffectivePort() != p.Port {
			return nil, false
		}
		return Captures{}, true
	}

	if p.Scheme != "" && p.Scheme != u.Scheme {
		return nil, false
	}
	if p.Port != 0 && p.Port != u.EffectivePort() {
		return nil, false
	}

	m := matcher{
		tokens:  p.Host,
		subject: strings.ToLower(u.Host),
		caps:    make(Captures, p.Wildcards),
	}
	m.failed = make([]bool, (len(m.tokens)+1)*(len(m.subject)+1))
	if !m.match(0, 0) {
		return nil, false
	}
	return m.caps, true
}

type matcher struct {
	tokens  []Token
	subject string
	caps    Captures
	// failed memoizes (token, offset) pairs already known not to match.
	failed []bool
}

func (m *matcher) match(ti, pos int) bool {
	if ti == len(m.tokens) {
		return pos == len(m.subject)
	}
	key := ti*(len(m.subject)+1) + pos
	if m.failed[key] {
		return false
	}

	tok := m.tokens[ti]
	if tok.Kind == TokenLiteral {
		if strings.HasPrefix(m.subject[pos:], tok.Text) && m.match(ti+1, pos+len(tok.Text)) {
			return true
		}
	} else {
		for end := pos + 1; end <= len(m.subject); end++ {
			m.caps[tok.Index] = m.subject[pos:end]
			if m.match(ti+1, end) {
				return true
			}
		}
		m.caps[tok.Index] = ""
	}

	m.failed[key] = true
	return false
}

// Render substitutes captures into t. Scheme and host fall back to working
// when the template leaves them out; the port does not.
func Render(t *Template, caps Captures, working URL) URL {
	out := URL{Scheme: working.Scheme, Host: working.Host, Port: t.Port}
	if t.Scheme != "" {
		out.Scheme = t.Scheme
	}
	if len(t.Host) > 0 {
		out.Host = expand(t.Host, caps)
	}
	return out
}

func expand(parts []Part, caps Captures) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Ref < 0 {
			b.WriteString(p.Literal)
			continue
		}
		if p.Ref < len(caps) {
			b.WriteString(caps[p.Ref])
		}
	}
	return b.String()
}
