package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// Compile turns a parsed rule source into an immutable Table. It stops at the
// first malformed rule.
func Compile(src *Source) (*Table, error) {
	if src == nil {
		return nil, fmt.Errorf("rule source is required")
	}

	rules := make([]Rule, 0, len(src.Entries))
	var def *Rule
	var defPos Pos
	for _, entry := range src.Entries {
		rule, err := CompileRule(entry.LHS, entry.RHS)
		if err != nil {
			return nil, withFile(src.File, entry.Pos, err)
		}
		rule.Pos = entry.Pos

		if rule.Pattern.Kind == PatternDefault {
			if def != nil {
				return nil, withFile(src.File, entry.Pos, fmt.Errorf("%w: first defined at %s", ErrDuplicateDefault, defPos))
			}
			rule.Order = -1
			def = &rule
			defPos = entry.Pos
			continue
		}
		rule.Order = len(rules)
		rules = append(rules, rule)
	}

	return NewTable(rules, def, src.Settings)
}

func withFile(file string, pos Pos, err error) error {
	if cerr, ok := err.(*CompileError); ok {
		cerr.File = file
		if cerr.Pos == (Pos{}) {
			cerr.Pos = pos
		}
		return cerr
	}
	return &CompileError{File: file, Pos: pos, Err: err}
}

// CompileRule compiles one left-hand side and right-hand side pair.
func CompileRule(lhs, rhs string) (Rule, error) {
	pattern, err := CompilePattern(lhs)
	if err != nil {
		return Rule{}, err
	}
	action, err := CompileAction(rhs, pattern)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Pattern: pattern, Action: action}, nil
}

func CompilePattern(raw string) (Pattern, error) {
	text := strings.TrimSpace(raw)
	p := Pattern{Raw: text}

	switch {
	case text == "":
		return Pattern{}, fmt.Errorf("%w: empty pattern", ErrSyntax)
	case strings.EqualFold(text, "default"):
		p.Kind = PatternDefault
		return p, nil
	case strings.HasPrefix(text, ":"):
		port, err := parsePort(text[1:])
		if err != nil {
			return Pattern{}, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		p.Kind = PatternPort
		p.Port = port
		return p, nil
	}

	scheme, host, port, err := splitRuleURL(text)
	if err != nil {
		return Pattern{}, err
	}
	if host == "" {
		return Pattern{}, fmt.Errorf("%w: pattern %q has no host", ErrSyntax, text)
	}

	tokens, count, err := tokenizePattern(host)
	if err != nil {
		return Pattern{}, err
	}

	p.Kind = PatternURL
	p.Scheme = scheme
	p.Host = tokens
	p.Port = port
	p.Wildcards = count
	return p, nil
}

// CompileAction compiles a right-hand side against the pattern it belongs to.
func CompileAction(raw string, lhs Pattern) (Action, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Action{}, fmt.Errorf("%w: empty action", ErrSyntax)
	}

	if strings.HasPrefix(text, "!") {
		return compileDirective(text)
	}

	if port, ok := bareport(text); ok {
		return Action{Kind: ActionPort, Port: port}, nil
	}

	tmpl, err := CompileTemplate(text, lhs)
	if err != nil {
		return Action{}, err
	}
	return Action{Kind: ActionRewrite, Template: tmpl}, nil
}

func bareport(text string) (int, bool) {
	s := strings.TrimPrefix(text, ":")
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return 0, false
		}
	}
	port, err := parsePort(s)
	if err != nil {
		return 0, false
	}
	return port, true
}

func compileDirective(text string) (Action, error) {
	word, rest, _ := strings.Cut(text[1:], " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToUpper(word) {
	case "ERR":
		return compileErrorDirective(rest)
	case "FWD":
		if rest == "" {
			return Action{}, fmt.Errorf("%w: !FWD needs a url", ErrSyntax)
		}
		if strings.ContainsAny(rest, "*$") {
			return Action{}, fmt.Errorf("%w: !FWD url %q cannot reference wildcards", ErrSyntax, rest)
		}
		u, err := ParseURL(rest)
		if err != nil {
			return Action{}, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		if u.Host == "" {
			return Action{}, fmt.Errorf("%w: !FWD url %q has no host", ErrSyntax, rest)
		}
		return Action{Kind: ActionURL, URL: u}, nil
	case "ACCEPT":
		if rest != "" {
			return Action{}, fmt.Errorf("%w: unexpected %q after !ACCEPT", ErrSyntax, rest)
		}
		return Action{Kind: ActionAccept}, nil
	case "DROP":
		if rest != "" {
			return Action{}, fmt.Errorf("%w: unexpected %q after !DROP", ErrSyntax, rest)
		}
		return Action{Kind: ActionDrop}, nil
	default:
		return Action{}, fmt.Errorf("%w: unknown directive %q", ErrSyntax, "!"+word)
	}
}

func compileErrorDirective(rest string) (Action, error) {
	codeText, msgText, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil || code < 100 || code > 599 {
		return Action{}, fmt.Errorf("%w: !ERR needs a status code between 100 and 599, got %q", ErrSyntax, codeText)
	}

	msgText = strings.TrimSpace(msgText)
	message := ""
	if msgText != "" {
		message, err = unquote(msgText)
		if err != nil {
			return Action{}, err
		}
	}
	return Action{Kind: ActionError, Code: code, Message: message}, nil
}

func unquote(s string) (string, error) {
	if !strings.HasPrefix(s, `"`) {
		return "", fmt.Errorf("%w: message must be quoted, got %q", ErrSyntax, s)
	}
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			if i+1 >= len(s) {
				return "", fmt.Errorf("%w: unterminated quote", ErrSyntax)
			}
			i++
			b.WriteByte(s[i])
		case '"':
			if tail := strings.TrimSpace(s[i+1:]); tail != "" {
				return "", fmt.Errorf("%w: unexpected %q after message", ErrSyntax, tail)
			}
			return b.String(), nil
		default:
			b.WriteByte(c)
		}
	}
	return "", fmt.Errorf("%w: unterminated quote", ErrSyntax)
}

// CompileTemplate compiles a rewrite target. Wildcard references must resolve
// against lhs.
func CompileTemplate(raw string, lhs Pattern) (*Template, error) {
	text := strings.TrimSpace(raw)
	scheme, host, port, err := splitRuleURL(text)
	if err != nil {
		return nil, err
	}
	if host == "" && scheme != "" {
		return nil, fmt.Errorf("%w: template %q has no host", ErrSyntax, text)
	}

	parts, err := tokenizeTemplate(host, lhs)
	if err != nil {
		return nil, err
	}
	return &Template{Raw: text, Scheme: scheme, Host: parts, Port: port}, nil
}

// splitRuleURL splits `[scheme://]host[:port]` without interpreting the host.
func splitRuleURL(text string) (string, string, int, error) {
	scheme := ""
	rest := text
	if i := strings.Index(text, "://"); i >= 0 {
		scheme = strings.ToLower(text[:i])
		if !validScheme(scheme) {
			return "", "", 0, fmt.Errorf("%w: invalid scheme %q", ErrSyntax, text[:i])
		}
		rest = text[i+3:]
	}

	port := 0
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		p, err := parsePort(rest[i+1:])
		if err != nil {
			return "", "", 0, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		port = p
		rest = rest[:i]
	}
	if strings.ContainsAny(rest, "/ \t") {
		return "", "", 0, fmt.Errorf("%w: unexpected character in host %q", ErrSyntax, rest)
	}
	return scheme, rest, port, nil
}

func validScheme(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case i > 0 && (isDigit(c) || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}

func tokenizePattern(host string) ([]Token, int, error) {
	var tokens []Token
	var lit strings.Builder
	names := map[int]bool{}
	count := 0
	depth := 0

	flush := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, Token{Kind: TokenLiteral, Text: lit.String(), Name: NoName, Index: -1})
			lit.Reset()
		}
	}

	for i := 0; i < len(host); i++ {
		c := host[i]
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, 0, fmt.Errorf("%w: unbalanced ')' in %q", ErrSyntax, host)
			}
		case '*':
			if i+1 < len(host) && host[i+1] == '*' {
				lit.WriteByte('*')
				i++
				continue
			}
			name := NoName
			if i+1 < len(host) && isDigit(host[i+1]) {
				if i+2 < len(host) && isDigit(host[i+2]) {
					return nil, 0, fmt.Errorf("%w: wildcard name in %q must be a single digit", ErrSyntax, host)
				}
				name = int(host[i+1] - '0')
				i++
				if names[name] {
					return nil, 0, fmt.Errorf("%w: *%d", ErrDuplicateWildcard, name)
				}
				names[name] = true
			}
			flush()
			tokens = append(tokens, Token{Kind: TokenWildcard, Name: name, Index: count})
			count++
		default:
			lit.WriteByte(lower(c))
		}
	}
	if depth != 0 {
		return nil, 0, fmt.Errorf("%w: unbalanced '(' in %q", ErrSyntax, host)
	}
	flush()
	return tokens, count, nil
}

func tokenizeTemplate(host string, lhs Pattern) ([]Part, error) {
	var parts []Part
	var lit strings.Builder
	rank := 0
	depth := 0

	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, Part{Literal: lit.String(), Ref: -1})
			lit.Reset()
		}
	}
	ref := func(index int, label string) {
		flush()
		parts = append(parts, Part{Ref: index, Label: label})
	}

	for i := 0; i < len(host); i++ {
		c := host[i]
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced ')' in %q", ErrSyntax, host)
			}
		case '*':
			if i+1 < len(host) && host[i+1] == '*' {
				lit.WriteByte('*')
				i++
				continue
			}
			if i+1 < len(host) && isDigit(host[i+1]) {
				name := int(host[i+1] - '0')
				i++
				idx, ok := lhs.named(name)
				if !ok {
					return nil, fmt.Errorf("%w: *%d in %q", ErrUnknownWildcardReference, name, host)
				}
				ref(idx, "*"+strconv.Itoa(name))
				continue
			}
			idx, ok := lhs.unnamed(rank)
			if !ok {
				return nil, fmt.Errorf("%w: %s '*' in %q has no positional wildcard to refer to", ErrUnknownWildcardReference, ordinal(rank+1), host)
			}
			rank++
			ref(idx, "*")
		case '$':
			j := i + 1
			for j < len(host) && isDigit(host[j]) {
				j++
			}
			if j == i+1 {
				lit.WriteByte('$')
				continue
			}
			n, _ := strconv.Atoi(host[i+1 : j])
			if n >= lhs.Wildcards {
				return nil, fmt.Errorf("%w: $%d in %q (pattern has %d wildcard(s))", ErrUnknownWildcardReference, n, host, lhs.Wildcards)
			}
			ref(n, "$"+host[i+1:j])
			i = j - 1
		default:
			lit.WriteByte(lower(c))
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: unbalanced '(' in %q", ErrSyntax, host)
	}
	flush()
	return parts, nil
}

func (p Pattern) named(name int) (int, bool) {
	for _, t := range p.Host {
		if t.Kind == TokenWildcard && t.Name == name {
			return t.Index, true
		}
	}
	return 0, false
}

func (p Pattern) unnamed(rank int) (int, bool) {
	seen := 0
	for _, t := range p.Host {
		if t.Kind != TokenWildcard || t.Name != NoName {
			continue
		}
		if seen == rank {
			return t.Index, true
		}
		seen++
	}
	return 0, false
}

func ordinal(n int) string {
	switch {
	case n%100 >= 11 && n%100 <= 13:
		return strconv.Itoa(n) + "th"
	case n%10 == 1:
		return strconv.Itoa(n) + "st"
	case n%10 == 2:
		return strconv.Itoa(n) + "nd"
	case n%10 == 3:
		return strconv.Itoa(n) + "rd"
	default:
		return strconv.Itoa(n) + "th"
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}
