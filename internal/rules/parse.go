package rules

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type TLSMode int

const (
	TLSNone TLSMode = iota
	TLSOptional
	TLSMandatory
)

func (m TLSMode) String() string {
	switch m {
	case TLSOptional:
		return "optional"
	case TLSMandatory:
		return "mandatory"
	default:
		return "none"
	}
}

func ParseTLSMode(s string) (TLSMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off":
		return TLSNone, nil
	case "optional":
		return TLSOptional, nil
	case "mandatory", "required":
		return TLSMandatory, nil
	default:
		return TLSNone, fmt.Errorf("unknown tls mode %q", s)
	}
}

type NonmatchedPolicy int

const (
	NonmatchedDropped NonmatchedPolicy = iota
	NonmatchedAllowed
)

func (p NonmatchedPolicy) String() string {
	if p == NonmatchedAllowed {
		return "allowed"
	}
	return "dropped"
}

func ParseNonmatchedPolicy(s string) (NonmatchedPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dropped", "drop":
		return NonmatchedDropped, nil
	case "allowed", "allow":
		return NonmatchedAllowed, nil
	default:
		return NonmatchedDropped, fmt.Errorf("unknown nonmatched policy %q", s)
	}
}

// DefaultMaxSteps bounds the number of rule applications per resolution.
const DefaultMaxSteps = 16

type Settings struct {
	TLS        TLSMode
	Nonmatched NonmatchedPolicy
	MaxSteps   int
}

// Entry is one uncompiled rule as it appears in the source.
type Entry struct {
	LHS string
	RHS string
	Pos Pos
}

type Source struct {
	File     string
	Entries  []Entry
	Settings Settings
}

// LoadFile reads, parses and compiles a rule source file.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	src, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	return Compile(src)
}

// Parse splits rule source text into entries and settings. file is only used
// in error messages.
func Parse(file string, data []byte) (*Source, error) {
	src := &Source{File: file, Settings: Settings{MaxSteps: DefaultMaxSteps}}

	var (
		inConfig   bool
		seenConfig bool
		configPos  Pos
		configBody strings.Builder
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		trimmed := strings.TrimSpace(line)
		col := strings.Index(line, trimmed) + 1

		if inConfig {
			body, rest, closed := strings.Cut(trimmed, "}")
			configBody.WriteString(body)
			configBody.WriteByte('\n')
			if !closed {
				continue
			}
			inConfig = false
			if err := applySettings(&src.Settings, configBody.String(), configPos); err != nil {
				return nil, withFile(file, configPos, err)
			}
			if strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), ",")) != "" {
				return nil, withFile(file, Pos{Line: lineNo, Col: col}, fmt.Errorf("%w: unexpected %q after config block", ErrSyntax, rest))
			}
			continue
		}

		if trimmed == "" {
			continue
		}

		if isConfigStart(trimmed) {
			pos := Pos{Line: lineNo, Col: col}
			if seenConfig {
				return nil, withFile(file, pos, fmt.Errorf("%w: first defined at %s", ErrDuplicateConfig, configPos))
			}
			seenConfig = true
			configPos = pos
			configBody.Reset()

			_, after, _ := strings.Cut(trimmed, "{")
			body, rest, closed := strings.Cut(after, "}")
			configBody.WriteString(body)
			configBody.WriteByte('\n')
			if !closed {
				inConfig = true
				continue
			}
			if err := applySettings(&src.Settings, configBody.String(), configPos); err != nil {
				return nil, withFile(file, configPos, err)
			}
			if strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), ",")) != "" {
				return nil, withFile(file, pos, fmt.Errorf("%w: unexpected %q after config block", ErrSyntax, rest))
			}
			continue
		}

		pos := Pos{Line: lineNo, Col: col}
		lhs, rhs, ok := splitRule(strings.TrimSuffix(trimmed, ","))
		if !ok {
			return nil, withFile(file, pos, fmt.Errorf("%w: expected `<pattern> -> <action>`, got %q", ErrSyntax, trimmed))
		}
		src.Entries = append(src.Entries, Entry{LHS: lhs, RHS: rhs, Pos: pos})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	if inConfig {
		return nil, withFile(file, configPos, fmt.Errorf("%w: unterminated config block", ErrSyntax))
	}
	return src, nil
}

func isConfigStart(line string) bool {
	rest, ok := strings.CutPrefix(line, "config")
	if !ok {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(rest), "{")
}

// stripComment removes a trailing `#` or `//` comment. `//` only starts a
// comment at the start of a line or after whitespace, so `http://` survives.
func stripComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && inQuote:
			i++
		case c == '"':
			inQuote = !inQuote
		case inQuote:
		case c == '#':
			return line[:i]
		case c == '/' && i+1 < len(line) && line[i+1] == '/' && (i == 0 || line[i-1] == ' ' || line[i-1] == '\t'):
			return line[:i]
		}
	}
	return line
}

func splitRule(line string) (string, string, bool) {
	lhs, rhs, ok := cutUnquoted(line, "->")
	if !ok {
		lhs, rhs, ok = cutUnquoted(line, "=")
	}
	if !ok {
		return "", "", false
	}
	lhs = strings.TrimSpace(lhs)
	rhs = strings.TrimSpace(rhs)
	if lhs == "" || rhs == "" {
		return "", "", false
	}
	return lhs, rhs, true
}

// cutUnquoted is strings.Cut that ignores sep inside double quotes.
func cutUnquoted(s, sep string) (string, string, bool) {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && inQuote:
			i++
		case c == '"':
			inQuote = !inQuote
		case !inQuote && strings.HasPrefix(s[i:], sep):
			return s[:i], s[i+len(sep):], true
		}
	}
	return s, "", false
}

func applySettings(s *Settings, body string, pos Pos) error {
	fields := strings.FieldsFunc(body, func(r rune) bool { return r == '\n' || r == ',' || r == ';' })
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			return compileErr(pos, ErrSyntax, "expected `key: value` in config block, got %q", field)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch key {
		case "tls":
			mode, err := ParseTLSMode(value)
			if err != nil {
				return compileErr(pos, ErrSyntax, "%v", err)
			}
			s.TLS = mode
		case "nonmatched":
			policy, err := ParseNonmatchedPolicy(value)
			if err != nil {
				return compileErr(pos, ErrSyntax, "%v", err)
			}
			s.Nonmatched = policy
		case "max_steps":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return compileErr(pos, ErrSyntax, "max_steps must be a positive integer, got %q", value)
			}
			s.MaxSteps = n
		default:
			return compileErr(pos, ErrUnknownSetting, "%q", key)
		}
	}
	return nil
}
