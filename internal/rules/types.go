package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// NoName marks a positional (unnamed) wildcard.
const NoName = -1

type TokenKind int

const (
	TokenLiteral TokenKind = iota
	TokenWildcard
)

// Token is one element of a compiled host pattern.
type Token struct {
	Kind TokenKind
	Text string
	// Name is the digit of a named wildcard or NoName.
	Name int
	// Index is the wildcard's position among all wildcards of the pattern.
	Index int
}

type PatternKind int

const (
	PatternURL PatternKind = iota
	PatternPort
	PatternDefault
)

type Pattern struct {
	Raw       string
	Kind      PatternKind
	Scheme    string
	Host      []Token
	Port      int
	Wildcards int
}

// Part is one element of a compiled template host. Ref is -1 for literals.
type Part struct {
	Literal string
	Ref     int
	Label   string
}

type Template struct {
	Raw    string
	Scheme string
	Host   []Part
	Port   int
}

type ActionKind int

const (
	ActionRewrite ActionKind = iota
	ActionPort
	ActionURL
	ActionError
	ActionAccept
	ActionDrop
)

func (k ActionKind) String() string {
	switch k {
	case ActionRewrite:
		return "rewrite"
	case ActionPort:
		return "port"
	case ActionURL:
		return "forward"
	case ActionError:
		return "error"
	case ActionAccept:
		return "accept"
	case ActionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

type Action struct {
	Kind     ActionKind
	Template *Template
	Port     int
	URL      URL
	Code     int
	Message  string
}

// Pos is a one-indexed line/column position in a rule source file.
type Pos struct {
	Line int
	Col  int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

type Rule struct {
	Pattern Pattern
	Action  Action
	Order   int
	Pos     Pos
}

func (r Rule) String() string {
	return fmt.Sprintf("%s -> %s", r.Pattern.Raw, r.actionText())
}

func (r Rule) actionText() string {
	switch r.Action.Kind {
	case ActionRewrite:
		return r.Action.Template.Raw
	case ActionPort:
		return ":" + strconv.Itoa(r.Action.Port)
	case ActionURL:
		return "!FWD " + r.Action.URL.String()
	case ActionError:
		return fmt.Sprintf("!ERR %d %q", r.Action.Code, r.Action.Message)
	case ActionAccept:
		return "!ACCEPT"
	case ActionDrop:
		return "!DROP"
	default:
		return "?"
	}
}

// URL is the scheme/host/port triple the resolver works on. Port 0 means the
// scheme's default port.
type URL struct {
	Scheme string
	Host   string
	Port   int
}

var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
	"ws":    80,
	"wss":   443,
}

func DefaultPort(scheme string) int {
	return defaultPorts[scheme]
}

func (u URL) EffectivePort() int {
	if u.Port != 0 {
		return u.Port
	}
	return DefaultPort(u.Scheme)
}

// Address returns host:port suitable for dialing.
func (u URL) Address() string {
	port := u.EffectivePort()
	if port == 0 {
		return u.Host
	}
	host := u.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(port)
}

func (u URL) String() string {
	var b strings.Builder
	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteString("://")
	}
	b.WriteString(u.Host)
	if u.Port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(u.Port))
	}
	return b.String()
}

// ParseURL parses `[scheme://]host[:port]`. Paths are not modeled and are
// discarded.
func ParseURL(raw string) (URL, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return URL{}, fmt.Errorf("empty url")
	}
	var u URL
	if i := strings.Index(s, "://"); i >= 0 {
		u.Scheme = strings.ToLower(s[:i])
		if u.Scheme == "" {
			return URL{}, fmt.Errorf("url %q: empty scheme", raw)
		}
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	host, port, err := splitHostPort(s)
	if err != nil {
		return URL{}, fmt.Errorf("url %q: %w", raw, err)
	}
	u.Host = strings.ToLower(host)
	u.Port = port
	return u, nil
}

func splitHostPort(s string) (string, int, error) {
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated ipv6 literal")
		}
		host := s[1:end]
		rest := s[end+1:]
		if rest == "" {
			return host, 0, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", 0, fmt.Errorf("unexpected %q after ipv6 literal", rest)
		}
		port, err := parsePort(rest[1:])
		return host, port, err
	}
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return s, 0, nil
	}
	port, err := parsePort(s[i+1:])
	return s[:i], port, err
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}
