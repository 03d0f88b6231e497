package normalize

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const maxHostLength = 253

// Host is a request authority after normalization. Port is 0 when the raw
// value carried none.
type Host struct {
	Raw  string
	Name string
	Port int
}

// Authority normalizes a Host header or SNI value: surrounding space and a
// trailing root dot are removed, ASCII is lowercased and an optional port
// is split off.
func Authority(raw string) (Host, error) {
	res := Host{Raw: raw}
	s := strings.TrimSpace(raw)
	if s == "" {
		return res, fmt.Errorf("empty host")
	}

	name, port, err := splitPort(s)
	if err != nil {
		return res, err
	}
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if name == "" {
		return res, fmt.Errorf("empty host in %q", raw)
	}
	if len(name) > maxHostLength {
		return res, fmt.Errorf("host longer than %d bytes", maxHostLength)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c == 0x7f || c == '/' || c == '\\' || c == '@' {
			return res, fmt.Errorf("invalid character %q in host", c)
		}
	}

	res.Name = name
	res.Port = port
	return res, nil
}

func splitPort(s string) (string, int, error) {
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated ipv6 literal %q", s)
		}
		if end == len(s)-1 {
			return s[1:end], 0, nil
		}
		if s[end+1] != ':' {
			return "", 0, fmt.Errorf("unexpected %q after ipv6 literal", s[end+1:])
		}
		port, err := parsePort(s[end+2:])
		return s[1:end], port, err
	}

	if strings.Count(s, ":") > 1 {
		if ip := net.ParseIP(s); ip != nil {
			return s, 0, nil
		}
		return "", 0, fmt.Errorf("invalid host %q", s)
	}
	name, portText, found := strings.Cut(s, ":")
	if !found {
		return name, 0, nil
	}
	port, err := parsePort(portText)
	return name, port, err
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

// Scheme lowercases a scheme and maps the empty string to fallback.
func Scheme(raw, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return fallback
	}
	return s
}
