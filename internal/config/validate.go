package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rwproxy/rwproxy/internal/rules"
)

type ValidationError struct {
	Problems []string
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("%d validation error(s)", len(v.Problems))
}

func (v *ValidationError) result() error {
	if len(v.Problems) == 0 {
		return nil
	}
	sort.Strings(v.Problems)
	return v
}

func (c *Config) Validate() error {
	v := &ValidationError{}
	c.validate(v)
	return v.result()
}

// ValidateFor validates the config against the TLS mode declared by the rule
// table. Terminating modes need at least one certificate.
func (c *Config) ValidateFor(mode rules.TLSMode) error {
	v := &ValidationError{}
	c.validate(v)
	if mode != rules.TLSNone && len(c.TLS.Certificates) == 0 {
		v.Add("tls.certificates required when rules declare tls: %s", mode)
	}
	return v.result()
}

func (c *Config) validate(v *ValidationError) {
	if c.ConfigVersion != 1 {
		v.Add("configVersion must be 1")
	}

	if len(c.Server.Listeners) == 0 {
		v.Add("server.listeners requires at least one listener")
	}
	addresses := map[string]struct{}{}
	for i, l := range c.Server.Listeners {
		if err := validateListen(l.Address); err != nil {
			v.Add("server.listeners[%d].address invalid: %v", i, err)
		} else if _, exists := addresses[l.Address]; exists {
			v.Add("server.listeners[%d].address %q is duplicated", i, l.Address)
		} else {
			addresses[l.Address] = struct{}{}
		}

		switch strings.ToLower(l.Scheme) {
		case "", "http", "https", "ws", "wss":
		default:
			v.Add("server.listeners[%d].scheme must be http|https|ws|wss", i)
		}
		if l.Port < 0 || l.Port > 65535 {
			v.Add("server.listeners[%d].port must be between 1 and 65535", i)
		}
	}

	if c.Server.HandshakeTimeout < 0 {
		v.Add("server.handshakeTimeout must be > 0")
	}
	if c.Server.DialTimeout < 0 {
		v.Add("server.dialTimeout must be > 0")
	}
	if c.Server.MaxHeaderBytes < 0 || c.Server.MaxHeaderBytes > 1<<20 {
		v.Add("server.maxHeaderBytes must be between 1 and %d", 1<<20)
	}

	if c.Server.NotFoundFile != "" {
		if err := requireFile(c.resolvePath(c.Server.NotFoundFile)); err != nil {
			v.Add("server.notFoundFile invalid: %v", err)
		}
	}

	if c.Rules.Path == "" {
		v.Add("rules.path is required")
	} else if err := requireFile(c.RulesPath()); err != nil {
		v.Add("rules.path invalid: %v", err)
	}
	if c.Rules.TTL() < 0 {
		v.Add("rules.cacheTTL must be >= 0")
	}
	if c.Rules.CacheEntries < 0 {
		v.Add("rules.cacheEntries must be >= 0")
	}

	for i, cert := range c.TLS.Certificates {
		if cert.CertFile == "" {
			v.Add("tls.certificates[%d].certFile is required", i)
		} else if err := requireFile(c.resolvePath(cert.CertFile)); err != nil {
			v.Add("tls.certificates[%d].certFile invalid: %v", i, err)
		}
		if cert.KeyFile == "" {
			v.Add("tls.certificates[%d].keyFile is required", i)
		} else if err := requireFile(c.resolvePath(cert.KeyFile)); err != nil {
			v.Add("tls.certificates[%d].keyFile invalid: %v", i, err)
		}
		if cert.Host != "" {
			if err := validateCertHost(cert.Host); err != nil {
				v.Add("tls.certificates[%d].host invalid: %v", i, err)
			}
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RPS <= 0 {
			v.Add("rateLimit.rps must be > 0")
		}
		if c.RateLimit.Burst <= 0 {
			v.Add("rateLimit.burst must be > 0")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		v.Add("logging.level must be debug|info|warn|error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		v.Add("logging.format must be text|json")
	}
	if c.Logging.DecisionLog != "" {
		if err := ensureWritable(c.resolvePath(c.Logging.DecisionLog)); err != nil {
			v.Add("logging.decisionLog invalid: %v", err)
		}
	}

	if c.Metrics.Enabled {
		if err := validateListen(c.Metrics.Listen); err != nil {
			v.Add("metrics.listen invalid: %v", err)
		}
	}
}

func validateListen(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("address is required")
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return err
	}
	return nil
}

func validateCertHost(host string) error {
	name := strings.TrimPrefix(host, "*.")
	if name == "" || strings.ContainsAny(name, "*/: \t") {
		return fmt.Errorf("%q is not a host name", host)
	}
	return nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func ensureWritable(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	file, err := os.CreateTemp(dir, "rwproxy-validate-*")
	if err != nil {
		return err
	}
	name := file.Name()
	if err := file.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
