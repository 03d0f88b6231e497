package config

import "time"

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDialTimeout      = 10 * time.Second
	DefaultMaxHeaderBytes   = 8192
	DefaultCacheTTL         = 5 * time.Minute
)

type Config struct {
	ConfigVersion int             `yaml:"configVersion"`
	Server        ServerConfig    `yaml:"server"`
	Rules         RulesConfig     `yaml:"rules"`
	TLS           TLSConfig       `yaml:"tls"`
	RateLimit     RateLimitConfig `yaml:"rateLimit"`
	Logging       LoggingConfig   `yaml:"logging"`
	Metrics       MetricsConfig   `yaml:"metrics"`

	baseDir string `yaml:"-"`
}

type ServerConfig struct {
	Listeners        []Listener    `yaml:"listeners"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	DialTimeout      time.Duration `yaml:"dialTimeout"`
	MaxHeaderBytes   int           `yaml:"maxHeaderBytes"`
	// NotFoundFile is an HTML page served in place of the plain text body
	// when the default rule answers.
	NotFoundFile string `yaml:"notFoundFile"`
}

// Listener is one accepting socket. Scheme and Port override what the
// dispatcher would otherwise derive from the connection.
type Listener struct {
	Address string `yaml:"address"`
	Scheme  string `yaml:"scheme"`
	Port    int    `yaml:"port"`
}

type RulesConfig struct {
	Path        string         `yaml:"path"`
	AllowCycles bool           `yaml:"allowCycles"`
	CacheTTL    *time.Duration `yaml:"cacheTTL"`
	// CacheEntries caps the resolution memo; 0 uses the default.
	CacheEntries int `yaml:"cacheEntries"`
}

// TTL returns the resolution cache TTL. Zero disables caching.
func (r RulesConfig) TTL() time.Duration {
	if r.CacheTTL == nil {
		return DefaultCacheTTL
	}
	return *r.CacheTTL
}

type TLSConfig struct {
	Certificates []Certificate `yaml:"certificates"`
	Watch        bool          `yaml:"watch"`
}

// Certificate is a cert/key pair. Host restricts it to one SNI name and may
// start with "*." to cover a single label.
type Certificate struct {
	Host     string `yaml:"host"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	DecisionLog string `yaml:"decisionLog"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

func (c *Config) BaseDir() string {
	return c.baseDir
}

func (c *Config) ResolvePath(path string) string {
	return c.resolvePath(path)
}

// RulesPath returns the rule source path relative to the config file.
func (c *Config) RulesPath() string {
	return c.resolvePath(c.Rules.Path)
}

func (c *Config) applyDefaults() {
	if c.Server.HandshakeTimeout == 0 {
		c.Server.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Server.DialTimeout == 0 {
		c.Server.DialTimeout = DefaultDialTimeout
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}
