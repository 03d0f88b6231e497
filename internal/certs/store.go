package certs

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var ErrNoCertificate = errors.New("no certificate available")

// Pair names a certificate and key on disk. Host limits the pair to one SNI
// name; a leading "*." matches exactly one extra label. An empty Host makes
// the pair a fallback.
type Pair struct {
	Host     string
	CertFile string
	KeyFile  string
}

type entry struct {
	host string
	cert *tls.Certificate
}

// Store serves certificates by SNI and can swap them at runtime.
type Store struct {
	pairs []Pair
	log   logrus.FieldLogger

	mu       sync.RWMutex
	entries  []entry
	onReload func(error)
}

// Load reads every pair. All failures are reported together.
func Load(pairs []Pair, log logrus.FieldLogger) (*Store, error) {
	if len(pairs) == 0 {
		return nil, ErrNoCertificate
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Store{pairs: append([]Pair(nil), pairs...), log: log}
	entries, err := loadAll(s.pairs)
	if err != nil {
		return nil, err
	}
	s.entries = entries
	return s, nil
}

func loadAll(pairs []Pair) ([]entry, error) {
	var errs error
	entries := make([]entry, 0, len(pairs))
	for _, p := range pairs {
		cert, err := tls.LoadX509KeyPair(p.CertFile, p.KeyFile)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("load %s: %w", p.CertFile, err))
			continue
		}
		entries = append(entries, entry{host: strings.ToLower(p.Host), cert: &cert})
	}
	if errs != nil {
		return nil, errs
	}
	return entries, nil
}

// Reload re-reads all pairs. On failure the previous certificates stay in
// service.
func (s *Store) Reload() error {
	entries, err := loadAll(s.pairs)
	if err == nil {
		s.mu.Lock()
		s.entries = entries
		s.mu.Unlock()
		s.log.WithField("certificates", len(entries)).Info("certificates reloaded")
	} else {
		s.log.WithError(err).Warn("certificate reload failed, keeping previous set")
	}

	s.mu.RLock()
	fn := s.onReload
	s.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
	return err
}

// OnReload registers a callback invoked after every reload attempt.
func (s *Store) OnReload(fn func(error)) {
	s.mu.Lock()
	s.onReload = fn
	s.mu.Unlock()
}

// GetCertificate picks a certificate for the ClientHello's server name:
// exact host first, then a one-label wildcard, then a fallback pair.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.TrimSuffix(strings.ToLower(hello.ServerName), ".")

	s.mu.RLock()
	defer s.mu.RUnlock()

	if cert := s.lookup(name); cert != nil {
		return cert, nil
	}
	if len(s.entries) == 0 {
		return nil, ErrNoCertificate
	}
	return s.entries[0].cert, nil
}

func (s *Store) lookup(name string) *tls.Certificate {
	if name != "" {
		for _, e := range s.entries {
			if e.host == name {
				return e.cert
			}
		}
		if _, parent, ok := strings.Cut(name, "."); ok {
			for _, e := range s.entries {
				if e.host == "*."+parent {
					return e.cert
				}
			}
		}
	}
	for _, e := range s.entries {
		if e.host == "" {
			return e.cert
		}
	}
	return nil
}

// TLSConfig returns a server config backed by the store.
func (s *Store) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.GetCertificate,
		NextProtos:     []string{"http/1.1"},
	}
}

// Files lists every file the store reads.
func (s *Store) Files() []string {
	files := make([]string, 0, len(s.pairs)*2)
	for _, p := range s.pairs {
		files = append(files, p.CertFile, p.KeyFile)
	}
	return files
}
