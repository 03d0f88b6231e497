package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func writePair(t *testing.T, dir, name string, hosts ...string) Pair {
	t.Helper()
	p := Pair{
		CertFile: filepath.Join(dir, name+".crt"),
		KeyFile:  filepath.Join(dir, name+".key"),
	}
	if err := WriteSelfSigned(p.CertFile, p.KeyFile, hosts); err != nil {
		t.Fatalf("write pair: %v", err)
	}
	return p
}

func leafName(t *testing.T, cert *tls.Certificate) string {
	t.Helper()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	return leaf.Subject.CommonName
}

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func TestGetCertificateBySNI(t *testing.T) {
	dir := t.TempDir()
	exact := writePair(t, dir, "exact", "api.example.com")
	exact.Host = "api.example.com"
	wild := writePair(t, dir, "wild", "wild.example.com")
	wild.Host = "*.example.com"
	fallback := writePair(t, dir, "fallback", "fallback.local")

	store, err := Load([]Pair{exact, wild, fallback}, quietLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tests := []struct {
		sni  string
		want string
	}{
		{"api.example.com", "api.example.com"},
		{"API.Example.com.", "api.example.com"},
		{"www.example.com", "wild.example.com"},
		{"a.b.example.com", "fallback.local"},
		{"", "fallback.local"},
	}

	for _, tt := range tests {
		cert, err := store.GetCertificate(&tls.ClientHelloInfo{ServerName: tt.sni})
		if err != nil {
			t.Fatalf("%q: %v", tt.sni, err)
		}
		if got := leafName(t, cert); got != tt.want {
			t.Fatalf("%q: expected %s, got %s", tt.sni, tt.want, got)
		}
	}
}

func TestLoadReportsAllFailures(t *testing.T) {
	dir := t.TempDir()
	_, err := Load([]Pair{
		{CertFile: filepath.Join(dir, "a.crt"), KeyFile: filepath.Join(dir, "a.key")},
		{CertFile: filepath.Join(dir, "b.crt"), KeyFile: filepath.Join(dir, "b.key")},
	}, quietLogger())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}

	if _, err := Load(nil, quietLogger()); !errors.Is(err, ErrNoCertificate) {
		t.Fatalf("expected ErrNoCertificate, got %v", err)
	}
}

func TestReloadKeepsPreviousOnFailure(t *testing.T) {
	dir := t.TempDir()
	pair := writePair(t, dir, "site", "one.local")
	store, err := Load([]Pair{pair}, quietLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var results []error
	store.OnReload(func(err error) { results = append(results, err) })

	if err := os.WriteFile(pair.CertFile, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupt cert: %v", err)
	}
	if err := store.Reload(); err == nil {
		t.Fatalf("expected reload error")
	}
	cert, _ := store.GetCertificate(&tls.ClientHelloInfo{})
	if leafName(t, cert) != "one.local" {
		t.Fatalf("expected previous certificate to stay")
	}

	writePair(t, dir, "site", "two.local")
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	cert, _ = store.GetCertificate(&tls.ClientHelloInfo{})
	if leafName(t, cert) != "two.local" {
		t.Fatalf("expected new certificate")
	}
	if len(results) != 2 || results[0] == nil || results[1] != nil {
		t.Fatalf("unexpected reload callbacks %v", results)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	pair := writePair(t, dir, "site", "one.local")
	store, err := Load([]Pair{pair}, quietLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	reloaded := make(chan error, 4)
	store.OnReload(func(err error) {
		select {
		case reloaded <- err:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx, 20*time.Millisecond) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writePair(t, dir, "site", "two.local")

	// A reload may land between the cert and key writes; wait for a good one.
	deadline := time.After(5 * time.Second)
	for ok := false; !ok; {
		select {
		case err := <-reloaded:
			ok = err == nil
		case <-deadline:
			t.Fatalf("timed out waiting for reload")
		}
	}

	cert, _ := store.GetCertificate(&tls.ClientHelloInfo{})
	if leafName(t, cert) != "two.local" {
		t.Fatalf("expected reloaded certificate")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned %v", err)
	}
}
