package ratelimit

import (
	"net"
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	l := NewLimiter(1, 2)
	now := time.Now()

	if !l.Allow("10.0.0.1", now) {
		t.Fatalf("expected first connection allowed")
	}
	if !l.Allow("10.0.0.1", now) {
		t.Fatalf("expected second connection allowed")
	}
	if l.Allow("10.0.0.1", now) {
		t.Fatalf("expected third connection limited")
	}

	later := now.Add(1500 * time.Millisecond)
	if !l.Allow("10.0.0.1", later) {
		t.Fatalf("expected refill to allow after time")
	}
}

func TestLimiterDifferentKeys(t *testing.T) {
	l := NewLimiter(1, 1)
	now := time.Now()

	if !l.Allow("10.0.0.1", now) {
		t.Fatalf("expected first key allowed")
	}
	if !l.Allow("10.0.0.2", now) {
		t.Fatalf("expected second key allowed")
	}
	if l.Tracked() != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", l.Tracked())
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0, 10)
	if l != nil {
		t.Fatalf("expected nil limiter when rps is zero")
	}
	for i := 0; i < 100; i++ {
		if !l.Allow("10.0.0.1", time.Now()) {
			t.Fatalf("nil limiter must admit everything")
		}
	}
}

func TestClientKey(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 51234}
	if got := ClientKey(addr); got != "192.0.2.7" {
		t.Fatalf("expected ip only, got %q", got)
	}
	if got := ClientKey(nil); got != "" {
		t.Fatalf("expected empty key for nil addr, got %q", got)
	}
}
