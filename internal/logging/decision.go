package logging

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const maxTrace = 32

// Decision is written as a single JSON object per connection.
type Decision struct {
	Timestamp   time.Time `json:"ts"`
	ConnID      string    `json:"conn_id"`
	ClientIP    string    `json:"client_ip"`
	Listener    string    `json:"listener"`
	TLS         string    `json:"tls"`
	InitialURL  string    `json:"initial_url"`
	Destination string    `json:"destination,omitempty"`
	Outcome     string    `json:"outcome"`
	StatusCode  int       `json:"status_code,omitempty"`
	Steps       int       `json:"steps"`
	Rule        *int      `json:"rule,omitempty"`
	Trace       []string  `json:"trace,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	RateLimited bool      `json:"rate_limited,omitempty"`
	Cached      bool      `json:"cached,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	DialMS      int64     `json:"dial_ms,omitempty"`
}

// Outcome values beyond the resolver states.
const (
	OutcomeForwarding = "forwarding"
	OutcomeResponding = "responding"
	OutcomeDropped    = "dropped"
	OutcomeRejected   = "rejected"
	OutcomeFailed     = "failed"
)

type DecisionLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func NewDecisionLogger(w io.Writer) *DecisionLogger {
	return &DecisionLogger{w: w}
}

func OpenDecisionLog(path string) (*DecisionLogger, func() error, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return NewDecisionLogger(file), file.Close, nil
}

// Write appends one record. It is safe for concurrent use.
func (l *DecisionLogger) Write(decision Decision) error {
	decision.Trace = truncateTrace(decision.Trace)

	data, err := json.Marshal(decision)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(data, '\n'))
	return err
}

func truncateTrace(trace []string) []string {
	if len(trace) <= maxTrace {
		return trace
	}
	out := make([]string, maxTrace)
	copy(out, trace[:maxTrace-1])
	out[maxTrace-1] = "..."
	return out
}
