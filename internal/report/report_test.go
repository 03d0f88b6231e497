package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rwproxy/rwproxy/internal/logging"
)

func intPtr(v int) *int { return &v }

func sampleDecisions() []logging.Decision {
	return []logging.Decision{
		{Timestamp: time.Unix(0, 0), Outcome: logging.OutcomeForwarding, InitialURL: "http://a.com", Destination: "b.com:80", Rule: intPtr(0), Steps: 2, DurationMS: 10},
		{Timestamp: time.Unix(1, 0), Outcome: logging.OutcomeForwarding, InitialURL: "http://a.com", Destination: "b.com:80", Rule: intPtr(0), Steps: 2, Cached: true, DurationMS: 30},
		{Timestamp: time.Unix(2, 0), Outcome: logging.OutcomeResponding, InitialURL: "http://loop.com", StatusCode: 508, Rule: intPtr(3), DurationMS: 1},
		{Timestamp: time.Unix(3, 0), Outcome: logging.OutcomeDropped, InitialURL: "http://x.com", Rule: intPtr(-1), DurationMS: 2},
		{Timestamp: time.Unix(4, 0), Outcome: logging.OutcomeRejected, RateLimited: true, ClientIP: "10.0.0.1", DurationMS: 0},
		{Timestamp: time.Unix(5, 0), Outcome: logging.OutcomeFailed, Error: "tls handshake failed", DurationMS: 5},
	}
}

func TestSummarize(t *testing.T) {
	summary := Summarize(sampleDecisions())
	if summary.Total != 6 {
		t.Fatalf("expected total 6, got %d", summary.Total)
	}
	if summary.Forwarded != 2 || summary.Responded != 1 || summary.Dropped != 1 || summary.Rejected != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected outcome counts %+v", summary)
	}
	if summary.RateLimited != 1 || summary.Loops != 1 || summary.Cached != 1 {
		t.Fatalf("unexpected flag counts %+v", summary)
	}
	if len(summary.TopRules) != 3 || summary.TopRules[0].Key != "#0" || summary.TopRules[0].Count != 2 {
		t.Fatalf("unexpected top rules %+v", summary.TopRules)
	}
	if summary.TopRules[2].Key != "default" {
		t.Fatalf("expected default rule to be named, got %+v", summary.TopRules)
	}
	if len(summary.TopDestinations) != 1 || summary.TopDestinations[0].Key != "b.com:80" {
		t.Fatalf("unexpected destinations %+v", summary.TopDestinations)
	}
	if len(summary.TopRateLimit) != 1 || summary.TopRateLimit[0].Key != "10.0.0.1" {
		t.Fatalf("unexpected rate limit leaders %+v", summary.TopRateLimit)
	}
	if !summary.Start.Equal(time.Unix(0, 0)) || !summary.End.Equal(time.Unix(5, 0)) {
		t.Fatalf("unexpected window %v - %v", summary.Start, summary.End)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if got := Summarize(nil); got.Total != 0 || got.TopRules != nil {
		t.Fatalf("expected empty summary, got %+v", got)
	}
}

func TestReaderSince(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	var buf bytes.Buffer
	for _, d := range sampleDecisions() {
		line, err := json.Marshal(d)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteString("\n")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	reader := Reader{Since: time.Unix(3, 0)}
	got, err := reader.Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 decisions since t=3, got %d", len(got))
	}
}

func TestReaderRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	if err := os.WriteFile(path, []byte("{not json\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := (&Reader{}).Read(path); err == nil || !strings.Contains(err.Error(), "bad.jsonl") {
		t.Fatalf("expected decode error naming the file, got %v", err)
	}
}

func TestRenderers(t *testing.T) {
	summary := Summarize(sampleDecisions())

	text := RenderText(summary)
	for _, want := range []string{"Total: 6", "Rewrite loops: 1", "- #0: 2", "- 508: 1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("text report missing %q:\n%s", want, text)
		}
	}
	if md := RenderMarkdown(summary); !strings.HasPrefix(md, "# rwproxy Report") {
		t.Fatalf("unexpected markdown header:\n%s", md)
	}

	data, err := RenderJSON(summary)
	if err != nil {
		t.Fatalf("expected json render ok: %v", err)
	}
	var decoded Summary
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if decoded.Loops != 1 {
		t.Fatalf("expected loops to survive json, got %d", decoded.Loops)
	}
}

func TestWriteOutput(t *testing.T) {
	var out bytes.Buffer
	if err := WriteOutput(&out, "", []byte("hello")); err != nil || out.String() != "hello" {
		t.Fatalf("unexpected stdout write %q %v", out.String(), err)
	}
	path := filepath.Join(t.TempDir(), "report.txt")
	if err := WriteOutput(&out, path, []byte("file")); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if data, _ := os.ReadFile(path); string(data) != "file" {
		t.Fatalf("unexpected file content %q", data)
	}
}
