package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rwproxy/rwproxy/internal/logging"
)

const maxLineBytes = 1 << 20

type Summary struct {
	Total           int            `json:"total"`
	Forwarded       int            `json:"forwarded"`
	Responded       int            `json:"responded"`
	Dropped         int            `json:"dropped"`
	Rejected        int            `json:"rejected"`
	Failed          int            `json:"failed"`
	RateLimited     int            `json:"rate_limited"`
	Loops           int            `json:"loops"`
	Cached          int            `json:"cached"`
	Start           time.Time      `json:"start"`
	End             time.Time      `json:"end"`
	TopRules        []CountItem    `json:"top_rules"`
	TopHosts        []CountItem    `json:"top_hosts"`
	TopDestinations []CountItem    `json:"top_destinations"`
	TopStatusCodes  []CountItem    `json:"top_status_codes"`
	TopRateLimit    []CountItem    `json:"top_rate_limits"`
	Latency         LatencySummary `json:"latency"`
}

type CountItem struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type LatencySummary struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Reader loads decision records written by the gateway.
type Reader struct {
	Since time.Time
}

func (r *Reader) Read(path string) ([]logging.Decision, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var decisions []logging.Decision
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var d logging.Decision
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			return nil, fmt.Errorf("%s: decode decision: %w", path, err)
		}
		if !r.Since.IsZero() && d.Timestamp.Before(r.Since) {
			continue
		}
		decisions = append(decisions, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return decisions, nil
}

// Summarize aggregates decisions into totals, leaders and latency
// percentiles.
func Summarize(decisions []logging.Decision) Summary {
	var summary Summary
	if len(decisions) == 0 {
		return summary
	}

	summary.Start = decisions[0].Timestamp
	summary.End = decisions[0].Timestamp

	ruleCounts := map[string]int{}
	hostCounts := map[string]int{}
	destCounts := map[string]int{}
	codeCounts := map[string]int{}
	ratelimitCounts := map[string]int{}
	latencies := make([]int64, 0, len(decisions))

	for _, d := range decisions {
		summary.Total++
		if d.Timestamp.Before(summary.Start) {
			summary.Start = d.Timestamp
		}
		if d.Timestamp.After(summary.End) {
			summary.End = d.Timestamp
		}

		switch d.Outcome {
		case logging.OutcomeForwarding:
			summary.Forwarded++
		case logging.OutcomeResponding:
			summary.Responded++
		case logging.OutcomeDropped:
			summary.Dropped++
		case logging.OutcomeRejected:
			summary.Rejected++
		case logging.OutcomeFailed:
			summary.Failed++
		}

		if d.RateLimited {
			summary.RateLimited++
			ratelimitCounts[d.ClientIP]++
		}
		if d.StatusCode == http.StatusLoopDetected {
			summary.Loops++
		}
		if d.Cached {
			summary.Cached++
		}

		if d.Rule != nil {
			ruleCounts[ruleName(*d.Rule)]++
		}
		if d.InitialURL != "" {
			hostCounts[d.InitialURL]++
		}
		if d.Destination != "" {
			destCounts[d.Destination]++
		}
		if d.StatusCode != 0 {
			codeCounts[strconv.Itoa(d.StatusCode)]++
		}

		latencies = append(latencies, d.DurationMS)
	}

	summary.TopRules = topCounts(ruleCounts, 5)
	summary.TopHosts = topCounts(hostCounts, 5)
	summary.TopDestinations = topCounts(destCounts, 5)
	summary.TopStatusCodes = topCounts(codeCounts, 5)
	summary.TopRateLimit = topCounts(ratelimitCounts, 5)
	summary.Latency = latencySummary(latencies)

	return summary
}

func ruleName(order int) string {
	if order < 0 {
		return "default"
	}
	return "#" + strconv.Itoa(order)
}

func topCounts(counts map[string]int, n int) []CountItem {
	items := make([]CountItem, 0, len(counts))
	for key, count := range counts {
		items = append(items, CountItem{Key: key, Count: count})
	}
	if len(items) == 0 {
		return nil
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Count == items[j].Count {
			return items[i].Key < items[j].Key
		}
		return items[i].Count > items[j].Count
	})

	if len(items) > n {
		items = items[:n]
	}
	return items
}

func latencySummary(values []int64) LatencySummary {
	if len(values) == 0 {
		return LatencySummary{}
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencySummary{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
		P99: percentile(sorted, 0.99),
	}
}

func percentile(values []int64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	idx := int(float64(len(values)-1) * p)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return float64(values[idx])
}

func RenderText(summary Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total: %d\n", summary.Total)
	fmt.Fprintf(&b, "Forwarded: %d\n", summary.Forwarded)
	fmt.Fprintf(&b, "Responded: %d\n", summary.Responded)
	fmt.Fprintf(&b, "Dropped: %d\n", summary.Dropped)
	fmt.Fprintf(&b, "Rejected: %d\n", summary.Rejected)
	fmt.Fprintf(&b, "Failed: %d\n", summary.Failed)
	fmt.Fprintf(&b, "Rate limited: %d\n", summary.RateLimited)
	fmt.Fprintf(&b, "Rewrite loops: %d\n", summary.Loops)
	fmt.Fprintf(&b, "Served from cache: %d\n", summary.Cached)
	fmt.Fprintf(&b, "Duration p50/p95/p99 (ms): %.0f/%.0f/%.0f\n", summary.Latency.P50, summary.Latency.P95, summary.Latency.P99)

	writeCounts(&b, "Top rules", summary.TopRules)
	writeCounts(&b, "Top initial urls", summary.TopHosts)
	writeCounts(&b, "Top destinations", summary.TopDestinations)
	writeCounts(&b, "Status codes", summary.TopStatusCodes)
	writeCounts(&b, "Top rate-limited", summary.TopRateLimit)

	return b.String()
}

func RenderMarkdown(summary Summary) string {
	var b strings.Builder
	b.WriteString("# rwproxy Report\n\n")
	b.WriteString("## Totals\n\n")
	fmt.Fprintf(&b, "- Total: %d\n", summary.Total)
	fmt.Fprintf(&b, "- Forwarded: %d\n", summary.Forwarded)
	fmt.Fprintf(&b, "- Responded: %d\n", summary.Responded)
	fmt.Fprintf(&b, "- Dropped: %d\n", summary.Dropped)
	fmt.Fprintf(&b, "- Rejected: %d\n", summary.Rejected)
	fmt.Fprintf(&b, "- Failed: %d\n", summary.Failed)
	fmt.Fprintf(&b, "- Rate limited: %d\n", summary.RateLimited)
	fmt.Fprintf(&b, "- Rewrite loops: %d\n", summary.Loops)
	fmt.Fprintf(&b, "- Served from cache: %d\n", summary.Cached)
	fmt.Fprintf(&b, "- Duration p50/p95/p99 (ms): %.0f/%.0f/%.0f\n\n", summary.Latency.P50, summary.Latency.P95, summary.Latency.P99)

	writeCountsMarkdown(&b, "Top rules", summary.TopRules)
	writeCountsMarkdown(&b, "Top initial urls", summary.TopHosts)
	writeCountsMarkdown(&b, "Top destinations", summary.TopDestinations)
	writeCountsMarkdown(&b, "Status codes", summary.TopStatusCodes)
	writeCountsMarkdown(&b, "Top rate-limited", summary.TopRateLimit)

	return b.String()
}

func RenderJSON(summary Summary) ([]byte, error) {
	return json.MarshalIndent(summary, "", "  ")
}

func writeCounts(b *strings.Builder, title string, items []CountItem) {
	if len(items) == 0 {
		fmt.Fprintf(b, "%s: none\n", title)
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s: %d\n", item.Key, item.Count)
	}
}

func writeCountsMarkdown(b *strings.Builder, title string, items []CountItem) {
	b.WriteString("## ")
	b.WriteString(title)
	b.WriteString("\n\n")
	if len(items) == 0 {
		b.WriteString("- none\n\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s: %d\n", item.Key, item.Count)
	}
	b.WriteString("\n")
}

// WriteOutput writes content to path, or to w when path is empty.
func WriteOutput(w io.Writer, path string, content []byte) error {
	if path == "" {
		_, err := w.Write(content)
		return err
	}
	return os.WriteFile(path, content, 0o600)
}
