package gateway

import (
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rwproxy/rwproxy/internal/observability"
	"github.com/rwproxy/rwproxy/internal/rules"
)

// DefaultMemoEntries bounds the memo. Keys come from client supplied hosts,
// so the memo stops growing at the cap until entries expire.
const DefaultMemoEntries = 10000

// Router resolves initial URLs through the rule engine and memoizes the
// outcome. Resolution is deterministic, so a cached outcome is always the
// one a fresh resolution would produce.
type Router struct {
	engine  *rules.Engine
	memo    *cache.Cache
	limit   int
	metrics *observability.Metrics
}

// NewRouter builds a router over table. A ttl of zero disables memoization.
func NewRouter(table *rules.Table, ttl time.Duration) (*Router, error) {
	if table == nil {
		return nil, errors.New("rule table is required")
	}
	r := &Router{engine: rules.NewEngine(table), limit: DefaultMemoEntries}
	if ttl > 0 {
		r.memo = cache.New(ttl, 2*ttl)
	}
	return r, nil
}

// SetMemoLimit changes how many outcomes are kept. n <= 0 restores the
// default.
func (r *Router) SetMemoLimit(n int) {
	if n <= 0 {
		n = DefaultMemoEntries
	}
	r.limit = n
}

func (r *Router) SetMetrics(metrics *observability.Metrics) {
	r.metrics = metrics
}

// Resolve returns the outcome for u and whether it came from the memo.
func (r *Router) Resolve(u rules.URL) (rules.Outcome, bool) {
	if r.memo == nil {
		return r.engine.Resolve(u), false
	}

	key := u.String()
	if v, ok := r.memo.Get(key); ok {
		r.metrics.CacheLookup(true)
		return v.(rules.Outcome), true
	}
	r.metrics.CacheLookup(false)

	out := r.engine.Resolve(u)
	if r.memo.ItemCount() < r.limit {
		r.memo.SetDefault(key, out)
	}
	return out, false
}

// Cached returns the number of memoized outcomes.
func (r *Router) Cached() int {
	if r.memo == nil {
		return 0
	}
	return r.memo.ItemCount()
}
