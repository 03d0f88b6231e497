package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rwproxy/rwproxy/internal/certs"
	"github.com/rwproxy/rwproxy/internal/config"
	"github.com/rwproxy/rwproxy/internal/logging"
	"github.com/rwproxy/rwproxy/internal/observability"
	"github.com/rwproxy/rwproxy/internal/ratelimit"
	"github.com/rwproxy/rwproxy/internal/rules"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var (
	ErrHandshake              = errors.New("tls handshake failed")
	ErrDestinationUnreachable = errors.New("destination unreachable")
)

const maxAcceptBackoff = time.Second

// Gateway accepts connections, works out where each one is headed and
// either bridges it to the resolved destination or answers it directly.
type Gateway struct {
	router    *Router
	mode      rules.TLSMode
	tlsConfig *tls.Config
	listeners []config.Listener

	handshakeTimeout time.Duration
	dialTimeout      time.Duration
	maxHeaderBytes   int
	notFound         []byte

	log         logrus.FieldLogger
	decisionLog *logging.DecisionLogger
	metrics     *observability.Metrics
	limiter     *ratelimit.Limiter
	dialer      net.Dialer

	wg sync.WaitGroup
}

// New builds a gateway for table. store may be nil only when the table does
// not terminate TLS.
func New(cfg *config.Config, table *rules.Table, store *certs.Store) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if table == nil {
		return nil, errors.New("rule table is required")
	}

	router, err := NewRouter(table, cfg.Rules.TTL())
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		router:           router,
		mode:             table.TLSMode(),
		listeners:        append([]config.Listener(nil), cfg.Server.Listeners...),
		handshakeTimeout: orDefault(cfg.Server.HandshakeTimeout, config.DefaultHandshakeTimeout),
		dialTimeout:      orDefault(cfg.Server.DialTimeout, config.DefaultDialTimeout),
		maxHeaderBytes:   cfg.Server.MaxHeaderBytes,
		log:              logging.Discard(),
	}
	if g.maxHeaderBytes <= 0 {
		g.maxHeaderBytes = config.DefaultMaxHeaderBytes
	}
	if cfg.Rules.CacheEntries > 0 {
		router.SetMemoLimit(cfg.Rules.CacheEntries)
	}
	if cfg.Server.NotFoundFile != "" {
		g.notFound, err = os.ReadFile(cfg.ResolvePath(cfg.Server.NotFoundFile))
		if err != nil {
			return nil, fmt.Errorf("read not-found page: %w", err)
		}
	}
	if cfg.RateLimit.Enabled {
		g.limiter = ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	if g.mode != rules.TLSNone {
		if store == nil {
			return nil, fmt.Errorf("tls %s requires certificates: %w", g.mode, certs.ErrNoCertificate)
		}
		g.tlsConfig = store.TLSConfig()
	}

	return g, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (g *Gateway) SetDecisionLogger(logger *logging.DecisionLogger) {
	g.decisionLog = logger
}

func (g *Gateway) SetMetrics(metrics *observability.Metrics) {
	g.metrics = metrics
	g.router.SetMetrics(metrics)
}

func (g *Gateway) SetLogger(log logrus.FieldLogger) {
	if log != nil {
		g.log = log
	}
}

func (g *Gateway) Router() *Router {
	return g.router
}

// ListenAndServe opens every configured listener and serves until ctx is
// done or one listener fails. In-flight connections are waited for.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	if len(g.listeners) == 0 {
		return errors.New("no listeners configured")
	}

	var lc net.ListenConfig
	lns := make([]net.Listener, 0, len(g.listeners))
	for _, listener := range g.listeners {
		ln, err := lc.Listen(ctx, "tcp", listener.Address)
		if err != nil {
			for _, l := range lns {
				_ = l.Close()
			}
			return fmt.Errorf("listen %s: %w", listener.Address, err)
		}
		lns = append(lns, ln)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(lns))
	for i, ln := range lns {
		go func(ln net.Listener, listener config.Listener) {
			errs <- g.Serve(ctx, ln, listener)
		}(ln, g.listeners[i])
	}

	var err error
	for range lns {
		if serveErr := <-errs; serveErr != nil {
			err = multierr.Append(err, serveErr)
			cancel()
		}
	}
	g.Wait()
	return err
}

// Serve accepts on ln until ctx is done. listener.Address only names the
// listener in logs; the socket is ln.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener, listener config.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	if listener.Address == "" {
		listener.Address = ln.Addr().String()
	}
	g.log.WithFields(logrus.Fields{"listener": ln.Addr().String(), "tls": g.mode.String()}).Info("listening")

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				g.log.WithError(err).Warnf("accept error, retrying in %s", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept on %s: %w", listener.Address, err)
		}
		backoff = 0

		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.handle(ctx, conn, listener)
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return d
}

// Wait blocks until every accepted connection has finished.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

func (g *Gateway) writeDecision(log logrus.FieldLogger, decision logging.Decision, loop bool) {
	if g.decisionLog != nil {
		if err := g.decisionLog.Write(decision); err != nil {
			log.WithError(err).Warn("write decision log")
		}
	}
	g.metrics.Observe(decision, loop)

	log.WithFields(logrus.Fields{
		"outcome":     decision.Outcome,
		"initial":     decision.InitialURL,
		"destination": decision.Destination,
		"steps":       decision.Steps,
		"duration_ms": decision.DurationMS,
	}).Debug("connection finished")
}
