package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rwproxy/rwproxy/internal/config"
	"github.com/rwproxy/rwproxy/internal/logging"
	"github.com/rwproxy/rwproxy/internal/normalize"
	"github.com/rwproxy/rwproxy/internal/ratelimit"
	"github.com/rwproxy/rwproxy/internal/rules"
	"github.com/sirupsen/logrus"
)

// How the TLS layer of a connection was treated.
const (
	tlsNone       = "none"
	tlsSniffed    = "sniffed"
	tlsTerminated = "terminated"
)

// request is a connection whose initial URL has been worked out. conn
// replays every byte the client sent, after any terminated TLS layer.
type request struct {
	url  rules.URL
	conn net.Conn
	tls  string
	http bool
}

func (g *Gateway) handle(ctx context.Context, raw net.Conn, listener config.Listener) {
	start := time.Now()
	g.metrics.ConnOpened()
	defer g.metrics.ConnClosed()

	connID := uuid.NewString()
	log := g.log.WithFields(logrus.Fields{
		"conn":     connID,
		"client":   raw.RemoteAddr().String(),
		"listener": listener.Address,
	})
	d := logging.Decision{
		Timestamp: start.UTC(),
		ConnID:    connID,
		ClientIP:  ratelimit.ClientKey(raw.RemoteAddr()),
		Listener:  listener.Address,
		TLS:       tlsNone,
	}
	var loop bool
	defer func() {
		d.DurationMS = time.Since(start).Milliseconds()
		g.writeDecision(log, d, loop)
	}()

	if !g.limiter.Allow(d.ClientIP, start) {
		d.Outcome = logging.OutcomeRejected
		d.RateLimited = true
		d.Reason = "rate limited"
		_ = raw.Close()
		return
	}

	_ = raw.SetDeadline(start.Add(g.handshakeTimeout))
	req, err := g.negotiate(ctx, raw, listener)
	if req != nil {
		d.TLS = req.tls
	}
	if err != nil {
		g.reject(log, &d, raw, req, err)
		return
	}
	_ = raw.SetDeadline(time.Time{})
	d.InitialURL = req.url.String()

	out, cached := g.router.Resolve(req.url)
	loop = out.Loop
	d.Cached = cached
	d.Steps = out.Steps
	d.Reason = out.Reason
	d.Trace = traceLines(out.Trace)
	if rule, ok := out.LastRule(); ok {
		d.Rule = &rule
	}

	switch out.State {
	case rules.StateDropped:
		d.Outcome = logging.OutcomeDropped
		_ = req.conn.Close()
	case rules.StateResponding:
		d.Outcome = logging.OutcomeResponding
		d.StatusCode = out.Code
		if loop {
			log.WithField("reason", out.Reason).Warn("rewrite loop")
		}
		if rule, applied := out.LastRule(); (!applied || rule < 0) && !loop && g.notFound != nil {
			g.respondBody(log, req, out.Code, contentHTML, g.notFound)
			break
		}
		g.respond(log, req, out.Code, out.Message)
	case rules.StateForwarding:
		d.Destination = out.Destination.Address()
		g.forward(ctx, log, &d, req, out.Destination)
	}
}

// negotiate reads as much of the connection as it takes to find the host the
// client asked for, terminating TLS when the table says so.
func (g *Gateway) negotiate(ctx context.Context, raw net.Conn, listener config.Listener) (*request, error) {
	bc := newBufferedConn(raw, g.maxHeaderBytes)
	req := &request{conn: bc, tls: tlsNone}

	isTLS, err := bc.isTLS()
	if err != nil {
		return req, fmt.Errorf("read first byte: %w", err)
	}

	var host string
	switch {
	case isTLS && g.mode == rules.TLSNone:
		req.tls = tlsSniffed
		req.url.Scheme = "https"
		host, err = bc.sniffSNI()
		if err != nil {
			return req, fmt.Errorf("sniff client hello: %w", err)
		}
		if host == "" {
			return req, fmt.Errorf("client hello: %w", ErrNoHost)
		}

	case isTLS:
		tc := tls.Server(bc, g.tlsConfig)
		hctx, cancel := context.WithTimeout(ctx, g.handshakeTimeout)
		err = tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			return req, fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		inner := newBufferedConn(tc, g.maxHeaderBytes)
		req.conn = inner
		req.tls = tlsTerminated
		req.http = true
		req.url.Scheme = "https"
		host = tc.ConnectionState().ServerName
		if host == "" {
			host, err = sniffHost(inner.r, g.maxHeaderBytes)
			if err != nil {
				return req, err
			}
		}

	case g.mode == rules.TLSMandatory:
		return req, fmt.Errorf("%w: plaintext connection on a tls-only listener", ErrHandshake)

	default:
		req.url.Scheme = "http"
		host, err = sniffHost(bc.r, g.maxHeaderBytes)
		req.http = err == nil || errors.Is(err, ErrNoHost) || errors.Is(err, ErrHeaderTooLarge)
		if err != nil {
			return req, err
		}
	}

	authority, err := normalize.Authority(host)
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrNoHost, err)
	}
	req.url.Host = authority.Name
	req.url.Scheme = normalize.Scheme(listener.Scheme, req.url.Scheme)
	req.url.Port = listenerPort(listener, raw.LocalAddr())
	if req.url.Port == rules.DefaultPort(req.url.Scheme) {
		req.url.Port = 0
	}
	return req, nil
}

func listenerPort(listener config.Listener, local net.Addr) int {
	if listener.Port > 0 {
		return listener.Port
	}
	if tcp, ok := local.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// reject finishes a connection that never produced an initial URL.
func (g *Gateway) reject(log logrus.FieldLogger, d *logging.Decision, raw net.Conn, req *request, err error) {
	d.Error = err.Error()

	switch {
	case isTimeout(err):
		d.Outcome = logging.OutcomeDropped
		d.Reason = "timed out waiting for host"
		if errors.Is(err, ErrHandshake) {
			d.Reason = "timed out during tls handshake"
			g.metrics.HandshakeFailed(d.Listener)
		}
		log.Debug(d.Reason)
	case errors.Is(err, ErrHandshake):
		d.Outcome = logging.OutcomeFailed
		g.metrics.HandshakeFailed(d.Listener)
		log.WithError(err).Info("handshake failed")
	case req != nil && req.http && errors.Is(err, ErrNoHost):
		d.Outcome = logging.OutcomeResponding
		d.StatusCode = http.StatusBadRequest
		g.respond(log, req, http.StatusBadRequest, "missing Host header")
		return
	case req != nil && req.http && errors.Is(err, ErrHeaderTooLarge):
		d.Outcome = logging.OutcomeResponding
		d.StatusCode = http.StatusRequestHeaderFieldsTooLarge
		g.respond(log, req, http.StatusRequestHeaderFieldsTooLarge, "request header too large")
		return
	default:
		d.Outcome = logging.OutcomeFailed
		log.WithError(err).Debug("could not determine host")
	}
	_ = raw.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// respond answers the client directly when it spoke HTTP and closes the
// connection either way.
func (g *Gateway) respond(log logrus.FieldLogger, req *request, code int, message string) {
	if !strings.HasSuffix(message, "\n") {
		message += "\n"
	}
	g.respondBody(log, req, code, contentText, []byte(message))
}

// respondBody is respond with a caller supplied body, used for the
// not-found page.
func (g *Gateway) respondBody(log logrus.FieldLogger, req *request, code int, contentType string, body []byte) {
	if !req.http {
		_ = req.conn.Close()
		return
	}
	_ = req.conn.SetWriteDeadline(time.Now().Add(g.handshakeTimeout))
	if err := writeBody(req.conn, code, contentType, body, time.Now()); err != nil {
		log.WithError(err).Debug("write response")
	}
	_ = closeGracefully(req.conn)
}

func (g *Gateway) forward(ctx context.Context, log logrus.FieldLogger, d *logging.Decision, req *request, dest rules.URL) {
	dialStart := time.Now()
	dctx, cancel := context.WithTimeout(ctx, g.dialTimeout)
	upstream, err := g.dialer.DialContext(dctx, "tcp", dest.Address())
	cancel()
	d.DialMS = time.Since(dialStart).Milliseconds()

	if err != nil {
		g.metrics.DialFailed()
		d.Outcome = logging.OutcomeFailed
		d.Error = fmt.Errorf("%w: %v", ErrDestinationUnreachable, err).Error()
		log.WithError(err).WithField("destination", dest.Address()).Warn("destination unreachable")
		if req.http {
			d.StatusCode = http.StatusBadGateway
		}
		g.respond(log, req, http.StatusBadGateway, "destination unreachable")
		return
	}

	d.Outcome = logging.OutcomeForwarding
	log.WithField("destination", dest.Address()).Debug("bridging")
	if err := bridge(ctx, req.conn, upstream); err != nil {
		log.WithError(err).Debug("bridge closed")
	}
}

func traceLines(trace []rules.Step) []string {
	if len(trace) == 0 {
		return nil
	}
	lines := make([]string, len(trace))
	for i, step := range trace {
		lines[i] = step.String()
	}
	return lines
}
