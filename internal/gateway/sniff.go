package gateway

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

const (
	recordTypeHandshake = 0x16
	recordHeaderLen     = 5
	// A ClientHello record carries at most 16KiB of plaintext plus headers.
	recordBufferSize = 17 << 10
)

var (
	ErrNoHost         = errors.New("request carries no host")
	ErrHeaderTooLarge = errors.New("request header too large")
	ErrNotHTTP        = errors.New("request is not HTTP")
	errSniffed        = errors.New("client hello captured")
)

// bufferedConn reads through r so that sniffed bytes are replayed before
// the rest of the stream.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func newBufferedConn(c net.Conn, size int) *bufferedConn {
	if size < recordBufferSize {
		size = recordBufferSize
	}
	return &bufferedConn{Conn: c, r: bufio.NewReaderSize(c, size)}
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return errors.New("close write unsupported")
}

// isTLS reports whether the stream starts with a TLS handshake record.
func (c *bufferedConn) isTLS() (bool, error) {
	first, err := c.r.Peek(1)
	if err != nil {
		return false, err
	}
	return first[0] == recordTypeHandshake, nil
}

// sniffSNI extracts the server name from the ClientHello without consuming
// it. The returned name is empty when the client sent none.
func (c *bufferedConn) sniffSNI() (string, error) {
	header, err := c.r.Peek(recordHeaderLen)
	if err != nil {
		return "", err
	}
	length := int(header[3])<<8 | int(header[4])
	record, err := c.r.Peek(recordHeaderLen + length)
	if err != nil {
		return "", err
	}

	var name string
	var seen bool
	cfg := &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			name = hello.ServerName
			seen = true
			return nil, errSniffed
		},
	}
	_ = tls.Server(readOnlyConn{r: bytes.NewReader(record)}, cfg).Handshake()
	if !seen {
		return "", errors.New("malformed client hello")
	}
	return name, nil
}

// sniffHost finds the Host header of an HTTP/1 request without consuming
// it. At most max bytes are examined.
func sniffHost(r *bufio.Reader, max int) (string, error) {
	if max > r.Size() {
		max = r.Size()
	}

	want := 1
	for {
		if _, err := r.Peek(want); err != nil {
			return "", err
		}
		buf, _ := r.Peek(r.Buffered())

		// The method is checked first so the verdict does not depend on how
		// the header was split across reads.
		if !looksLikeHTTP(buf) {
			return "", ErrNotHTTP
		}
		if end := bytes.Index(buf, []byte("\r\n\r\n")); end >= 0 {
			return hostFromHeader(buf[:end])
		}
		if len(buf) >= max {
			return "", ErrHeaderTooLarge
		}
		want = len(buf) + 1
	}
}

func hostFromHeader(head []byte) (string, error) {
	lines := strings.Split(string(head), "\r\n")
	if !strings.Contains(lines[0], " HTTP/") {
		return "", ErrNotHTTP
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "host") {
			if v := strings.TrimSpace(value); v != "" {
				return v, nil
			}
		}
	}
	return "", ErrNoHost
}

// looksLikeHTTP rejects streams whose first bytes cannot start a request
// line, so binary protocols fail fast instead of waiting for a header end.
func looksLikeHTTP(buf []byte) bool {
	for i, c := range buf {
		if c == ' ' {
			return i > 0
		}
		if c < 'A' || c > 'Z' {
			return false
		}
		if i > 16 {
			return false
		}
	}
	return true
}

// readOnlyConn feeds recorded bytes to crypto/tls and swallows its replies.
type readOnlyConn struct {
	r io.Reader
}

func (c readOnlyConn) Read(p []byte) (int, error)         { return c.r.Read(p) }
func (c readOnlyConn) Write(p []byte) (int, error)        { return 0, io.ErrClosedPipe }
func (c readOnlyConn) Close() error                       { return nil }
func (c readOnlyConn) LocalAddr() net.Addr                { return nil }
func (c readOnlyConn) RemoteAddr() net.Addr               { return nil }
func (c readOnlyConn) SetDeadline(t time.Time) error      { return nil }
func (c readOnlyConn) SetReadDeadline(t time.Time) error  { return nil }
func (c readOnlyConn) SetWriteDeadline(t time.Time) error { return nil }
