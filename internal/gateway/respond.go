package gateway

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	serverName   = "rwproxy"
	contentText  = "text/plain; charset=utf-8"
	contentHTML  = "text/html; charset=utf-8"
	drainTimeout = time.Second
	drainLimit   = 64 << 10
)

// writeBody writes a complete HTTP/1.1 response and asks the client to
// close.
func writeBody(w io.Writer, code int, contentType string, body []byte, now time.Time) error {
	text := http.StatusText(code)
	if text == "" {
		text = "Status"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", code, text)
	fmt.Fprintf(&b, "Date: %s\r\n", now.UTC().Format(http.TimeFormat))
	fmt.Fprintf(&b, "Server: %s\r\n", serverName)
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n\r\n")
	b.Write(body)

	_, err := w.Write(b.Bytes())
	return err
}

type closeWriter interface {
	CloseWrite() error
}

// closeGracefully half-closes conn and discards what the client still sends
// so the response is not lost to a reset.
func closeGracefully(conn net.Conn) error {
	if cw, ok := conn.(closeWriter); ok {
		if err := cw.CloseWrite(); err == nil {
			_ = conn.SetReadDeadline(time.Now().Add(drainTimeout))
			_, _ = io.Copy(io.Discard, io.LimitReader(conn, drainLimit))
		}
	}
	return conn.Close()
}
