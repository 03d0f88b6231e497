package gateway

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/sagernet/sing/common/bufio"
	"go.uber.org/multierr"
)

// bridge copies bytes both ways until either side finishes or ctx ends.
// Bytes already buffered on client are delivered to upstream first.
func bridge(ctx context.Context, client, upstream net.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
		_ = upstream.Close()
	})
	defer stop()

	err := bufio.CopyConn(ctx, client, upstream)
	err = multierr.Append(benign(err), benign(client.Close()))
	return multierr.Append(err, benign(upstream.Close()))
}

func benign(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
