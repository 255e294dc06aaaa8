// Provides the XSUB/XPUB forwarding broker.

package zmqbus

import (
	"context"
	"fmt"
	"log/slog"

	zmq "github.com/pebbe/zmq4"
)

// RunProxy binds xsubAddr (publishers connect here) and xpubAddr (subscribers
// connect here) and forwards messages between them until ctx is done.
func RunProxy(ctx context.Context, xsubAddr, xpubAddr string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	zctx, err := zmq.NewContext()
	if err != nil {
		return fmt.Errorf("create context: %w", err)
	}
	defer func() { _ = zctx.Term() }()

	xsub, err := zctx.NewSocket(zmq.XSUB)
	if err != nil {
		return fmt.Errorf("create XSUB: %w", err)
	}
	defer func() { _ = xsub.Close() }()
	if err := xsub.Bind(xsubAddr); err != nil {
		return fmt.Errorf("bind XSUB %s: %w", xsubAddr, err)
	}

	xpub, err := zctx.NewSocket(zmq.XPUB)
	if err != nil {
		return fmt.Errorf("create XPUB: %w", err)
	}
	defer func() { _ = xpub.Close() }()
	if err := xpub.Bind(xpubAddr); err != nil {
		return fmt.Errorf("bind XPUB %s: %w", xpubAddr, err)
	}

	// The proxy stops when it reads TERMINATE on its control socket.
	const controlAddr = "inproc://tablesync-proxy-control"
	control, err := zctx.NewSocket(zmq.PAIR)
	if err != nil {
		return fmt.Errorf("create control: %w", err)
	}
	defer func() { _ = control.Close() }()
	if err := control.Bind(controlAddr); err != nil {
		return fmt.Errorf("bind control: %w", err)
	}
	steer, err := zctx.NewSocket(zmq.PAIR)
	if err != nil {
		return fmt.Errorf("create steer: %w", err)
	}
	if err := steer.Connect(controlAddr); err != nil {
		_ = steer.Close()
		return fmt.Errorf("connect steer: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		defer func() { _ = steer.Close() }()
		select {
		case <-ctx.Done():
			if _, err := steer.Send("TERMINATE", 0); err != nil {
				log.Error("proxy: send TERMINATE", "err", err)
			}
		case <-stopped:
		}
	}()

	log.InfoContext(ctx, "proxy: forwarding", "xsub", xsubAddr, "xpub", xpubAddr)
	err = zmq.ProxySteerable(xsub, xpub, nil, control)
	close(stopped)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("proxy: %w", err)
	}
	return nil
}
