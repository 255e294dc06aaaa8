// Provides dialing and the reconnect loop of the agent.

package syncclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Dial opens a WebSocket connection to url with the agent's dialer and
// handshake headers.
func (a *Agent) Dial(ctx context.Context, url string) (*websocket.Conn, error) {
	ws, resp, err := a.opts.Dialer.DialContext(ctx, url, a.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		_ = ws.Close()
		return nil, fmt.Errorf("dial %s: unexpected HTTP %d", url, resp.StatusCode)
	}
	return ws, nil
}

// Run keeps the agent connected to url until ctx is done, redialing after
// ReconnectDelay whenever the connection drops. Before each redial, edits
// whose rollback deadline passed while disconnected are rolled back.
func (a *Agent) Run(ctx context.Context, url string) error {
	for {
		a.RollbackExpired()
		ws, err := a.Dial(ctx, url)
		if err == nil {
			err = a.Serve(ctx, ws)
			a.emit(&Event{Kind: EventDisconnected, Reason: errString(err)})
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.log.WarnContext(ctx, "sync: connection lost, retrying", "url", url, "err", err, "delay", a.opts.ReconnectDelay)
		timer := a.clock.Timer(a.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
