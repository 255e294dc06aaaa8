// Implements the watch command.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maruel/tablesync/internal/syncclient"
)

type watchOptions struct {
	*rootOptions
	Limit int
}

// eventView is the printable form of a syncclient.Event.
type eventView struct {
	Kind      string `json:"kind" yaml:"kind"`
	RecordID  int64  `json:"recordId,omitempty" yaml:"recordId,omitempty"`
	Field     string `json:"field,omitempty" yaml:"field,omitempty"`
	Value     any    `json:"value,omitempty" yaml:"value,omitempty"`
	RequestID string `json:"requestId,omitempty" yaml:"requestId,omitempty"`
	Reason    string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Clients   int    `json:"clients,omitempty" yaml:"clients,omitempty"`
}

func newEventView(ev syncclient.Event) eventView {
	return eventView{
		Kind:      ev.Kind.String(),
		RecordID:  ev.RecordID,
		Field:     ev.Field,
		Value:     ev.Value,
		RequestID: ev.RequestID,
		Reason:    ev.Reason,
		Clients:   ev.Clients,
	}
}

func (v eventView) writeText(w io.Writer) error {
	var err error
	switch v.Kind {
	case "connected":
		_, err = fmt.Fprintf(w, "connected clients=%d\n", v.Clients)
	case "disconnected", "server_error":
		_, err = fmt.Fprintf(w, "%s %s\n", v.Kind, v.Reason)
	default:
		_, err = fmt.Fprintf(w, "%s record=%d %s=%s\n", v.Kind, v.RecordID, v.Field, formatValue(v.Value))
	}
	return err
}

func newWatchCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &watchOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live record changes until interrupted",
		Long: `Print live record changes until interrupted.

Loads up to --limit records, then follows the sync channel and reconnects
when the connection drops. Only changes to loaded records are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watch(ctx, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 1000, "number of records to follow")
	return cmd
}

func watch(ctx context.Context, opts *watchOptions, w io.Writer) error {
	u, err := opts.wsURL()
	if err != nil {
		return err
	}
	cache := syncclient.NewMemoryCache()
	fillCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	n, err := opts.api().Fill(fillCtx, cache, opts.Limit)
	cancel()
	if err != nil {
		return err
	}
	p := &printer{Format: opts.Format, W: w}
	if opts.Format == "text" {
		_, _ = fmt.Fprintf(w, "following %d records\n", n)
	}

	events := make(chan syncclient.Event, 64)
	agent := syncclient.New(cache, opts.agentOptions(func(ev syncclient.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}))
	ran := make(chan error, 1)
	go func() { ran <- agent.Run(ctx, u) }()
	for {
		select {
		case ev := <-events:
			v := newEventView(ev)
			if err := p.Print(v, v.writeText); err != nil {
				return err
			}
		case err := <-ran:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}
