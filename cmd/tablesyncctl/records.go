// Implements the list, get and set commands.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/maruel/tablesync/internal/protocol"
	"github.com/maruel/tablesync/internal/records"
	"github.com/maruel/tablesync/internal/syncclient"
)

type listOptions struct {
	*rootOptions
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

func newListCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &listOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List one page of records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			resp, err := opts.api().List(ctx, records.PageQuery{
				Limit:     opts.Limit,
				Offset:    opts.Offset,
				SortBy:    opts.SortBy,
				SortOrder: opts.SortOrder,
			})
			if err != nil {
				return err
			}
			p := &printer{Format: opts.Format, W: cmd.OutOrStdout()}
			return p.Print(resp.Data.Records, func(w io.Writer) error {
				for _, r := range resp.Data.Records {
					if err := writeRecordText(w, r); err != nil {
						return err
					}
				}
				pg := resp.Pagination
				_, err := fmt.Fprintf(w, "# %d-%d of %d\n", pg.Offset+1, pg.Offset+len(resp.Data.Records), pg.Total)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size (server default when 0)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "rows to skip")
	cmd.Flags().StringVar(&opts.SortBy, "sort-by", "", "sort column")
	cmd.Flags().StringVar(&opts.SortOrder, "sort-order", "", "asc or desc")
	return cmd
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			rec, err := opts.api().Get(ctx, id)
			if err != nil {
				return err
			}
			p := &printer{Format: opts.Format, W: cmd.OutOrStdout()}
			return p.Print(rec, func(w io.Writer) error { return writeRecordText(w, rec) })
		},
	}
}

func newSetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <id> <field> <value>",
		Short: "Edit one field through the sync channel",
		Long: `Edit one field through the sync channel.

The value is parsed as JSON when possible (42, 1.5, true, null, "quoted")
and used as a plain string otherwise. The command waits until the server
confirms the edit or the edit is rolled back, and exits with an error on
rollback.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			rec, err := setField(cmd.Context(), opts, id, args[1], parseValue(args[2]))
			if err != nil {
				return err
			}
			p := &printer{Format: opts.Format, W: cmd.OutOrStdout()}
			return p.Print(rec, func(w io.Writer) error { return writeRecordText(w, rec) })
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid record id %q", s)
	}
	return id, nil
}

// parseValue decodes s as a JSON value, falling back to the raw string.
func parseValue(s string) any {
	if json.Valid([]byte(s)) {
		if v, err := protocol.DecodeValue(json.RawMessage(s)); err == nil {
			return v
		}
	}
	return s
}

// setField sends one optimistic edit and waits for its outcome. It returns
// the record as the agent's cache holds it afterwards.
func setField(ctx context.Context, opts *rootOptions, id int64, field string, value any) (records.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	rec, err := opts.api().Get(ctx, id)
	if err != nil {
		return records.Record{}, err
	}
	u, err := opts.wsURL()
	if err != nil {
		return records.Record{}, err
	}

	events := make(chan syncclient.Event, 16)
	done := make(chan struct{})
	cache := syncclient.NewMemoryCache(rec)
	agent := syncclient.New(cache, opts.agentOptions(func(ev syncclient.Event) {
		select {
		case events <- ev:
		case <-done:
		}
	}))
	ws, err := agent.Dial(ctx, u)
	if err != nil {
		return records.Record{}, err
	}
	served := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		served <- agent.Serve(ctx, ws)
	}()
	defer func() {
		close(done)
		_ = agent.Close()
		<-stopped
	}()

	if err := waitFor(ctx, events, served, func(ev syncclient.Event) bool { return ev.Kind == syncclient.EventConnected }); err != nil {
		return records.Record{}, err
	}
	reqID, err := agent.SendUpdate(id, field, value)
	if err != nil {
		return records.Record{}, err
	}
	var outcome syncclient.Event
	err = waitFor(ctx, events, served, func(ev syncclient.Event) bool {
		if ev.RequestID != reqID || (ev.Kind != syncclient.EventConfirmed && ev.Kind != syncclient.EventRolledBack) {
			return false
		}
		outcome = ev
		return true
	})
	if err != nil {
		return records.Record{}, err
	}
	if outcome.Kind == syncclient.EventRolledBack {
		return records.Record{}, fmt.Errorf("edit rolled back: %s", outcome.Reason)
	}
	got, _ := cache.Get(id)
	return got, nil
}

// waitFor consumes events until match returns true, the connection ends or
// ctx is done.
func waitFor(ctx context.Context, events <-chan syncclient.Event, served <-chan error, match func(syncclient.Event) bool) error {
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return nil
			}
		case err := <-served:
			if err == nil {
				err = errors.New("connection closed")
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
