// Defines the root command and the flags shared by every subcommand.

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/maruel/tablesync/internal/syncclient"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Server  string
	Token   string
	Format  string // "text" | "json" | "yaml"
	Timeout time.Duration
}

// validFormats defines the allowed output formats.
var validFormats = []string{"text", "json", "yaml"}

// newRootCommand creates the root command of tablesyncctl.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "tablesyncctl",
		Short: "Command line client for a tablesync server",
		Long: `Command line client for a tablesync server.

Reads records over the REST API and edits them through the same optimistic
WebSocket sync path the browser uses.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr("TABLESYNC_SERVER", "http://localhost:8080"), "server base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("TABLESYNC_TOKEN"), "bearer token")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newSetCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newSchemaCommand(opts))

	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (o *rootOptions) api() *syncclient.API {
	return &syncclient.API{BaseURL: o.Server, Token: o.Token, Client: &http.Client{Timeout: o.Timeout}}
}

// wsURL derives the WebSocket endpoint from the server base URL.
func (o *rootOptions) wsURL() (string, error) {
	u, err := url.Parse(o.Server)
	if err != nil {
		return "", fmt.Errorf("invalid --server: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid --server %q: want http or https", o.Server)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (o *rootOptions) agentOptions(onEvent func(syncclient.Event)) syncclient.Options {
	opts := syncclient.Options{OnEvent: onEvent}
	if o.Token != "" {
		opts.Header = http.Header{"Authorization": {"Bearer " + o.Token}}
	}
	return opts
}
