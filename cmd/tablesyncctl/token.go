// Implements the token command.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/maruel/tablesync/internal/config"
)

type tokenOptions struct {
	*rootOptions
	Subject string
	TTL     time.Duration
	Secret  string
	DataDir string
}

func newTokenCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &tokenOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the server secret",
		Long: `Mint a bearer token signed with the server secret.

The secret is read from <data-dir>/server_config.json unless --secret is
given. The token is printed on stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := opts.secret()
			if err != nil {
				return err
			}
			tok, err := mintToken(secret, opts.Subject, opts.TTL, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.Subject, "subject", "tablesyncctl", "token subject")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "signing secret (overrides --data-dir)")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "./data", "server data directory")
	return cmd
}

func (o *tokenOptions) secret() ([]byte, error) {
	if o.Secret != "" {
		return []byte(o.Secret), nil
	}
	// config.Load would create a fresh secret the server does not know.
	if _, err := os.Stat(filepath.Join(o.DataDir, config.FileName)); err != nil {
		return nil, fmt.Errorf("no %s in %s; pass --secret or --data-dir", config.FileName, o.DataDir)
	}
	cfg, err := config.Load(o.DataDir)
	if err != nil {
		return nil, err
	}
	return cfg.JWTSecret, nil
}

// mintToken returns an HS256 JWT for sub, valid for ttl from now.
func mintToken(secret []byte, sub string, ttl time.Duration, now time.Time) (string, error) {
	if sub == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	claims := jwt.MapClaims{
		"sub": sub,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
