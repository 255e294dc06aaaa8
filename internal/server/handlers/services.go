// Defines shared service dependencies for handlers.

// Package handlers implements the REST endpoints of the records API.
package handlers

import (
	"context"
	"net/http"

	"github.com/maruel/tablesync/internal/config"
	"github.com/maruel/tablesync/internal/protocol"
	"github.com/maruel/tablesync/internal/records"
)

// RecordStore is the read side of the Record Store.
type RecordStore interface {
	GetPage(ctx context.Context, q records.PageQuery) (*records.Page, error)
	Get(ctx context.Context, id int64) (records.Record, error)
	Ping(ctx context.Context) error
}

// Syncer applies updates and broadcasts them. *hub.Hub implements it.
type Syncer interface {
	http.Handler
	Apply(ctx context.Context, u protocol.FieldUpdatePayload) (records.Record, error)
	Instance() string
	Clients() int
}

// Services holds all service dependencies for handlers.
type Services struct {
	Records RecordStore
	Sync    Syncer
}

// Config holds configuration values needed by handlers.
type Config struct {
	JWTSecret   []byte
	RequireAuth bool
	Version     string
	CORSOrigins []string
	Quotas      config.ServerQuotas
}
