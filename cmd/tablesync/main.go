// Package main is the entry point for the tablesync server.
//
// tablesync serves a table of records over a REST API and keeps every
// connected client in sync over WebSocket. Several instances can share one
// database when they are connected through a tablesync-broker. Configuration
// is read from CLI flags, a .env file in the data directory and
// server_config.json (JWT secret, rate limits, quotas, sync timings).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/maruel/tablesync/internal/bus"
	"github.com/maruel/tablesync/internal/bus/zmqbus"
	"github.com/maruel/tablesync/internal/config"
	"github.com/maruel/tablesync/internal/hub"
	"github.com/maruel/tablesync/internal/logging"
	"github.com/maruel/tablesync/internal/records"
	"github.com/maruel/tablesync/internal/server"
	"github.com/maruel/tablesync/internal/server/handlers"
	"github.com/maruel/tablesync/internal/server/ratelimit"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "tablesync: %v\n", err)
		os.Exit(1)
	}
}

// envFlags maps .env keys to the flags they set when the flag is not given
// on the command line.
var envFlags = map[string]string{
	"TABLESYNC_HTTP":        "http",
	"TABLESYNC_DB":          "db",
	"TABLESYNC_LOG_LEVEL":   "log-level",
	"TABLESYNC_BUS":         "bus",
	"TABLESYNC_BUS_PUB":     "bus-pub",
	"TABLESYNC_BUS_SUB":     "bus-sub",
	"TABLESYNC_INSTANCE":    "instance",
	"TABLESYNC_CORS_ORIGIN": "cors-origin",
	"TABLESYNC_SEED":        "seed",
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	httpAddr := flag.String("http", "localhost:8080", "Address to listen on (e.g., localhost:8080, :8080, 0.0.0.0:8080)")
	dataDir := flag.String("data-dir", "./data", "Data directory")
	dbPath := flag.String("db", "", "SQLite database path (default: <data-dir>/records.db)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	busKind := flag.String("bus", "memory", "Broadcast bus: memory (single instance) or zmq")
	busPub := flag.String("bus-pub", "tcp://127.0.0.1:5557", "Broker XSUB endpoint for -bus zmq")
	busSub := flag.String("bus-sub", "tcp://127.0.0.1:5558", "Broker XPUB endpoint for -bus zmq")
	instance := flag.String("instance", "", "Instance name reported to clients (default: hostname-<random>)")
	corsOrigin := flag.String("cors-origin", "", "Comma separated list of allowed origins, or *")
	seed := flag.Int("seed", 0, "Insert this many sample records when the table is empty")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}

	if *version {
		printVersion()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	slog.SetDefault(logging.New(os.Stderr, ll))

	if err := os.MkdirAll(*dataDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	env, err := loadDotEnv(*dataDir)
	if err != nil {
		return err
	}
	if err := applyDotEnv(env); err != nil {
		return err
	}
	if err := logging.SetLevel(ll, *logLevel); err != nil {
		return err
	}

	serverCfg, err := config.Load(*dataDir)
	if err != nil {
		return err
	}

	// Normalize addr: ":8080" becomes "localhost:8080"
	addr := *httpAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if *dbPath == "" {
		*dbPath = filepath.Join(*dataDir, "records.db")
	}
	if *instance == "" {
		host, _ := os.Hostname()
		*instance = host + "-" + uuid.NewString()[:8]
	}
	var origins []string
	for o := range strings.SplitSeq(*corsOrigin, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	store, err := records.Open(*dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if *seed > 0 {
		if err := seedRecords(ctx, store, *seed); err != nil {
			return err
		}
	}

	b, err := newBus(*busKind, *busPub, *busSub)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	limits := ratelimit.NewConfig(serverCfg.RateLimits.Rules())
	defer limits.Close()

	h := hub.New(store, b, hub.Options{
		Instance:        *instance,
		PingInterval:    serverCfg.Sync.PingInterval.D(),
		PongWait:        serverCfg.Sync.PongWait.D(),
		WriteTimeout:    serverCfg.Sync.WriteTimeout.D(),
		ApplyTimeout:    serverCfg.Sync.ApplyTimeout.D(),
		SendQueue:       serverCfg.Quotas.SendQueue,
		MaxMessageBytes: serverCfg.Quotas.MaxMessageBytes,
		MaxConnections:  serverCfg.Quotas.MaxConnections,
		Limiter:         limits.Socket.Limiter,
		CheckOrigin:     checkOrigin(origins),
	})
	if err := h.Start(ctx); err != nil {
		return err
	}

	svc := &handlers.Services{Records: store, Sync: h}
	cfg := &handlers.Config{
		JWTSecret:   serverCfg.JWTSecret,
		RequireAuth: serverCfg.RequireAuth,
		Version:     buildVersion(),
		CORSOrigins: origins,
		Quotas:      serverCfg.Quotas,
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.NewRouter(svc, cfg, limits),
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := watchExecutable(ctx, stop); err != nil {
		slog.WarnContext(ctx, "Could not watch executable", "err", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		slog.InfoContext(ctx, "Starting server", "addr", addr, "instance", *instance, "bus", *busKind, "db", *dbPath, "version", cfg.Version)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		slog.InfoContext(ctx, "Shutting down server")
		// Close WebSocket connections first; Shutdown does not track hijacked
		// connections.
		_ = h.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		h.Wait()
		slog.InfoContext(ctx, "Server stopped")
		return nil
	})
	return eg.Wait()
}

func newBus(kind, pub, sub string) (bus.Bus, error) {
	switch kind {
	case "memory":
		return bus.NewMemory(0, nil), nil
	case "zmq":
		return zmqbus.New(zmqbus.Config{PubAddr: pub, SubAddr: sub}, nil)
	default:
		return nil, fmt.Errorf("unknown bus %q, want memory or zmq", kind)
	}
}

// checkOrigin accepts requests without Origin and those from origins. An
// empty list accepts every origin.
func checkOrigin(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		o := r.Header.Get("Origin")
		return o == "" || slices.Contains(origins, o)
	}
}

// applyDotEnv sets flags from .env values unless given on the command line.
func applyDotEnv(env map[string]string) error {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	for key, name := range envFlags {
		v, ok := env[key]
		if !ok || set[name] {
			continue
		}
		if err := flag.Set(name, v); err != nil {
			return fmt.Errorf(".env %s: %w", key, err)
		}
	}
	return nil
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("tablesync %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func buildVersion() string {
	version, _, _, _ := getBuildInfo()
	return version
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}

// watchExecutable watches the current executable for modifications and calls
// stop to trigger graceful shutdown when detected. Restarting is left to the
// supervisor.
func watchExecutable(ctx context.Context, stop context.CancelFunc) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}
	return watchFile(ctx, exe, stop)
}

// watchFile calls stop once path is written to or its mode changes.
func watchFile(ctx context.Context, path string, stop context.CancelFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					slog.InfoContext(ctx, "Executable modified, initiating shutdown")
					stop()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching executable", "err", err)
			}
		}
	}()
	return nil
}

func seedRecords(ctx context.Context, store *records.Store, n int) error {
	inserted, err := store.Seed(ctx, n, rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)))
	if err != nil {
		return err
	}
	if inserted > 0 {
		slog.InfoContext(ctx, "Seeded records", "count", inserted)
	}
	return nil
}
