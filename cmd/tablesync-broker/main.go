// Package main runs the ZeroMQ broker shared by tablesync instances.
//
// Every tablesync server started with -bus zmq publishes into the XSUB
// endpoint and subscribes from the XPUB endpoint, so a field update applied
// on one instance reaches the clients of all of them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maruel/tablesync/internal/bus/zmqbus"
	"github.com/maruel/tablesync/internal/logging"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "tablesync-broker: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	xsub := flag.String("xsub", "tcp://*:5557", "Endpoint publishers connect to")
	xpub := flag.String("xpub", "tcp://*:5558", "Endpoint subscribers connect to")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}
	if *xsub == *xpub {
		return errors.New("-xsub and -xpub must differ")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	if err := logging.SetLevel(ll, *logLevel); err != nil {
		return err
	}
	log := logging.New(os.Stderr, ll)
	slog.SetDefault(log)

	if err := zmqbus.RunProxy(ctx, *xsub, *xpub, log); err != nil {
		return err
	}
	log.InfoContext(ctx, "Broker stopped")
	return nil
}
