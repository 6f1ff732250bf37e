// Command mqbrokerd runs the MQTT broker-core daemon: one Router driving
// any number of configured listeners (TCP, TLS, WebSocket), each accepted
// connection handed to its own connection event loop. Grounded on the
// teacher's own Dial/Client wiring in client.go, turned inside-out for the
// accepting side per SPEC_FULL.md §4.10.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/coreward/mqbroker/internal/router"
	"github.com/coreward/mqbroker/internal/sessionstore"
	"github.com/coreward/mqbroker/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mqbrokerd:", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.newLogHandler(os.Stderr))

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("mqbrokerd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cfg.newSessionStore()
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	r := router.New(cfg.routerConfig(logger))
	routerStop := make(chan struct{})
	go r.Run(routerStop)
	defer close(routerStop)

	listeners := make([]transport.Listener, 0, len(cfg.Listeners))
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, lc := range cfg.Listeners {
		ln, err := transport.Listen(ctx, transport.Config{
			Kind:     lc.Transport,
			Addr:     lc.Addr,
			CertFile: lc.CertFile,
			KeyFile:  lc.KeyFile,
		})
		if err != nil {
			return fmt.Errorf("listen %s %s: %w", lc.Transport, lc.Addr, err)
		}
		listeners = append(listeners, ln)
		logger.Info("listening", "transport", lc.Transport, "addr", ln.Addr())

		ln := ln
		g.Go(func() error {
			return acceptLoop(gctx, ln, r, store, cfg, logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		for _, ln := range listeners {
			ln.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

// acceptLoop accepts connections from one listener until ctx is cancelled,
// handing each to its own connection goroutine.
func acceptLoop(ctx context.Context, ln transport.Listener, r *router.Router, store sessionstore.Store, cfg Config, logger *slog.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
		}
		go serve(ctx, conn, r, store, cfg.MaxInflightDefault, cfg.MaxPacketSize, cfg.KeepAliveDefault, logger)
	}
}
