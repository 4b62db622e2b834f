package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gammadia/nodepool/server/flags"
	"github.com/gammadia/nodepool/server/log"
	"github.com/gammadia/nodepool/server/metrics"

	"github.com/samber/lo"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// Global context for shutdown cascading, cancelled by the signal handler.
var ctx, cancel = context.WithCancel(context.Background())

func main() {
	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
	log.Info("Nodepool starting up...", "version", version, "commit", commit)

	if err := run(); err != nil {
		log.Error("Nodepool failed", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown completed. Bye!")
}

func run() error {
	store, err := createStore()
	if err != nil {
		return fmt.Errorf("failed to open inventory: %w", err)
	}
	defer store.Close()

	locker, err := createLocker()
	if err != nil {
		return fmt.Errorf("failed to create lock: %w", err)
	}

	registry, err := createRegistry()
	if err != nil {
		return fmt.Errorf("failed to load pools: %w", err)
	}

	contextualizer, err := createContextualizer()
	if err != nil {
		return fmt.Errorf("failed to create contextualizer: %w", err)
	}

	scheduler, err := createScheduler(store, registry, locker, contextualizer)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	setupInterrupts()

	m := metrics.New(store, log.Component("metrics"))
	events, unsubscribe := scheduler.Subscribe()
	go m.Listen(events)

	httpServer := &http.Server{
		Addr:              viper.GetString(flags.Listen),
		Handler:           m.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// The scheduler runs until the context is cancelled, then waits for its
	// tasks before the event channel is released.
	group.Go(func() error {
		scheduler.Run(groupCtx)
		scheduler.Shutdown()
		scheduler.Wait()
		unsubscribe()
		return nil
	})

	group.Go(func() error {
		log.Info("Server listening", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// setupInterrupts handles SIGINT and SIGTERM with a double-tap pattern:
// - First signal: calls cancel() which cascades shutdown through ctx.Done()
// - Second signal: forces immediate exit (in case graceful shutdown hangs)
func setupInterrupts() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		log.Info("Shutdown signal received, attempting graceful shutdown")
		cancel()
		<-sig
		log.Warn("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()
}
