package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camuig/rohstoff-dashboard/internal/backend"
	"github.com/camuig/rohstoff-dashboard/internal/chat"
	"github.com/camuig/rohstoff-dashboard/internal/config"
	"github.com/camuig/rohstoff-dashboard/internal/dispatcher"
	"github.com/camuig/rohstoff-dashboard/internal/logger"
	"github.com/camuig/rohstoff-dashboard/internal/notify"
	"github.com/camuig/rohstoff-dashboard/internal/poller"
	"github.com/camuig/rohstoff-dashboard/internal/store"
	"github.com/camuig/rohstoff-dashboard/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	// Init logger
	log := logger.NewWithOptions(logger.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	log.Info("starting rohstoff-dashboard", "backend", cfg.APIBaseURL(), "live", cfg.LiveEnabled())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init services
	api := backend.NewClient(cfg, log)
	st := store.New(log)

	var sinks []notify.Sink
	if tg := notify.NewTelegram(cfg, log); tg != nil {
		sinks = append(sinks, tg)
	}
	feed := notify.NewFeed(cfg.Notify.Capacity, log, sinks...)

	pl := poller.New(api, st, cfg, log)
	disp := dispatcher.New(api, st, pl, feed, log)
	session := chat.NewSession(api, st, log)

	webServer, err := web.NewServer(cfg, web.Deps{
		Store:      st,
		Poller:     pl,
		Dispatcher: disp,
		Chat:       session,
		Feed:       feed,
	}, log)
	if err != nil {
		log.Error("web server init failed", "error", err)
		os.Exit(1)
	}

	pl.Start(ctx)

	go func() {
		if err := webServer.Start(ctx); err != nil {
			log.Error("web server error", "error", err)
		}
	}()

	feed.Info("Dashboard", "connected to %s", cfg.APIBaseURL())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown: stop polling first so no fetch lands after the store closes.
	pl.Stop()
	st.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown error", "error", err)
	}

	log.Info("rohstoff-dashboard stopped")
}
