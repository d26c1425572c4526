package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/whatsapp-automation/engine/internal/api"
	"github.com/whatsapp-automation/engine/internal/campaign"
	"github.com/whatsapp-automation/engine/internal/session"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the campaign worker, dispatcher and session monitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cfg, log, err := setup()
	if err != nil {
		return err
	}
	a, err := build(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	defer a.close()

	log.WithFields(logrus.Fields{
		"addr":      cfg.HTTP.Addr,
		"database":  cfg.Database.Driver,
		"queue":     cfg.Campaign.Queue,
		"nats":      cfg.NATS.URL != "",
		"telegram":  a.notifier.Enabled(),
		"scheduler": cfg.Scheduler.Enabled,
		"monitor":   cfg.Monitor.Enabled,
	}).Info("Engine starting")

	restored, failed := a.sessions.RestoreAll(ctx)
	log.WithField("restored", restored).WithField("failed", failed).Info("Sessions restored")

	var wg sync.WaitGroup
	background := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	worker := campaign.NewWorker(a.queue, a.runner, log)
	if n := worker.Recover(ctx, a.store); n > 0 {
		log.WithField("campaigns", n).Info("Re-enqueued pending campaigns")
	}
	background(func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("Campaign worker stopped")
		}
	})
	if cfg.Scheduler.Enabled {
		background(func() { a.dispatcher.Run(ctx) })
	}
	if cfg.Monitor.Enabled {
		monitor := session.NewMonitor(a.sessions, cfg.Monitor.Interval, cfg.Monitor.Cooldown, log)
		background(func() { monitor.Run(ctx) })
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(api.Deps{
			Store:      a.store,
			Sessions:   a.sessions,
			Messaging:  a.messaging,
			AutoReply:  a.autoReply,
			Forwarding: a.forwarding,
			Campaigns:  a.runner,
			Queue:      a.queue,
			Dispatcher: a.dispatcher,
			Groups:     a.groups,
			MaxUpload:  cfg.Media.MaxSize,
		}, log).Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err = <-serveErr:
		log.WithError(err).Error("HTTP server failed")
	}

	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	wg.Wait()
	return err
}
