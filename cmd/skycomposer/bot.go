package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"skycomposer/internal/bot"
	"skycomposer/internal/composer"
	"skycomposer/internal/observability"
)

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run the Telegram composer bot",
	Args:  cobra.NoArgs,
	RunE:  runBot,
}

func runBot(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.cfg.RequireTelegram(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	composers := composer.NewRegistry(a.newComposer)
	defer composers.Close()

	botHandler, err := bot.NewHandler(a.cfg, composers, a.accounts, a.log)
	if err != nil {
		return err
	}

	go a.store.RunGC(ctx, 5*time.Minute)
	go composers.RunEviction(ctx, time.Minute, a.cfg.ComposerIdleTimeout)
	if a.cfg.MetricsAddr != "" {
		go observability.ServeMetrics(ctx, a.cfg.MetricsAddr, a.log)
	}

	a.log.Info("Starting SkyComposer...")
	go botHandler.Start(ctx)
	a.log.Info("SkyComposer is running. Press Ctrl+C to exit.")

	<-ctx.Done()

	a.log.Info("Shutting down SkyComposer...")
	stop()
	return nil
}
