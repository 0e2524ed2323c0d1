package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"skycomposer/internal/account"
	"skycomposer/internal/bluesky"
	"skycomposer/internal/composer"
	"skycomposer/internal/config"
	"skycomposer/internal/preview"
	"skycomposer/internal/storage"
)

// app bundles the components shared by every subcommand.
type app struct {
	cfg      config.Config
	log      *logrus.Logger
	store    *storage.BadgerStore
	previews *preview.Service
	client   *bluesky.Client
	accounts *account.Manager
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// newApp loads configuration and initializes storage, previews and the
// Bluesky client.
func newApp() (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}

	log := newLogger(cfg.LogLevel)
	log.WithFields(logrus.Fields{
		"badgerdb_path":    cfg.BadgerDBPath,
		"preview_provider": cfg.PreviewProvider,
		"bluesky_service":  cfg.BlueskyService,
	}).Info("Configuration loaded successfully")

	store, err := storage.NewBadgerStore(cfg.BadgerDBPath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	previews := preview.NewService(newProvider(cfg, log), preview.Options{
		Timeout:   cfg.PreviewTimeout,
		RateLimit: cfg.PreviewRateLimit,
		Burst:     preview.DefaultOptions().Burst,
	}, log)
	client := bluesky.NewClient(cfg.BlueskyService, cfg.BlueskyAppURL, httpClient, log)

	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		previews: previews,
		client:   client,
		accounts: account.NewManager(client, store, log),
	}, nil
}

func newProvider(cfg config.Config, log logrus.FieldLogger) preview.Provider {
	switch cfg.PreviewProvider {
	case config.ProviderOpenGraph:
		return preview.NewOpenGraphProvider(nil, log)
	case config.ProviderRod:
		return preview.NewRodProvider(log)
	default:
		return preview.NewEndpointProvider(cfg.PreviewEndpoint, &http.Client{Timeout: cfg.PreviewTimeout}, log)
	}
}

// newComposer builds the composer for userID with the configured options.
func (a *app) newComposer(ctx context.Context, userID int64) (*composer.Composer, error) {
	return composer.New(ctx, userID, a.store, a.previews, composer.Options{
		Debounce:        a.cfg.PreviewDebounce,
		RefetchOnSubmit: a.cfg.PreviewRefetchOnSubmit,
	}, a.log)
}

func (a *app) close() {
	a.log.Info("Closing database...")
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Error("Error closing database")
	}
}
