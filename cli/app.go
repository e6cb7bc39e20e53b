package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"aqar_pipeline/catalog"
	"aqar_pipeline/config"
	"aqar_pipeline/crm"
	"aqar_pipeline/events"
	"aqar_pipeline/extraction"
	"aqar_pipeline/httputil"
	"aqar_pipeline/llm"
	"aqar_pipeline/logging"
	"aqar_pipeline/notion"
	"aqar_pipeline/pipeline"
	"aqar_pipeline/services"
	"aqar_pipeline/storage"
	"aqar_pipeline/telegram"
)

// app is the fully wired pipeline shared by serve and run-once.
type app struct {
	cfg       *config.Config
	log       *logging.Logger
	store     *storage.SQLiteStore
	mirror    *storage.PostgresMirror
	publisher events.Publisher
	notifier  *services.Notifier
	orch      *pipeline.Orchestrator
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lg, err := logging.Setup(logging.Options{
		Level:           cfg.Log.Level,
		Format:          cfg.Log.Format,
		File:            cfg.Log.File,
		FluentHost:      cfg.Fluent.Host,
		FluentPort:      cfg.Fluent.Port,
		FluentTagPrefix: cfg.Fluent.TagPrefix,
	})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: lg}
	logger := lg.Logger

	if err := a.wire(ctx, logger); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, logger *slog.Logger) error {
	cfg := a.cfg

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	if err := crm.ValidateFieldMap(); err != nil {
		return err
	}

	clients := httputil.NewClients(cfg.AI.Timeout)

	var providers []llm.Provider
	for _, p := range cfg.AI.Providers {
		provider, err := llm.NewProvider(llm.Config{
			Provider: p.Name,
			Model:    p.Model,
			APIKey:   p.APIKey,
			Client:   clients.AI,
		})
		if err != nil {
			logger.Warn("skipping AI provider", "provider", p.Name, "error", err)
			continue
		}
		providers = append(providers, provider)
	}
	chain := extraction.NewChain(providers, cat, extraction.Options{
		MaxAttempts: cfg.AI.MaxAttempts,
		RetryDelay:  cfg.AI.RetryDelay,
	}, logger)
	if len(providers) == 0 {
		logger.Warn("no AI providers configured, using keyword extraction only")
	} else {
		logger.Info("AI providers", "order", chain.Providers())
	}

	a.store, err = storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	logger.Info("ledger opened", "path", cfg.DBPath)

	tg := telegram.New(cfg.Telegram, clients.Telegram, telegram.Options{}, logger)

	var lookup services.Lookup = a.store
	var kb services.KnowledgeBase
	if cfg.Notion.Enabled() {
		nc := notion.New(cfg.Notion, clients.Notion, notion.Options{}, logger)
		if err := nc.Ping(ctx); err != nil {
			logger.Warn("notion check failed", "error", err)
		}
		lookup, kb = nc, nc
	} else {
		logger.Warn("notion not configured, duplicates are checked against the ledger only")
	}

	zoho := crm.New(cfg.Zoho, clients.CRM, logger)
	if !zoho.Enabled() {
		logger.Info("zoho CRM not configured, CRM writes disabled")
	}

	a.notifier = services.NewNotifier(tg, cat.Tags, logger)

	a.publisher = events.Noop{}
	if cfg.AMQP.URL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQP, logger)
		if err != nil {
			logger.Warn("event publishing disabled", "error", err)
		} else {
			a.publisher = pub
			logger.Info("publishing events", "exchange", cfg.AMQP.Exchange)
		}
	}

	deps := pipeline.Deps{
		Fetcher:    tg,
		Extractor:  chain,
		Classifier: services.NewClassifier(lookup, cfg.Processing.ClassifyPolicy, logger),
		Committer:  services.NewCoordinator(kb, zoho, logger),
		Notifier:   a.notifier,
		Publisher:  a.publisher,
	}
	if cfg.Postgres.MirrorURL != "" {
		m, err := storage.NewPostgresMirror(ctx, cfg.Postgres.MirrorURL)
		if err != nil {
			logger.Warn("postgres mirror disabled", "error", err)
		} else {
			a.mirror = m
			deps.Mirror = m
			logger.Info("mirroring ledger", "postgres", storage.MaskConnectionString(cfg.Postgres.MirrorURL))
		}
	}

	a.orch = pipeline.NewOrchestrator(a.store, deps, pipeline.Options{
		MaxAttempts:     cfg.Processing.MaxRetryAttempts,
		RecordPause:     cfg.Processing.RecordPause,
		MessagePause:    cfg.Processing.MessagePause,
		FetchLimit:      cfg.Processing.FetchLimit,
		SkipTags:        cat.Tags.All(),
		ApplyDateFilter: cfg.Processing.ApplyDateFilter,
		Since:           cfg.Processing.LastSuccessDate,
	}, logger)
	return nil
}

func (a *app) Close() error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.mirror != nil {
		a.mirror.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}
