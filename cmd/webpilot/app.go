package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/entrhq/webpilot/pkg/agent"
	"github.com/entrhq/webpilot/pkg/automation"
	"github.com/entrhq/webpilot/pkg/automation/playwright"
	"github.com/entrhq/webpilot/pkg/config"
	"github.com/entrhq/webpilot/pkg/llm"
	"github.com/entrhq/webpilot/pkg/llm/openai"
	"github.com/entrhq/webpilot/pkg/llm/tokenizer"
	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/entrhq/webpilot/pkg/notify"
	"github.com/entrhq/webpilot/pkg/obstacle"
	"github.com/entrhq/webpilot/pkg/pool"
	"github.com/entrhq/webpilot/pkg/service"
	"github.com/entrhq/webpilot/pkg/step"
	"github.com/entrhq/webpilot/pkg/store"
)

// app holds every long-lived component of one process.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	driver  *playwright.Driver
	pool    *pool.Pool
	store   *store.SQLite
	hub     *notify.Hub
	service *service.Service
}

// newApp wires the components described by cfg.
func newApp(ctx context.Context, cfg *config.Config, hubOpts ...notify.Option) (*app, error) {
	logger := logging.MustLogger("webpilot")

	provider, err := openai.NewProvider(cfg.Planner.APIKey,
		openai.WithModel(cfg.Planner.Model),
		openai.WithBaseURL(cfg.Planner.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create planner provider: %w", err)
	}

	var interpreter llm.Provider = provider
	if cfg.Planner.InterpreterModel != "" {
		interpreter = provider.CloneWithModel(cfg.Planner.InterpreterModel)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}

	driver := playwright.NewDriver(interpreter,
		playwright.WithSkipInstall(cfg.Browser.SkipInstall),
		playwright.WithLogger(logger.With("browser")),
	)

	p := pool.New(driver,
		pool.WithCapacity(cfg.Pool.Capacity),
		pool.WithAcquireTimeout(cfg.Pool.AcquireTimeout),
		pool.WithIdleTimeout(cfg.Pool.IdleTimeout),
		pool.WithSweepInterval(cfg.Pool.SweepInterval),
		pool.WithLaunchOptions(automation.LaunchOptions{
			Headless:       cfg.Browser.Headless,
			ViewportWidth:  cfg.Browser.ViewportWidth,
			ViewportHeight: cfg.Browser.ViewportHeight,
			Timeout:        cfg.Browser.Timeout,
		}),
		pool.WithLogger(logger.With("pool")),
	)
	p.Start(ctx)

	guard, err := step.NewGuard(cfg.Navigation.AllowedURLs, cfg.Navigation.DeniedURLs)
	if err != nil {
		p.Shutdown()
		_ = st.Close()
		return nil, fmt.Errorf("invalid navigation patterns: %w", err)
	}

	var clearer *obstacle.Clearer
	if cfg.Obstacles.Enabled {
		clearer = obstacle.New(
			obstacle.WithOptions(cfg.Obstacles.Options),
			obstacle.WithRetries(cfg.Obstacles.RetriesPerOption),
			obstacle.WithLogger(logger.With("obstacle")),
		)
	}

	artifacts := step.NewArtifactWriter(cfg.Artifacts.OutputDir,
		step.WithScreenshots(cfg.Artifacts.Screenshots),
		step.WithSummary(cfg.Artifacts.Summary),
	)

	executor := step.New(
		step.WithClearer(clearer),
		step.WithGuard(guard),
		step.WithArtifacts(artifacts),
		step.WithLogger(logger.With("step")),
	)

	hub := notify.NewHub(append([]notify.Option{
		notify.WithQueueSize(cfg.Notify.QueueSize),
		notify.WithSendBuffer(cfg.Notify.SendBuffer),
		notify.WithHeartbeat(cfg.Notify.PingInterval, cfg.Notify.PongTimeout),
		notify.WithLogger(logger.With("notify")),
	}, hubOpts...)...)

	tok, err := tokenizer.New()
	if err != nil {
		logger.Warnf("Exact tokenizer unavailable, estimating tokens: %v", err)
		tok = tokenizer.NewEstimator()
	}

	loop := agent.New(provider, p, executor, st, hub,
		agent.WithArtifacts(artifacts),
		agent.WithTokenizer(tok),
		agent.WithFailureThreshold(cfg.Loop.FailureThreshold),
		agent.WithHistoryWindow(cfg.Loop.HistoryWindow),
		agent.WithPromptBudget(cfg.Planner.PromptTokenBudget),
		agent.WithLogger(logger.With("loop")),
	)

	svc := service.New(st, loop,
		service.WithBudgets(cfg.Loop.DefaultBudget, cfg.Loop.MaxBudget),
		service.WithHeadless(cfg.Browser.Headless),
		service.WithLogger(logger.With("service")),
	)

	return &app{
		cfg:     cfg,
		logger:  logger,
		driver:  driver,
		pool:    p,
		store:   st,
		hub:     hub,
		service: svc,
	}, nil
}

// Close stops task loops, sessions and the browser driver, in that order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.service.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.pool.Shutdown()
	if err := a.driver.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop browser driver: %w", err))
	}
	a.hub.Close()
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	_ = a.logger.Close()
	return errors.Join(errs...)
}
