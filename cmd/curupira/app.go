package main

import (
	"context"
	"errors"
	"sync"

	"github.com/drzln/curupira/internal/cdp"
	"github.com/drzln/curupira/internal/cdp/domain"
	"github.com/drzln/curupira/internal/common/config"
	"github.com/drzln/curupira/internal/dispatch"
	"github.com/drzln/curupira/internal/pool"
	"github.com/drzln/curupira/internal/provider"
	"github.com/drzln/curupira/internal/storage"
	"github.com/drzln/curupira/pkg/metrics"

	"go.uber.org/zap"
)

// app holds the components shared by the serve and stdio commands.
type app struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	store    *storage.Store
	browsers *pool.Pool
	browser  *cdp.Browser
	registry *dispatch.Registry

	console *provider.Console
	network *provider.Network

	stopSweep context.CancelFunc
	sweeping  sync.WaitGroup
}

// Storage namespaces of the providers
const (
	nsConsole = "console"
	nsNetwork = "network"
	nsState   = "state"
)

// newApp builds storage, the browser connection and the dispatch registry.
// A browser that cannot be reached is logged and left out; resources then
// serve whatever storage already holds and bound tools report no session.
func newApp(ctx context.Context, logger *zap.Logger, cfg *config.BridgeConfig) (*app, error) {
	a := &app{logger: logger}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics)
	}

	store, err := storage.New(ctx, logger, &cfg.Storage, a.metrics)
	if err != nil {
		return nil, err
	}
	a.store = store

	sel, ok := pool.ParseStrategy(cfg.Pool.Strategy)
	if !ok {
		logger.Warn("unknown selection strategy, using round-robin", zap.String("strategy", cfg.Pool.Strategy))
		sel = pool.RoundRobin()
	}
	a.browsers = pool.New(logger, pool.Options{
		MaxConnections: cfg.Pool.MaxConnections,
		Selector:       sel,
		Metrics:        a.metrics,
	})

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Pool.ConnectTimeout+cfg.Browser.CommandTimeout)
	defer cancel()
	a.browser, err = cdp.Connect(connectCtx, logger, a.browsers, cfg.Browser, cfg.Pool, a.metrics)
	if err != nil {
		logger.Warn("browser not available, continuing without it",
			zap.String("endpoint", cfg.Browser.Endpoint),
			zap.Error(err))
		a.browser = nil
	}

	var (
		events   provider.EventSource
		sender   domain.CommandSender
		sessions dispatch.SessionResolver
		lister   provider.SessionLister
	)
	if a.browser != nil {
		events = a.browser.Client()
		sender = a.browser.Client()
		sessions = a.browser.Manager()
		lister = a.browser.Manager()
	}
	a.registerProviders(events, sender, sessions, lister)

	sweepCtx, stop := context.WithCancel(context.Background())
	a.stopSweep = stop
	a.sweeping.Add(1)
	go func() {
		defer a.sweeping.Done()
		store.RunSweeper(sweepCtx, cfg.Storage.SweepInterval)
	}()
	return a, nil
}

// registerProviders builds the providers, each over its own storage
// namespace, and registers them with a fresh dispatch registry.
func (a *app) registerProviders(events provider.EventSource, sender domain.CommandSender,
	sessions dispatch.SessionResolver, lister provider.SessionLister) {
	a.registry = dispatch.NewRegistry(a.logger, dispatch.Options{Sessions: sessions, Metrics: a.metrics})
	a.console = provider.NewConsole(a.logger, a.store.Namespace(nsConsole), events)
	a.network = provider.NewNetwork(a.logger, a.store.Namespace(nsNetwork), events)
	state := provider.NewState(a.store.Namespace(nsState), sender)
	tools := provider.NewCDP(sender, lister)

	a.registry.RegisterResourceProvider(a.console)
	a.registry.RegisterToolProvider(a.console)
	a.registry.RegisterResourceProvider(a.network)
	a.registry.RegisterToolProvider(a.network)
	a.registry.RegisterResourceProvider(state)
	a.registry.RegisterToolProvider(state)
	a.registry.RegisterToolProvider(tools)
}

// Close releases the components in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	if a.stopSweep != nil {
		a.stopSweep()
		a.sweeping.Wait()
	}
	a.console.Close()
	a.network.Close()
	if a.browser != nil {
		errs = append(errs, a.browser.Close())
	}
	errs = append(errs, a.browsers.Close(), a.store.Close())
	return errors.Join(errs...)
}
