// Package app assembles the stores, services and transport into a runnable
// application.
package app

import (
	"context"
	"fmt"

	"github.com/crossvault/authcore/internal/app/chain"
	"github.com/crossvault/authcore/internal/app/events"
	"github.com/crossvault/authcore/internal/app/httpapi"
	consensussvc "github.com/crossvault/authcore/internal/app/services/consensus"
	geosvc "github.com/crossvault/authcore/internal/app/services/geo"
	"github.com/crossvault/authcore/internal/app/services/multisig"
	swapsvc "github.com/crossvault/authcore/internal/app/services/swap"
	"github.com/crossvault/authcore/internal/app/storage"
	"github.com/crossvault/authcore/internal/app/storage/memory"
	"github.com/crossvault/authcore/internal/app/storage/postgres"
	"github.com/crossvault/authcore/internal/app/storage/redis"
	"github.com/crossvault/authcore/internal/app/system"
	"github.com/crossvault/authcore/internal/config"
	"github.com/crossvault/authcore/pkg/logger"
)

// Stores bundles the persistence interfaces. Nil fields fall back to a
// shared in-memory store, which keeps tests and local development simple.
type Stores struct {
	Signing storage.SigningStore
	Swaps   storage.SwapStore
	Geo     storage.GeoStore
}

func (s *Stores) applyDefaults() {
	var mem *memory.Store
	fallback := func() *memory.Store {
		if mem == nil {
			mem = memory.New()
		}
		return mem
	}
	if s.Signing == nil {
		s.Signing = fallback()
	}
	if s.Swaps == nil {
		s.Swaps = fallback()
	}
	if s.Geo == nil {
		s.Geo = fallback()
	}
}

// Application owns the service graph and its lifecycle.
type Application struct {
	cfg     *config.Config
	log     *logger.Logger
	manager *system.Manager

	Multisig  *multisig.Service
	Consensus *consensussvc.Service
	Swaps     *swapsvc.Service
	Geo       *geosvc.Service
	Hub       *events.Hub

	closers []func() error
}

// New builds the application from configuration. Adapters for chains without
// an RPC endpoint fall back to deterministic fakes so a local instance runs
// without live nodes.
func New(cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.New(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	}

	app := &Application{
		cfg:     cfg,
		log:     log.WithField("component", "app"),
		manager: system.NewManager(),
	}

	stores, err := app.buildStores()
	if err != nil {
		return nil, err
	}

	adapters, err := app.buildAdapters()
	if err != nil {
		return nil, err
	}

	app.Hub = events.NewHub(log.WithField("component", "events"))
	app.Multisig = multisig.NewService(stores.Signing, app.Hub, log.WithField("component", "multisig"))
	app.Consensus = consensussvc.NewService(adapters, cfg, log.WithField("component", "consensus"))
	app.Geo = geosvc.NewService(stores.Geo, cfg, app.Hub, log.WithField("component", "geo"))
	app.Swaps = swapsvc.NewService(stores.Swaps, app.Multisig, app.Consensus, app.Geo,
		adapters, cfg, app.Hub, log.WithField("component", "swap"))

	handler := httpapi.NewHandler(app.Multisig, app.Consensus, app.Swaps, app.Geo,
		app.Hub, cfg, log.WithField("component", "httpapi"))
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	if err := app.manager.Register(httpapi.NewServer(addr, handler.Router(), log.WithField("component", "http-server"))); err != nil {
		return nil, err
	}
	if err := app.manager.Register(geosvc.NewJanitor(app.Geo, cfg.Geo.CleanupSchedule, log.WithField("component", "geo-janitor"))); err != nil {
		return nil, err
	}

	return app, nil
}

func (a *Application) buildStores() (Stores, error) {
	var stores Stores
	switch a.cfg.Storage.Driver {
	case "postgres":
		store, err := postgres.New(a.cfg.Storage.PostgresDSN)
		if err != nil {
			return Stores{}, fmt.Errorf("build postgres store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		stores = Stores{Signing: store, Swaps: store, Geo: store}
	case "redis":
		store, err := redis.New(context.Background(), a.cfg.Storage.Redis.Addr,
			a.cfg.Storage.Redis.Password, a.cfg.Storage.Redis.DB)
		if err != nil {
			return Stores{}, fmt.Errorf("build redis store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		stores = Stores{Signing: store, Swaps: store, Geo: store}
	}
	stores.applyDefaults()
	return stores, nil
}

func (a *Application) buildAdapters() ([]chain.Adapter, error) {
	adapters := make([]chain.Adapter, 0, len(a.cfg.Chains))
	for _, cc := range a.cfg.Chains {
		if cc.RPCURL == "" {
			a.log.WithField("chain", cc.Name).Warn("no RPC endpoint configured, using fake adapter")
			adapters = append(adapters, chain.NewFakeFromConfig(cc))
			continue
		}
		adapter, err := chain.NewJSONRPC(cc)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

// Start brings up the managed services.
func (a *Application) Start(ctx context.Context) error {
	a.log.WithField("driver", a.cfg.Storage.Driver).Info("starting application")
	return a.manager.Start(ctx)
}

// Stop shuts the services down in reverse order and closes the stores.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	for _, closeFn := range a.closers {
		if cerr := closeFn(); cerr != nil && err == nil {
			err = cerr
		}
	}
	a.log.Info("application stopped")
	return err
}
