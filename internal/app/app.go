// Package app wires the components into a running process: configuration,
// logging, storage, the client factory, the dispatch core, maintenance,
// and shutdown order.
package app

import (
	"context"
	"errors"
	"time"

	"groupcast/internal/access"
	"groupcast/internal/client"
	"groupcast/internal/client/telegram"
	"groupcast/internal/clock"
	"groupcast/internal/config"
	"groupcast/internal/delivery"
	"groupcast/internal/dispatch"
	"groupcast/internal/eventbus"
	"groupcast/internal/maintenance"
	"groupcast/internal/model"
	"groupcast/internal/ratelimit"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

const defaultPollTimeout = 10 * time.Second

type App struct {
	cfgPath string
	cfg     *config.Config

	logSvc *logx.Service
	log    logx.Logger

	store     storage.Store
	clients   *telegram.Factory
	admission *ratelimit.Controller
	gate      *access.Gate
	exec      *delivery.Executor
	engine    *dispatch.Engine
	maint     *maintenance.Service
	bus       eventbus.Bus
}

// New loads configuration and constructs every component. Nothing is
// started yet; Run does that.
func New(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logx())
	log = log.With(logx.String("service", "groupcast"))

	storeCfg, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log)
	if err != nil {
		return nil, err
	}

	rlCfg, err := cfg.RateLimitConfig()
	if err != nil {
		return nil, err
	}
	accessCfg, err := cfg.AccessConfig()
	if err != nil {
		return nil, err
	}
	watchCfg, err := cfg.WatchConfig()
	if err != nil {
		return nil, err
	}
	maintCfg, err := cfg.MaintenanceConfig()
	if err != nil {
		return nil, err
	}

	tokens := make(map[string]string, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		tokens[a.ID] = a.Token
	}
	clients := telegram.NewFactory(tokens, defaultPollTimeout, log)

	clk := clock.System()
	rnd := clock.NewRand(time.Now().UnixNano())
	bus := eventbus.New()

	admission := ratelimit.New(rlCfg, store, clk, rnd, log)
	gate := access.New(accessCfg, clients, store, clk, log)
	exec := delivery.New(cfg.DeliveryConfig(), store, admission, clients, clk, bus, log)
	engine := dispatch.New(dispatch.Config{WatchPoll: watchCfg}, store, gate, exec, clk, rnd, bus, log)
	maint := maintenance.New(maintCfg, admission, store, log)

	return &App{
		cfgPath:   configPath,
		cfg:       cfg,
		logSvc:    logSvc,
		log:       log,
		store:     store,
		clients:   clients,
		admission: admission,
		gate:      gate,
		exec:      exec,
		engine:    engine,
		maint:     maint,
		bus:       bus,
	}, nil
}

// Engine exposes the dispatch engine to command surfaces.
func (a *App) Engine() *dispatch.Engine { return a.engine }

// Bus exposes lifecycle events to command surfaces.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Run starts everything and blocks until ctx is canceled, then shuts the
// components down in reverse dependency order.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting", logx.Int("accounts", len(a.cfg.Accounts)))

	if err := a.syncAccounts(ctx); err != nil {
		return err
	}
	a.connectClients(ctx)

	if err := a.maint.Start(); err != nil {
		return err
	}

	watcher := config.NewWatcher(a.cfgPath, a.cfg, a.applyReload, a.log)
	wctx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if err := watcher.Run(wctx); err != nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	// Tasks persisted as running pick their loops back up.
	if err := a.engine.Resume(ctx); err != nil {
		a.log.Error("resuming tasks", logx.Err(err))
	}

	<-ctx.Done()
	a.log.Info("shutting down")

	stopWatch()
	<-watchDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.engine.StopAll(shutdownCtx)
	a.maint.Stop()
	a.clients.Close()
	if err := a.store.Close(); err != nil {
		a.log.Error("closing store", logx.Err(err))
	}
	_ = a.logSvc.Close()
	return nil
}

// syncAccounts upserts configured accounts into the store without touching
// the pool status of accounts that already exist.
func (a *App) syncAccounts(ctx context.Context) error {
	now := time.Now()
	for _, ac := range a.cfg.Accounts {
		existing, err := a.store.GetAccount(ctx, ac.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			acc := model.Account{
				ID:          ac.ID,
				Phone:       ac.Phone,
				Username:    ac.Username,
				PoolStatus:  model.PoolStatusOK,
				HealthScore: 100,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := a.store.PutAccount(ctx, acc); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			existing.Phone = ac.Phone
			existing.Username = ac.Username
			existing.UpdatedAt = now
			if err := a.store.PutAccount(ctx, existing); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *App) connectClients(ctx context.Context) {
	for _, ac := range a.cfg.Accounts {
		cl, ok := a.clients.Client(ac.ID)
		if !ok {
			a.log.Warn("no client for account", logx.String("account", ac.ID))
			continue
		}
		if err := cl.Connect(ctx); err != nil {
			a.log.Warn("connect failed",
				logx.String("account", ac.ID),
				logx.Err(err))
		}
	}
}

var _ client.Factory = (*telegram.Factory)(nil)

// applyReload re-applies the dynamic subset of the configuration.
func (a *App) applyReload(cfg *config.Config) {
	a.logSvc.Apply(cfg.Logx())
	rl, err := cfg.RateLimitConfig()
	if err != nil {
		a.log.Warn("reloaded rate limits invalid, keeping previous", logx.Err(err))
		return
	}
	a.admission.SetLimits(rl)
	a.log.Info("dynamic settings re-applied")
}
