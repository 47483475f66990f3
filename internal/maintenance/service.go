// Package maintenance runs the background housekeeping schedule: pruning
// aged rate records and expired flood waits, and refreshing account health
// scores. None of it is correctness-critical; the admission controller
// evaluates windows relative to "now" regardless.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"groupcast/internal/ratelimit"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

// Config holds the cron specs for the two jobs.
type Config struct {
	// PruneSpec defaults to hourly.
	PruneSpec string
	// HealthSpec defaults to every 15 minutes.
	HealthSpec string
	// JobTimeout bounds one job run. Defaults to 1 minute.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PruneSpec == "" {
		c.PruneSpec = "@every 1h"
	}
	if c.HealthSpec == "" {
		c.HealthSpec = "@every 15m"
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	return c
}

// Service schedules housekeeping off a cron runner.
type Service struct {
	cfg       Config
	admission *ratelimit.Controller
	accounts  storage.AccountStore
	log       logx.Logger

	cron *cron.Cron
}

func New(cfg Config, admission *ratelimit.Controller, accounts storage.AccountStore, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		admission: admission,
		accounts:  accounts,
		log:       log.With(logx.String("component", "maintenance")),
		cron:      cron.New(),
	}
}

// Start registers the jobs and starts the scheduler.
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.PruneSpec, s.runPrune); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.HealthSpec, s.runHealthRefresh); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("maintenance scheduled",
		logx.String("prune", s.cfg.PruneSpec),
		logx.String("health", s.cfg.HealthSpec))
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Service) runPrune() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	records, floods, err := s.admission.Prune(ctx)
	if err != nil {
		s.log.Error("prune failed", logx.Err(err))
		return
	}
	s.log.Debug("prune complete",
		logx.Int("rate_records", records),
		logx.Int("flood_waits", floods))
}

func (s *Service) runHealthRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		s.log.Error("listing accounts for health refresh", logx.Err(err))
		return
	}
	for _, acc := range accounts {
		if _, err := s.admission.RefreshHealth(ctx, acc.ID); err != nil {
			s.log.Error("refreshing health",
				logx.String("account", acc.ID),
				logx.Err(err))
		}
	}
	s.log.Debug("health refresh complete", logx.Int("accounts", len(accounts)))
}
