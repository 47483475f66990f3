package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"groupcast/internal/clock"
	"groupcast/internal/model"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

// Config tunes the per-account send budget.
type Config struct {
	MaxPerSecond int
	MaxPerHour   int
	MaxPerDay    int

	// MinDelay/MaxDelay bound the randomized inter-send delay.
	MinDelay time.Duration
	MaxDelay time.Duration

	// Retention is how long rate records are kept before housekeeping
	// deletes them. Must cover the largest window.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPerSecond <= 0 {
		c.MaxPerSecond = 1
	}
	if c.MaxPerHour <= 0 {
		c.MaxPerHour = 30
	}
	if c.MaxPerDay <= 0 {
		c.MaxPerDay = 200
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 2 * time.Second
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.Retention < 24*time.Hour {
		c.Retention = 25 * time.Hour
	}
	return c
}

// Status is a snapshot of an account's admission state.
type Status struct {
	PerSecond int       `json:"per_second"`
	PerHour   int       `json:"per_hour"`
	PerDay    int       `json:"per_day"`
	FloodWait bool      `json:"flood_wait"`
	WaitUntil time.Time `json:"wait_until,omitempty"`
	// NextAvailableAt is the earliest instant a send could be admitted.
	NextAvailableAt time.Time `json:"next_available_at"`
}

// Store is the persistence slice the controller needs.
type Store interface {
	storage.RateStore
	storage.AccountStore
}

const lockStripes = 32

// Controller enforces sliding-window send budgets per account.
//
// Check and record paths for the same account serialize on a striped
// mutex so concurrent task loops see consistent window counts.
type Controller struct {
	store Store
	clk   clock.Clock
	rnd   clock.Rand
	log   logx.Logger

	cfgMu sync.RWMutex
	cfg   Config

	locks [lockStripes]sync.Mutex
}

func New(cfg Config, store Store, clk clock.Clock, rnd clock.Rand, log logx.Logger) *Controller {
	if clk == nil {
		clk = clock.System()
	}
	if rnd == nil {
		rnd = clock.NewRand(time.Now().UnixNano())
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		cfg:   cfg.withDefaults(),
		store: store,
		clk:   clk,
		rnd:   rnd,
		log:   log.With(logx.String("component", "ratelimit")),
	}
}

// SetLimits swaps the budget configuration at runtime (config hot reload).
// In-flight checks finish against the old limits.
func (c *Controller) SetLimits(cfg Config) {
	c.cfgMu.Lock()
	c.cfg = cfg.withDefaults()
	c.cfgMu.Unlock()
}

func (c *Controller) limits() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

func (c *Controller) lock(accountID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return &c.locks[h.Sum32()%lockStripes]
}

// CanSend reports whether the account may send right now.
// An expired flood wait is cleared as a side effect.
func (c *Controller) CanSend(ctx context.Context, accountID string) (bool, error) {
	mu := c.lock(accountID)
	mu.Lock()
	defer mu.Unlock()
	return c.canSendLocked(ctx, accountID)
}

func (c *Controller) canSendLocked(ctx context.Context, accountID string) (bool, error) {
	now := c.clk.Now()
	cfg := c.limits()

	until, ok, err := c.store.GetFloodWait(ctx, accountID)
	if err != nil {
		return false, err
	}
	if ok {
		if now.Before(until) {
			return false, nil
		}
		if err := c.store.DeleteFloodWait(ctx, accountID); err != nil {
			return false, err
		}
		c.log.Debug("flood wait expired", logx.String("account", accountID))
	}

	for _, w := range []struct {
		window time.Duration
		max    int
	}{
		{time.Second, cfg.MaxPerSecond},
		{time.Hour, cfg.MaxPerHour},
		{24 * time.Hour, cfg.MaxPerDay},
	} {
		n, err := c.store.CountRateRecords(ctx, accountID, now.Add(-w.window))
		if err != nil {
			return false, err
		}
		if n >= w.max {
			return false, nil
		}
	}
	return true, nil
}

// Acquire admits and reserves one send slot in a single critical section.
// The reservation is the account's rate record, stamped at admission time,
// so a concurrent Acquire for the same account sees the slot as taken even
// while the send is still in flight. Callers whose send does not complete
// must Refund the returned timestamp; unsent attempts consume no budget.
func (c *Controller) Acquire(ctx context.Context, accountID string) (bool, time.Time, error) {
	mu := c.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	ok, err := c.canSendLocked(ctx, accountID)
	if err != nil || !ok {
		return ok, time.Time{}, err
	}
	at := c.clk.Now()
	if err := c.store.AppendRateRecord(ctx, accountID, at); err != nil {
		return false, time.Time{}, err
	}
	return true, at, nil
}

// Refund releases a reservation made by Acquire.
func (c *Controller) Refund(ctx context.Context, accountID string, at time.Time) error {
	mu := c.lock(accountID)
	mu.Lock()
	defer mu.Unlock()
	return c.store.RemoveRateRecord(ctx, accountID, at)
}

// RecordSend appends one send record at "now". Callers must have already
// passed CanSend; no budget is re-checked here.
func (c *Controller) RecordSend(ctx context.Context, accountID string) error {
	mu := c.lock(accountID)
	mu.Lock()
	defer mu.Unlock()
	return c.store.AppendRateRecord(ctx, accountID, c.clk.Now())
}

// HandleFloodWait registers a platform cool-down and moves the account to
// cooldown (never downgrading a more severe status).
func (c *Controller) HandleFloodWait(ctx context.Context, accountID string, waitSeconds int) error {
	if waitSeconds < 0 {
		waitSeconds = 0
	}
	until := c.clk.Now().Add(time.Duration(waitSeconds) * time.Second)

	mu := c.lock(accountID)
	mu.Lock()
	err := c.store.PutFloodWait(ctx, accountID, until)
	mu.Unlock()
	if err != nil {
		return err
	}

	acc, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	next := model.Escalate(acc.PoolStatus, model.PoolStatusCooldown)
	if next != acc.PoolStatus {
		if err := c.store.SetAccountPoolStatus(ctx, accountID, next, "flood wait"); err != nil {
			return err
		}
	}
	c.log.Warn("flood wait registered",
		logx.String("account", accountID),
		logx.Int("wait_seconds", waitSeconds),
		logx.Time("until", until))
	return nil
}

// RateStatus returns current window counts and the earliest admissible instant.
func (c *Controller) RateStatus(ctx context.Context, accountID string) (Status, error) {
	mu := c.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	now := c.clk.Now()
	var st Status

	until, waiting, err := c.store.GetFloodWait(ctx, accountID)
	if err != nil {
		return Status{}, err
	}
	if waiting && now.Before(until) {
		st.FloodWait = true
		st.WaitUntil = until
	}

	if st.PerSecond, err = c.store.CountRateRecords(ctx, accountID, now.Add(-time.Second)); err != nil {
		return Status{}, err
	}
	if st.PerHour, err = c.store.CountRateRecords(ctx, accountID, now.Add(-time.Hour)); err != nil {
		return Status{}, err
	}
	if st.PerDay, err = c.store.CountRateRecords(ctx, accountID, now.Add(-24*time.Hour)); err != nil {
		return Status{}, err
	}

	switch {
	case st.FloodWait:
		st.NextAvailableAt = st.WaitUntil
	case st.PerSecond >= c.limits().MaxPerSecond:
		oldest, ok, err := c.store.OldestRateRecordSince(ctx, accountID, now.Add(-time.Second))
		if err != nil {
			return Status{}, err
		}
		if ok {
			st.NextAvailableAt = oldest.Add(time.Second)
		} else {
			st.NextAvailableAt = now
		}
	default:
		st.NextAvailableAt = now
	}
	return st, nil
}

// RandomDelay returns a uniform random delay in [MinDelay, MaxDelay],
// always a whole number of milliseconds.
func (c *Controller) RandomDelay() time.Duration {
	cfg := c.limits()
	minMs := cfg.MinDelay.Milliseconds()
	maxMs := cfg.MaxDelay.Milliseconds()
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	ms := minMs + c.rnd.Int63n(maxMs-minMs+1)
	return time.Duration(ms) * time.Millisecond
}

// HealthScore derives the [0,100] health of an account from its trailing
// 24h usage and flood-wait state. No sends in 24h is a perfect 100.
func (c *Controller) HealthScore(ctx context.Context, accountID string) (int, error) {
	now := c.clk.Now()

	sends, err := c.store.CountRateRecords(ctx, accountID, now.Add(-24*time.Hour))
	if err != nil {
		return 0, err
	}
	if sends == 0 {
		return 100, nil
	}

	score := 100
	until, ok, err := c.store.GetFloodWait(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if ok && now.Before(until) {
		score -= 30
	}

	ratio := float64(sends) / float64(c.limits().MaxPerDay)
	switch {
	case ratio > 0.9:
		score -= 20
	case ratio > 0.7:
		score -= 10
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, nil
}

// RefreshHealth recomputes the health score and persists it on the account.
func (c *Controller) RefreshHealth(ctx context.Context, accountID string) (int, error) {
	score, err := c.HealthScore(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if err := c.store.SetAccountHealth(ctx, accountID, score); err != nil {
		return 0, err
	}
	return score, nil
}

// Reset wipes the account's rate history and flood wait. Full amnesty.
func (c *Controller) Reset(ctx context.Context, accountID string) error {
	mu := c.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	if err := c.store.DeleteRateRecords(ctx, accountID); err != nil {
		return err
	}
	return c.store.DeleteFloodWait(ctx, accountID)
}

// Prune drops rate records older than the retention window and flood waits
// that expired before "now". Housekeeping, not correctness.
func (c *Controller) Prune(ctx context.Context) (records, floods int, err error) {
	now := c.clk.Now()
	records, err = c.store.PruneRateRecords(ctx, now.Add(-c.limits().Retention))
	if err != nil {
		return 0, 0, err
	}
	floods, err = c.store.PruneFloodWaits(ctx, now)
	if err != nil {
		return records, 0, err
	}
	if records > 0 || floods > 0 {
		c.log.Debug("pruned rate history",
			logx.Int("records", records),
			logx.Int("flood_waits", floods))
	}
	return records, floods, nil
}
