// Package delivery performs individual send attempts: admission gating,
// pacing, the network call, failure classification, pool-status fallout,
// and the history trail. One attempt in, one classified outcome out.
package delivery

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"groupcast/internal/client"
	"groupcast/internal/clock"
	"groupcast/internal/eventbus"
	"groupcast/internal/model"
	"groupcast/internal/ratelimit"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

// Bus event types published by the executor.
const (
	EventDeliverySent   = "delivery.sent"
	EventDeliveryFailed = "delivery.failed"
	EventWatchMessage   = "watch.message"
)

const previewLen = 80

// Request describes one delivery.
//
// AnchorID > 0 turns the delivery into a comment on that message.
type Request struct {
	TaskID    string
	AccountID string
	TargetID  string
	// Platform is the normalized platform identity to send to.
	Platform string
	Content  string
	AnchorID int64
}

// Result is a successful delivery.
type Result struct {
	MessageID int64
	Attempt   int
}

// Config tunes the executor.
type Config struct {
	// OutboundPerSecond caps sends across all accounts combined.
	// Zero disables the global cap.
	OutboundPerSecond float64
	OutboundBurst     int
}

// Store is the persistence slice the executor needs.
type Store interface {
	storage.HistoryStore
	storage.AccountStore
}

// Executor performs delivery attempts against per-account clients.
type Executor struct {
	store     Store
	admission *ratelimit.Controller
	clients   client.Factory
	clk       clock.Clock
	bus       eventbus.Bus
	log       logx.Logger

	limiter *rate.Limiter

	// sleep is swapped in tests so backoff and pacing don't stall the suite.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, store Store, admission *ratelimit.Controller, clients client.Factory, clk clock.Clock, bus eventbus.Bus, log logx.Logger) *Executor {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	var limiter *rate.Limiter
	if cfg.OutboundPerSecond > 0 {
		burst := cfg.OutboundBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.OutboundPerSecond), burst)
	}
	return &Executor{
		store:     store,
		admission: admission,
		clients:   clients,
		clk:       clk,
		bus:       bus,
		log:       log.With(logx.String("component", "delivery")),
		limiter:   limiter,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Send performs one delivery attempt end to end.
func (e *Executor) Send(ctx context.Context, req Request) (Result, error) {
	return e.attempt(ctx, req, 1)
}

// SendWithRetry runs up to maxRetries attempts with exponential backoff
// (1s, 2s, then 4s flat). Flood waits and non-retryable failures stop the
// loop immediately.
func (e *Executor) SendWithRetry(ctx context.Context, req Request, maxRetries int) (Result, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		res, err := e.attempt(ctx, req, attempt)
		if err == nil {
			return res, nil
		}
		lastErr = err
		f := AsFailure(err)
		if f == nil || f.FloodWait || !f.Retryable {
			return Result{}, err
		}
		if attempt == maxRetries {
			break
		}
		backoff := time.Second << uint(attempt-1)
		if backoff > 4*time.Second {
			backoff = 4 * time.Second
		}
		if err := e.sleep(ctx, backoff); err != nil {
			return Result{}, lastErr
		}
	}
	return Result{}, lastErr
}

func (e *Executor) attempt(ctx context.Context, req Request, attempt int) (Result, error) {
	// The reservation holds the account's slot for the whole attempt; a
	// concurrent attempt on the same account cannot pass admission on the
	// strength of the same window headroom.
	admitted, reservedAt, err := e.admission.Acquire(ctx, req.AccountID)
	if err != nil {
		return Result{}, &Failure{Code: CodeUnknown, Message: err.Error()}
	}
	if !admitted {
		f := e.admissionFailure(ctx, req.AccountID)
		e.recordFailure(ctx, req, attempt, f)
		return Result{}, f
	}

	if err := e.sleep(ctx, e.admission.RandomDelay()); err != nil {
		e.refund(ctx, req.AccountID, reservedAt)
		return Result{}, &Failure{Code: CodeUnknown, Message: err.Error()}
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			e.refund(ctx, req.AccountID, reservedAt)
			return Result{}, &Failure{Code: CodeUnknown, Message: err.Error()}
		}
	}

	cl, found := e.clients.Client(req.AccountID)
	if !found || !cl.IsConnected() {
		e.refund(ctx, req.AccountID, reservedAt)
		f := &Failure{Code: CodeClientNotFound, Message: "no live connection for account " + req.AccountID}
		e.recordFailure(ctx, req, attempt, f)
		return Result{}, f
	}

	var msgID int64
	if req.AnchorID > 0 {
		msgID, err = cl.SendComment(ctx, req.Platform, req.AnchorID, req.Content)
	} else {
		msgID, err = cl.Send(ctx, req.Platform, req.Content)
	}
	if err != nil {
		e.refund(ctx, req.AccountID, reservedAt)
		f := classify(err)
		e.applyFallout(ctx, req.AccountID, f)
		e.recordFailure(ctx, req, attempt, f)
		return Result{}, f
	}

	// The reservation stands as the send's rate record.
	if _, err := e.admission.RefreshHealth(ctx, req.AccountID); err != nil {
		e.log.Error("refreshing health", logx.Err(err), logx.String("account", req.AccountID))
	}
	e.recordSuccess(ctx, req, attempt, msgID)
	return Result{MessageID: msgID, Attempt: attempt}, nil
}

// admissionFailure turns a CanSend rejection into a described failure.
func (e *Executor) admissionFailure(ctx context.Context, accountID string) *Failure {
	st, err := e.admission.RateStatus(ctx, accountID)
	if err != nil {
		return &Failure{Code: CodeRateLimited, Message: "send budget exhausted", Retryable: true}
	}
	if st.FloodWait {
		wait := int(st.WaitUntil.Sub(e.clk.Now()).Seconds())
		if wait < 1 {
			wait = 1
		}
		return &Failure{
			Code:        CodeFloodWait,
			Message:     fmt.Sprintf("flood wait until %s", st.WaitUntil.Format(time.RFC3339)),
			FloodWait:   true,
			WaitSeconds: wait,
			Retryable:   true,
		}
	}
	return &Failure{
		Code: CodeRateLimited,
		Message: fmt.Sprintf("send budget exhausted (1s=%d 1h=%d 24h=%d), next at %s",
			st.PerSecond, st.PerHour, st.PerDay, st.NextAvailableAt.Format(time.RFC3339)),
		Retryable: true,
	}
}

// applyFallout updates admission and pool status after a classified failure.
// Flood waits go to the admission controller and leave pool status alone
// beyond the cooldown escalation it applies itself.
func (e *Executor) applyFallout(ctx context.Context, accountID string, f *Failure) {
	if f.FloodWait {
		if err := e.admission.HandleFloodWait(ctx, accountID, f.WaitSeconds); err != nil {
			e.log.Error("registering flood wait", logx.Err(err), logx.String("account", accountID))
		}
		return
	}

	next := model.PoolStatusError
	if bannedIndicating(f.Message) {
		next = model.PoolStatusBanned
	}
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		e.log.Error("loading account for status update", logx.Err(err), logx.String("account", accountID))
		return
	}
	esc := model.Escalate(acc.PoolStatus, next)
	if esc == acc.PoolStatus {
		return
	}
	if err := e.store.SetAccountPoolStatus(ctx, accountID, esc, f.Message); err != nil {
		e.log.Error("updating pool status", logx.Err(err), logx.String("account", accountID))
		return
	}
	e.log.Warn("account pool status escalated",
		logx.String("account", accountID),
		logx.String("status", string(esc)),
		logx.String("code", f.Code))
}

func (e *Executor) recordSuccess(ctx context.Context, req Request, attempt int, msgID int64) {
	rec := model.DeliveryRecord{
		ID:        uuid.NewString(),
		TaskID:    req.TaskID,
		AccountID: req.AccountID,
		TargetID:  req.TargetID,
		Status:    model.DeliverySent,
		MessageID: msgID,
		Attempt:   attempt,
		Preview:   preview(req.Content),
		SentAt:    e.clk.Now(),
	}
	if err := e.store.AppendDelivery(ctx, rec); err != nil {
		e.log.Error("writing history", logx.Err(err))
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: EventDeliverySent, Data: rec})
	}
	e.log.Info("delivered",
		logx.String("account", req.AccountID),
		logx.String("target", req.TargetID),
		logx.Int64("message_id", msgID),
		logx.Int("attempt", attempt))
}

func (e *Executor) recordFailure(ctx context.Context, req Request, attempt int, f *Failure) {
	rec := model.DeliveryRecord{
		ID:        uuid.NewString(),
		TaskID:    req.TaskID,
		AccountID: req.AccountID,
		TargetID:  req.TargetID,
		Status:    model.DeliveryFailed,
		Error:     f.Error(),
		Attempt:   attempt,
		Preview:   preview(req.Content),
		SentAt:    e.clk.Now(),
	}
	if err := e.store.AppendDelivery(ctx, rec); err != nil {
		e.log.Error("writing history", logx.Err(err))
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: EventDeliveryFailed, Data: rec})
	}
	e.log.Warn("delivery failed",
		logx.String("account", req.AccountID),
		logx.String("target", req.TargetID),
		logx.String("code", f.Code),
		logx.Int("attempt", attempt))
}

func (e *Executor) refund(ctx context.Context, accountID string, at time.Time) {
	if err := e.admission.Refund(ctx, accountID, at); err != nil {
		e.log.Error("refunding reservation", logx.Err(err), logx.String("account", accountID))
	}
}

// preview truncates content for the history row without splitting a rune.
func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	cut := previewLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
