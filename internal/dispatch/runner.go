package dispatch

import (
	"context"
	"time"

	"groupcast/internal/access"
	"groupcast/internal/client"
	"groupcast/internal/delivery"
	"groupcast/internal/model"
	logx "groupcast/pkg/logx"
)

// advance is the pure cursor transition applied after every delivery.
// Cursors move round-robin on success and failure alike so a bad pair
// cannot stall rotation; only the failure streak distinguishes outcomes.
func advance(st model.DispatchState, targets, accounts int, success bool, now time.Time) model.DispatchState {
	if targets > 0 {
		st.TargetCursor = (st.TargetCursor + 1) % targets
	}
	if accounts > 0 {
		st.AccountCursor = (st.AccountCursor + 1) % accounts
	}
	if success {
		st.ConsecutiveFailures = 0
	} else {
		st.ConsecutiveFailures++
	}
	st.UpdatedAt = now
	return st
}

// tickInterval derives the next sleep from the interval plus uniform jitter.
func (e *Engine) tickInterval(cfg model.TaskConfig) time.Duration {
	d := time.Duration(cfg.IntervalMinutes) * time.Minute
	if cfg.RandomDelayMinutes > 0 {
		jitterMs := e.rnd.Int63n(int64(cfg.RandomDelayMinutes)*60_000 + 1)
		d += time.Duration(jitterMs) * time.Millisecond
	}
	return d
}

func (e *Engine) runPosting(ctx context.Context, r *runner, taskID string) {
	defer close(r.done)
	log := e.log.With(logx.String("task", taskID))

	for {
		t, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			log.Error("loading task, loop exiting", logx.Err(err))
			return
		}

		timer := time.NewTimer(e.tickInterval(t.Config))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !t.Config.InWindow(e.clk.Now()) {
			log.Debug("outside dispatch window, skipping tick")
			continue
		}

		stop := e.tick(ctx, taskID, log)
		if stop {
			return
		}
	}
}

// tick performs one delivery for the task's current cursor pair and
// persists the advanced state. It reports whether the loop must exit
// because the failure streak hit the auto-stop threshold.
func (e *Engine) tick(ctx context.Context, taskID string, log logx.Logger) bool {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		log.Error("loading task", logx.Err(err))
		return true
	}
	if len(t.AccountIDs) == 0 || len(t.TargetIDs) == 0 {
		log.Warn("task has no accounts or targets, stopping")
		e.autoStop(ctx, taskID, log)
		return true
	}

	// Lists may have changed since the cursor was written; re-normalize.
	st := t.Config.Dispatch
	targetRef := t.TargetIDs[st.TargetCursor%len(t.TargetIDs)]
	accountID := t.AccountIDs[st.AccountCursor%len(t.AccountIDs)]

	success := e.deliverPair(ctx, t, accountID, targetRef, log)

	st = advance(st, len(t.TargetIDs), len(t.AccountIDs), success, e.clk.Now())
	if err := e.store.SaveDispatchState(ctx, taskID, st); err != nil {
		log.Error("persisting dispatch state", logx.Err(err))
	}

	maxFail := t.Config.MaxConsecutiveFailures
	if maxFail <= 0 {
		maxFail = defaultMaxConsecutiveFails
	}
	if st.ConsecutiveFailures >= maxFail {
		log.Warn("consecutive failure limit reached, stopping task",
			logx.Int("failures", st.ConsecutiveFailures))
		e.autoStop(ctx, taskID, log)
		return true
	}
	return false
}

// deliverPair runs one (account, target) delivery through the gate and the
// executor. Every outcome is data; nothing here panics the loop.
func (e *Engine) deliverPair(ctx context.Context, t model.Task, accountID, targetRef string, log logx.Logger) bool {
	ready, blocked := e.gate.CheckAndPrepare(ctx, accountID, targetRef, t.Type, t.Config.AutoJoin)
	if blocked != nil {
		log.Warn("pair blocked",
			logx.String("account", accountID),
			logx.String("target", targetRef),
			logx.String("code", blocked.Code))
		return false
	}

	content, err := e.renderContent(ctx, t, ready.TargetID)
	if err != nil {
		log.Error("rendering content", logx.Err(err))
		return false
	}

	req := delivery.Request{
		TaskID:    t.ID,
		AccountID: ready.AccountID,
		TargetID:  ready.TargetID,
		Platform:  ready.PlatformID,
		Content:   content,
	}
	if t.Config.RetryOn {
		_, err = e.exec.SendWithRetry(ctx, req, t.Config.MaxRetries)
	} else {
		_, err = e.exec.Send(ctx, req)
	}
	return err == nil
}

// renderContent resolves the task's template and substitutes placeholders.
func (e *Engine) renderContent(ctx context.Context, t model.Task, targetID string) (string, error) {
	if t.Config.TemplateID == "" {
		return t.Title, nil
	}
	tpl, err := e.store.GetTemplate(ctx, t.Config.TemplateID)
	if err != nil {
		return "", err
	}
	vars := map[string]string{
		"task_title": t.Title,
		"date":       e.clk.Now().Format("2006-01-02"),
		"time":       e.clk.Now().Format("15:04"),
	}
	if tgt, err := e.store.GetTarget(ctx, targetID); err == nil {
		vars["target_title"] = tgt.Title
	}
	return model.RenderTemplate(tpl.Text, vars), nil
}

// autoStop is the in-loop variant of Stop: it must not wait on the loop's
// own done channel.
func (e *Engine) autoStop(ctx context.Context, taskID string, log logx.Logger) {
	e.mu.Lock()
	r, up := e.running[taskID]
	if up {
		delete(e.running, taskID)
	}
	e.mu.Unlock()
	if up {
		r.cancel()
		for _, w := range r.watches {
			w.Stop()
		}
	}
	if err := e.store.SetTaskStatus(ctx, taskID, model.TaskStopped); err != nil {
		log.Error("marking task stopped", logx.Err(err))
	}
	e.publish(EventTaskAutoStopped, taskID)
}

// startWatches wires a change feed per ready pair for a monitoring task.
// Each new channel post may trigger a comment, rolled per message against
// the configured probability.
func (e *Engine) startWatches(ctx context.Context, r *runner, t model.Task, ready []access.ReadyPair) {
	prob := 1.0
	if t.Config.CommentProbability != nil {
		prob = *t.Config.CommentProbability
	}
	log := e.log.With(logx.String("task", t.ID))

	for _, pair := range ready {
		pair := pair
		cb := func(m client.Message) {
			if prob < 1 && e.rnd.Float64() >= prob {
				return
			}
			// Feed callbacks must not block; the delivery paces itself.
			go e.commentOn(ctx, t, pair, m, log)
		}
		w, err := e.exec.Watch(ctx, pair.AccountID, pair.PlatformID, e.cfg.WatchPoll, cb)
		if err != nil {
			log.Warn("watch not started",
				logx.String("account", pair.AccountID),
				logx.String("channel", pair.PlatformID),
				logx.Err(err))
			continue
		}
		r.watches = append(r.watches, w)
	}
}

func (e *Engine) commentOn(ctx context.Context, t model.Task, pair access.ReadyPair, m client.Message, log logx.Logger) {
	content, err := e.renderContent(ctx, t, pair.TargetID)
	if err != nil {
		log.Error("rendering comment", logx.Err(err))
		return
	}
	req := delivery.Request{
		TaskID:    t.ID,
		AccountID: pair.AccountID,
		TargetID:  pair.TargetID,
		Platform:  pair.PlatformID,
		Content:   content,
		AnchorID:  m.ID,
	}
	if t.Config.RetryOn {
		_, err = e.exec.SendWithRetry(ctx, req, t.Config.MaxRetries)
	} else {
		_, err = e.exec.Send(ctx, req)
	}
	if err != nil {
		log.Debug("comment not delivered",
			logx.Int64("anchor", m.ID),
			logx.Err(err))
	}
}
