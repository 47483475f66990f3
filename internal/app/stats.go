package app

import (
	"context"

	"groupcast/internal/model"
	"groupcast/internal/ratelimit"
	"groupcast/internal/storage"
)

// AccountSnapshot pairs an account with its live admission state.
type AccountSnapshot struct {
	Account model.Account    `json:"account"`
	Rate    ratelimit.Status `json:"rate"`
	Health  int              `json:"health"`
}

// TaskSnapshot pairs a task with whether its loop is registered and its
// recent delivery counts.
type TaskSnapshot struct {
	Task    model.Task `json:"task"`
	Running bool       `json:"running"`
	Sent    int        `json:"sent"`
	Failed  int        `json:"failed"`
}

// AccountSnapshots reports every account's pool status, window counts, and
// health score.
func (a *App) AccountSnapshots(ctx context.Context) ([]AccountSnapshot, error) {
	accounts, err := a.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AccountSnapshot, 0, len(accounts))
	for _, acc := range accounts {
		st, err := a.admission.RateStatus(ctx, acc.ID)
		if err != nil {
			return nil, err
		}
		health, err := a.admission.HealthScore(ctx, acc.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, AccountSnapshot{Account: acc, Rate: st, Health: health})
	}
	return out, nil
}

// TaskSnapshots reports every task's definition, cursor state, and
// delivery totals.
func (a *App) TaskSnapshots(ctx context.Context) ([]TaskSnapshot, error) {
	tasks, err := a.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		sent, err := a.store.CountDeliveries(ctx, storage.DeliveryFilter{TaskID: t.ID, Status: model.DeliverySent})
		if err != nil {
			return nil, err
		}
		failed, err := a.store.CountDeliveries(ctx, storage.DeliveryFilter{TaskID: t.ID, Status: model.DeliveryFailed})
		if err != nil {
			return nil, err
		}
		out = append(out, TaskSnapshot{
			Task:    t,
			Running: a.engine.IsRunning(t.ID),
			Sent:    sent,
			Failed:  failed,
		})
	}
	return out, nil
}
