package storage

import (
	"context"
	"errors"
	"time"

	"groupcast/internal/model"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrExists   = errors.New("storage: already exists")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-memory (non-durable)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryFilter narrows history queries. Zero fields match everything.
type DeliveryFilter struct {
	TaskID    string
	AccountID string
	TargetID  string
	Status    model.DeliveryStatus
	Since     time.Time
	Limit     int
}

type TaskStore interface {
	CreateTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (model.Task, error)
	UpdateTask(ctx context.Context, t model.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context) ([]model.Task, error)
	// SetTaskStatus flips only the status column; cheaper than UpdateTask
	// and safe to call from the dispatch loop.
	SetTaskStatus(ctx context.Context, id string, status model.TaskStatus) error
	// SaveDispatchState persists the rotation cursor without rewriting the task.
	SaveDispatchState(ctx context.Context, id string, st model.DispatchState) error
}

type AccountStore interface {
	PutAccount(ctx context.Context, a model.Account) error
	GetAccount(ctx context.Context, id string) (model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	DeleteAccount(ctx context.Context, id string) error
	SetAccountPoolStatus(ctx context.Context, id string, status model.PoolStatus, lastError string) error
	SetAccountHealth(ctx context.Context, id string, score int) error
}

type TargetStore interface {
	PutTarget(ctx context.Context, t model.Target) error
	GetTarget(ctx context.Context, id string) (model.Target, error)
	// FindTargetByPlatformID looks a target up by its remote identity.
	FindTargetByPlatformID(ctx context.Context, platformID string) (model.Target, error)
	ListTargets(ctx context.Context) ([]model.Target, error)
	DeleteTarget(ctx context.Context, id string) error
}

type TemplateStore interface {
	PutTemplate(ctx context.Context, t model.Template) error
	GetTemplate(ctx context.Context, id string) (model.Template, error)
	ListTemplates(ctx context.Context) ([]model.Template, error)
	DeleteTemplate(ctx context.Context, id string) error
}

type RateStore interface {
	AppendRateRecord(ctx context.Context, accountID string, sentAt time.Time) error
	// CountRateRecords counts records with sentAt > since.
	CountRateRecords(ctx context.Context, accountID string, since time.Time) (int, error)
	// OldestRateRecordSince returns the oldest record newer than since.
	OldestRateRecordSince(ctx context.Context, accountID string, since time.Time) (time.Time, bool, error)
	// RemoveRateRecord deletes one record matching (accountID, sentAt).
	// A no-op when no such record exists.
	RemoveRateRecord(ctx context.Context, accountID string, sentAt time.Time) error
	DeleteRateRecords(ctx context.Context, accountID string) error
	PruneRateRecords(ctx context.Context, before time.Time) (int, error)

	PutFloodWait(ctx context.Context, accountID string, until time.Time) error
	GetFloodWait(ctx context.Context, accountID string) (time.Time, bool, error)
	DeleteFloodWait(ctx context.Context, accountID string) error
	PruneFloodWaits(ctx context.Context, before time.Time) (int, error)
}

type HistoryStore interface {
	AppendDelivery(ctx context.Context, rec model.DeliveryRecord) error
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.DeliveryRecord, error)
	CountDeliveries(ctx context.Context, f DeliveryFilter) (int, error)
}

// Store is the full persistence API used by the dispatch core.
type Store interface {
	TaskStore
	AccountStore
	TargetStore
	TemplateStore
	RateStore
	HistoryStore
	Close() error
}
