package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"groupcast/internal/model"
)

// memoryStore is the non-durable Store. It is the reference implementation
// for the interface semantics and the fake used throughout the test suites.
type memoryStore struct {
	mu sync.Mutex

	tasks     map[string]model.Task
	accounts  map[string]model.Account
	targets   map[string]model.Target
	templates map[string]model.Template

	rates      map[string][]time.Time
	floodWaits map[string]time.Time

	deliveries []model.DeliveryRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		tasks:      map[string]model.Task{},
		accounts:   map[string]model.Account{},
		targets:    map[string]model.Target{},
		templates:  map[string]model.Template{},
		rates:      map[string][]time.Time{},
		floodWaits: map[string]time.Time{},
	}
}

func (s *memoryStore) Close() error { return nil }

func cloneTask(t model.Task) model.Task {
	t.AccountIDs = append([]string(nil), t.AccountIDs...)
	t.TargetIDs = append([]string(nil), t.TargetIDs...)
	if t.Config.CommentProbability != nil {
		p := *t.Config.CommentProbability
		t.Config.CommentProbability = &p
	}
	return t
}

// ---- tasks ----

func (s *memoryStore) CreateTask(_ context.Context, t model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return ErrExists
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *memoryStore) GetTask(_ context.Context, id string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *memoryStore) UpdateTask(_ context.Context, t model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *memoryStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *memoryStore) ListTasks(_ context.Context) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) SetTaskStatus(_ context.Context, id string, status model.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	s.tasks[id] = t
	return nil
}

func (s *memoryStore) SaveDispatchState(_ context.Context, id string, st model.DispatchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Config.Dispatch = st
	s.tasks[id] = t
	return nil
}

// ---- accounts ----

func (s *memoryStore) PutAccount(_ context.Context, a model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
	return nil
}

func (s *memoryStore) GetAccount(_ context.Context, id string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return a, nil
}

func (s *memoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(s.accounts, id)
	return nil
}

func (s *memoryStore) SetAccountPoolStatus(_ context.Context, id string, status model.PoolStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.PoolStatus = status
	a.LastError = lastError
	a.UpdatedAt = time.Now()
	s.accounts[id] = a
	return nil
}

func (s *memoryStore) SetAccountHealth(_ context.Context, id string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.HealthScore = score
	a.UpdatedAt = time.Now()
	s.accounts[id] = a
	return nil
}

// ---- targets ----

func (s *memoryStore) PutTarget(_ context.Context, t model.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.ID] = t
	return nil
}

func (s *memoryStore) GetTarget(_ context.Context, id string) (model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return model.Target{}, ErrNotFound
	}
	return t, nil
}

func (s *memoryStore) FindTargetByPlatformID(_ context.Context, platformID string) (model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if t.PlatformID == platformID {
			return t, nil
		}
	}
	return model.Target{}, ErrNotFound
}

func (s *memoryStore) ListTargets(_ context.Context) ([]model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) DeleteTarget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[id]; !ok {
		return ErrNotFound
	}
	delete(s.targets, id)
	return nil
}

// ---- templates ----

func (s *memoryStore) PutTemplate(_ context.Context, t model.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
	return nil
}

func (s *memoryStore) GetTemplate(_ context.Context, id string) (model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return model.Template{}, ErrNotFound
	}
	return t, nil
}

func (s *memoryStore) ListTemplates(_ context.Context) ([]model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) DeleteTemplate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return ErrNotFound
	}
	delete(s.templates, id)
	return nil
}

// ---- rate records / flood waits ----

func (s *memoryStore) AppendRateRecord(_ context.Context, accountID string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[accountID] = append(s.rates[accountID], sentAt)
	return nil
}

func (s *memoryStore) CountRateRecords(_ context.Context, accountID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, at := range s.rates[accountID] {
		if at.After(since) {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) OldestRateRecordSince(_ context.Context, accountID string, since time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest time.Time
	found := false
	for _, at := range s.rates[accountID] {
		if !at.After(since) {
			continue
		}
		if !found || at.Before(oldest) {
			oldest = at
			found = true
		}
	}
	return oldest, found, nil
}

func (s *memoryStore) RemoveRateRecord(_ context.Context, accountID string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.rates[accountID]
	for i, at := range recs {
		if at.Equal(sentAt) {
			s.rates[accountID] = append(recs[:i], recs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *memoryStore) DeleteRateRecords(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rates, accountID)
	return nil
}

func (s *memoryStore) PruneRateRecords(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, recs := range s.rates {
		kept := recs[:0]
		for _, at := range recs {
			if at.Before(before) {
				pruned++
				continue
			}
			kept = append(kept, at)
		}
		if len(kept) == 0 {
			delete(s.rates, id)
			continue
		}
		s.rates[id] = kept
	}
	return pruned, nil
}

func (s *memoryStore) PutFloodWait(_ context.Context, accountID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floodWaits[accountID] = until
	return nil
}

func (s *memoryStore) GetFloodWait(_ context.Context, accountID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.floodWaits[accountID]
	return until, ok, nil
}

func (s *memoryStore) DeleteFloodWait(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.floodWaits, accountID)
	return nil
}

func (s *memoryStore) PruneFloodWaits(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, until := range s.floodWaits {
		if until.Before(before) {
			delete(s.floodWaits, id)
			pruned++
		}
	}
	return pruned, nil
}

// ---- delivery history ----

func (s *memoryStore) AppendDelivery(_ context.Context, rec model.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, rec)
	return nil
}

func matchDelivery(rec model.DeliveryRecord, f DeliveryFilter) bool {
	if f.TaskID != "" && rec.TaskID != f.TaskID {
		return false
	}
	if f.AccountID != "" && rec.AccountID != f.AccountID {
		return false
	}
	if f.TargetID != "" && rec.TargetID != f.TargetID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && !rec.SentAt.After(f.Since) {
		return false
	}
	return true
}

func (s *memoryStore) ListDeliveries(_ context.Context, f DeliveryFilter) ([]model.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DeliveryRecord
	// Newest first.
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		rec := s.deliveries[i]
		if !matchDelivery(rec, f) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *memoryStore) CountDeliveries(_ context.Context, f DeliveryFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.deliveries {
		if matchDelivery(rec, f) {
			n++
		}
	}
	return n, nil
}
