package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"groupcast/internal/access"
	"groupcast/internal/clock"
	"groupcast/internal/delivery"
	"groupcast/internal/eventbus"
	"groupcast/internal/model"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

// Bus event types published by the engine.
const (
	EventTaskStarted     = "task.started"
	EventTaskStopped     = "task.stopped"
	EventTaskAutoStopped = "task.autostopped"
)

var (
	ErrAlreadyRunning = errors.New("task is already running")
	ErrNoReadyPairs   = errors.New("no usable account/target pairs")
)

// Config tunes the engine.
type Config struct {
	// WatchPoll configures the change feed behind channel monitoring tasks.
	WatchPoll delivery.WatchConfig
}

// Engine owns task lifecycle and the per-task scheduling loops.
type Engine struct {
	cfg   Config
	store storage.Store
	gate  *access.Gate
	exec  *delivery.Executor
	clk   clock.Clock
	rnd   clock.Rand
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	running map[string]*runner
}

type runner struct {
	cancel  context.CancelFunc
	done    chan struct{}
	watches []*delivery.Watch
}

func New(cfg Config, store storage.Store, gate *access.Gate, exec *delivery.Executor, clk clock.Clock, rnd clock.Rand, bus eventbus.Bus, log logx.Logger) *Engine {
	if clk == nil {
		clk = clock.System()
	}
	if rnd == nil {
		rnd = clock.NewRand(clk.Now().UnixNano())
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		gate:    gate,
		exec:    exec,
		clk:     clk,
		rnd:     rnd,
		bus:     bus,
		log:     log.With(logx.String("component", "dispatch")),
		running: make(map[string]*runner),
	}
}

// ---- CRUD ----

// CreateTask validates the spec and persists a new stopped task.
func (e *Engine) CreateTask(ctx context.Context, spec TaskSpec) (model.Task, error) {
	if err := validateSpec(spec); err != nil {
		return model.Task{}, err
	}
	cfg := *spec.Config
	applyDefaults(&cfg)

	now := e.clk.Now()
	t := model.Task{
		ID:         uuid.NewString(),
		Type:       spec.Type,
		Title:      spec.Title,
		AccountIDs: append([]string(nil), spec.AccountIDs...),
		TargetIDs:  append([]string(nil), spec.TargetIDs...),
		Config:     cfg,
		Status:     model.TaskStopped,
		Priority:   spec.Priority,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateTask(ctx, t); err != nil {
		return model.Task{}, err
	}
	e.log.Info("task created",
		logx.String("task", t.ID),
		logx.String("type", string(t.Type)),
		logx.String("title", t.Title))
	return t, nil
}

// UpdateTask revalidates and replaces the task's definition. The dispatch
// cursor is preserved; a running loop picks the changes up on its next tick.
func (e *Engine) UpdateTask(ctx context.Context, id string, spec TaskSpec) (model.Task, error) {
	if err := validateSpec(spec); err != nil {
		return model.Task{}, err
	}
	cur, err := e.store.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	cfg := *spec.Config
	applyDefaults(&cfg)
	cfg.Dispatch = cur.Config.Dispatch

	cur.Type = spec.Type
	cur.Title = spec.Title
	cur.AccountIDs = append([]string(nil), spec.AccountIDs...)
	cur.TargetIDs = append([]string(nil), spec.TargetIDs...)
	cur.Config = cfg
	cur.Priority = spec.Priority
	cur.UpdatedAt = e.clk.Now()

	if err := e.store.UpdateTask(ctx, cur); err != nil {
		return model.Task{}, err
	}
	return cur, nil
}

// DeleteTask stops the task if needed and removes it.
func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	if err := e.Stop(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return e.store.DeleteTask(ctx, id)
}

func (e *Engine) GetTask(ctx context.Context, id string) (model.Task, error) {
	return e.store.GetTask(ctx, id)
}

func (e *Engine) ListTasks(ctx context.Context) ([]model.Task, error) {
	return e.store.ListTasks(ctx)
}

// ---- lifecycle ----

// Start runs the precheck and, policy permitting, registers the task's
// scheduling loop. The summary is returned either way so callers can see
// which pairs were blocked and why.
func (e *Engine) Start(ctx context.Context, id string) (access.PrecheckSummary, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return access.PrecheckSummary{}, err
	}

	e.mu.Lock()
	if _, up := e.running[id]; up {
		e.mu.Unlock()
		return access.PrecheckSummary{}, ErrAlreadyRunning
	}
	e.mu.Unlock()

	sum := e.gate.Precheck(ctx, t.AccountIDs, t.TargetIDs, t.Type, t.Config.AutoJoin)
	policy := t.Config.PrecheckPolicy
	if policy == "" {
		policy = model.PrecheckStrict
	}
	switch policy {
	case model.PrecheckStrict:
		if len(sum.Blocked) > 0 {
			return sum, fmt.Errorf("precheck blocked %d of %d pairs: %v",
				len(sum.Blocked), len(sum.Blocked)+len(sum.Ready), sum.Reasons)
		}
	case model.PrecheckPartial:
		if len(sum.Ready) == 0 {
			return sum, fmt.Errorf("%w: all %d pairs blocked: %v", ErrNoReadyPairs, len(sum.Blocked), sum.Reasons)
		}
	}
	if len(sum.Ready) == 0 {
		return sum, ErrNoReadyPairs
	}

	if err := e.store.SetTaskStatus(ctx, id, model.TaskRunning); err != nil {
		return sum, err
	}

	rctx, cancel := context.WithCancel(context.Background())
	r := &runner{cancel: cancel, done: make(chan struct{})}

	// The precheck ran unlocked; a concurrent Start may have registered in
	// the meantime. The registration check and insert share one acquisition
	// so exactly one caller owns the loop.
	e.mu.Lock()
	if _, up := e.running[id]; up {
		e.mu.Unlock()
		cancel()
		return sum, ErrAlreadyRunning
	}
	e.running[id] = r
	e.mu.Unlock()

	switch t.Type {
	case model.TaskChannelMonitoring:
		e.startWatches(rctx, r, t, sum.Ready)
		go func() {
			<-rctx.Done()
			close(r.done)
		}()
	default:
		go e.runPosting(rctx, r, id)
	}

	e.publish(EventTaskStarted, t.ID)
	e.log.Info("task started",
		logx.String("task", t.ID),
		logx.Int("ready_pairs", len(sum.Ready)),
		logx.Int("blocked_pairs", len(sum.Blocked)))
	return sum, nil
}

// Stop deregisters the task's loop and watches and marks it stopped.
// Idempotent: stopping a stopped task only reaffirms its status.
func (e *Engine) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	r, up := e.running[id]
	if up {
		delete(e.running, id)
	}
	e.mu.Unlock()

	if up {
		r.cancel()
		<-r.done
		for _, w := range r.watches {
			w.Stop()
		}
		e.publish(EventTaskStopped, id)
		e.log.Info("task stopped", logx.String("task", id))
	}
	err := e.store.SetTaskStatus(ctx, id, model.TaskStopped)
	if errors.Is(err, storage.ErrNotFound) && !up {
		return err
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// IsRunning reports whether the engine currently owns a loop for the task.
func (e *Engine) IsRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, up := e.running[id]
	return up
}

// Resume restarts scheduling for tasks persisted as running, so rotation
// carries on across process restarts. Tasks that fail their precheck are
// flipped to stopped rather than blocking boot.
func (e *Engine) Resume(ctx context.Context) error {
	tasks, err := e.store.ListTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != model.TaskRunning {
			continue
		}
		// Start expects a stopped task; reset and re-run the precheck.
		if err := e.store.SetTaskStatus(ctx, t.ID, model.TaskStopped); err != nil {
			return err
		}
		if _, err := e.Start(ctx, t.ID); err != nil {
			e.log.Warn("task not resumed",
				logx.String("task", t.ID),
				logx.Err(err))
			continue
		}
		e.log.Info("task resumed", logx.String("task", t.ID))
	}
	return nil
}

// StopAll stops every running task. Used on shutdown.
func (e *Engine) StopAll(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		if err := e.Stop(ctx, id); err != nil {
			e.log.Error("stopping task", logx.String("task", id), logx.Err(err))
		}
	}
}

func (e *Engine) publish(typ, taskID string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: taskID})
}
