package delivery

import (
	"context"
	"strings"
	"sync"
	"time"

	"groupcast/internal/client"
	"groupcast/internal/eventbus"
	logx "groupcast/pkg/logx"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultPollLimit    = 20
	seenCap             = 128
)

// WatchConfig tunes the change feed.
type WatchConfig struct {
	PollInterval time.Duration
	PollLimit    int
}

func (c WatchConfig) withDefaults() WatchConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollLimit <= 0 {
		c.PollLimit = defaultPollLimit
	}
	return c
}

// Watch is a running change feed over one (account, channel) pair.
//
// New messages arrive over two paths, push events and a periodic poll,
// funneled through one de-duplicating gate: a message is delivered only if
// its id exceeds the highest seen so far and is not in a bounded
// recently-seen set. Stop tears both paths down; safe to call repeatedly.
type Watch struct {
	target string
	cb     func(client.Message)
	log    logx.Logger

	mu      sync.Mutex
	highest int64
	seen    map[int64]struct{}
	order   []int64

	remove func()
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Watch starts a change feed for the account on the given channel identity.
// Every new message is handed to cb exactly once across both paths.
func (e *Executor) Watch(ctx context.Context, accountID, platform string, cfg WatchConfig, cb func(client.Message)) (*Watch, error) {
	cl, found := e.clients.Client(accountID)
	if !found || !cl.IsConnected() {
		return nil, &Failure{Code: CodeClientNotFound, Message: "no live connection for account " + accountID}
	}
	cfg = cfg.withDefaults()

	wctx, cancel := context.WithCancel(ctx)
	deliver := cb
	if e.bus != nil {
		bus := e.bus
		deliver = func(m client.Message) {
			bus.Publish(eventbus.Event{Type: EventWatchMessage, Data: m})
			cb(m)
		}
	}
	w := &Watch{
		target: normalizeChannelID(platform),
		cb:     deliver,
		log: e.log.With(
			logx.String("account", accountID),
			logx.String("channel", platform)),
		seen:   make(map[int64]struct{}, seenCap),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	w.remove = cl.AddEventHandler(func(ev client.Event) {
		if ev.Kind != client.EventChannelPost {
			return
		}
		if normalizeChannelID(ev.ChannelID) != w.target {
			return
		}
		w.dispatch(ev.Message)
	})

	go w.pollLoop(wctx, cl, platform, cfg)

	e.log.Info("watch started",
		logx.String("account", accountID),
		logx.String("channel", platform))
	return w, nil
}

// Stop removes the push handler and stops the poll loop. Idempotent.
func (w *Watch) Stop() {
	w.once.Do(func() {
		w.cancel()
		w.remove()
		<-w.done
		w.log.Debug("watch stopped")
	})
}

func (w *Watch) pollLoop(ctx context.Context, cl client.Client, platform string, cfg WatchConfig) {
	defer close(w.done)
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := cl.RecentMessages(ctx, platform, cfg.PollLimit)
			if err != nil {
				w.log.Debug("poll failed", logx.Err(err))
				continue
			}
			for _, m := range msgs {
				w.dispatch(m)
			}
		}
	}
}

func (w *Watch) dispatch(m client.Message) {
	if !w.admit(m.ID) {
		return
	}
	w.cb(m)
}

// admit is the de-duplicating gate shared by both feed paths.
func (w *Watch) admit(id int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id <= w.highest {
		return false
	}
	if _, dup := w.seen[id]; dup {
		return false
	}
	w.highest = id
	w.seen[id] = struct{}{}
	w.order = append(w.order, id)
	if len(w.order) > seenCap {
		evict := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, evict)
	}
	return true
}

// normalizeChannelID makes push-event channel ids comparable with the
// watched identity regardless of "@" prefixes or case.
func normalizeChannelID(id string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(id), "@"))
}
