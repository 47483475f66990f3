package telegram

import (
	"sync"
	"time"

	"groupcast/internal/client"
	logx "groupcast/pkg/logx"
)

// Factory builds and caches one adapter per account id.
//
// Tokens come from configuration; accounts without a token have no usable
// connection, which the dispatch core treats as CLIENT_NOT_FOUND.
type Factory struct {
	log         logx.Logger
	pollTimeout time.Duration

	mu       sync.Mutex
	tokens   map[string]string
	adapters map[string]*Adapter
}

func NewFactory(tokens map[string]string, pollTimeout time.Duration, log logx.Logger) *Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &Factory{
		log:         log,
		pollTimeout: pollTimeout,
		tokens:      cp,
		adapters:    map[string]*Adapter{},
	}
}

func (f *Factory) Client(accountID string) (client.Client, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if a, ok := f.adapters[accountID]; ok {
		return a, true
	}
	token, ok := f.tokens[accountID]
	if !ok || token == "" {
		return nil, false
	}
	a, err := New(Config{Token: token, PollTimeout: f.pollTimeout}, f.log.With(logx.String("account", accountID)))
	if err != nil {
		f.log.Warn("telegram adapter init failed", logx.String("account", accountID), logx.Err(err))
		return nil, false
	}
	f.adapters[accountID] = a
	return a, true
}

// Close stops every live adapter.
func (f *Factory) Close() {
	f.mu.Lock()
	adapters := make([]*Adapter, 0, len(f.adapters))
	for _, a := range f.adapters {
		adapters = append(adapters, a)
	}
	f.mu.Unlock()
	for _, a := range adapters {
		a.Close()
	}
}
