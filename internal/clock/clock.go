// Package clock abstracts time and randomness so rate windows, delays, and
// jitter are deterministic under test.
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Clock is the injectable "now" source.
type Clock interface {
	Now() time.Time
}

// Rand is the injectable uniform-random source.
type Rand interface {
	// Int63n returns a uniform random int64 in [0, n). n must be > 0.
	Int63n(n int64) int64
	// Float64 returns a uniform random float64 in [0, 1).
	Float64() float64
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns a Clock backed by time.Now.
func System() Clock { return systemClock{} }

// NewRand returns a locked Rand seeded from the given source.
// A fresh seed per component avoids correlated jitter across accounts.
func NewRand(seed int64) Rand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Int63n(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Int63n(n)
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// Fixed is a Clock pinned to a settable instant. Test helper.
type Fixed struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixed(t time.Time) *Fixed { return &Fixed{t: t} }

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}

func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}
