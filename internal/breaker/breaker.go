// Package breaker implements a per-dependency circuit breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker position.
type State int

// Breaker states.
const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned without calling the operation while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// Options tunes a Breaker.
type Options struct {
	FailureThreshold int
	OpenDuration     time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
	// OnTransition is called after every state change, outside the lock.
	OnTransition func(name string, from, to State)
	// IsFailure decides whether an operation error counts against the breaker.
	// Defaults to every error except context cancellation.
	IsFailure func(error) bool
}

// Snapshot is a point-in-time view of a Breaker.
type Snapshot struct {
	Name         string     `json:"name"`
	State        string     `json:"state"`
	FailureCount int        `json:"failure_count"`
	LastFailure  *time.Time `json:"last_failure_time,omitempty"`
	NextAttempt  *time.Time `json:"next_attempt,omitempty"`
}

// Breaker guards calls to one logical dependency.
type Breaker struct {
	name string
	opts Options

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	nextAttempt time.Time
	trial       bool
}

// New builds a closed breaker.
func New(name string, opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IsFailure == nil {
		opts.IsFailure = defaultIsFailure
	}
	return &Breaker{name: name, opts: opts}
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs op unless the breaker is open. A panic in op counts as a
// failure and is re-raised.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	done := false
	defer func() {
		if done {
			return
		}
		r := recover()
		b.after(fmt.Errorf("%s: panic: %v", b.name, r))
		panic(r)
	}()
	err := op(ctx)
	done = true
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	var from State
	changed := false
	switch b.state {
	case Open:
		if b.opts.Now().Before(b.nextAttempt) {
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		from, changed = b.state, true
		b.state = HalfOpen
		b.trial = true
	case HalfOpen:
		if b.trial {
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.trial = true
	}
	b.mu.Unlock()
	if changed {
		b.notify(from, HalfOpen)
	}
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	from := b.state
	if err == nil || !b.opts.IsFailure(err) {
		if b.state == HalfOpen {
			b.trial = false
			if err == nil {
				b.state = Closed
				b.failures = 0
			}
		} else if err == nil {
			b.failures = 0
		}
	} else {
		now := b.opts.Now()
		b.failures++
		b.lastFailure = now
		switch {
		case b.state == HalfOpen:
			b.trip(now)
		case b.failures >= b.opts.FailureThreshold:
			b.trip(now)
		}
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.trial = false
	b.nextAttempt = now.Add(b.opts.OpenDuration)
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot reports the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		Name:         b.name,
		State:        b.state.String(),
		FailureCount: b.failures,
	}
	if !b.lastFailure.IsZero() {
		ts := b.lastFailure
		snap.LastFailure = &ts
	}
	if b.state == Open {
		ts := b.nextAttempt
		snap.NextAttempt = &ts
	}
	return snap
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.trial = false
	b.nextAttempt = time.Time{}
	b.mu.Unlock()
	if from != Closed {
		b.notify(from, Closed)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.opts.OnTransition != nil {
		b.opts.OnTransition(b.name, from, to)
	}
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}
