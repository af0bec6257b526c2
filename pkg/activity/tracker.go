// Package activity tracks the set of asynchronous hardware operations a device
// currently has in flight.
package activity

import (
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"
)

// Flag is a single-bit activity kind. Device packages declare their own
// activity type and give it a String method.
type Flag interface {
	~uint32
	String() string
}

// Tracker is a bitset of in-flight activities. Any number of flags may be
// active at the same time; each is started and ended independently.
type Tracker[A Flag] struct {
	mu      sync.Mutex
	active  A
	started map[A]time.Time

	clock  clock.Clock
	logger log.FieldLogger
}

func NewTracker[A Flag](clk clock.Clock, logger log.FieldLogger) *Tracker[A] {
	return &Tracker[A]{
		started: make(map[A]time.Time),
		clock:   clk,
		logger:  logger,
	}
}

// Start marks a as in flight. It reports false, and leaves the original
// start time untouched, when a was already active.
func (t *Tracker[A]) Start(a A) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active&a != 0 {
		t.logger.Debugf("activity %s already active", a)
		return false
	}
	t.active |= a
	t.started[a] = t.clock.Now()
	t.logger.WithField("activity", a.String()).Infof("activity started: %s", a)
	return true
}

// End clears a. It reports false when a was not active.
func (t *Tracker[A]) End(a A) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active&a == 0 {
		return false
	}
	t.active &^= a
	took := t.clock.Now().Sub(t.started[a]).Truncate(time.Millisecond)
	delete(t.started, a)
	t.logger.WithField("activity", a.String()).Infof("activity ended: %s (took %s)", a, took)
	return true
}

func (t *Tracker[A]) IsActive(a A) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active&a != 0
}

// IsIdle reports whether no activity is in flight.
func (t *Tracker[A]) IsIdle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active == 0
}

// Active returns the current bitset.
func (t *Tracker[A]) Active() A {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Since returns when a was started, or the zero time if it is not active.
func (t *Tracker[A]) Since(a A) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started[a]
}

// Names lists the active flags in bit order.
func (t *Tracker[A]) Names() []string {
	active := t.Active()
	names := []string{}
	for i := 0; i < 32; i++ {
		f := A(uint32(1) << i)
		if active&f != 0 {
			names = append(names, f.String())
		}
	}
	return names
}

// String renders the active set as "A|B", or "Idle".
func (t *Tracker[A]) String() string {
	names := t.Names()
	if len(names) == 0 {
		return "Idle"
	}
	return strings.Join(names, "|")
}

// EndAll ends every active flag.
func (t *Tracker[A]) EndAll() {
	for i := 0; i < 32; i++ {
		t.End(A(uint32(1) << i))
	}
}
