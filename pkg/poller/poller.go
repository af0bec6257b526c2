// Package poller drives a device's reconciliation step at a fixed period on
// its own goroutine.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"
)

// ReconcileFunc polls the vendor controller once and folds the result into
// the device state. It must not block for longer than one period.
type ReconcileFunc func(ctx context.Context) error

// Stats counts the ticks a poller has run.
type Stats struct {
	Ticks     int64     `json:"ticks"`
	Failures  int64     `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	LastTick  time.Time `json:"last_tick"`
}

type Poller struct {
	name      string
	interval  time.Duration
	reconcile ReconcileFunc
	clock     clock.Clock
	logger    log.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	stats  Stats
}

func New(name string, interval time.Duration, fn ReconcileFunc, clk clock.Clock, logger log.FieldLogger) *Poller {
	return &Poller{
		name:      name,
		interval:  interval,
		reconcile: fn,
		clock:     clk,
		logger:    logger.WithField("poller", name),
	}
}

// Start launches the polling goroutine. Calling Start on a running poller
// does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	p.logger.Infof("Poller started (every %s)", p.interval)
}

// Stop cancels the polling goroutine and waits for it to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("Poller stopped")
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run ticks until ctx is cancelled. A failing or panicking reconciliation is
// logged and the loop carries on.
func (p *Poller) Run(ctx context.Context) {
	timer := p.clock.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			p.tick(ctx)
			timer.Reset(p.interval)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	err := p.safeReconcile(ctx)

	p.mu.Lock()
	p.stats.Ticks++
	p.stats.LastTick = p.clock.Now()
	if err != nil {
		p.stats.Failures++
		p.stats.LastError = err.Error()
	} else {
		p.stats.LastError = ""
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warnf("Poll failed: %v", err)
	}
}

func (p *Poller) safeReconcile(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconcile panicked: %v", r)
		}
	}()
	return p.reconcile(ctx)
}
