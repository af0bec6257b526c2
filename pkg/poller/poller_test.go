package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const interval = time.Second

func newTestPoller(fn ReconcileFunc) (*Poller, *testclock.Clock) {
	logger, _ := test.NewNullLogger()
	clk := testclock.NewClock(time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC))
	return New("test", interval, fn, clk, logger), clk
}

func advance(t *testing.T, clk *testclock.Clock) {
	t.Helper()
	require.NoError(t, clk.WaitAdvance(interval, time.Second, 1))
}

func TestPollerTicksAtInterval(t *testing.T) {
	var calls atomic.Int32
	p, clk := newTestPoller(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	p.Start(context.Background())
	defer p.Stop()
	assert.True(t, p.Running())

	for i := 1; i <= 3; i++ {
		advance(t, clk)
		want := int32(i)
		assert.Eventually(t, func() bool { return calls.Load() == want }, time.Second, time.Millisecond)
	}
	assert.Eventually(t, func() bool { return p.Stats().Ticks == 3 }, time.Second, time.Millisecond)
}

func TestPollerSurvivesFailures(t *testing.T) {
	var calls atomic.Int32
	p, clk := newTestPoller(func(ctx context.Context) error {
		n := calls.Add(1)
		switch n {
		case 1:
			return errors.New("controller unreachable")
		case 2:
			panic("bad snapshot")
		}
		return nil
	})

	p.Start(context.Background())
	defer p.Stop()

	advance(t, clk)
	assert.Eventually(t, func() bool { return p.Stats().Failures == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "controller unreachable", p.Stats().LastError)

	advance(t, clk)
	assert.Eventually(t, func() bool { return p.Stats().Failures == 2 }, time.Second, time.Millisecond)
	assert.Contains(t, p.Stats().LastError, "bad snapshot")

	advance(t, clk)
	assert.Eventually(t, func() bool { return p.Stats().Ticks == 3 }, time.Second, time.Millisecond)
	assert.Empty(t, p.Stats().LastError)
	assert.True(t, p.Running())
}

func TestPollerStop(t *testing.T) {
	p, _ := newTestPoller(func(ctx context.Context) error { return nil })

	p.Stop()
	p.Start(context.Background())
	p.Start(context.Background())
	p.Stop()
	assert.False(t, p.Running())
	p.Stop()
}

func TestPollerStopsWithContext(t *testing.T) {
	p, _ := newTestPoller(func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
