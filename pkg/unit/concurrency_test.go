package unit

import (
	"context"
	"sync"
	"testing"
	"time"

	"mast/pkg/drivers/covers"
	"mast/pkg/drivers/focuser"
	"mast/pkg/drivers/mount"
	"mast/pkg/drivers/stage"
	"mast/pkg/power"
	"mast/pkg/pwi"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run with -race: pollers reconcile every few milliseconds while requests
// hit every subsystem from several goroutines.
func TestRequestsRaceWithPollers(t *testing.T) {
	logger, _ := test.NewNullLogger()
	clk := clock.WallClock
	sw, err := power.NewSwitch(nil, []string{"Mount", "Stage", "Focuser", "Covers"}, clk, logger)
	require.NoError(t, err)

	simCfg := pwi.DefaultSimulatorConfig
	simCfg.HomeDuration = 20 * time.Millisecond
	simCfg.ParkDuration = 20 * time.Millisecond
	simCfg.CoverTravel = 20 * time.Millisecond
	simCfg.TrackingDelay = 5 * time.Millisecond
	simCfg.FocuserSpeed = 1e6
	sim := pwi.NewSimulator(simCfg, sw, clk, logger)

	const poll = 2 * time.Millisecond
	mountCfg := mount.DefaultConfig
	mountCfg.PollInterval = poll
	stageCfg := stage.DefaultConfig
	stageCfg.PollInterval = poll
	focuserCfg := focuser.DefaultConfig
	focuserCfg.PollInterval = poll
	coversCfg := covers.DefaultConfig
	coversCfg.PollInterval = poll

	foc, err := focuser.New(focuserCfg, sw, sim, nil, clk, logger)
	require.NoError(t, err)
	u, err := New(1, sw, sim, []Subsystem{
		mount.New(mountCfg, sw, sim, clk, logger),
		stage.New(stageCfg, sw, stage.SimulatedLink{}, clk, logger),
		foc,
		covers.New(coversCfg, sw, sim, clk, logger),
	}, clk, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	u.Start(ctx)
	defer u.Stop()

	requests := []func(){
		func() { u.Startup() },
		func() { u.Shutdown() },
		func() { u.Abort() },
		func() { u.Connect() },
		func() { u.Status() },
		func() { u.Operational() },
		func() { u.StartGuiding(); u.StopGuiding() },
		func() { foc.Goto(1000) },
	}

	var wg sync.WaitGroup
	for _, request := range requests {
		request := request
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				request()
				time.Sleep(time.Millisecond)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("requests deadlocked against the pollers")
	}

	st := u.Status()
	assert.Equal(t, "mast01", st["name"])
	assert.Contains(t, st, "is_operational")
	assert.Contains(t, st, "power")
}
