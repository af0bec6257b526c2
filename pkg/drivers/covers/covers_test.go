package covers

import (
	"context"
	"testing"
	"time"

	"mast/pkg/device"
	"mast/pkg/power"
	"mast/pkg/pwi"

	"github.com/juju/clock/testclock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	covers *Covers
	sim    *pwi.Simulator
	power  *power.Switch
	clock  *testclock.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	clk := testclock.NewClock(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	sw, err := power.NewSwitch(nil, []string{"Covers"}, clk, logger)
	require.NoError(t, err)
	sim := pwi.NewSimulator(pwi.DefaultSimulatorConfig, sw, clk, logger)
	return &fixture{covers: New(DefaultConfig, sw, sim, clk, logger), sim: sim, power: sw, clock: clk}
}

func (f *fixture) advance(t *testing.T, d time.Duration) {
	t.Helper()
	f.clock.Advance(d)
	require.NoError(t, f.covers.Reconcile(context.Background()))
}

var travel = pwi.DefaultSimulatorConfig.CoverTravel

func TestConnectRequiresPower(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.covers.Connect(), device.ErrPoweredOff)
	assert.ErrorIs(t, f.covers.Open(), device.ErrPoweredOff)

	require.NoError(t, f.power.PowerOn("Covers"))
	assert.ErrorIs(t, f.covers.Open(), device.ErrNotConnected)
	require.NoError(t, f.covers.Connect())
	assert.True(t, f.covers.Connected())
	assert.Equal(t, []string{"covers: state is Closed instead of Open"}, f.covers.WhyNotOperational())
}

func TestStartupOpens(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.covers.Startup())
	acts := f.covers.Activities()
	assert.True(t, acts.IsActive(StartingUp))
	assert.True(t, acts.IsActive(Opening))
	assert.Equal(t, Moving, f.covers.State())

	require.NoError(t, f.covers.Startup())
	f.advance(t, travel)
	assert.True(t, acts.IsIdle())
	assert.Equal(t, Open, f.covers.State())
	assert.True(t, f.covers.IsOperational())

	before := len(f.sim.Commands())
	require.NoError(t, f.covers.Open())
	assert.Len(t, f.sim.Commands(), before, "already open")
}

func TestShutdownClosesThenPowersOff(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.covers.Startup())
	f.advance(t, travel)

	require.NoError(t, f.covers.Shutdown())
	acts := f.covers.Activities()
	assert.True(t, acts.IsActive(ShuttingDown))
	assert.True(t, acts.IsActive(Closing))
	assert.True(t, f.power.IsOn("Covers"))

	f.advance(t, travel)
	assert.True(t, acts.IsIdle())
	assert.False(t, f.power.IsOn("Covers"))

	require.NoError(t, f.power.PowerOn("Covers"))
	assert.Equal(t, []string{"covers: shut down", "covers: (PWI4) not connected"}, f.covers.WhyNotOperational())
}

func TestShutdownWhenClosed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.power.PowerOn("Covers"))
	require.NoError(t, f.covers.Connect())

	require.NoError(t, f.covers.Shutdown())
	assert.True(t, f.covers.Activities().IsIdle())
	assert.False(t, f.power.IsOn("Covers"))
}

func TestAbort(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.power.PowerOn("Covers"))
	require.NoError(t, f.covers.Connect())

	before := len(f.sim.Commands())
	require.NoError(t, f.covers.Abort())
	assert.Len(t, f.sim.Commands(), before)

	require.NoError(t, f.covers.Open())
	f.clock.Advance(travel / 2)
	require.NoError(t, f.covers.Abort())
	assert.True(t, f.covers.Activities().IsIdle())
	assert.Equal(t, Unknown, f.covers.State())
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	st := f.covers.Status()
	assert.Equal(t, false, st["connected"])
	assert.NotContains(t, st, "state")

	require.NoError(t, f.covers.Startup())
	st = f.covers.Status()
	assert.Equal(t, true, st["connected"])
	assert.Equal(t, "Moving", st["state_verbal"])
	assert.Equal(t, []string{"Opening", "StartingUp"}, st["activities"])
}
