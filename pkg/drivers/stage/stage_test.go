package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"mast/pkg/device"
	"mast/pkg/power"

	"github.com/juju/clock/testclock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

type recordingLink struct {
	connectErr error
	stops      int
}

func (l *recordingLink) Connect() error    { return l.connectErr }
func (l *recordingLink) Disconnect() error { return nil }
func (l *recordingLink) Stop() error       { l.stops++; return nil }

type fixture struct {
	stage *Stage
	power *power.Switch
	clock *testclock.Clock
	link  *recordingLink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	clk := testclock.NewClock(epoch)
	sw, err := power.NewSwitch(nil, []string{"Stage"}, clk, logger)
	require.NoError(t, err)
	link := &recordingLink{}
	return &fixture{
		stage: New(DefaultConfig, sw, link, clk, logger),
		power: sw,
		clock: clk,
		link:  link,
	}
}

// advance moves time forward and runs one reconciliation.
func (f *fixture) advance(t *testing.T, d time.Duration) {
	t.Helper()
	f.clock.Advance(d)
	require.NoError(t, f.stage.Reconcile(context.Background()))
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.power.PowerOn("Stage"))
	require.NoError(t, f.stage.Connect())
}

func TestParseState(t *testing.T) {
	tests := []struct {
		name    string
		want    State
		wantErr bool
	}{
		{"In", In, false},
		{"out", Out, false},
		{"Science", In, false},
		{"GUIDING", Out, false},
		{" MovingIn ", MovingIn, false},
		{"sideways", Idle, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseState(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, device.ErrInvalidTarget)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnectRequiresPower(t *testing.T) {
	f := newFixture(t)

	err := f.stage.Connect()
	assert.ErrorIs(t, err, device.ErrPoweredOff)
	assert.False(t, f.stage.Connected())
	assert.Len(t, f.stage.Status()["errors"], 1)

	f.connect(t)
	assert.True(t, f.stage.Connected())
	assert.Equal(t, In, f.stage.State())
	assert.Equal(t, TicksWhenIn, f.stage.Position())
}

func TestConnectFailureSetsError(t *testing.T) {
	f := newFixture(t)
	f.link.connectErr = errors.New("no such port")
	require.NoError(t, f.power.PowerOn("Stage"))

	err := f.stage.Connect()
	assert.Error(t, err)
	assert.Equal(t, Error, f.stage.State())
	assert.Equal(t, []string{"stage: not detected"}, f.stage.WhyNotOperational())
}

func TestMoveInterpolatesPosition(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	require.NoError(t, f.stage.Move(Out))
	assert.Equal(t, MovingOut, f.stage.State())
	assert.True(t, f.stage.Activities().IsActive(Moving))

	f.advance(t, 5*time.Second)
	assert.Equal(t, 5100, f.stage.Position())
	assert.Equal(t, MovingOut, f.stage.State())

	f.advance(t, 500*time.Millisecond)
	assert.Equal(t, 5100, f.stage.Position(), "partial seconds do not count")

	f.advance(t, 25*time.Second)
	assert.Equal(t, TicksWhenOut, f.stage.Position())
	assert.Equal(t, Out, f.stage.State())
	assert.False(t, f.stage.Activities().IsActive(Moving))
}

func TestMoveBackIn(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	require.NoError(t, f.stage.Move(Guiding))
	f.advance(t, 3*time.Second)
	require.Equal(t, 3100, f.stage.Position())

	require.NoError(t, f.stage.Move(Science))
	assert.Equal(t, MovingIn, f.stage.State())
	f.advance(t, 2*time.Second)
	assert.Equal(t, 1100, f.stage.Position())
	f.advance(t, 2*time.Second)
	assert.Equal(t, TicksWhenIn, f.stage.Position())
	assert.Equal(t, In, f.stage.State())
	assert.True(t, f.stage.Activities().IsIdle())
}

func TestMoveNoOps(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	require.NoError(t, f.stage.Move(In))
	assert.True(t, f.stage.Activities().IsIdle(), "already In")

	require.NoError(t, f.stage.Move(Out))
	start := f.stage.Activities().Since(Moving)
	f.clock.Advance(2 * time.Second)
	require.NoError(t, f.stage.Move(Out))
	assert.Equal(t, start, f.stage.Activities().Since(Moving), "already moving Out")
}

func TestMoveErrors(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.stage.Move(Out), device.ErrNotConnected)
	f.connect(t)
	assert.ErrorIs(t, f.stage.Move(MovingIn), device.ErrInvalidTarget)
}

func TestColdStartup(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.stage.Startup())
	assert.True(t, f.power.IsOn("Stage"))
	assert.True(t, f.stage.Connected())
	assert.Equal(t, In, f.stage.State())
	assert.True(t, f.stage.Activities().IsIdle(), "already at science position")
	assert.True(t, f.stage.IsOperational())
}

func TestStartupFromGuiding(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	require.NoError(t, f.stage.Move(Out))
	f.advance(t, 30*time.Second)
	require.Equal(t, Out, f.stage.State())
	assert.Equal(t, []string{"stage: state is Out instead of In"}, f.stage.WhyNotOperational())

	require.NoError(t, f.stage.Startup())
	acts := f.stage.Activities()
	assert.True(t, acts.IsActive(StartingUp))
	assert.True(t, acts.IsActive(Moving))
	started := acts.Since(StartingUp)

	f.clock.Advance(time.Second)
	require.NoError(t, f.stage.Startup())
	assert.Equal(t, started, acts.Since(StartingUp), "second startup is a no-op")

	f.advance(t, 30*time.Second)
	assert.Equal(t, In, f.stage.State())
	assert.True(t, acts.IsIdle())
	assert.True(t, f.stage.IsOperational())
}

func TestShutdownWaitsForGuiding(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.stage.Startup())

	require.NoError(t, f.stage.Shutdown())
	assert.True(t, f.stage.Activities().IsActive(ShuttingDown))
	assert.True(t, f.power.IsOn("Stage"))

	f.advance(t, 10*time.Second)
	assert.True(t, f.stage.Activities().IsActive(ShuttingDown))

	f.advance(t, 20*time.Second)
	assert.True(t, f.stage.Activities().IsIdle())
	assert.False(t, f.power.IsOn("Stage"))
	assert.False(t, f.stage.Connected())
	assert.Equal(t, []string{"stage: not powered"}, f.stage.WhyNotOperational())

	require.NoError(t, f.power.PowerOn("Stage"))
	assert.Equal(t, []string{"stage: shut down", "stage: not connected"}, f.stage.WhyNotOperational())
}

func TestShutdownUnpoweredIsNoOp(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.stage.Shutdown())
	assert.True(t, f.stage.Activities().IsIdle())
}

func TestAbort(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	require.NoError(t, f.stage.Abort())
	assert.Equal(t, 0, f.link.stops, "idle abort sends nothing")

	require.NoError(t, f.stage.Move(Out))
	f.advance(t, 4*time.Second)
	require.NoError(t, f.stage.Abort())
	assert.Equal(t, 1, f.link.stops)
	assert.Equal(t, Idle, f.stage.State())
	assert.Equal(t, 4100, f.stage.Position())
	assert.True(t, f.stage.Activities().IsIdle())

	f.advance(t, 10*time.Second)
	assert.Equal(t, 4100, f.stage.Position())
}

func TestPowerLossDisconnects(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	require.NoError(t, f.stage.Move(Out))

	require.NoError(t, f.power.PowerOff("Stage"))
	assert.False(t, f.stage.Connected())

	f.advance(t, time.Second)
	assert.True(t, f.stage.Activities().IsIdle())

	st := f.stage.Status()
	assert.Equal(t, false, st["powered"])
	assert.Equal(t, false, st["connected"])
	assert.NotContains(t, st, "position")
	assert.Equal(t, false, st["operational"])
}

func TestStatusFields(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	require.NoError(t, f.stage.Move(Out))

	st := f.stage.Status()
	assert.Equal(t, "2026-03-01T20:00:00Z", st["time_stamp"])
	assert.Equal(t, int(MovingOut), st["state"])
	assert.Equal(t, "MovingOut", st["state_verbal"])
	assert.Equal(t, []string{"Moving"}, st["activities"])
	assert.Equal(t, "Moving", st["activities_verbal"])
	assert.Equal(t, TicksWhenIn, st["position"])
}
