package pwi

import (
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

func newTestSimulator(t *testing.T) (*Simulator, *power.Switch, *testclock.Clock) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	clk := testclock.NewClock(time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC))
	sw, err := power.NewSwitch(nil, []string{"Mount", "Focuser", "Covers"}, clk, logger)
	require.NoError(t, err)
	require.NoError(t, sw.Startup())
	return NewSimulator(DefaultSimulatorConfig, sw, clk, logger), sw, clk
}

func status(t *testing.T, s *Simulator) Status {
	t.Helper()
	st, err := s.Status()
	require.NoError(t, err)
	return st
}

func TestSimulatorMountHoming(t *testing.T) {
	sim, _, clk := newTestSimulator(t)

	assert.ErrorIs(t, sim.MountFindHome(), device.ErrNotConnected)

	require.NoError(t, sim.MountConnect())
	require.NoError(t, sim.MountEnable(0))
	require.NoError(t, sim.MountEnable(1))
	require.NoError(t, sim.MountFindHome())
	assert.True(t, status(t, sim).Mount.IsSlewing)

	clk.Advance(DefaultSimulatorConfig.HomeDuration)
	assert.False(t, status(t, sim).Mount.IsSlewing)
}

func TestSimulatorTrackingDelay(t *testing.T) {
	sim, _, clk := newTestSimulator(t)
	require.NoError(t, sim.MountConnect())
	require.NoError(t, sim.MountEnable(0))
	require.NoError(t, sim.MountEnable(1))

	require.NoError(t, sim.MountTrackingOn())
	assert.False(t, status(t, sim).Mount.IsTracking)
	clk.Advance(DefaultSimulatorConfig.TrackingDelay)
	assert.True(t, status(t, sim).Mount.IsTracking)

	sim.SetTrackingStuck(true)
	require.NoError(t, sim.MountTrackingOff())
	clk.Advance(time.Minute)
	assert.True(t, status(t, sim).Mount.IsTracking)
}

func TestSimulatorFocuserMotion(t *testing.T) {
	sim, _, clk := newTestSimulator(t)
	require.NoError(t, sim.FocuserConnect())
	require.NoError(t, sim.FocuserEnable())

	require.NoError(t, sim.FocuserGoto(1000))
	clk.Advance(time.Second)
	st := status(t, sim)
	assert.Equal(t, 500.0, st.Focuser.Position)
	assert.True(t, st.Focuser.IsMoving)

	clk.Advance(time.Second)
	st = status(t, sim)
	assert.Equal(t, 1000.0, st.Focuser.Position)
	assert.False(t, st.Focuser.IsMoving)

	assert.ErrorIs(t, sim.FocuserGoto(40000), device.ErrInvalidTarget)
}

func TestSimulatorCovers(t *testing.T) {
	sim, _, clk := newTestSimulator(t)
	require.NoError(t, sim.CoversConnect())

	require.NoError(t, sim.CoversOpen())
	assert.Equal(t, CoverMoving, status(t, sim).Covers.State)
	clk.Advance(DefaultSimulatorConfig.CoverTravel)
	assert.Equal(t, CoverOpen, status(t, sim).Covers.State)
}

func TestSimulatorPowerLoss(t *testing.T) {
	sim, sw, _ := newTestSimulator(t)
	require.NoError(t, sim.MountConnect())
	require.NoError(t, sim.FocuserConnect())

	require.NoError(t, sw.PowerOff("Mount"))
	require.NoError(t, sw.PowerOff("Focuser"))
	st := status(t, sim)
	assert.False(t, st.Mount.IsConnected)
	assert.False(t, st.Focuser.Exists)
	assert.False(t, st.Focuser.IsConnected)
	assert.ErrorIs(t, sim.MountConnect(), device.ErrPoweredOff)
}

func TestSimulatorFault(t *testing.T) {
	sim, _, _ := newTestSimulator(t)

	sim.SetFault(errors.New("connection refused"))
	_, err := sim.Status()
	assert.ErrorIs(t, err, device.ErrHardwareUnreachable)
	assert.ErrorIs(t, sim.FansOn(), device.ErrHardwareUnreachable)

	sim.SetFault(nil)
	require.NoError(t, sim.FansOn())
	assert.True(t, status(t, sim).Fans.On)
	assert.Equal(t, []string{"fans_on"}, sim.Commands())
}
