// Package mount drives the telescope mount through the PWI controller.
package mount

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mast/pkg/activity"
	"mast/pkg/device"
	"mast/pkg/operational"
	"mast/pkg/poller"
	"mast/pkg/power"
	"mast/pkg/pwi"

	"github.com/juju/clock"
	"github.com/juju/retry"
	log "github.com/sirupsen/logrus"
)

type Activity uint32

const (
	StartingUp Activity = 1 << iota
	ShuttingDown
	Slewing
	Parking
	Tracking
	FindingHome
)

func (a Activity) String() string {
	switch a {
	case StartingUp:
		return "StartingUp"
	case ShuttingDown:
		return "ShuttingDown"
	case Slewing:
		return "Slewing"
	case Parking:
		return "Parking"
	case Tracking:
		return "Tracking"
	case FindingHome:
		return "FindingHome"
	}
	return fmt.Sprintf("Activity(%d)", uint32(a))
}

const deviceType = "Mount"

type Config struct {
	Name            string        `toml:"name"`
	Socket          string        `toml:"socket"`
	PollInterval    time.Duration `toml:"poll_interval"`
	TrackingTimeout time.Duration `toml:"tracking_timeout"`
	TrackingPoll    time.Duration `toml:"tracking_poll"`
	UniqueID        string        `toml:"-"`
}

var DefaultConfig = Config{
	Name:            "mount",
	Socket:          "Mount",
	PollInterval:    2 * time.Second,
	TrackingTimeout: time.Minute,
	TrackingPoll:    time.Second,
}

var errTrackingPending = errors.New("tracking state not reached yet")

type Mount struct {
	config     Config
	power      power.Gate
	pwi        pwi.Controller
	clock      clock.Clock
	logger     log.FieldLogger
	activities *activity.Tracker[Activity]
	poller     *poller.Poller
	errors     device.Errors

	mu          sync.Mutex
	wasShutDown bool
}

func New(cfg Config, gate power.Gate, ctl pwi.Controller, clk clock.Clock, logger log.FieldLogger) *Mount {
	m := &Mount{
		config:     cfg,
		power:      gate,
		pwi:        ctl,
		clock:      clk,
		logger:     logger,
		activities: activity.NewTracker[Activity](clk, logger),
	}
	m.poller = poller.New(cfg.Name, cfg.PollInterval, m.Reconcile, clk, logger)
	logger.Info("initialized")
	return m
}

func (m *Mount) Start(ctx context.Context) { m.poller.Start(ctx) }
func (m *Mount) Stop()                     { m.poller.Stop() }

func (m *Mount) Info() device.Info {
	return device.Info{
		Name:     m.config.Name,
		Type:     deviceType,
		Socket:   m.config.Socket,
		UniqueID: m.config.UniqueID,
	}
}

func (m *Mount) Activities() *activity.Tracker[Activity] {
	return m.activities
}

func (m *Mount) IsPowered() bool {
	return m.power.IsOn(m.config.Socket)
}

// ready reports whether the controller has the mount connected with both
// axes enabled.
func ready(st pwi.MountStatus) bool {
	return st.IsConnected && st.Axis0.IsEnabled && st.Axis1.IsEnabled
}

func (m *Mount) Connected() bool {
	if !m.IsPowered() {
		return false
	}
	st, err := m.pwi.Status()
	return err == nil && ready(st.Mount)
}

func (m *Mount) Connect() error {
	m.errors.Reset()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked()
}

func (m *Mount) connectLocked() error {
	if !m.IsPowered() {
		return m.errors.Record(fmt.Errorf("%s: %w", m.config.Name, device.ErrPoweredOff))
	}
	st, err := m.pwi.Status()
	if err != nil {
		return m.errors.Record(fmt.Errorf("%s: %w", m.config.Name, err))
	}
	if !st.Mount.IsConnected {
		if err := m.pwi.MountConnect(); err != nil {
			return m.errors.Record(fmt.Errorf("%s: connect: %w", m.config.Name, err))
		}
	}
	if !st.Mount.Axis0.IsEnabled || !st.Mount.Axis1.IsEnabled {
		for axis := 0; axis < 2; axis++ {
			if err := m.pwi.MountEnable(axis); err != nil {
				return m.errors.Record(fmt.Errorf("%s: enable axis%d: %w", m.config.Name, axis, err))
			}
		}
	}
	m.logger.Info("connected = true, axes enabled")
	return nil
}

func (m *Mount) Disconnect() error {
	m.errors.Reset()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectController()
}

// disconnectController disables both axes and disconnects the mount in the
// controller. It touches no mount state guarded by m.mu.
func (m *Mount) disconnectController() error {
	if !m.IsPowered() {
		return nil
	}
	st, err := m.pwi.Status()
	if err != nil {
		return m.errors.Record(fmt.Errorf("%s: %w", m.config.Name, err))
	}
	if st.Mount.Axis0.IsEnabled || st.Mount.Axis1.IsEnabled {
		for axis := 0; axis < 2; axis++ {
			if err := m.pwi.MountDisable(axis); err != nil {
				m.logger.Warnf("Disable axis%d failed: %v", axis, err)
			}
		}
	}
	if st.Mount.IsConnected {
		if err := m.pwi.MountDisconnect(); err != nil {
			return m.errors.Record(fmt.Errorf("%s: disconnect: %w", m.config.Name, err))
		}
	}
	m.logger.Info("connected = false, axes disabled")
	return nil
}

// Startup powers the mount, connects, turns the fans on and finds home.
// StartingUp ends when homing completes.
func (m *Mount) Startup() error {
	m.errors.Reset()
	if !m.IsPowered() {
		if err := m.power.PowerOn(m.config.Socket); err != nil {
			return m.errors.Record(fmt.Errorf("%s: power on: %w", m.config.Name, err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activities.IsActive(StartingUp) {
		return nil
	}
	if err := m.connectLocked(); err != nil {
		return err
	}
	m.wasShutDown = false
	m.activities.End(ShuttingDown)
	m.activities.Start(StartingUp)
	if err := m.pwi.FansOn(); err != nil {
		m.logger.Warnf("Fans on failed: %v", err)
	}
	if err := m.findHomeLocked(); err != nil {
		m.activities.End(StartingUp)
		return err
	}
	return nil
}

// Shutdown turns the fans off and parks. The mount is powered off once the
// park completes.
func (m *Mount) Shutdown() error {
	m.errors.Reset()
	if !m.IsPowered() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activities.IsActive(ShuttingDown) {
		return nil
	}
	if err := m.connectLocked(); err != nil {
		return err
	}
	m.activities.End(StartingUp)
	m.activities.Start(ShuttingDown)
	if err := m.pwi.FansOff(); err != nil {
		m.logger.Warnf("Fans off failed: %v", err)
	}
	if err := m.parkLocked(); err != nil {
		m.activities.End(ShuttingDown)
		return err
	}
	return nil
}

func (m *Mount) requireConnected() error {
	if !m.IsPowered() {
		return m.errors.Record(fmt.Errorf("%s: %w", m.config.Name, device.ErrPoweredOff))
	}
	st, err := m.pwi.Status()
	if err != nil {
		return m.errors.Record(fmt.Errorf("%s: %w", m.config.Name, err))
	}
	if !ready(st.Mount) {
		return m.errors.Record(fmt.Errorf("%s: %w", m.config.Name, device.ErrNotConnected))
	}
	return nil
}

func (m *Mount) Park() error {
	m.errors.Reset()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parkLocked()
}

func (m *Mount) parkLocked() error {
	if err := m.requireConnected(); err != nil {
		return err
	}
	if !m.activities.Start(Parking) {
		return nil
	}
	if err := m.pwi.MountPark(); err != nil {
		m.activities.End(Parking)
		return m.errors.Record(fmt.Errorf("%s: park: %w", m.config.Name, err))
	}
	return nil
}

func (m *Mount) FindHome() error {
	m.errors.Reset()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findHomeLocked()
}

func (m *Mount) findHomeLocked() error {
	if err := m.requireConnected(); err != nil {
		return err
	}
	if !m.activities.Start(FindingHome) {
		return nil
	}
	if err := m.pwi.MountFindHome(); err != nil {
		m.activities.End(FindingHome)
		return m.errors.Record(fmt.Errorf("%s: find home: %w", m.config.Name, err))
	}
	return nil
}

// StartTracking turns tracking on and waits until the controller reports it,
// giving up after the configured timeout or when ctx is done.
func (m *Mount) StartTracking(ctx context.Context) error {
	return m.setTracking(ctx, true)
}

// StopTracking is the counterpart of StartTracking.
func (m *Mount) StopTracking(ctx context.Context) error {
	return m.setTracking(ctx, false)
}

func (m *Mount) setTracking(ctx context.Context, on bool) error {
	m.errors.Reset()
	if err := m.requireConnected(); err != nil {
		return err
	}

	command, verb := m.pwi.MountTrackingOff, "stop tracking"
	if on {
		command, verb = m.pwi.MountTrackingOn, "start tracking"
	}
	if err := command(); err != nil {
		return m.errors.Record(fmt.Errorf("%s: %s: %w", m.config.Name, verb, err))
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			st, err := m.pwi.Status()
			if err != nil {
				return err
			}
			if st.Mount.IsTracking != on {
				return errTrackingPending
			}
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			m.logger.Debugf("%s: waiting (attempt %d): %v", verb, attempt, err)
		},
		Attempts:    -1,
		Delay:       m.config.TrackingPoll,
		MaxDuration: m.config.TrackingTimeout,
		Clock:       m.clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
	case retry.IsRetryStopped(err):
		return m.errors.Record(fmt.Errorf("%s: %s: %w", m.config.Name, verb, ctx.Err()))
	case retry.IsDurationExceeded(err):
		return m.errors.Record(fmt.Errorf("%s: %s: %w after %s", m.config.Name, verb, device.ErrTimeout, m.config.TrackingTimeout))
	default:
		return m.errors.Record(fmt.Errorf("%s: %s: %w", m.config.Name, verb, retry.LastError(err)))
	}

	if on {
		m.activities.Start(Tracking)
	} else {
		m.activities.End(Tracking)
	}
	return nil
}

// Abort ends every in-flight activity, stops the mount and turns tracking
// off. It does nothing when the mount is idle.
func (m *Mount) Abort() error {
	m.errors.Reset()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activities.IsIdle() {
		return nil
	}
	m.activities.EndAll()
	if err := m.pwi.MountStop(); err != nil {
		return m.errors.Record(fmt.Errorf("%s: stop: %w", m.config.Name, err))
	}
	if err := m.pwi.MountTrackingOff(); err != nil {
		return m.errors.Record(fmt.Errorf("%s: tracking off: %w", m.config.Name, err))
	}
	return nil
}

// Reconcile ends homing and parking once the mount stops slewing and mirrors
// the controller's slewing and tracking flags. A shutdown park that has
// completed is finished by disconnecting and powering off, without holding
// the mount lock.
func (m *Mount) Reconcile(ctx context.Context) error {
	parked, err := m.reconcile()
	if err != nil || !parked {
		return err
	}
	return m.finishShutdown()
}

// reconcile reports whether the park of a shutdown has just completed.
func (m *Mount) reconcile() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.IsPowered() {
		if !m.activities.IsIdle() {
			m.logger.Warn("lost power")
			m.activities.EndAll()
		}
		return false, nil
	}

	st, err := m.pwi.Status()
	if err != nil {
		return false, err
	}
	if !st.Mount.IsConnected {
		return false, nil
	}

	if st.Mount.IsSlewing {
		m.activities.Start(Slewing)
	} else {
		m.activities.End(Slewing)
	}
	if st.Mount.IsTracking {
		m.activities.Start(Tracking)
	} else {
		m.activities.End(Tracking)
	}

	if m.activities.IsActive(FindingHome) && !st.Mount.IsSlewing {
		m.activities.End(FindingHome)
		m.activities.End(StartingUp)
	}

	if m.activities.IsActive(Parking) && !st.Mount.IsSlewing {
		m.activities.End(Parking)
		if m.activities.End(ShuttingDown) {
			m.wasShutDown = true
			return true, nil
		}
	}
	return false, nil
}

func (m *Mount) finishShutdown() error {
	m.disconnectController()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.wasShutDown {
		m.logger.Info("started up again before power off")
		return nil
	}
	if err := m.power.PowerOff(m.config.Socket); err != nil {
		return m.errors.Record(fmt.Errorf("%s: power off: %w", m.config.Name, err))
	}
	return nil
}

func (m *Mount) Operational() operational.Record {
	in := operational.Inputs{
		Label:           m.config.Name,
		Powered:         m.IsPowered(),
		ConnectedReason: "(PWI4) not connected",
	}
	m.mu.Lock()
	in.WasShutDown = m.wasShutDown
	m.mu.Unlock()

	if in.Powered {
		st, err := m.pwi.Status()
		in.Detected = err == nil
		in.Connected = st.Mount.IsConnected
		in.Conditions = []operational.Condition{
			{OK: st.Mount.Axis0.IsEnabled, Reason: "(PWI4) axis0 not enabled"},
			{OK: st.Mount.Axis1.IsEnabled, Reason: "(PWI4) axis1 not enabled"},
		}
	}
	return operational.Evaluate(in)
}

func (m *Mount) IsOperational() bool {
	return m.Operational().IsOperational
}

func (m *Mount) WhyNotOperational() []string {
	return m.Operational().Reasons
}

func (m *Mount) Status() device.Status {
	op := m.Operational()
	powered := m.IsPowered()

	m.mu.Lock()
	wasShutDown := m.wasShutDown
	m.mu.Unlock()

	st := device.NewStatus(m.clock.Now())
	st["powered"] = powered
	st["activities"] = m.activities.Names()
	st["activities_verbal"] = m.activities.String()
	st["was_shut_down"] = wasShutDown
	st["errors"] = m.errors.List()
	st["operational"] = op.IsOperational
	st["why_not_operational"] = op.Reasons

	connected := false
	if powered {
		if ps, err := m.pwi.Status(); err == nil {
			connected = ready(ps.Mount)
			if connected {
				st["tracking"] = ps.Mount.IsTracking
				st["slewing"] = ps.Mount.IsSlewing
				st["axis0_enabled"] = ps.Mount.Axis0.IsEnabled
				st["axis1_enabled"] = ps.Mount.Axis1.IsEnabled
				st["ra_j2000_hours"] = ps.Mount.RAJ2000Hours
				st["dec_j2000_degs"] = ps.Mount.DecJ2000Degs
				st["ha_hours"] = ps.Site.LMSTHours - ps.Mount.RAJ2000Hours
				st["lmst_hours"] = ps.Site.LMSTHours
				st["fans"] = ps.Fans.On
			}
		}
	}
	st["connected"] = connected
	return st
}
