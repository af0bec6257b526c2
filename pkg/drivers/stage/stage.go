// Package stage drives the linear stage that moves the unit's optics between
// the science (In) and guiding (Out) positions. The controller reports no
// progress, so the position is interpolated from the known stage speed.
package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mast/pkg/activity"
	"mast/pkg/device"
	"mast/pkg/operational"
	"mast/pkg/poller"
	"mast/pkg/power"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"
)

const (
	MinTicks       = 0
	MaxTicks       = 50000
	TicksWhenIn    = 100
	TicksWhenOut   = 30000
	TicksPerSecond = 1000
)

const deviceType = "Stage"

// Link is the connection to the stage controller.
type Link interface {
	Connect() error
	Disconnect() error
	Stop() error
}

// SimulatedLink is a Link that always succeeds.
type SimulatedLink struct{}

func (SimulatedLink) Connect() error    { return nil }
func (SimulatedLink) Disconnect() error { return nil }
func (SimulatedLink) Stop() error       { return nil }

type Config struct {
	Name         string        `toml:"name"`
	Socket       string        `toml:"socket"`
	PollInterval time.Duration `toml:"poll_interval"`
	UniqueID     string        `toml:"-"`
}

var DefaultConfig = Config{
	Name:         "stage",
	Socket:       "Stage",
	PollInterval: time.Second,
}

type Stage struct {
	config     Config
	power      power.Gate
	link       Link
	clock      clock.Clock
	logger     log.FieldLogger
	activities *activity.Tracker[Activity]
	poller     *poller.Poller
	errors     device.Errors

	mu           sync.Mutex
	connected    bool
	state        State
	position     int
	ticksAtStart int
	motionStart  time.Time
	wasShutDown  bool
}

func New(cfg Config, gate power.Gate, link Link, clk clock.Clock, logger log.FieldLogger) *Stage {
	s := &Stage{
		config:     cfg,
		power:      gate,
		link:       link,
		clock:      clk,
		logger:     logger,
		activities: activity.NewTracker[Activity](clk, logger),
		state:      Idle,
	}
	s.poller = poller.New(cfg.Name, cfg.PollInterval, s.Reconcile, clk, logger)
	logger.Info("initialized")
	return s
}

// Start begins periodic reconciliation.
func (s *Stage) Start(ctx context.Context) { s.poller.Start(ctx) }

// Stop ends periodic reconciliation.
func (s *Stage) Stop() { s.poller.Stop() }

func (s *Stage) Info() device.Info {
	return device.Info{
		Name:     s.config.Name,
		Type:     deviceType,
		Socket:   s.config.Socket,
		UniqueID: s.config.UniqueID,
	}
}

func (s *Stage) IsPowered() bool {
	return s.power.IsOn(s.config.Socket)
}

// Connected is never true while the stage is unpowered.
func (s *Stage) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.IsPowered()
}

func (s *Stage) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stage) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *Stage) Activities() *activity.Tracker[Activity] {
	return s.activities
}

func (s *Stage) Connect() error {
	s.errors.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked()
}

func (s *Stage) connectLocked() error {
	if !s.IsPowered() {
		return s.errors.Record(fmt.Errorf("%s: %w", s.config.Name, device.ErrPoweredOff))
	}
	if s.connected {
		return nil
	}

	if err := s.link.Connect(); err != nil {
		s.state = Error
		s.logger.Errorf("Failed to connect: %v", err)
		return s.errors.Record(fmt.Errorf("%s: connect: %w", s.config.Name, err))
	}

	s.connected = true
	s.state = In
	s.position = TicksWhenIn
	s.logger.Info("connected = true")
	return nil
}

func (s *Stage) Disconnect() error {
	s.errors.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectLocked()
}

func (s *Stage) disconnectLocked() error {
	if !s.connected {
		return nil
	}
	s.haltLocked()
	if err := s.link.Disconnect(); err != nil {
		s.logger.Warnf("Disconnect failed: %v", err)
	}
	s.connected = false
	s.logger.Info("connected = false")
	return nil
}

// Move starts moving the stage to In (Science) or Out (Guiding) and returns
// immediately. Moving to where the stage already is, or already heads, does
// nothing.
func (s *Stage) Move(target State) error {
	s.errors.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.moveLocked(target)
	return err
}

// moveLocked reports whether a new motion was started.
func (s *Stage) moveLocked(target State) (bool, error) {
	if target != In && target != Out {
		return false, s.errors.Record(fmt.Errorf("%w: cannot move %s to %s", device.ErrInvalidTarget, s.config.Name, target))
	}
	if !s.connected || !s.IsPowered() {
		return false, s.errors.Record(fmt.Errorf("%s: %w", s.config.Name, device.ErrNotConnected))
	}

	moving := MovingOut
	if target == In {
		moving = MovingIn
	}
	switch s.state {
	case target:
		s.logger.Infof("move: already %s", target)
		return false, nil
	case moving:
		s.logger.Infof("move: already %s", moving)
		return false, nil
	}

	now := s.clock.Now()
	if s.activities.IsActive(Moving) {
		// Reversing mid-travel: restart the interpolation from where we are.
		s.position = s.positionAt(now)
	}
	s.activities.Start(Moving)
	s.state = moving
	s.ticksAtStart = s.position
	s.motionStart = now
	s.logger.Infof("move: at %d started moving, state=%s", s.position, s.state)
	return true, nil
}

// positionAt interpolates the position in whole elapsed seconds, clamped to
// the travel end of the current motion. Must hold s.mu.
func (s *Stage) positionAt(now time.Time) int {
	elapsed := int(now.Sub(s.motionStart) / time.Second)
	switch s.state {
	case MovingOut:
		return min(s.ticksAtStart+elapsed*TicksPerSecond, TicksWhenOut)
	case MovingIn:
		return max(s.ticksAtStart-elapsed*TicksPerSecond, TicksWhenIn)
	}
	return s.position
}

// haltLocked freezes any motion in place and ends every activity.
func (s *Stage) haltLocked() {
	if s.activities.IsActive(Moving) {
		s.position = s.positionAt(s.clock.Now())
		s.state = Idle
		s.activities.End(Moving)
	}
	s.activities.End(StartingUp)
	s.activities.End(ShuttingDown)
}

// Abort stops any motion and clears every activity. It does nothing when the
// stage is idle.
func (s *Stage) Abort() error {
	s.errors.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activities.IsIdle() {
		return nil
	}
	if s.activities.IsActive(Moving) {
		if err := s.link.Stop(); err != nil {
			s.logger.Warnf("Stop failed: %v", err)
		}
	}
	s.haltLocked()
	s.logger.Infof("aborted at %d", s.position)
	return nil
}

// Startup powers the stage, connects and sends it to the science position.
// While a startup is in progress another call does nothing.
func (s *Stage) Startup() error {
	s.errors.Reset()
	if !s.IsPowered() {
		if err := s.power.PowerOn(s.config.Socket); err != nil {
			return s.errors.Record(fmt.Errorf("%s: power on: %w", s.config.Name, err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connectLocked(); err != nil {
		return err
	}
	s.wasShutDown = false
	s.activities.End(ShuttingDown)

	if s.state == Science || s.activities.IsActive(StartingUp) {
		return nil
	}
	s.activities.Start(StartingUp)
	if _, err := s.moveLocked(Science); err != nil {
		s.activities.End(StartingUp)
		return err
	}
	return nil
}

// Shutdown sends the stage to the guiding position, then disconnects and
// powers it off once it gets there.
func (s *Stage) Shutdown() error {
	s.errors.Reset()
	if !s.IsPowered() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activities.IsActive(ShuttingDown) {
		return nil
	}
	s.activities.End(StartingUp)

	if s.connected && s.state != Guiding {
		s.activities.Start(ShuttingDown)
		if _, err := s.moveLocked(Guiding); err != nil {
			s.activities.End(ShuttingDown)
			return err
		}
		return nil
	}
	return s.finishShutdownLocked()
}

func (s *Stage) finishShutdownLocked() error {
	s.disconnectLocked()
	s.wasShutDown = true
	if err := s.power.PowerOff(s.config.Socket); err != nil {
		return s.errors.Record(fmt.Errorf("%s: power off: %w", s.config.Name, err))
	}
	return nil
}

// Reconcile is one polling step: advance the interpolated position and end
// the activities whose terminal state has been reached.
func (s *Stage) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected && !s.IsPowered() {
		s.logger.Warn("lost power")
		s.disconnectLocked()
	}
	if !s.connected {
		return nil
	}

	if s.activities.IsActive(Moving) {
		s.position = s.positionAt(s.clock.Now())
		switch {
		case s.state == MovingOut && s.position >= TicksWhenOut:
			s.state = Out
			s.activities.End(Moving)
		case s.state == MovingIn && s.position <= TicksWhenIn:
			s.state = In
			s.activities.End(Moving)
		}
		s.logger.Debugf("position=%d", s.position)
	}

	if s.state == In && s.activities.IsActive(StartingUp) {
		s.activities.End(StartingUp)
	}
	if s.state == Out && s.activities.IsActive(ShuttingDown) {
		s.activities.End(ShuttingDown)
		return s.finishShutdownLocked()
	}
	return nil
}

func (s *Stage) Operational() operational.Record {
	s.mu.Lock()
	in := operational.Inputs{
		Label:       s.config.Name,
		Powered:     s.IsPowered(),
		WasShutDown: s.wasShutDown,
		Detected:    s.state != Error,
		Connected:   s.connected,
		Conditions: []operational.Condition{{
			OK:     s.state == Science,
			Reason: fmt.Sprintf("state is %s instead of %s", s.state, Science),
		}},
	}
	s.mu.Unlock()
	return operational.Evaluate(in)
}

func (s *Stage) IsOperational() bool {
	return s.Operational().IsOperational
}

func (s *Stage) WhyNotOperational() []string {
	return s.Operational().Reasons
}

func (s *Stage) Status() device.Status {
	op := s.Operational()

	s.mu.Lock()
	defer s.mu.Unlock()

	powered := s.IsPowered()
	st := device.NewStatus(s.clock.Now())
	st["powered"] = powered
	st["connected"] = s.connected && powered
	st["activities"] = s.activities.Names()
	st["activities_verbal"] = s.activities.String()
	st["was_shut_down"] = s.wasShutDown
	st["errors"] = s.errors.List()
	st["operational"] = op.IsOperational
	st["why_not_operational"] = op.Reasons
	if s.connected && powered {
		st["state"] = int(s.state)
		st["state_verbal"] = s.state.String()
		st["position"] = s.position
	}
	return st
}
