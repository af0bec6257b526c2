// Package covers drives the mirror covers (cover calibrator) through the PWI
// controller.
package covers

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
	"mast/pkg/pwi"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"
)

type State int

const (
	NotPresent State = iota
	Closed
	Moving
	Open
	Unknown
	Error
)

func (s State) String() string {
	switch s {
	case NotPresent:
		return "NotPresent"
	case Closed:
		return "Closed"
	case Moving:
		return "Moving"
	case Open:
		return "Open"
	case Unknown:
		return "Unknown"
	case Error:
		return "Error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func stateOf(cs pwi.CoverState) State {
	switch cs {
	case pwi.CoverNotPresent:
		return NotPresent
	case pwi.CoverClosed:
		return Closed
	case pwi.CoverMoving:
		return Moving
	case pwi.CoverOpen:
		return Open
	case pwi.CoverError:
		return Error
	}
	return Unknown
}

type Activity uint32

const (
	Opening Activity = 1 << iota
	Closing
	StartingUp
	ShuttingDown
)

func (a Activity) String() string {
	switch a {
	case Opening:
		return "Opening"
	case Closing:
		return "Closing"
	case StartingUp:
		return "StartingUp"
	case ShuttingDown:
		return "ShuttingDown"
	}
	return fmt.Sprintf("Activity(%d)", uint32(a))
}

const deviceType = "CoverCalibrator"

type Config struct {
	Name         string        `toml:"name"`
	Socket       string        `toml:"socket"`
	PollInterval time.Duration `toml:"poll_interval"`
	UniqueID     string        `toml:"-"`
}

var DefaultConfig = Config{
	Name:         "covers",
	Socket:       "Covers",
	PollInterval: 2 * time.Second,
}

type Covers struct {
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

func New(cfg Config, gate power.Gate, ctl pwi.Controller, clk clock.Clock, logger log.FieldLogger) *Covers {
	c := &Covers{
		config:     cfg,
		power:      gate,
		pwi:        ctl,
		clock:      clk,
		logger:     logger,
		activities: activity.NewTracker[Activity](clk, logger),
	}
	c.poller = poller.New(cfg.Name, cfg.PollInterval, c.Reconcile, clk, logger)
	logger.Info("initialized")
	return c
}

func (c *Covers) Start(ctx context.Context) { c.poller.Start(ctx) }
func (c *Covers) Stop()                     { c.poller.Stop() }

func (c *Covers) Info() device.Info {
	return device.Info{
		Name:     c.config.Name,
		Type:     deviceType,
		Socket:   c.config.Socket,
		UniqueID: c.config.UniqueID,
	}
}

func (c *Covers) Activities() *activity.Tracker[Activity] {
	return c.activities
}

func (c *Covers) IsPowered() bool {
	return c.power.IsOn(c.config.Socket)
}

func (c *Covers) Connected() bool {
	if !c.IsPowered() {
		return false
	}
	st, err := c.pwi.Status()
	return err == nil && st.Covers.Exists && st.Covers.IsConnected
}

// State returns the polled cover state, or Unknown if the controller cannot
// be reached.
func (c *Covers) State() State {
	st, err := c.pwi.Status()
	if err != nil {
		return Unknown
	}
	return stateOf(st.Covers.State)
}

func (c *Covers) Connect() error {
	c.errors.Reset()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Covers) connectLocked() error {
	if !c.IsPowered() {
		return c.errors.Record(fmt.Errorf("%s: %w", c.config.Name, device.ErrPoweredOff))
	}
	if err := c.pwi.CoversConnect(); err != nil {
		return c.errors.Record(fmt.Errorf("%s: connect: %w", c.config.Name, err))
	}
	c.logger.Info("connected = true")
	return nil
}

func (c *Covers) Disconnect() error {
	c.errors.Reset()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectController()
}

// disconnectController touches no covers state guarded by c.mu.
func (c *Covers) disconnectController() error {
	if !c.IsPowered() {
		return nil
	}
	if err := c.pwi.CoversDisconnect(); err != nil {
		return c.errors.Record(fmt.Errorf("%s: disconnect: %w", c.config.Name, err))
	}
	c.logger.Info("connected = false")
	return nil
}

func (c *Covers) Open() error {
	c.errors.Reset()
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.moveLocked(Open)
	return err
}

func (c *Covers) Close() error {
	c.errors.Reset()
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.moveLocked(Closed)
	return err
}

// moveLocked opens or closes the covers and reports whether they started
// moving.
func (c *Covers) moveLocked(target State) (bool, error) {
	if !c.IsPowered() {
		return false, c.errors.Record(fmt.Errorf("%s: %w", c.config.Name, device.ErrPoweredOff))
	}
	st, err := c.pwi.Status()
	if err != nil {
		return false, c.errors.Record(fmt.Errorf("%s: %w", c.config.Name, err))
	}
	if !st.Covers.Exists || !st.Covers.IsConnected {
		return false, c.errors.Record(fmt.Errorf("%s: %w", c.config.Name, device.ErrNotConnected))
	}
	if stateOf(st.Covers.State) == target {
		c.logger.Infof("already %s", target)
		return false, nil
	}

	act, command := Opening, c.pwi.CoversOpen
	if target == Closed {
		act, command = Closing, c.pwi.CoversClose
	}
	c.activities.End(Opening)
	c.activities.End(Closing)
	c.activities.Start(act)
	if err := command(); err != nil {
		c.activities.End(act)
		return false, c.errors.Record(fmt.Errorf("%s: %s: %w", c.config.Name, act, err))
	}
	return true, nil
}

// Startup powers the covers, connects and opens them.
func (c *Covers) Startup() error {
	c.errors.Reset()
	if !c.IsPowered() {
		if err := c.power.PowerOn(c.config.Socket); err != nil {
			return c.errors.Record(fmt.Errorf("%s: power on: %w", c.config.Name, err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activities.IsActive(StartingUp) {
		return nil
	}
	if err := c.connectLocked(); err != nil {
		return err
	}
	c.wasShutDown = false
	c.activities.End(ShuttingDown)

	c.activities.Start(StartingUp)
	moved, err := c.moveLocked(Open)
	if err != nil || !moved {
		c.activities.End(StartingUp)
	}
	return err
}

// Shutdown closes the covers and powers them off once they are closed.
func (c *Covers) Shutdown() error {
	c.errors.Reset()
	if !c.IsPowered() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activities.IsActive(ShuttingDown) {
		return nil
	}
	if err := c.connectLocked(); err != nil {
		return err
	}
	c.activities.End(StartingUp)

	c.activities.Start(ShuttingDown)
	moved, err := c.moveLocked(Closed)
	if err != nil {
		c.activities.End(ShuttingDown)
		return err
	}
	if !moved {
		c.activities.End(ShuttingDown)
		c.wasShutDown = true
		c.disconnectController()
		return c.powerOffLocked()
	}
	return nil
}

func (c *Covers) powerOffLocked() error {
	if err := c.power.PowerOff(c.config.Socket); err != nil {
		return c.errors.Record(fmt.Errorf("%s: power off: %w", c.config.Name, err))
	}
	return nil
}

// finishShutdown disconnects and powers off once a shutdown close completes,
// unless a startup came in meanwhile.
func (c *Covers) finishShutdown() error {
	c.disconnectController()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.wasShutDown {
		return nil
	}
	return c.powerOffLocked()
}

// Abort halts the covers and clears every activity. It does nothing when the
// covers are idle.
func (c *Covers) Abort() error {
	c.errors.Reset()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activities.IsIdle() {
		return nil
	}
	c.activities.EndAll()
	if err := c.pwi.CoversHalt(); err != nil {
		return c.errors.Record(fmt.Errorf("%s: halt: %w", c.config.Name, err))
	}
	return nil
}

// Reconcile ends Opening and Closing once the covers stop moving.
func (c *Covers) Reconcile(ctx context.Context) error {
	closed, err := c.reconcile()
	if err != nil || !closed {
		return err
	}
	return c.finishShutdown()
}

// reconcile reports whether the close of a shutdown has just completed.
func (c *Covers) reconcile() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.IsPowered() {
		if !c.activities.IsIdle() {
			c.logger.Warn("lost power")
			c.activities.EndAll()
		}
		return false, nil
	}
	if c.activities.IsIdle() {
		return false, nil
	}

	st, err := c.pwi.Status()
	if err != nil {
		return false, err
	}
	state := stateOf(st.Covers.State)
	if state == Moving {
		return false, nil
	}

	if c.activities.End(Opening) {
		if state != Open {
			c.logger.Warnf("opening ended with covers %s", state)
		}
		c.activities.End(StartingUp)
	}
	if c.activities.End(Closing) {
		if state != Closed {
			c.logger.Warnf("closing ended with covers %s", state)
			c.activities.End(ShuttingDown)
			return false, nil
		}
		if c.activities.End(ShuttingDown) {
			c.wasShutDown = true
			return true, nil
		}
	}
	return false, nil
}

func (c *Covers) Operational() operational.Record {
	in := operational.Inputs{
		Label:           c.config.Name,
		Powered:         c.IsPowered(),
		ConnectedReason: "(PWI4) not connected",
	}
	c.mu.Lock()
	in.WasShutDown = c.wasShutDown
	c.mu.Unlock()

	if in.Powered {
		st, err := c.pwi.Status()
		in.Detected = err == nil && st.Covers.Exists
		in.Connected = st.Covers.IsConnected
		state := stateOf(st.Covers.State)
		in.Conditions = []operational.Condition{{
			OK:     state == Open,
			Reason: fmt.Sprintf("state is %s instead of %s", state, Open),
		}}
	}
	return operational.Evaluate(in)
}

func (c *Covers) IsOperational() bool {
	return c.Operational().IsOperational
}

func (c *Covers) WhyNotOperational() []string {
	return c.Operational().Reasons
}

func (c *Covers) Status() device.Status {
	op := c.Operational()
	powered := c.IsPowered()

	c.mu.Lock()
	wasShutDown := c.wasShutDown
	c.mu.Unlock()

	st := device.NewStatus(c.clock.Now())
	st["powered"] = powered
	st["activities"] = c.activities.Names()
	st["activities_verbal"] = c.activities.String()
	st["was_shut_down"] = wasShutDown
	st["errors"] = c.errors.List()
	st["operational"] = op.IsOperational
	st["why_not_operational"] = op.Reasons

	connected := false
	if powered {
		if ps, err := c.pwi.Status(); err == nil && ps.Covers.Exists {
			connected = ps.Covers.IsConnected
			if connected {
				state := stateOf(ps.Covers.State)
				st["state"] = int(state)
				st["state_verbal"] = state.String()
			}
		}
	}
	st["connected"] = connected
	return st
}
