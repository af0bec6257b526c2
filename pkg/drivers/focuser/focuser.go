// Package focuser drives the unit's focuser through the PWI controller and
// remembers the last known-as-good focus position.
package focuser

import (
	"context"
	"fmt"
	"math"
	"strings"
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
	bolt "go.etcd.io/bbolt"
)

type Activity uint32

const (
	Moving Activity = 1 << iota
	StartingUp
	ShuttingDown
)

func (a Activity) String() string {
	switch a {
	case Moving:
		return "Moving"
	case StartingUp:
		return "StartingUp"
	case ShuttingDown:
		return "ShuttingDown"
	}
	return fmt.Sprintf("Activity(%d)", uint32(a))
}

// Direction of a relative move. In decreases the position.
type Direction int

const (
	In Direction = iota + 1
	Out
)

func (d Direction) String() string {
	switch d {
	case In:
		return "In"
	case Out:
		return "Out"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return In, nil
	case "out":
		return Out, nil
	}
	return 0, fmt.Errorf("%w: unknown direction %q", device.ErrInvalidTarget, s)
}

const deviceType = "Focuser"

type Config struct {
	Name         string        `toml:"name"`
	Socket       string        `toml:"socket"`
	PollInterval time.Duration `toml:"poll_interval"`
	LowerLimit   int           `toml:"lower_limit"`
	UpperLimit   int           `toml:"upper_limit"`
	// KnownAsGoodPosition seeds the stored value; zero means the middle of
	// the travel.
	KnownAsGoodPosition int    `toml:"known_as_good_position"`
	UniqueID            string `toml:"-"`
}

var DefaultConfig = Config{
	Name:         "focuser",
	Socket:       "Focuser",
	PollInterval: 2 * time.Second,
	LowerLimit:   0,
	UpperLimit:   30000,
}

type Focuser struct {
	config     Config
	power      power.Gate
	pwi        pwi.Controller
	store      *store
	clock      clock.Clock
	logger     log.FieldLogger
	activities *activity.Tracker[Activity]
	poller     *poller.Poller
	errors     device.Errors

	mu          sync.Mutex
	target      *int
	knownAsGood int
	wasShutDown bool
}

// New creates the focuser. db may be nil, in which case the known-as-good
// position is not persisted.
func New(cfg Config, gate power.Gate, ctl pwi.Controller, db *bolt.DB, clk clock.Clock, logger log.FieldLogger) (*Focuser, error) {
	f := &Focuser{
		config:      cfg,
		power:       gate,
		pwi:         ctl,
		clock:       clk,
		logger:      logger,
		activities:  activity.NewTracker[Activity](clk, logger),
		knownAsGood: cfg.KnownAsGoodPosition,
	}
	if f.knownAsGood == 0 {
		f.knownAsGood = cfg.UpperLimit / 2
	}

	if db != nil {
		st, err := newStore(db, settings{KnownAsGoodPosition: f.knownAsGood})
		if err != nil {
			return nil, fmt.Errorf("focuser store: %w", err)
		}
		saved, err := st.GetSettings()
		if err != nil {
			return nil, fmt.Errorf("focuser store: %w", err)
		}
		f.store = st
		f.knownAsGood = saved.KnownAsGoodPosition
	}

	f.poller = poller.New(cfg.Name, cfg.PollInterval, f.Reconcile, clk, logger)
	logger.Info("initialized")
	return f, nil
}

func (f *Focuser) Start(ctx context.Context) { f.poller.Start(ctx) }
func (f *Focuser) Stop()                     { f.poller.Stop() }

func (f *Focuser) Info() device.Info {
	return device.Info{
		Name:     f.config.Name,
		Type:     deviceType,
		Socket:   f.config.Socket,
		UniqueID: f.config.UniqueID,
	}
}

func (f *Focuser) Activities() *activity.Tracker[Activity] {
	return f.activities
}

func (f *Focuser) IsPowered() bool {
	return f.power.IsOn(f.config.Socket)
}

func (f *Focuser) Connected() bool {
	if !f.IsPowered() {
		return false
	}
	st, err := f.pwi.Status()
	return err == nil && st.Focuser.Exists && st.Focuser.IsConnected
}

func (f *Focuser) Connect() error {
	f.errors.Reset()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectLocked()
}

func (f *Focuser) connectLocked() error {
	if !f.IsPowered() {
		return f.errors.Record(fmt.Errorf("%s: %w", f.config.Name, device.ErrPoweredOff))
	}
	if err := f.pwi.FocuserEnable(); err != nil {
		return f.errors.Record(fmt.Errorf("%s: enable: %w", f.config.Name, err))
	}
	if err := f.pwi.FocuserConnect(); err != nil {
		return f.errors.Record(fmt.Errorf("%s: connect: %w", f.config.Name, err))
	}
	f.logger.Info("connected = true")
	return nil
}

func (f *Focuser) Disconnect() error {
	f.errors.Reset()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnectLocked()
}

func (f *Focuser) disconnectLocked() error {
	if !f.IsPowered() {
		return nil
	}
	if err := f.pwi.FocuserDisconnect(); err != nil {
		return f.errors.Record(fmt.Errorf("%s: disconnect: %w", f.config.Name, err))
	}
	if err := f.pwi.FocuserDisable(); err != nil {
		return f.errors.Record(fmt.Errorf("%s: disable: %w", f.config.Name, err))
	}
	f.logger.Info("connected = false")
	return nil
}

// Position returns the rounded position reported by the controller.
func (f *Focuser) Position() (int, error) {
	st, err := f.pwi.Status()
	if err != nil {
		return 0, err
	}
	return int(math.Round(st.Focuser.Position)), nil
}

func (f *Focuser) Limits() (lower, upper int) {
	return f.config.LowerLimit, f.config.UpperLimit
}

func (f *Focuser) KnownAsGood() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.knownAsGood
}

// SetKnownAsGood records position as the known-as-good focus position.
func (f *Focuser) SetKnownAsGood(position int) error {
	f.errors.Reset()
	if err := f.checkLimits(position); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.store != nil {
		if err := f.store.SetSettings(settings{KnownAsGoodPosition: position}); err != nil {
			return f.errors.Record(fmt.Errorf("%s: save known-as-good position: %w", f.config.Name, err))
		}
	}
	f.knownAsGood = position
	f.logger.Infof("known-as-good position = %d", position)
	return nil
}

func (f *Focuser) checkLimits(position int) error {
	if position < f.config.LowerLimit || position > f.config.UpperLimit {
		return f.errors.Record(fmt.Errorf("%w: position %d outside [%d, %d]",
			device.ErrInvalidTarget, position, f.config.LowerLimit, f.config.UpperLimit))
	}
	return nil
}

// Goto sends the focuser to position and returns immediately.
func (f *Focuser) Goto(position int) error {
	f.errors.Reset()
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.gotoLocked(position)
	return err
}

// gotoLocked reports whether a motion was started.
func (f *Focuser) gotoLocked(position int) (bool, error) {
	if err := f.checkLimits(position); err != nil {
		return false, err
	}
	if !f.IsPowered() {
		return false, f.errors.Record(fmt.Errorf("%s: %w", f.config.Name, device.ErrPoweredOff))
	}
	st, err := f.pwi.Status()
	if err != nil {
		return false, f.errors.Record(fmt.Errorf("%s: %w", f.config.Name, err))
	}
	if !st.Focuser.Exists || !st.Focuser.IsConnected {
		return false, f.errors.Record(fmt.Errorf("%s: %w", f.config.Name, device.ErrNotConnected))
	}

	if int(math.Round(st.Focuser.Position)) == position {
		f.logger.Infof("already at %d", position)
		return false, nil
	}

	f.activities.Start(Moving)
	if err := f.pwi.FocuserGoto(position); err != nil {
		f.activities.End(Moving)
		return false, f.errors.Record(fmt.Errorf("%s: goto %d: %w", f.config.Name, position, err))
	}
	f.target = &position
	return true, nil
}

// MoveBy moves the focuser amount steps in direction, relative to where it
// is now.
func (f *Focuser) MoveBy(amount int, direction Direction) error {
	f.errors.Reset()
	current, err := f.Position()
	if err != nil {
		return f.errors.Record(fmt.Errorf("%s: %w", f.config.Name, err))
	}

	target := current + amount
	if direction == In {
		target = current - amount
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = f.gotoLocked(target)
	return err
}

func (f *Focuser) GotoKnownAsGood() error {
	return f.Goto(f.KnownAsGood())
}

// Startup powers the focuser, connects and goes to the known-as-good
// position.
func (f *Focuser) Startup() error {
	f.errors.Reset()
	if !f.IsPowered() {
		if err := f.power.PowerOn(f.config.Socket); err != nil {
			return f.errors.Record(fmt.Errorf("%s: power on: %w", f.config.Name, err))
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.activities.IsActive(StartingUp) {
		return nil
	}
	if err := f.connectLocked(); err != nil {
		return err
	}
	f.wasShutDown = false

	f.activities.Start(StartingUp)
	moved, err := f.gotoLocked(f.knownAsGood)
	if err != nil || !moved {
		f.activities.End(StartingUp)
	}
	return err
}

// Shutdown disconnects and powers the focuser off.
func (f *Focuser) Shutdown() error {
	f.errors.Reset()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.activities.End(StartingUp)
	f.activities.Start(ShuttingDown)
	defer f.activities.End(ShuttingDown)

	if err := f.disconnectLocked(); err != nil {
		f.logger.Warnf("Shutdown: %v", err)
	}
	if f.IsPowered() {
		if err := f.power.PowerOff(f.config.Socket); err != nil {
			return f.errors.Record(fmt.Errorf("%s: power off: %w", f.config.Name, err))
		}
	}
	f.wasShutDown = true
	return nil
}

// Abort stops any motion and clears every activity. It does nothing when the
// focuser is idle.
func (f *Focuser) Abort() error {
	f.errors.Reset()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.activities.IsIdle() {
		return nil
	}
	if f.activities.IsActive(Moving) {
		if err := f.pwi.FocuserStop(); err != nil {
			f.errors.Record(fmt.Errorf("%s: stop: %w", f.config.Name, err))
		}
	}
	f.activities.EndAll()
	f.target = nil
	return nil
}

// Reconcile ends Moving, and a startup in progress, once the polled position
// equals the target.
func (f *Focuser) Reconcile(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.IsPowered() {
		if f.activities.IsActive(Moving) || f.activities.IsActive(StartingUp) {
			f.logger.Warn("lost power")
			f.activities.End(Moving)
			f.activities.End(StartingUp)
			f.target = nil
		}
		return nil
	}
	if !f.activities.IsActive(Moving) || f.target == nil {
		return nil
	}

	st, err := f.pwi.Status()
	if err != nil {
		return err
	}
	if int(math.Round(st.Focuser.Position)) == *f.target {
		f.activities.End(Moving)
		f.activities.End(StartingUp)
		f.target = nil
	}
	return nil
}

func (f *Focuser) Operational() operational.Record {
	in := operational.Inputs{
		Label:           f.config.Name,
		Powered:         f.IsPowered(),
		ConnectedReason: "(PWI4) not connected",
	}
	f.mu.Lock()
	in.WasShutDown = f.wasShutDown
	f.mu.Unlock()

	if in.Powered {
		st, err := f.pwi.Status()
		in.Detected = err == nil && st.Focuser.Exists
		in.Connected = st.Focuser.IsConnected
		in.Conditions = []operational.Condition{
			{OK: st.Focuser.IsEnabled, Reason: "(PWI4) not enabled"},
		}
	}
	return operational.Evaluate(in)
}

func (f *Focuser) IsOperational() bool {
	return f.Operational().IsOperational
}

func (f *Focuser) WhyNotOperational() []string {
	return f.Operational().Reasons
}

func (f *Focuser) Status() device.Status {
	op := f.Operational()
	powered := f.IsPowered()

	f.mu.Lock()
	wasShutDown, knownAsGood := f.wasShutDown, f.knownAsGood
	var target any
	if f.target != nil {
		target = *f.target
	}
	f.mu.Unlock()

	st := device.NewStatus(f.clock.Now())
	st["powered"] = powered
	st["activities"] = f.activities.Names()
	st["activities_verbal"] = f.activities.String()
	st["was_shut_down"] = wasShutDown
	st["errors"] = f.errors.List()
	st["operational"] = op.IsOperational
	st["why_not_operational"] = op.Reasons
	st["lower_limit"] = f.config.LowerLimit
	st["upper_limit"] = f.config.UpperLimit
	st["known_as_good_position"] = knownAsGood

	connected := false
	if powered {
		if ps, err := f.pwi.Status(); err == nil && ps.Focuser.Exists {
			connected = ps.Focuser.IsConnected
			if connected {
				st["position"] = int(math.Round(ps.Focuser.Position))
				st["target"] = target
				st["moving"] = ps.Focuser.IsMoving
			}
		}
	}
	st["connected"] = connected
	return st
}
