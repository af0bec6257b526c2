// Package unit ties a MAST unit's power supply and subsystems together and
// produces the composite unit status.
package unit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"mast/pkg/device"
	"mast/pkg/operational"
	"mast/pkg/power"
	"mast/pkg/pwi"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"
)

// MaxUnits is the highest unit id.
const MaxUnits = 20

var ErrInvalidUnitID = errors.New("invalid unit id")

// Subsystem is a powered device owned by the unit.
type Subsystem interface {
	Info() device.Info
	IsPowered() bool
	Connect() error
	Disconnect() error
	Connected() bool
	Startup() error
	Shutdown() error
	Abort() error
	Reconcile(ctx context.Context) error
	Status() device.Status
	Operational() operational.Record
	Start(ctx context.Context)
	Stop()
}

// PowerSupply is the unit's power distribution unit.
type PowerSupply interface {
	power.Gate
	Startup() error
	Shutdown() error
	Status() device.Status
	Operational() operational.Record
}

type Unit struct {
	id         int
	power      PowerSupply
	pwi        pwi.Controller
	subsystems []Subsystem
	clock      clock.Clock
	logger     log.FieldLogger

	mu      sync.Mutex
	guiding bool
}

func ValidateID(id int) error {
	if id < 0 || id > MaxUnits {
		return fmt.Errorf("%w: %d is not in [0, %d]", ErrInvalidUnitID, id, MaxUnits)
	}
	return nil
}

func New(id int, supply PowerSupply, ctl pwi.Controller, subsystems []Subsystem, clk clock.Clock, logger log.FieldLogger) (*Unit, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	u := &Unit{
		id:         id,
		power:      supply,
		pwi:        ctl,
		subsystems: subsystems,
		clock:      clk,
		logger:     logger,
	}
	logger.Info("initialized")
	return u, nil
}

func (u *Unit) ID() int {
	return u.id
}

func (u *Unit) Name() string {
	return fmt.Sprintf("mast%02d", u.id)
}

func (u *Unit) Power() PowerSupply {
	return u.power
}

func (u *Unit) Subsystems() []Subsystem {
	return u.subsystems
}

// Subsystem looks a subsystem up by its device name.
func (u *Unit) Subsystem(name string) (Subsystem, bool) {
	for _, s := range u.subsystems {
		if s.Info().Name == name {
			return s, true
		}
	}
	return nil, false
}

// Start begins polling in every subsystem.
func (u *Unit) Start(ctx context.Context) {
	for _, s := range u.subsystems {
		s.Start(ctx)
	}
}

// Stop ends polling in every subsystem and waits for the pollers to exit.
func (u *Unit) Stop() {
	for _, s := range u.subsystems {
		s.Stop()
	}
}

// ConnectionReasons lists the subsystems that are not connected.
func (u *Unit) ConnectionReasons() []string {
	reasons := []string{}
	for _, s := range u.subsystems {
		if !s.Connected() {
			reasons = append(reasons, fmt.Sprintf("%s not connected", s.Info().Name))
		}
	}
	return reasons
}

func (u *Unit) Connected() bool {
	return len(u.ConnectionReasons()) == 0
}

// Connect connects every subsystem. Unpowered subsystems report an error
// and are skipped.
func (u *Unit) Connect() error {
	var errs []error
	for _, s := range u.subsystems {
		errs = append(errs, s.Connect())
	}
	return errors.Join(errs...)
}

func (u *Unit) Disconnect() error {
	var errs []error
	for _, s := range u.subsystems {
		errs = append(errs, s.Disconnect())
	}
	return errors.Join(errs...)
}

// Startup powers the unit up and starts every subsystem. The subsystems
// finish asynchronously.
func (u *Unit) Startup() error {
	u.logger.Info("startup")
	errs := []error{u.power.Startup()}
	for _, s := range u.subsystems {
		errs = append(errs, s.Startup())
	}
	return errors.Join(errs...)
}

// Shutdown stops guiding and autofocus and shuts every subsystem down. Each
// subsystem cuts its own power once it is safe to do so.
func (u *Unit) Shutdown() error {
	u.logger.Info("shutdown")
	u.StopGuiding()
	errs := []error{}
	if u.IsAutofocusing() {
		errs = append(errs, u.StopAutofocus())
	}
	for _, s := range u.subsystems {
		errs = append(errs, s.Shutdown())
	}
	return errors.Join(errs...)
}

// Abort aborts every subsystem.
func (u *Unit) Abort() error {
	var errs []error
	for _, s := range u.subsystems {
		errs = append(errs, s.Abort())
	}
	return errors.Join(errs...)
}

func (u *Unit) StartGuiding() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.guiding {
		u.guiding = true
		u.logger.Info("guiding started")
	}
}

func (u *Unit) StopGuiding() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.guiding {
		u.guiding = false
		u.logger.Info("guiding stopped")
	}
}

func (u *Unit) IsGuiding() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.guiding
}

// IsAutofocusing reports what the controller says; an unreachable controller
// counts as not autofocusing.
func (u *Unit) IsAutofocusing() bool {
	st, err := u.pwi.Status()
	return err == nil && st.Autofocus.IsRunning
}

func (u *Unit) StartAutofocus() error {
	st, err := u.pwi.Status()
	if err != nil {
		return fmt.Errorf("autofocus: %w", err)
	}
	if st.Autofocus.IsRunning {
		u.logger.Info("autofocus already running")
		return nil
	}
	if err := u.pwi.AutofocusStart(); err != nil {
		return fmt.Errorf("autofocus: %w", err)
	}
	u.logger.Info("autofocus started")
	return nil
}

func (u *Unit) StopAutofocus() error {
	st, err := u.pwi.Status()
	if err != nil {
		return fmt.Errorf("autofocus: %w", err)
	}
	if !st.Autofocus.IsRunning {
		u.logger.Info("autofocus not running")
		return nil
	}
	if err := u.pwi.AutofocusStop(); err != nil {
		return fmt.Errorf("autofocus: %w", err)
	}
	u.logger.Info("autofocus stopped")
	return nil
}

// Operational folds the power supply and every subsystem into one verdict.
// An unpowered subsystem makes the unit non-operational.
func (u *Unit) Operational() operational.Record {
	records := []operational.Record{u.power.Operational()}
	for _, s := range u.subsystems {
		records = append(records, s.Operational())
	}
	return operational.Combine(records...)
}

// Status is the composite snapshot. Power is queried first and a subsystem's
// document is included only while its socket is on.
func (u *Unit) Status() device.Status {
	powerStatus := u.power.Status()
	powerOp := u.power.Operational()

	st := device.NewStatus(u.clock.Now())
	st["id"] = u.id
	st["name"] = u.Name()
	st["power"] = powerStatus

	records := []operational.Record{powerOp}
	for _, s := range u.subsystems {
		info := s.Info()
		if !u.power.IsOn(info.Socket) {
			records = append(records, operational.Record{
				Reasons: []string{fmt.Sprintf("%s: not powered", info.Name)},
			})
			continue
		}
		st[info.Name] = s.Status()
		records = append(records, s.Operational())
	}
	op := operational.Combine(records...)

	guiding := u.IsGuiding()
	autofocusing := u.IsAutofocusing()
	st["is_guiding"] = guiding
	st["is_autofocusing"] = autofocusing
	st["is_busy"] = guiding || autofocusing
	st["is_connected"] = u.Connected()
	st["is_operational"] = op.IsOperational
	st["reasons"] = op.Reasons
	return st
}
