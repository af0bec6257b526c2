// Package power models the unit's power distribution unit: named sockets that
// devices read and request transitions on.
package power

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mast/pkg/device"
	"mast/pkg/operational"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var ErrUnknownSocket = errors.New("unknown socket")

// State of a socket.
type State bool

const (
	Off State = false
	On  State = true
)

func (s State) String() string {
	if s {
		return "On"
	}
	return "Off"
}

// Gate is the view of the power distribution unit a device gets.
type Gate interface {
	IsOn(socket string) bool
	PowerOn(socket string) error
	PowerOff(socket string) error
}

type socket struct {
	mu    sync.Mutex // serialises transitions
	state State
}

// Switch is a power distribution unit with named sockets. Transitions on one
// socket are serialised; different sockets switch independently.
type Switch struct {
	store  *store
	clock  clock.Clock
	delay  time.Duration
	logger log.FieldLogger

	mu      sync.RWMutex
	sockets map[string]*socket

	persistMu sync.Mutex // snapshot and save as one step
}

// NewSwitch creates a switch with the given sockets, all Off unless db holds
// their last known state. db may be nil, in which case nothing is persisted.
func NewSwitch(db *bolt.DB, names []string, clk clock.Clock, logger log.FieldLogger) (*Switch, error) {
	sw := Switch{
		clock:   clk,
		logger:  logger,
		sockets: make(map[string]*socket, len(names)),
	}
	for _, name := range names {
		sw.sockets[name] = &socket{}
	}

	if db != nil {
		sw.store = newStore(db)
		saved, err := sw.store.GetSockets()
		if err != nil {
			logger.Infof("Setting default socket states")
			if err := sw.store.SetSockets(sw.snapshot()); err != nil {
				return nil, fmt.Errorf("failed to save socket states: %w", err)
			}
		}
		for name, on := range saved {
			if s, ok := sw.sockets[name]; ok {
				s.state = State(on)
			}
		}
	}

	return &sw, nil
}

// SetSwitchDelay makes every transition take d, emulating relay settle time.
func (s *Switch) SetSwitchDelay(d time.Duration) {
	s.delay = d
}

func (s *Switch) socket(name string) (*socket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sock, ok := s.sockets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSocket, name)
	}
	return sock, nil
}

func (s *Switch) IsOn(name string) bool {
	sock, err := s.socket(name)
	if err != nil {
		return false
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	return sock.state == On
}

func (s *Switch) PowerOn(name string) error {
	return s.set(name, On)
}

func (s *Switch) PowerOff(name string) error {
	return s.set(name, Off)
}

func (s *Switch) set(name string, state State) error {
	sock, err := s.socket(name)
	if err != nil {
		return err
	}

	sock.mu.Lock()
	if sock.state == state {
		sock.mu.Unlock()
		return nil
	}
	if s.delay > 0 {
		<-s.clock.After(s.delay)
	}
	sock.state = state
	sock.mu.Unlock()

	s.logger.WithField("socket", name).Infof("Socket %s is now %s", name, state)

	s.persist()
	return nil
}

// persist saves the current state of every socket. The last save always
// carries every transition that completed before it.
func (s *Switch) persist() {
	if s.store == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.store.SetSockets(s.snapshot()); err != nil {
		s.logger.Errorf("Failed to persist socket states: %v", err)
	}
}

// Sockets returns the socket names in sorted order.
func (s *Switch) Sockets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.sockets))
	for name := range s.sockets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Switch) snapshot() map[string]bool {
	out := map[string]bool{}
	for _, name := range s.Sockets() {
		out[name] = s.IsOn(name)
	}
	return out
}

// Startup turns every socket on.
func (s *Switch) Startup() error {
	var errs []error
	for _, name := range s.Sockets() {
		errs = append(errs, s.PowerOn(name))
	}
	return errors.Join(errs...)
}

// Shutdown turns every socket off.
func (s *Switch) Shutdown() error {
	var errs []error
	for _, name := range s.Sockets() {
		errs = append(errs, s.PowerOff(name))
	}
	return errors.Join(errs...)
}

// Operational reports the PDU itself. A local switch is always reachable.
func (s *Switch) Operational() operational.Record {
	return operational.Evaluate(operational.Inputs{
		Label:     "power",
		Powered:   true,
		Detected:  true,
		Connected: true,
	})
}

func (s *Switch) Status() device.Status {
	sockets := map[string]string{}
	for _, name := range s.Sockets() {
		sockets[name] = State(s.IsOn(name)).String()
	}
	op := s.Operational()

	st := device.NewStatus(s.clock.Now())
	st["sockets"] = sockets
	st["operational"] = op.IsOperational
	st["why_not_operational"] = op.Reasons
	return st
}
