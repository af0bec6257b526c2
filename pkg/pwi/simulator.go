package pwi

import (
	"fmt"
	"math"
	"sync"
	"time"

	"mast/pkg/device"
	"mast/pkg/power"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"
)

// SimulatorConfig sets the timing of the simulated hardware.
type SimulatorConfig struct {
	HomeDuration  time.Duration `toml:"home_duration"`
	ParkDuration  time.Duration `toml:"park_duration"`
	TrackingDelay time.Duration `toml:"tracking_delay"`
	CoverTravel   time.Duration `toml:"cover_travel"`
	FocuserSpeed  float64       `toml:"focuser_speed"` // ticks per second
	FocuserMax    int           `toml:"focuser_max"`
	FocuserExists bool          `toml:"focuser_exists"`
	CoversExist   bool          `toml:"covers_exist"`

	// Sockets feeding each simulated device. An unpowered device drops its
	// connection and reports itself as absent.
	MountSocket   string `toml:"mount_socket"`
	FocuserSocket string `toml:"focuser_socket"`
	CoversSocket  string `toml:"covers_socket"`
}

var DefaultSimulatorConfig = SimulatorConfig{
	HomeDuration:  20 * time.Second,
	ParkDuration:  15 * time.Second,
	TrackingDelay: time.Second,
	CoverTravel:   10 * time.Second,
	FocuserSpeed:  500,
	FocuserMax:    30000,
	FocuserExists: true,
	CoversExist:   true,
	MountSocket:   "Mount",
	FocuserSocket: "Focuser",
	CoversSocket:  "Covers",
}

type simMount struct {
	connected    bool
	axes         [2]bool
	slewingUntil time.Time
	tracking     bool
	trackWant    bool
	trackAt      time.Time
	trackPending bool
	trackStuck   bool
	ra, dec      float64
}

type simFocuser struct {
	connected bool
	enabled   bool
	from      float64
	target    float64
	started   time.Time
}

type simCovers struct {
	connected bool
	state     CoverState
	want      CoverState
	until     time.Time
}

// Simulator is an in-memory Controller whose motions play out against the
// injected clock.
type Simulator struct {
	cfg    SimulatorConfig
	clock  clock.Clock
	power  power.Gate
	logger log.FieldLogger

	mu        sync.Mutex
	mount     simMount
	focuser   simFocuser
	covers    simCovers
	fans      bool
	autofocus bool
	fault     error
	commands  []string
}

// NewSimulator returns a simulator powered through gate. gate may be nil,
// in which case every device is always powered.
func NewSimulator(cfg SimulatorConfig, gate power.Gate, clk clock.Clock, logger log.FieldLogger) *Simulator {
	return &Simulator{
		cfg:    cfg,
		clock:  clk,
		power:  gate,
		logger: logger.WithField("component", "pwi-simulator"),
		covers: simCovers{state: CoverClosed},
	}
}

// SetFault makes every call fail as if the controller were unreachable.
// A nil err clears the fault.
func (s *Simulator) SetFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = err
}

// SetTrackingStuck keeps the tracking state from ever changing.
func (s *Simulator) SetTrackingStuck(stuck bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mount.trackStuck = stuck
}

// Commands returns every command the simulator accepted, oldest first.
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.commands...)
}

func (s *Simulator) powered(socket string) bool {
	return s.power == nil || socket == "" || s.power.IsOn(socket)
}

// command records cmd after the shared reachability check. Must hold s.mu.
func (s *Simulator) command(cmd string) error {
	if s.fault != nil {
		return fmt.Errorf("%s: %w: %v", cmd, device.ErrHardwareUnreachable, s.fault)
	}
	s.resolve()
	s.commands = append(s.commands, cmd)
	s.logger.Debugf("Command: %s", cmd)
	return nil
}

// resolve applies power loss and settles pending tracking changes. Must hold s.mu.
func (s *Simulator) resolve() {
	now := s.clock.Now()

	if !s.powered(s.cfg.MountSocket) {
		s.mount = simMount{ra: s.mount.ra, dec: s.mount.dec, trackStuck: s.mount.trackStuck}
	}
	if !s.powered(s.cfg.FocuserSocket) {
		pos := s.focuserPosition(now)
		s.focuser = simFocuser{from: pos, target: pos}
	}
	if !s.powered(s.cfg.CoversSocket) {
		s.covers.connected = false
	}

	if s.mount.trackPending && !s.mount.trackStuck && !now.Before(s.mount.trackAt) {
		s.mount.tracking = s.mount.trackWant
		s.mount.trackPending = false
	}
	if s.covers.state == CoverMoving && !now.Before(s.covers.until) {
		s.covers.state = s.covers.want
	}
}

func (s *Simulator) focuserPosition(now time.Time) float64 {
	f := s.focuser
	if f.from == f.target {
		return f.target
	}
	travelled := now.Sub(f.started).Seconds() * s.cfg.FocuserSpeed
	if travelled >= math.Abs(f.target-f.from) {
		return f.target
	}
	if f.target > f.from {
		return math.Round(f.from + travelled)
	}
	return math.Round(f.from - travelled)
}

func (s *Simulator) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fault != nil {
		return Status{}, fmt.Errorf("status: %w: %v", device.ErrHardwareUnreachable, s.fault)
	}
	s.resolve()
	now := s.clock.Now()

	pos := s.focuserPosition(now)
	covers := CoversStatus{
		Exists:      s.cfg.CoversExist && s.powered(s.cfg.CoversSocket),
		IsConnected: s.covers.connected,
		State:       s.covers.state,
	}
	if !s.cfg.CoversExist {
		covers.State = CoverNotPresent
	}

	return Status{
		Mount: MountStatus{
			IsConnected:  s.mount.connected,
			IsSlewing:    now.Before(s.mount.slewingUntil),
			IsTracking:   s.mount.tracking,
			Axis0:        Axis{IsEnabled: s.mount.axes[0]},
			Axis1:        Axis{IsEnabled: s.mount.axes[1]},
			RAJ2000Hours: s.mount.ra,
			DecJ2000Degs: s.mount.dec,
		},
		Site: SiteStatus{LMSTHours: lmst(now)},
		Focuser: FocuserStatus{
			Exists:      s.cfg.FocuserExists && s.powered(s.cfg.FocuserSocket),
			IsConnected: s.focuser.connected,
			IsEnabled:   s.focuser.enabled,
			Position:    pos,
			IsMoving:    pos != s.focuser.target,
		},
		Covers:    covers,
		Autofocus: AutofocusStatus{IsRunning: s.autofocus},
		Fans:      FansStatus{On: s.fans},
		TimeStamp: now,
	}, nil
}

// lmst is a rough local sidereal time at longitude zero, good enough for a
// simulated hour-angle readout.
func lmst(t time.Time) float64 {
	j2000 := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	days := t.Sub(j2000).Hours() / 24
	return math.Mod(18.697374558+24.06570982441908*days, 24)
}

func (s *Simulator) requireMount(cmd string) error {
	if err := s.command(cmd); err != nil {
		return err
	}
	if !s.powered(s.cfg.MountSocket) {
		return fmt.Errorf("%s: %w", cmd, device.ErrPoweredOff)
	}
	return nil
}

func (s *Simulator) requireMountReady(cmd string) error {
	if err := s.requireMount(cmd); err != nil {
		return err
	}
	if !s.mount.connected || !s.mount.axes[0] || !s.mount.axes[1] {
		return fmt.Errorf("%s: %w", cmd, device.ErrNotConnected)
	}
	return nil
}

func (s *Simulator) MountConnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireMount("mount_connect"); err != nil {
		return err
	}
	s.mount.connected = true
	return nil
}

func (s *Simulator) MountDisconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("mount_disconnect"); err != nil {
		return err
	}
	s.mount.connected = false
	s.mount.axes = [2]bool{}
	s.mount.tracking = false
	return nil
}

func (s *Simulator) MountEnable(axis int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := fmt.Sprintf("mount_enable(%d)", axis)
	if err := s.requireMount(cmd); err != nil {
		return err
	}
	if axis < 0 || axis > 1 {
		return fmt.Errorf("%s: %w", cmd, device.ErrInvalidTarget)
	}
	if !s.mount.connected {
		return fmt.Errorf("%s: %w", cmd, device.ErrNotConnected)
	}
	s.mount.axes[axis] = true
	return nil
}

func (s *Simulator) MountDisable(axis int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := fmt.Sprintf("mount_disable(%d)", axis)
	if err := s.command(cmd); err != nil {
		return err
	}
	if axis < 0 || axis > 1 {
		return fmt.Errorf("%s: %w", cmd, device.ErrInvalidTarget)
	}
	s.mount.axes[axis] = false
	return nil
}

func (s *Simulator) MountPark() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireMountReady("mount_park"); err != nil {
		return err
	}
	s.mount.tracking = false
	s.mount.trackPending = false
	s.mount.slewingUntil = s.clock.Now().Add(s.cfg.ParkDuration)
	return nil
}

func (s *Simulator) MountFindHome() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireMountReady("mount_find_home"); err != nil {
		return err
	}
	s.mount.slewingUntil = s.clock.Now().Add(s.cfg.HomeDuration)
	return nil
}

func (s *Simulator) MountStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireMount("mount_stop"); err != nil {
		return err
	}
	s.mount.slewingUntil = time.Time{}
	return nil
}

func (s *Simulator) setTracking(cmd string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireMountReady(cmd); err != nil {
		return err
	}
	s.mount.trackWant = on
	s.mount.trackAt = s.clock.Now().Add(s.cfg.TrackingDelay)
	s.mount.trackPending = true
	s.resolve()
	return nil
}

func (s *Simulator) MountTrackingOn() error {
	return s.setTracking("mount_tracking_on", true)
}

func (s *Simulator) MountTrackingOff() error {
	return s.setTracking("mount_tracking_off", false)
}

func (s *Simulator) requireFocuser(cmd string) error {
	if err := s.command(cmd); err != nil {
		return err
	}
	if !s.cfg.FocuserExists {
		return fmt.Errorf("%s: focuser does not exist", cmd)
	}
	if !s.powered(s.cfg.FocuserSocket) {
		return fmt.Errorf("%s: %w", cmd, device.ErrPoweredOff)
	}
	return nil
}

func (s *Simulator) FocuserConnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireFocuser("focuser_connect"); err != nil {
		return err
	}
	s.focuser.connected = true
	return nil
}

func (s *Simulator) FocuserDisconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("focuser_disconnect"); err != nil {
		return err
	}
	s.focuser.connected = false
	return nil
}

func (s *Simulator) FocuserEnable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireFocuser("focuser_enable"); err != nil {
		return err
	}
	s.focuser.enabled = true
	return nil
}

func (s *Simulator) FocuserDisable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("focuser_disable"); err != nil {
		return err
	}
	s.focuser.enabled = false
	return nil
}

func (s *Simulator) FocuserGoto(position int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := fmt.Sprintf("focuser_goto(%d)", position)
	if err := s.requireFocuser(cmd); err != nil {
		return err
	}
	if !s.focuser.connected || !s.focuser.enabled {
		return fmt.Errorf("%s: %w", cmd, device.ErrNotConnected)
	}
	if position < 0 || position > s.cfg.FocuserMax {
		return fmt.Errorf("%s: %w", cmd, device.ErrInvalidTarget)
	}
	now := s.clock.Now()
	s.focuser.from = s.focuserPosition(now)
	s.focuser.target = float64(position)
	s.focuser.started = now
	return nil
}

func (s *Simulator) FocuserStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireFocuser("focuser_stop"); err != nil {
		return err
	}
	pos := s.focuserPosition(s.clock.Now())
	s.focuser.from, s.focuser.target = pos, pos
	return nil
}

func (s *Simulator) requireCovers(cmd string) error {
	if err := s.command(cmd); err != nil {
		return err
	}
	if !s.cfg.CoversExist {
		return fmt.Errorf("%s: covers do not exist", cmd)
	}
	if !s.powered(s.cfg.CoversSocket) {
		return fmt.Errorf("%s: %w", cmd, device.ErrPoweredOff)
	}
	return nil
}

func (s *Simulator) CoversConnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireCovers("covers_connect"); err != nil {
		return err
	}
	s.covers.connected = true
	return nil
}

func (s *Simulator) CoversDisconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("covers_disconnect"); err != nil {
		return err
	}
	s.covers.connected = false
	return nil
}

func (s *Simulator) moveCovers(cmd string, want CoverState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireCovers(cmd); err != nil {
		return err
	}
	if !s.covers.connected {
		return fmt.Errorf("%s: %w", cmd, device.ErrNotConnected)
	}
	s.covers.want = want
	s.covers.state = CoverMoving
	s.covers.until = s.clock.Now().Add(s.cfg.CoverTravel)
	s.resolve()
	return nil
}

func (s *Simulator) CoversOpen() error {
	return s.moveCovers("covers_open", CoverOpen)
}

func (s *Simulator) CoversClose() error {
	return s.moveCovers("covers_close", CoverClosed)
}

func (s *Simulator) CoversHalt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireCovers("covers_halt"); err != nil {
		return err
	}
	if s.covers.state == CoverMoving {
		s.covers.state = CoverUnknown
	}
	return nil
}

func (s *Simulator) FansOn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("fans_on"); err != nil {
		return err
	}
	s.fans = true
	return nil
}

func (s *Simulator) FansOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("fans_off"); err != nil {
		return err
	}
	s.fans = false
	return nil
}

func (s *Simulator) AutofocusStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("autofocus_start"); err != nil {
		return err
	}
	s.autofocus = true
	return nil
}

func (s *Simulator) AutofocusStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.command("autofocus_stop"); err != nil {
		return err
	}
	s.autofocus = false
	return nil
}
