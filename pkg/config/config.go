// Package config loads the unit configuration file.
package config

import (
	"fmt"
	"time"

	"mast/pkg/drivers/covers"
	"mast/pkg/drivers/focuser"
	"mast/pkg/drivers/mount"
	"mast/pkg/drivers/stage"
	"mast/pkg/pwi"
	"mast/pkg/unit"

	"github.com/BurntSushi/toml"
)

type Unit struct {
	ID int `toml:"id"`
	// Simulate replaces the MQTT controller with the in-process simulator.
	Simulate bool `toml:"simulate"`
}

type Server struct {
	Port           int           `toml:"port"`
	DiscoveryPort  int           `toml:"discovery_port"`
	StreamInterval time.Duration `toml:"stream_interval"`
}

type Power struct {
	Sockets     []string      `toml:"sockets"`
	SwitchDelay time.Duration `toml:"switch_delay"`
}

type Config struct {
	Unit      Unit                `toml:"unit"`
	Server    Server              `toml:"server"`
	MQTT      pwi.MQTTConfig      `toml:"mqtt"`
	Simulator pwi.SimulatorConfig `toml:"simulator"`
	Power     Power               `toml:"power"`
	Stage     stage.Config        `toml:"stage"`
	Mount     mount.Config        `toml:"mount"`
	Focuser   focuser.Config      `toml:"focuser"`
	Covers    covers.Config       `toml:"covers"`
}

func Default() Config {
	return Config{
		Unit: Unit{ID: 1},
		Server: Server{
			Port:           8000,
			DiscoveryPort:  32227,
			StreamInterval: 2 * time.Second,
		},
		MQTT: pwi.MQTTConfig{
			Host:           "localhost",
			Port:           1883,
			ClientID:       "mast-unit",
			TopicRoot:      "mast/pwi",
			CommandTimeout: 5 * time.Second,
			StaleAfter:     10 * time.Second,
		},
		Simulator: pwi.DefaultSimulatorConfig,
		Power: Power{
			Sockets: []string{"Mount", "Stage", "Focuser", "Covers", "Camera"},
		},
		Stage:   stage.DefaultConfig,
		Mount:   mount.DefaultConfig,
		Focuser: focuser.DefaultConfig,
		Covers:  covers.DefaultConfig,
	}
}

// Load overlays the file at path on the defaults. Keys the file leaves out
// keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config %s: unknown keys %v", path, undecoded)
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings no device can work around.
func (c Config) Validate() error {
	if err := unit.ValidateID(c.Unit.ID); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"server.stream_interval": c.Server.StreamInterval,
		"mqtt.command_timeout":   c.MQTT.CommandTimeout,
		"stage.poll_interval":    c.Stage.PollInterval,
		"mount.poll_interval":    c.Mount.PollInterval,
		"mount.tracking_timeout": c.Mount.TrackingTimeout,
		"mount.tracking_poll":    c.Mount.TrackingPoll,
		"focuser.poll_interval":  c.Focuser.PollInterval,
		"covers.poll_interval":   c.Covers.PollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Focuser.LowerLimit >= c.Focuser.UpperLimit {
		return fmt.Errorf("focuser limits [%d, %d] are empty", c.Focuser.LowerLimit, c.Focuser.UpperLimit)
	}
	sockets := map[string]bool{}
	for _, s := range c.Power.Sockets {
		sockets[s] = true
	}
	for _, s := range []string{c.Stage.Socket, c.Mount.Socket, c.Focuser.Socket, c.Covers.Socket} {
		if !sockets[s] {
			return fmt.Errorf("socket %q is not one of the power sockets %v", s, c.Power.Sockets)
		}
	}
	return nil
}
