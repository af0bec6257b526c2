package pwi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mast/pkg/device"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"
)

// MQTTConfig locates the controller's broker and topics.
type MQTTConfig struct {
	Host           string        `toml:"host"`
	Port           int           `toml:"port"`
	Username       string        `toml:"username"`
	Password       string        `toml:"password"`
	ClientID       string        `toml:"client_id"`
	TopicRoot      string        `toml:"topic_root"`
	CommandTimeout time.Duration `toml:"command_timeout"`
	StaleAfter     time.Duration `toml:"stale_after"`
}

// NewMQTTClient connects a paho client to the broker described by cfg.
func NewMQTTClient(cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(cfg.ClientID)
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}
	return client, nil
}

// commandMsg is published on "<root>/commands".
type commandMsg struct {
	ID   uint32 `json:"id"`
	Cmd  string `json:"cmd"`
	Args []int  `json:"args,omitempty"`
}

// Response is received on "<root>/responses" for every command.
type Response struct {
	ID    uint32 `json:"id"`
	Cmd   string `json:"cmd"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// MQTTController talks to the automation controller through an MQTT broker.
// The controller publishes a full Status on "<root>/telemetry" about once a
// second; Status returns the latest one received after the last acknowledged
// command.
type MQTTController struct {
	client mqtt.Client
	config MQTTConfig
	clock  clock.Clock
	logger log.FieldLogger

	mu       sync.Mutex
	status   Status
	received time.Time
	// pending is the deadline for telemetry newer than the last acknowledged
	// command. It is zero while the snapshot is current.
	pending time.Time
	fresh   chan struct{}

	cmdMu        sync.Mutex // one command in flight
	nextID       atomic.Uint32
	responseChan chan Response
}

func NewMQTTController(client mqtt.Client, config MQTTConfig, clk clock.Clock, logger log.FieldLogger) *MQTTController {
	return &MQTTController{
		client:       client,
		config:       config,
		clock:        clk,
		fresh:        make(chan struct{}),
		responseChan: make(chan Response, 1),
		logger:       logger.WithField("component", "pwi-mqtt"),
	}
}

func (c *MQTTController) topic(name string) string {
	return c.config.TopicRoot + "/" + name
}

// Run subscribes to the telemetry and response topics and stays subscribed
// until ctx is cancelled.
func (c *MQTTController) Run(ctx context.Context) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("MQTT client is not connected: %w", device.ErrHardwareUnreachable)
	}

	telemetryTopic := c.topic("telemetry")
	if token := c.client.Subscribe(telemetryTopic, 0, c.telemetryHandler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to telemetry topic: %v", token.Error())
	}
	defer c.client.Unsubscribe(telemetryTopic)

	responseTopic := c.topic("responses")
	if token := c.client.Subscribe(responseTopic, 0, c.responseHandler); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to responses topic: %v", token.Error())
	}
	defer c.client.Unsubscribe(responseTopic)

	c.logger.Infof("Subscribed to %s/#", c.config.TopicRoot)
	<-ctx.Done()
	return nil
}

func (c *MQTTController) telemetryHandler(client mqtt.Client, msg mqtt.Message) {
	var st Status
	if err := json.Unmarshal(msg.Payload(), &st); err != nil {
		c.logger.Errorf("Failed to unmarshal telemetry message: %v", err)
		return
	}

	c.mu.Lock()
	c.status = st
	c.received = c.clock.Now()
	c.pending = time.Time{}
	close(c.fresh)
	c.fresh = make(chan struct{})
	c.mu.Unlock()
}

func (c *MQTTController) responseHandler(client mqtt.Client, msg mqtt.Message) {
	resp, err := parseResponse(msg.Payload())
	if err != nil {
		c.logger.Errorf("Failed to parse response: %v", err)
		return
	}

	select {
	case c.responseChan <- resp:
	case <-c.clock.After(time.Second):
		c.logger.Warnf("Dropping unclaimed response to %s", resp.Cmd)
	}
}

func parseResponse(payload []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return resp, fmt.Errorf("invalid response: %v", err)
	}
	if resp.Cmd == "" {
		return resp, fmt.Errorf("response without command: %s", payload)
	}
	if resp.ID == 0 {
		return resp, fmt.Errorf("response without id: %s", payload)
	}
	if !resp.OK && resp.Error == "" {
		resp.Error = "command rejected"
	}
	return resp, nil
}

// Status returns the latest telemetry snapshot, failing when none arrived
// within the staleness window. After a command is acknowledged it blocks until
// the next telemetry message, or fails once the command timeout has passed.
func (c *MQTTController) Status() (Status, error) {
	c.mu.Lock()
	if !c.pending.IsZero() {
		fresh, wait := c.fresh, c.pending.Sub(c.clock.Now())
		c.mu.Unlock()
		if wait <= 0 {
			return Status{}, fmt.Errorf("no telemetry since the last command: %w", device.ErrHardwareUnreachable)
		}
		select {
		case <-fresh:
		case <-c.clock.After(wait):
			return Status{}, fmt.Errorf("no telemetry since the last command: %w", device.ErrHardwareUnreachable)
		}
		c.mu.Lock()
	}
	defer c.mu.Unlock()

	if c.received.IsZero() {
		return Status{}, fmt.Errorf("no telemetry received: %w", device.ErrHardwareUnreachable)
	}
	if age := c.clock.Now().Sub(c.received); c.config.StaleAfter > 0 && age > c.config.StaleAfter {
		return Status{}, fmt.Errorf("telemetry is %s old: %w", age.Truncate(time.Second), device.ErrHardwareUnreachable)
	}
	return c.status, nil
}

func (c *MQTTController) sendCommand(cmd string, args ...int) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("%s: %w", cmd, device.ErrHardwareUnreachable)
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	msg := commandMsg{ID: c.nextID.Add(1), Cmd: cmd, Args: args}
	payload, _ := json.Marshal(msg)
	c.logger.Debugf("Sending command: %s", payload)

	if token := c.client.Publish(c.topic("commands"), 0, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish %s: %v: %w", cmd, token.Error(), device.ErrHardwareUnreachable)
	}

	timeout := c.clock.After(c.config.CommandTimeout)
	for {
		select {
		case resp := <-c.responseChan:
			if resp.ID != msg.ID {
				c.logger.Warnf("Discarding response %d to %s", resp.ID, resp.Cmd)
				continue
			}
			if !resp.OK {
				return fmt.Errorf("%s failed: %s", cmd, resp.Error)
			}
			c.mu.Lock()
			c.pending = c.clock.Now().Add(c.config.CommandTimeout)
			c.mu.Unlock()
			return nil
		case <-timeout:
			return fmt.Errorf("%s: no response after %s: %w", cmd, c.config.CommandTimeout, device.ErrHardwareUnreachable)
		}
	}
}

func (c *MQTTController) MountConnect() error         { return c.sendCommand("mount_connect") }
func (c *MQTTController) MountDisconnect() error      { return c.sendCommand("mount_disconnect") }
func (c *MQTTController) MountEnable(axis int) error  { return c.sendCommand("mount_enable", axis) }
func (c *MQTTController) MountDisable(axis int) error { return c.sendCommand("mount_disable", axis) }
func (c *MQTTController) MountPark() error            { return c.sendCommand("mount_park") }
func (c *MQTTController) MountFindHome() error        { return c.sendCommand("mount_find_home") }
func (c *MQTTController) MountStop() error            { return c.sendCommand("mount_stop") }
func (c *MQTTController) MountTrackingOn() error      { return c.sendCommand("mount_tracking_on") }
func (c *MQTTController) MountTrackingOff() error     { return c.sendCommand("mount_tracking_off") }

func (c *MQTTController) FocuserConnect() error    { return c.sendCommand("focuser_connect") }
func (c *MQTTController) FocuserDisconnect() error { return c.sendCommand("focuser_disconnect") }
func (c *MQTTController) FocuserEnable() error     { return c.sendCommand("focuser_enable") }
func (c *MQTTController) FocuserDisable() error    { return c.sendCommand("focuser_disable") }
func (c *MQTTController) FocuserGoto(position int) error {
	return c.sendCommand("focuser_goto", position)
}
func (c *MQTTController) FocuserStop() error { return c.sendCommand("focuser_stop") }

func (c *MQTTController) CoversConnect() error    { return c.sendCommand("covers_connect") }
func (c *MQTTController) CoversDisconnect() error { return c.sendCommand("covers_disconnect") }
func (c *MQTTController) CoversOpen() error       { return c.sendCommand("covers_open") }
func (c *MQTTController) CoversClose() error      { return c.sendCommand("covers_close") }
func (c *MQTTController) CoversHalt() error       { return c.sendCommand("covers_halt") }

func (c *MQTTController) FansOn() error  { return c.sendCommand("fans_on") }
func (c *MQTTController) FansOff() error { return c.sendCommand("fans_off") }

func (c *MQTTController) AutofocusStart() error { return c.sendCommand("autofocus_start") }
func (c *MQTTController) AutofocusStop() error  { return c.sendCommand("autofocus_stop") }
