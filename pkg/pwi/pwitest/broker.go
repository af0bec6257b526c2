// Package pwitest provides an in-memory MQTT broker for exercising
// pwi.MQTTController against a backing controller, usually the simulator.
package pwitest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"mast/pkg/pwi"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// TopicRoot is the topic root NewController configures.
const TopicRoot = "mast/pwi"

type token struct{ err error }

func (t token) Wait() bool                     { return true }
func (t token) WaitTimeout(time.Duration) bool { return true }
func (t token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t token) Error() error { return t.err }

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

type command struct {
	ID   uint32 `json:"id"`
	Cmd  string `json:"cmd"`
	Args []int  `json:"args,omitempty"`
}

// Broker is an mqtt.Client that runs every command published on
// "<root>/commands" against a backend controller and acknowledges it on
// "<root>/responses". Telemetry is only published when asked for, so a test
// decides how stale the controller's snapshot is.
type Broker struct {
	mqtt.Client

	root    string
	backend pwi.Controller

	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
	commands []string
}

func NewBroker(root string, backend pwi.Controller) *Broker {
	return &Broker{
		root:     root,
		backend:  backend,
		handlers: map[string]mqtt.MessageHandler{},
	}
}

func (b *Broker) IsConnected() bool { return true }

func (b *Broker) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = cb
	return token{}
}

func (b *Broker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.handlers, t)
	}
	return token{}
}

// Subscribed reports whether both controller topics have a handler.
func (b *Broker) Subscribed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[b.root+"/telemetry"] != nil && b.handlers[b.root+"/responses"] != nil
}

func (b *Broker) deliver(topic string, payload []byte) {
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	if h != nil {
		h(b, message{topic: topic, payload: payload})
	}
}

func (b *Broker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var cmd command
	if err := json.Unmarshal(payload.([]byte), &cmd); err != nil {
		return token{err: err}
	}

	b.mu.Lock()
	b.commands = append(b.commands, cmd.Cmd)
	b.mu.Unlock()

	resp := pwi.Response{ID: cmd.ID, Cmd: cmd.Cmd, OK: true}
	if err := b.run(cmd); err != nil {
		resp.OK, resp.Error = false, err.Error()
	}
	body, _ := json.Marshal(resp)
	go b.deliver(b.root+"/responses", body)
	return token{}
}

func (b *Broker) run(cmd command) error {
	arg := func() (int, error) {
		if len(cmd.Args) != 1 {
			return 0, fmt.Errorf("%s expects one argument", cmd.Cmd)
		}
		return cmd.Args[0], nil
	}

	c := b.backend
	simple := map[string]func() error{
		"mount_connect":      c.MountConnect,
		"mount_disconnect":   c.MountDisconnect,
		"mount_park":         c.MountPark,
		"mount_find_home":    c.MountFindHome,
		"mount_stop":         c.MountStop,
		"mount_tracking_on":  c.MountTrackingOn,
		"mount_tracking_off": c.MountTrackingOff,
		"focuser_connect":    c.FocuserConnect,
		"focuser_disconnect": c.FocuserDisconnect,
		"focuser_enable":     c.FocuserEnable,
		"focuser_disable":    c.FocuserDisable,
		"focuser_stop":       c.FocuserStop,
		"covers_connect":     c.CoversConnect,
		"covers_disconnect":  c.CoversDisconnect,
		"covers_open":        c.CoversOpen,
		"covers_close":       c.CoversClose,
		"covers_halt":        c.CoversHalt,
		"fans_on":            c.FansOn,
		"fans_off":           c.FansOff,
		"autofocus_start":    c.AutofocusStart,
		"autofocus_stop":     c.AutofocusStop,
	}
	withArg := map[string]func(int) error{
		"mount_enable":  c.MountEnable,
		"mount_disable": c.MountDisable,
		"focuser_goto":  c.FocuserGoto,
	}

	if fn, ok := simple[cmd.Cmd]; ok {
		return fn()
	}
	if fn, ok := withArg[cmd.Cmd]; ok {
		n, err := arg()
		if err != nil {
			return err
		}
		return fn(n)
	}
	return fmt.Errorf("unknown command %q", cmd.Cmd)
}

// Commands returns the names of the commands published so far.
func (b *Broker) Commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.commands...)
}

// PublishTelemetry sends the backend's current status on "<root>/telemetry".
func (b *Broker) PublishTelemetry() error {
	st, err := b.backend.Status()
	if err != nil {
		return err
	}
	body, err := json.Marshal(st)
	if err != nil {
		return err
	}
	b.deliver(b.root+"/telemetry", body)
	return nil
}

// StreamTelemetry publishes telemetry every period of wall time until ctx is
// done.
func (b *Broker) StreamTelemetry(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.PublishTelemetry()
		}
	}
}

// NewController runs an MQTTController on wall time against a Broker backed
// by backend until the test ends. A non-zero period streams telemetry.
func NewController(t testing.TB, backend pwi.Controller, period time.Duration) (*pwi.MQTTController, *Broker) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	broker := NewBroker(TopicRoot, backend)
	ctl := pwi.NewMQTTController(broker, pwi.MQTTConfig{
		TopicRoot:      TopicRoot,
		CommandTimeout: time.Second,
	}, clock.WallClock, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctl.Run(ctx) }()
	require.Eventually(t, broker.Subscribed, time.Second, time.Millisecond)
	if period > 0 {
		go broker.StreamTelemetry(ctx, period)
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ctl, broker
}
