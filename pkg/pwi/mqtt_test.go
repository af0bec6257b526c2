package pwi

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"mast/pkg/device"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeClient acknowledges every command published on "<root>/commands"
// through the handler subscribed to "<root>/responses".
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	connected bool
	handlers  map[string]mqtt.MessageHandler
	published []commandMsg
	reject    string
	silent    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, handlers: map[string]mqtt.MessageHandler{}}
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = cb
	return doneToken{}
}

func (f *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return doneToken{}
}

func (f *fakeClient) handler(topic string) mqtt.MessageHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var cmd commandMsg
	if err := json.Unmarshal(payload.([]byte), &cmd); err != nil {
		return doneToken{err: err}
	}

	f.mu.Lock()
	f.published = append(f.published, cmd)
	reject, silent := f.reject, f.silent
	f.mu.Unlock()

	if silent {
		return doneToken{}
	}
	resp := Response{ID: cmd.ID, Cmd: cmd.Cmd, OK: reject == "", Error: reject}
	body, _ := json.Marshal(resp)
	go f.handler("mast/pwi/responses")(f, fakeMessage{topic: "mast/pwi/responses", payload: body})
	return doneToken{}
}

var testMQTTConfig = MQTTConfig{
	TopicRoot:      "mast/pwi",
	CommandTimeout: 200 * time.Millisecond,
	StaleAfter:     5 * time.Second,
}

func runController(t *testing.T, client *fakeClient) *MQTTController {
	t.Helper()
	logger, _ := test.NewNullLogger()
	c := NewMQTTController(client, testMQTTConfig, clock.WallClock, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	require.Eventually(t, func() bool {
		return client.handler("mast/pwi/responses") != nil
	}, time.Second, time.Millisecond)
	return c
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    Response
		expectError bool
	}{
		{
			name:     "Valid ACK",
			input:    `{"id": 3, "cmd": "mount_park", "ok": true}`,
			expected: Response{ID: 3, Cmd: "mount_park", OK: true},
		},
		{
			name:     "NACK with reason",
			input:    `{"id": 4, "cmd": "focuser_goto", "ok": false, "error": "out of range"}`,
			expected: Response{ID: 4, Cmd: "focuser_goto", Error: "out of range"},
		},
		{
			name:     "NACK without reason",
			input:    `{"id": 5, "cmd": "mount_stop", "ok": false}`,
			expected: Response{ID: 5, Cmd: "mount_stop", Error: "command rejected"},
		},
		{
			name:        "Missing command",
			input:       `{"id": 6, "ok": true}`,
			expectError: true,
		},
		{
			name:        "Missing id",
			input:       `{"cmd": "mount_stop", "ok": true}`,
			expectError: true,
		},
		{
			name:        "Not JSON",
			input:       "_ACK_S;",
			expectError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := parseResponse([]byte(tc.input))
			if tc.expectError {
				assert.Error(t, err, "expected error for input: %s", tc.input)
			} else {
				assert.NoError(t, err, "unexpected error for input: %s", tc.input)
				assert.Equal(t, tc.expected, resp)
			}
		})
	}
}

func TestMQTTControllerTelemetry(t *testing.T) {
	logger, _ := test.NewNullLogger()
	clk := testclock.NewClock(time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC))
	c := NewMQTTController(newFakeClient(), testMQTTConfig, clk, logger)

	_, err := c.Status()
	assert.ErrorIs(t, err, device.ErrHardwareUnreachable)

	c.telemetryHandler(nil, fakeMessage{payload: []byte(`{"mount": {"is_connected": true, "is_tracking": true, "axis0": {"is_enabled": true}}, "focuser": {"exists": true, "position": 15000}}`)})
	st, err := c.Status()
	require.NoError(t, err)
	assert.True(t, st.Mount.IsConnected)
	assert.True(t, st.Mount.IsTracking)
	assert.True(t, st.Mount.Axis0.IsEnabled)
	assert.False(t, st.Mount.Axis1.IsEnabled)
	assert.Equal(t, 15000.0, st.Focuser.Position)

	c.telemetryHandler(nil, fakeMessage{payload: []byte("garbage")})
	st, err = c.Status()
	require.NoError(t, err)
	assert.True(t, st.Mount.IsConnected, "bad telemetry keeps the previous snapshot")

	clk.Advance(6 * time.Second)
	_, err = c.Status()
	assert.ErrorIs(t, err, device.ErrHardwareUnreachable)
}

func TestMQTTControllerCommands(t *testing.T) {
	client := newFakeClient()
	c := runController(t, client)

	require.NoError(t, c.MountPark())
	require.NoError(t, c.FocuserGoto(12000))

	client.mu.Lock()
	published := append([]commandMsg{}, client.published...)
	client.mu.Unlock()
	require.Len(t, published, 2)
	assert.Equal(t, "mount_park", published[0].Cmd)
	assert.Equal(t, "focuser_goto", published[1].Cmd)
	assert.Equal(t, []int{12000}, published[1].Args)
	assert.NotEqual(t, published[0].ID, published[1].ID)
}

func TestMQTTControllerRejectedCommand(t *testing.T) {
	client := newFakeClient()
	client.reject = "axes not enabled"
	c := runController(t, client)

	err := c.MountFindHome()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "axes not enabled")
	assert.NotErrorIs(t, err, device.ErrHardwareUnreachable)
}

func TestMQTTControllerUnreachable(t *testing.T) {
	client := newFakeClient()
	client.silent = true
	c := runController(t, client)

	assert.ErrorIs(t, c.MountStop(), device.ErrHardwareUnreachable)

	client.mu.Lock()
	client.connected = false
	client.mu.Unlock()
	assert.ErrorIs(t, c.FansOn(), device.ErrHardwareUnreachable)
}

func TestMQTTControllerStatusAfterCommand(t *testing.T) {
	client := newFakeClient()
	c := runController(t, client)
	c.telemetryHandler(nil, fakeMessage{payload: []byte(`{"mount": {"is_connected": true}}`)})

	require.NoError(t, c.MountPark())

	type result struct {
		st  Status
		err error
	}
	results := make(chan result, 1)
	go func() {
		st, err := c.Status()
		results <- result{st, err}
	}()

	select {
	case r := <-results:
		t.Fatalf("status served the snapshot from before the command: %+v", r.st.Mount)
	case <-time.After(50 * time.Millisecond):
	}

	c.telemetryHandler(nil, fakeMessage{payload: []byte(`{"mount": {"is_connected": true, "is_slewing": true}}`)})
	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.True(t, r.st.Mount.IsSlewing)
	case <-time.After(time.Second):
		t.Fatal("status did not return after fresh telemetry")
	}

	st, err := c.Status()
	require.NoError(t, err)
	assert.True(t, st.Mount.IsSlewing)
}

func TestMQTTControllerNoTelemetryAfterCommand(t *testing.T) {
	client := newFakeClient()
	c := runController(t, client)
	c.telemetryHandler(nil, fakeMessage{payload: []byte(`{"mount": {"is_connected": true}}`)})

	require.NoError(t, c.MountFindHome())

	_, err := c.Status()
	assert.ErrorIs(t, err, device.ErrHardwareUnreachable)
	_, err = c.Status()
	assert.ErrorIs(t, err, device.ErrHardwareUnreachable)

	c.telemetryHandler(nil, fakeMessage{payload: []byte(`{"mount": {"is_connected": true, "is_slewing": true}}`)})
	st, err := c.Status()
	require.NoError(t, err)
	assert.True(t, st.Mount.IsSlewing)
}

func TestMQTTControllerRejectedCommandKeepsSnapshot(t *testing.T) {
	client := newFakeClient()
	client.reject = "not connected"
	c := runController(t, client)
	c.telemetryHandler(nil, fakeMessage{payload: []byte(`{"mount": {"is_connected": false}}`)})

	require.Error(t, c.MountPark())
	st, err := c.Status()
	require.NoError(t, err)
	assert.False(t, st.Mount.IsConnected)
}
