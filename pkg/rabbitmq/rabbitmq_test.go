package rabbitmq

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/logging"
)

type fakeToken struct {
	err     error
	expired bool
}

func (t *fakeToken) Wait() bool                     { return !t.expired }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.expired }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakeClient struct {
	connectErr error

	mu           sync.Mutex
	connected    bool
	subs         map[string]mqtt.MessageHandler
	subCalls     int
	subTimeouts  int // upcoming Subscribe calls that never get a SUBACK
	published    []string
	disconnected bool
}

func (f *fakeClient) IsConnected() bool      { return f.isConnected() }
func (f *fakeClient) IsConnectionOpen() bool { return f.isConnected() }
func (f *fakeClient) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Connect() mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = f.connectErr == nil
	return &fakeToken{err: f.connectErr}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnected = true
}

func (f *fakeClient) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic)
	return &fakeToken{}
}

func (f *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls++
	if f.subTimeouts > 0 {
		f.subTimeouts--
		return &fakeToken{expired: true}
	}
	f.subs[topic] = cb
	return &fakeToken{}
}

func (f *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (f *fakeClient) Unsubscribe(...string) mqtt.Token             { return &fakeToken{} }
func (f *fakeClient) AddRoute(string, mqtt.MessageHandler)         {}
func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader      { return mqtt.ClientOptionsReader{} }
func (f *fakeClient) deliver(topic string, payload []byte) {
	f.mu.Lock()
	cb := f.subs[topic]
	f.mu.Unlock()
	if cb != nil {
		cb(f, &fakeMessage{topic: topic, payload: payload})
	}
}

// fakeBroker hands out clients whose Connect fails with the queued errors,
// then succeeds.
type fakeBroker struct {
	mu      sync.Mutex
	errs    []error
	clients []*fakeClient
}

func (b *fakeBroker) factory(*mqtt.ClientOptions) mqtt.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &fakeClient{subs: make(map[string]mqtt.MessageHandler)}
	if len(b.errs) > 0 {
		c.connectErr = b.errs[0]
		b.errs = b.errs[1:]
	}
	b.clients = append(b.clients, c)
	return c
}

func (b *fakeBroker) last() *fakeClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clients[len(b.clients)-1]
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

type stateLog struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (s *stateLog) record(st ConnectionState) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *stateLog) count(st ConnectionState) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.states {
		if x == st {
			n++
		}
	}
	return n
}

func newTestClient(b *fakeBroker) (*Client, *stateLog) {
	c := NewClient(RabbitMQConfig{
		Host:           "broker",
		Port:           1883,
		ClientID:       "test",
		RetryDelay:     10 * time.Millisecond,
		ConnectTimeout: time.Second,
	}, WithClientFactory(b.factory), WithLogger(logging.Discard()))
	log := &stateLog{}
	c.OnStateChange(log.record)
	return c, log
}

func TestReconnectAfterConnectFailure(t *testing.T) {
	b := &fakeBroker{errs: []error{errors.New("connection refused")}}
	c, states := newTestClient(b)
	defer c.Close()

	var received atomic.Int32
	c.OnMessage(func(string, []byte) { received.Add(1) })
	require.NoError(t, c.Subscribe("brisa-iot/sensors/#"))

	c.Connect()
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, b.count())
	assert.Equal(t, 1, states.count(Connected))
	assert.Equal(t, 2, states.count(Connecting))

	client := b.last()
	assert.Equal(t, 1, client.subCalls)
	client.deliver("brisa-iot/sensors/#", []byte(`{"temperature":20}`))
	assert.Equal(t, int32(1), received.Load())
}

func TestConnectionLostSchedulesReconnect(t *testing.T) {
	b := &fakeBroker{}
	c, states := newTestClient(b)
	defer c.Close()
	require.NoError(t, c.Subscribe("a/#"))

	c.Connect()
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	first := b.last()

	c.connectionLost(first, errors.New("EOF"))
	require.Eventually(t, func() bool { return b.count() == 2 && c.IsConnected() }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, states.count(Connected))
	assert.Equal(t, 1, b.last().subCalls)

	// A late callback from the dead client is ignored.
	c.connectionLost(first, errors.New("EOF"))
	assert.True(t, c.IsConnected())
}

func TestConnectIsNonBlockingAndIdempotent(t *testing.T) {
	fail := errors.New("refused")
	b := &fakeBroker{errs: []error{fail, fail, fail, fail, fail, fail, fail, fail}}
	c, _ := newTestClient(b)

	start := time.Now()
	c.Connect()
	c.Connect()
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	require.Eventually(t, func() bool { return b.count() >= 2 }, time.Second, 5*time.Millisecond)
	c.Close()
	assert.Equal(t, Disconnected, c.State())

	n := b.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, b.count(), "no attempts after Close")
}

func TestSubscribeIsIdempotent(t *testing.T) {
	b := &fakeBroker{}
	c, _ := newTestClient(b)
	defer c.Close()

	c.Connect()
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Subscribe("x/#"))
	require.NoError(t, c.Subscribe("x/#"))
	assert.Equal(t, 1, b.last().subCalls)
}

func TestSubscribeTimeoutIsRetried(t *testing.T) {
	b := &fakeBroker{}
	c, _ := newTestClient(b)
	defer c.Close()

	c.Connect()
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	client := b.last()
	client.mu.Lock()
	client.subTimeouts = 1
	client.mu.Unlock()

	assert.ErrorIs(t, c.Subscribe("x/#"), ErrSubscribeTimeout)
	require.NoError(t, c.Subscribe("x/#"))
	require.NoError(t, c.Subscribe("x/#"))
	assert.Equal(t, 2, client.subCalls)

	var received atomic.Int32
	c.OnMessage(func(string, []byte) { received.Add(1) })
	client.deliver("x/#", []byte(`{}`))
	assert.Equal(t, int32(1), received.Load())
}

func TestPublish(t *testing.T) {
	b := &fakeBroker{}
	c, _ := newTestClient(b)

	assert.ErrorIs(t, c.Publish("brisa-iot/control", []byte(`{}`)), ErrNotConnected)

	c.Connect()
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	pub := NewPublisher(c, "brisa-iot/control")
	require.NoError(t, pub.PublishMessage([]byte(`{"node_id":"n1"}`)))
	assert.Equal(t, []string{"brisa-iot/control"}, b.last().published)

	pub.Close()
	c.Close()
	assert.True(t, b.last().disconnected)
	assert.ErrorIs(t, c.Publish("brisa-iot/control", nil), ErrClosed)
	assert.ErrorIs(t, c.Subscribe("y"), ErrClosed)
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
}
