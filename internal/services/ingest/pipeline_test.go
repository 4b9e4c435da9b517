package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/logging"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/metrics"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/model"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/services/live"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/services/persistence"
	"github.com/LeonardoBeccarini/brisa_telemetry/pkg/dedup"
)

type captureBroadcaster struct {
	mu   sync.Mutex
	msgs []live.Update
}

func (c *captureBroadcaster) Broadcast(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg.(live.Update))
	return nil
}

func (c *captureBroadcaster) updates() []live.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]live.Update(nil), c.msgs...)
}

// blockingSink holds every Append until release is closed.
type blockingSink struct {
	*persistence.MemorySink
	release chan struct{}
}

func (b *blockingSink) Append(ctx context.Context, rec model.TelemetryRecord) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.MemorySink.Append(ctx, rec)
}

func newTestPipeline(t *testing.T, sink persistence.Sink, opts Options) (*Pipeline, *captureBroadcaster) {
	t.Helper()
	b := &captureBroadcaster{}
	opts.Logger = logging.Discard()
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	p := NewPipeline(sink, b, NewSubscriptionSet(EmptyRelayNone), opts)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(time.Second) })
	return p, b
}

func stored(t *testing.T, s persistence.Sink, sensor string) []model.SensorSample {
	t.Helper()
	got, err := s.QueryRange(context.Background(), sensor, "", 0, 1e12)
	require.NoError(t, err)
	return got
}

func TestFilterGatesLiveNotPersistence(t *testing.T) {
	sink := persistence.NewMemorySink()
	p, b := newTestPipeline(t, sink, Options{})

	p.Subscribe("temperature")
	p.HandleMessage("brisa-iot/sensors", []byte(`{"node_id":"n1","timestamp":1743508800,"temperature":20,"humidity":50}`))

	require.NoError(t, p.Stop(time.Second))
	assert.Len(t, stored(t, sink, "temperature"), 1)
	assert.Len(t, stored(t, sink, "humidity"), 1)

	ups := b.updates()
	require.Len(t, ups, 1)
	raw, err := json.Marshal(ups[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sensor_update","node_id":"n1","timestamp":1743508800,"data":{"temperature":20}}`, string(raw))
}

func TestNothingRelayedWithoutSubscriptions(t *testing.T) {
	sink := persistence.NewMemorySink()
	p, b := newTestPipeline(t, sink, Options{})

	p.HandleMessage("brisa-iot/sensors", []byte(`{"temperature":20}`))
	require.NoError(t, p.Stop(time.Second))

	assert.Empty(t, b.updates())
	assert.Len(t, stored(t, sink, "temperature"), 1)
}

func TestDecodeFailureIsDroppedAndCounted(t *testing.T) {
	m := metrics.New(nil)
	sink := persistence.NewMemorySink()
	p, b := newTestPipeline(t, sink, Options{Metrics: m})
	p.Subscribe("temperature")

	p.HandleMessage("brisa-iot/sensors", []byte(`not json`))
	p.HandleMessage("brisa-iot/sensors", []byte(`{"temperature":21}`))
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeFailures))
	assert.Len(t, stored(t, sink, "temperature"), 1)
	assert.Len(t, b.updates(), 1)
}

func TestQueueFullDropsWithoutBlocking(t *testing.T) {
	m := metrics.New(nil)
	sink := &blockingSink{MemorySink: persistence.NewMemorySink(), release: make(chan struct{})}
	p, _ := newTestPipeline(t, sink, Options{Workers: 1, Queue: 1, Metrics: m})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			p.HandleMessage("brisa-iot/sensors", []byte(`{"temperature":1}`))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleMessage blocked on a full queue")
	}

	assert.GreaterOrEqual(t, testutil.ToFloat64(m.PersistDropped), 8.0)
	close(sink.release)
}

func TestDuplicateStampedRecordSuppressed(t *testing.T) {
	m := metrics.New(nil)
	sink := persistence.NewMemorySink()
	p, _ := newTestPipeline(t, sink, Options{Metrics: m, Dedup: dedup.New(time.Minute, 100)})

	stamped := []byte(`{"timestamp":1743508800,"temperature":20}`)
	p.HandleMessage("brisa-iot/sensors", stamped)
	p.HandleMessage("brisa-iot/sensors", stamped)

	unstamped := []byte(`{"temperature":20}`)
	p.HandleMessage("brisa-iot/sensors", unstamped)
	p.HandleMessage("brisa-iot/sensors", unstamped)
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Duplicates))
	assert.Len(t, stored(t, sink, "temperature"), 3)
}

func TestDroppedRecordIsNotRememberedAsSeen(t *testing.T) {
	m := metrics.New(nil)
	sink := &blockingSink{MemorySink: persistence.NewMemorySink(), release: make(chan struct{})}
	p, _ := newTestPipeline(t, sink, Options{Workers: 1, Queue: 1, Metrics: m, Dedup: dedup.New(time.Minute, 100)})

	// the first record occupies the worker, the second fills the queue
	p.HandleMessage("brisa-iot/sensors", []byte(`{"timestamp":1,"temperature":1}`))
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	p.HandleMessage("brisa-iot/sensors", []byte(`{"timestamp":2,"temperature":2}`))

	dropped := []byte(`{"timestamp":3,"temperature":3}`)
	p.HandleMessage("brisa-iot/sensors", dropped)
	require.Equal(t, 1.0, testutil.ToFloat64(m.PersistDropped))

	close(sink.release)
	require.Eventually(t, func() bool { return p.Stats().Processed == 2 }, time.Second, time.Millisecond)

	p.HandleMessage("brisa-iot/sensors", dropped)
	require.NoError(t, p.Stop(time.Second))

	assert.Zero(t, testutil.ToFloat64(m.Duplicates))
	assert.Len(t, stored(t, sink, "temperature"), 3)
}

func TestNodeFromTopic(t *testing.T) {
	sink := persistence.NewMemorySink()
	p, _ := newTestPipeline(t, sink, Options{SensorsTopic: "brisa-iot/sensors"})

	p.HandleMessage("brisa-iot/sensors/n42/data", []byte(`{"temperature":20}`))
	p.HandleMessage("brisa-iot/sensors/n42", []byte(`{"node_id":"embedded","temperature":21}`))
	require.NoError(t, p.Stop(time.Second))

	got := stored(t, sink, "temperature")
	require.Len(t, got, 2)
	nodes := []string{got[0].NodeID, got[1].NodeID}
	assert.ElementsMatch(t, []string{"n42", "embedded"}, nodes)
}

type failingSink struct{ *persistence.MemorySink }

func (failingSink) Append(context.Context, model.TelemetryRecord) error {
	return errors.New("store down")
}

func TestPersistErrorsCounted(t *testing.T) {
	m := metrics.New(nil)
	reg := prometheus.NewRegistry()
	p, b := newTestPipeline(t, failingSink{persistence.NewMemorySink()}, Options{Metrics: m, Registerer: reg})
	p.Subscribe("temperature")

	p.HandleMessage("brisa-iot/sensors", []byte(`{"temperature":20}`))
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistErrors))
	assert.Equal(t, int64(1), p.Stats().Failed)
	// live delivery does not depend on the store
	assert.Len(t, b.updates(), 1)
}

type countingObserver struct {
	mu      sync.Mutex
	samples int
}

func (c *countingObserver) Observe(s []model.SensorSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples += len(s)
}

func TestObserversSeeEveryAcceptedRecord(t *testing.T) {
	obs := &countingObserver{}
	p, b := newTestPipeline(t, persistence.NewMemorySink(), Options{Observers: []Observer{obs}})

	p.HandleMessage("brisa-iot/sensors", []byte(`{"temperature":20,"gps":{"lat":1,"lon":2}}`))
	p.HandleMessage("brisa-iot/sensors", []byte(`broken`))
	require.NoError(t, p.Stop(time.Second))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 3, obs.samples)
	assert.Empty(t, b.updates())
}
