// Package ingest turns broker messages into persisted records and live
// updates.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/metrics"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/model"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/services/live"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/services/persistence"
	"github.com/LeonardoBeccarini/brisa_telemetry/pkg/dedup"
	"github.com/LeonardoBeccarini/brisa_telemetry/pkg/worker"
)

// Broadcaster delivers live messages to viewers.
type Broadcaster interface {
	Broadcast(msg any) error
}

// Observer sees the samples of every accepted record, whether or not they
// are relayed live. Observe runs on the transport goroutine.
type Observer interface {
	Observe(samples []model.SensorSample)
}

type Options struct {
	Workers        int
	Queue          int
	PersistTimeout time.Duration
	// SensorsTopic lets the node id fall back to the topic suffix,
	// e.g. brisa-iot/sensors/<node>.
	SensorsTopic string
	Dedup        *dedup.Deduper
	Observers    []Observer
	Metrics      *metrics.Metrics
	Registerer   prometheus.Registerer
	Logger       *slog.Logger
	Now          func() time.Time
}

// Pipeline is the single owner of the subscription set and of the hand-off
// from a transport message to the sink and the live hub.
type Pipeline struct {
	sink    persistence.Sink
	live    Broadcaster
	subs    *SubscriptionSet
	pool    *worker.Pool[model.TelemetryRecord]
	dedup   *dedup.Deduper
	observe []Observer
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	persistTimeout time.Duration
	topicPrefix    string
}

func NewPipeline(sink persistence.Sink, b Broadcaster, subs *SubscriptionSet, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if subs == nil {
		subs = NewSubscriptionSet(EmptyRelayNone)
	}
	p := &Pipeline{
		sink:           sink,
		live:           b,
		subs:           subs,
		dedup:          opts.Dedup,
		observe:        opts.Observers,
		metrics:        opts.Metrics,
		log:            opts.Logger,
		now:            opts.Now,
		persistTimeout: opts.PersistTimeout,
	}
	if opts.SensorsTopic != "" {
		p.topicPrefix = strings.TrimRight(opts.SensorsTopic, "/") + "/"
	}

	var poolOpts []worker.Option[model.TelemetryRecord]
	if opts.Registerer != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[model.TelemetryRecord](opts.Registerer, "brisa_persist"))
	}
	p.pool = worker.NewPool(opts.Workers, opts.Queue, p.persist, poolOpts...)
	return p
}

// Subscriptions exposes the live subscription set.
func (p *Pipeline) Subscriptions() *SubscriptionSet { return p.subs }

// Subscribe and Unsubscribe edit the live subscription set.
func (p *Pipeline) Subscribe(id string) bool   { return p.subs.Subscribe(id) }
func (p *Pipeline) Unsubscribe(id string) bool { return p.subs.Unsubscribe(id) }
func (p *Pipeline) List() []string             { return p.subs.List() }

func (p *Pipeline) Start(ctx context.Context) error {
	return p.pool.Start(ctx)
}

// Stop waits up to timeout for queued records to reach the sink.
func (p *Pipeline) Stop(timeout time.Duration) error {
	return p.pool.Stop(timeout)
}

func (p *Pipeline) Stats() worker.Stats { return p.pool.Stats() }

// HandleMessage is the transport's message sink. It never blocks on the
// store or on viewers.
func (p *Pipeline) HandleMessage(topic string, payload []byte) {
	p.metrics.MessagesReceived.Inc()

	rec, err := Decode(payload, p.now)
	if err != nil {
		p.metrics.DecodeFailures.Inc()
		p.log.Warn("ingest: decode failed", "topic", topic, "bytes", len(payload), "error", err)
		return
	}
	if rec.NodeID == "" {
		rec.NodeID = p.nodeFromTopic(topic)
	}

	// Only producer-stamped records can be told apart from a new reading
	// that happens to carry the same values.
	var seenKey string
	if p.dedup != nil && rec.Stamped {
		seenKey = dedup.Key(topic, payload)
		if !p.dedup.ShouldProcess(seenKey) {
			p.metrics.Duplicates.Inc()
			p.log.Debug("ingest: duplicate suppressed", "topic", topic, "node_id", rec.NodeID)
			return
		}
	}

	if err := p.pool.Submit(rec); err != nil {
		// a dropped record was never stored, so a redelivery must get through
		if seenKey != "" {
			p.dedup.Forget(seenKey)
		}
		p.metrics.PersistDropped.Inc()
		if errors.Is(err, worker.ErrQueueFull) {
			p.log.Warn("ingest: persist queue full, record dropped", "node_id", rec.NodeID, "timestamp", rec.Timestamp)
		} else {
			p.log.Error("ingest: persist submit failed", "node_id", rec.NodeID, "error", err)
		}
	}

	samples := model.Flatten(rec)
	for _, o := range p.observe {
		o.Observe(samples)
	}

	if p.live == nil {
		return
	}
	relay := p.subs.Filter(samples)
	if len(relay) == 0 {
		return
	}
	if err := p.live.Broadcast(live.NewUpdate(relay)); err != nil {
		p.log.Error("ingest: broadcast failed", "error", err)
	}
}

func (p *Pipeline) persist(ctx context.Context, rec model.TelemetryRecord) error {
	ctx, cancel := context.WithTimeout(ctx, p.persistTimeout)
	defer cancel()

	if err := p.sink.Append(ctx, rec); err != nil {
		p.metrics.PersistErrors.Inc()
		p.log.Error("ingest: persist failed", "sink", p.sink.Name(), "node_id", rec.NodeID, "error", err)
		return err
	}
	p.metrics.SamplesPersisted.Add(float64(rec.Readings.Len()))
	return nil
}

func (p *Pipeline) nodeFromTopic(topic string) string {
	if p.topicPrefix == "" || !strings.HasPrefix(topic, p.topicPrefix) {
		return ""
	}
	rest := strings.TrimPrefix(topic, p.topicPrefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
