package sensor_simulator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/brisa_telemetry/pkg/dedup"
	"github.com/LeonardoBeccarini/brisa_telemetry/pkg/rabbitmq"
)

// IntervalChange is the control document a node understands: publish every
// IntervalS seconds, reverting after DurationS seconds when set.
type IntervalChange struct {
	NodeID    string  `json:"node_id"`
	IntervalS float64 `json:"interval_s"`
	DurationS float64 `json:"duration_s,omitempty"`
}

// SensorSimulator publishes generated readings and follows interval
// changes pushed on the control topic.
type SensorSimulator struct {
	mu        sync.Mutex
	nodeID    string
	interval  time.Duration
	timer     *time.Timer // reverts a timed interval change
	generator *DataGenerator
	publisher rabbitmq.IPublisher
	consumer  *rabbitmq.Consumer
	deduper   *dedup.Deduper
	log       *slog.Logger
	changed   chan struct{}
}

// NewSensorSimulator wires a simulator; consumer may be nil when control
// messages are not wanted.
func NewSensorSimulator(consumer *rabbitmq.Consumer, publisher rabbitmq.IPublisher,
	gen *DataGenerator, nodeID string, log *slog.Logger) *SensorSimulator {
	if log == nil {
		log = slog.Default()
	}
	s := &SensorSimulator{
		nodeID:    nodeID,
		generator: gen,
		publisher: publisher,
		consumer:  consumer,
		deduper:   dedup.New(2*time.Minute, 10000),
		log:       log,
		changed:   make(chan struct{}, 1),
	}
	if consumer != nil {
		consumer.SetHandler(s.handleMessage)
	}
	return s
}

// Start publishes a reading every interval until ctx is cancelled.
func (s *SensorSimulator) Start(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	s.interval = interval
	s.mu.Unlock()

	if s.consumer != nil {
		go s.consumer.ConsumeMessage(ctx)
	}

	t := time.NewTimer(s.currentInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.timer != nil {
				s.timer.Stop()
			}
			s.mu.Unlock()
			return
		case <-s.changed:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(s.currentInterval())
		case <-t.C:
			s.publishOnce()
			t.Reset(s.currentInterval())
		}
	}
}

func (s *SensorSimulator) publishOnce() {
	r := s.generator.Next()
	payload, err := json.Marshal(r)
	if err != nil {
		s.log.Error("simulator: marshal", "error", err)
		return
	}
	if err := s.publisher.PublishMessage(payload); err != nil {
		s.log.Warn("simulator: publish failed", "topic", s.publisher.Topic(), "error", err)
		return
	}
	s.log.Debug("simulator: published", "node_id", r.NodeID, "temperature", r.Temperature)
}

func (s *SensorSimulator) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *SensorSimulator) handleMessage(topic string, payload []byte) {
	if !s.deduper.ShouldProcess(dedup.Key(topic, payload)) {
		return
	}
	var evt IntervalChange
	if err := json.Unmarshal(payload, &evt); err != nil {
		s.log.Warn("simulator: invalid control message", "topic", topic, "error", err)
		return
	}
	if evt.NodeID != s.nodeID || evt.IntervalS <= 0 {
		return
	}
	s.applyTimedInterval(evt)
}

func (s *SensorSimulator) applyTimedInterval(evt IntervalChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	prev := s.interval
	s.interval = seconds(evt.IntervalS)
	s.log.Info("simulator: interval changed", "node_id", s.nodeID, "interval", s.interval,
		"for", seconds(evt.DurationS))

	if evt.DurationS > 0 {
		s.timer = time.AfterFunc(seconds(evt.DurationS), func() {
			s.mu.Lock()
			s.interval = prev
			s.timer = nil
			s.mu.Unlock()
			s.log.Info("simulator: interval reverted", "node_id", s.nodeID, "interval", prev)
			s.notify()
		})
	}
	s.notify()
}

func (s *SensorSimulator) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }
