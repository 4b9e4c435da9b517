// Package aggregator rolls accepted samples up into periodic per-node
// summaries and publishes them on a broker topic.
package aggregator

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/model"
	"github.com/LeonardoBeccarini/brisa_telemetry/pkg/rabbitmq"
)

// Stats summarises one sensor over a window.
type Stats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Summary is the document published for one node per window. Timestamps
// are the first and last sample times seen, in epoch seconds.
type Summary struct {
	NodeID     string           `json:"node_id"`
	Aggregated bool             `json:"aggregated"`
	From       float64          `json:"from"`
	To         float64          `json:"to"`
	Sensors    map[string]Stats `json:"sensors"`
}

type acc struct {
	n        int
	sum      float64
	min, max float64
	from, to float64
}

func (a *acc) add(s model.SensorSample) {
	if a.n == 0 {
		a.min, a.max = s.Value, s.Value
		a.from, a.to = s.Timestamp, s.Timestamp
	}
	a.n++
	a.sum += s.Value
	a.min = math.Min(a.min, s.Value)
	a.max = math.Max(a.max, s.Value)
	a.from = math.Min(a.from, s.Timestamp)
	a.to = math.Max(a.to, s.Timestamp)
}

type DataAggregatorService struct {
	publisher rabbitmq.IPublisher
	interval  time.Duration
	log       *slog.Logger

	mu     sync.Mutex
	buffer map[string]map[string]*acc // node -> sensor
}

func NewDataAggregatorService(publisher rabbitmq.IPublisher, interval time.Duration, log *slog.Logger) *DataAggregatorService {
	if log == nil {
		log = slog.Default()
	}
	return &DataAggregatorService{
		publisher: publisher,
		interval:  interval,
		log:       log,
		buffer:    make(map[string]map[string]*acc),
	}
}

// Observe buffers samples for the current window.
func (d *DataAggregatorService) Observe(samples []model.SensorSample) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range samples {
		node := d.buffer[s.NodeID]
		if node == nil {
			node = make(map[string]*acc)
			d.buffer[s.NodeID] = node
		}
		a := node[s.Sensor]
		if a == nil {
			a = &acc{}
			node[s.Sensor] = a
		}
		a.add(s)
	}
}

// Start publishes a summary every interval and a last one when ctx ends.
func (d *DataAggregatorService) Start(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.aggregateAndPublish()
			return
		case <-ticker.C:
			d.aggregateAndPublish()
		}
	}
}

// Flush empties the buffer and returns one summary per node, sorted by
// node id.
func (d *DataAggregatorService) Flush() []Summary {
	d.mu.Lock()
	buf := d.buffer
	d.buffer = make(map[string]map[string]*acc)
	d.mu.Unlock()

	out := make([]Summary, 0, len(buf))
	for nodeID, sensors := range buf {
		sum := Summary{NodeID: nodeID, Aggregated: true, Sensors: make(map[string]Stats, len(sensors))}
		first := true
		for name, a := range sensors {
			sum.Sensors[name] = Stats{Count: a.n, Mean: a.sum / float64(a.n), Min: a.min, Max: a.max}
			if first || a.from < sum.From {
				sum.From = a.from
			}
			if first || a.to > sum.To {
				sum.To = a.to
			}
			first = false
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (d *DataAggregatorService) aggregateAndPublish() {
	for _, sum := range d.Flush() {
		b, err := json.Marshal(sum)
		if err != nil {
			d.log.Error("aggregator: marshal", "node_id", sum.NodeID, "error", err)
			continue
		}
		if err := d.publisher.PublishMessage(b); err != nil {
			d.log.Warn("aggregator: publish failed", "topic", d.publisher.Topic(), "node_id", sum.NodeID, "error", err)
			continue
		}
		d.log.Debug("aggregator: published", "node_id", sum.NodeID, "sensors", len(sum.Sensors))
	}
}
