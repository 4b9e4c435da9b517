package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/model"
)

// MemorySink keeps every sample in process. It backs tests and
// STORE_BACKEND=memory.
type MemorySink struct {
	mu      sync.RWMutex
	samples []model.SensorSample
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Append(ctx context.Context, rec model.TelemetryRecord) error {
	if err := ctx.Err(); err != nil {
		return storeErr("append", err)
	}
	flat := model.Flatten(rec)
	m.mu.Lock()
	m.samples = append(m.samples, flat...)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) QueryRange(ctx context.Context, sensor, nodeID string, start, end float64) ([]model.SensorSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("range", err)
	}
	m.mu.RLock()
	out := make([]model.SensorSample, 0)
	for _, s := range m.samples {
		if s.Sensor != sensor || (nodeID != "" && s.NodeID != nodeID) {
			continue
		}
		if s.Timestamp < start || s.Timestamp > end {
			continue
		}
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (m *MemorySink) QueryLatest(ctx context.Context, nodeID string) (map[string]model.SensorSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("latest", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]model.SensorSample)
	for _, s := range m.samples {
		if nodeID != "" && s.NodeID != nodeID {
			continue
		}
		if cur, ok := out[s.Sensor]; !ok || s.Timestamp >= cur.Timestamp {
			out[s.Sensor] = s
		}
	}
	return out, nil
}

func (m *MemorySink) QueryLatestPositions(ctx context.Context) ([]model.NodePosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("positions", err)
	}
	m.mu.RLock()
	latest := make(map[string]map[string]model.SensorSample)
	for _, s := range m.samples {
		if s.Sensor != model.LatitudeSensor && s.Sensor != model.LongitudeSensor {
			continue
		}
		node := latest[s.NodeID]
		if node == nil {
			node = make(map[string]model.SensorSample, 2)
			latest[s.NodeID] = node
		}
		if cur, ok := node[s.Sensor]; !ok || s.Timestamp >= cur.Timestamp {
			node[s.Sensor] = s
		}
	}
	m.mu.RUnlock()
	return positionsFrom(latest), nil
}

func (m *MemorySink) Close() error { return nil }
