// Package live fans decoded telemetry out to connected viewers.
package live

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/metrics"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/model"
)

var ErrHubClosed = errors.New("live: hub closed")

// UpdateType is the event name viewers listen for.
const UpdateType = "sensor_update"

// Viewer is one connected live client.
type Viewer interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// Update is the message pushed to viewers for one record.
type Update struct {
	Type      string             `json:"type"`
	NodeID    string             `json:"node_id,omitempty"`
	Timestamp float64            `json:"timestamp"`
	Data      map[string]float64 `json:"data"`
}

// NewUpdate builds the live message for the samples of one record.
func NewUpdate(samples []model.SensorSample) Update {
	u := Update{Type: UpdateType, Data: make(map[string]float64, len(samples))}
	for i, s := range samples {
		if i == 0 {
			u.NodeID = s.NodeID
			u.Timestamp = s.Timestamp
		}
		u.Data[s.Sensor] = s.Value
	}
	return u
}

type slot struct {
	v     Viewer
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *slot) stop() bool {
	stopped := false
	s.once.Do(func() {
		close(s.done)
		stopped = true
	})
	return stopped
}

// Hub keeps the viewer registry. Each viewer gets its own queue and writer
// goroutine, so one slow or broken viewer never holds up the others.
type Hub struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	queueSize int

	mu      sync.RWMutex
	viewers map[string]*slot
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a hub; queueSize bounds each viewer's backlog (default 64).
func NewHub(queueSize int, m *metrics.Metrics, log *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:       log,
		metrics:   m,
		queueSize: queueSize,
		viewers:   make(map[string]*slot),
	}
}

// Register adds v. A viewer already registered under the same id is
// replaced and closed.
func (h *Hub) Register(v Viewer) error {
	s := &slot{v: v, queue: make(chan []byte, h.queueSize), done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	old := h.viewers[v.ID()]
	h.viewers[v.ID()] = s
	n := len(h.viewers)
	h.wg.Add(1)
	h.mu.Unlock()

	if old != nil && old.stop() {
		_ = old.v.Close()
	}
	h.setViewers(n)
	h.log.Info("live: viewer registered", "viewer", v.ID(), "viewers", n)

	go h.pump(s)
	return nil
}

// Unregister removes and closes the viewer with id, if present.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	s := h.viewers[id]
	h.mu.Unlock()
	if s != nil {
		h.remove(s, "unregistered")
	}
}

func (h *Hub) remove(s *slot, reason string) {
	h.mu.Lock()
	if cur := h.viewers[s.v.ID()]; cur == s {
		delete(h.viewers, s.v.ID())
	}
	n := len(h.viewers)
	h.mu.Unlock()

	if s.stop() {
		_ = s.v.Close()
		h.setViewers(n)
		h.log.Info("live: viewer removed", "viewer", s.v.ID(), "reason", reason, "viewers", n)
	}
}

// Broadcast JSON-encodes msg once and queues it for every viewer. It never
// blocks on a viewer.
func (h *Hub) Broadcast(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.BroadcastRaw(data)
	return nil
}

// BroadcastRaw queues an already encoded message.
func (h *Hub) BroadcastRaw(data []byte) {
	h.mu.RLock()
	slots := make([]*slot, 0, len(h.viewers))
	for _, s := range h.viewers {
		slots = append(slots, s)
	}
	h.mu.RUnlock()

	for _, s := range slots {
		select {
		case <-s.done:
		case s.queue <- data:
		default:
			h.dropped("slow")
			h.log.Warn("live: viewer queue full, message dropped", "viewer", s.v.ID())
		}
	}
}

func (h *Hub) pump(s *slot) {
	defer h.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case data := <-s.queue:
			if err := s.v.Send(data); err != nil {
				h.dropped("send_error")
				h.log.Warn("live: send failed", "viewer", s.v.ID(), "error", err)
				h.remove(s, "send failed")
				return
			}
			if h.metrics != nil {
				h.metrics.LiveSent.Inc()
			}
		}
	}
}

// Count returns the number of registered viewers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// Close disconnects every viewer and waits for their writers to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	slots := make([]*slot, 0, len(h.viewers))
	for _, s := range h.viewers {
		slots = append(slots, s)
	}
	h.viewers = make(map[string]*slot)
	h.mu.Unlock()

	for _, s := range slots {
		if s.stop() {
			_ = s.v.Close()
		}
	}
	h.setViewers(0)
	h.wg.Wait()
}

func (h *Hub) dropped(reason string) {
	if h.metrics != nil {
		h.metrics.LiveDropped.WithLabelValues(reason).Inc()
	}
}

func (h *Hub) setViewers(n int) {
	if h.metrics != nil {
		h.metrics.Viewers.Set(float64(n))
	}
}
