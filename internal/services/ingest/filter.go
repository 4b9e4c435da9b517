package ingest

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/model"
)

// EmptyRelay decides what an empty subscription set lets through.
type EmptyRelay int

const (
	EmptyRelayNone EmptyRelay = iota
	EmptyRelayAll
)

// ParseEmptyRelay accepts "none" or "all".
func ParseEmptyRelay(s string) (EmptyRelay, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return EmptyRelayNone, nil
	case "all":
		return EmptyRelayAll, nil
	}
	return EmptyRelayNone, fmt.Errorf("ingest: unknown empty-set mode %q", s)
}

// SubscriptionSet holds the sensor ids viewers asked to follow live. It only
// gates the live broadcast, never persistence.
type SubscriptionSet struct {
	mu    sync.RWMutex
	ids   map[string]struct{}
	empty EmptyRelay
}

func NewSubscriptionSet(empty EmptyRelay) *SubscriptionSet {
	return &SubscriptionSet{ids: make(map[string]struct{}), empty: empty}
}

// Subscribe adds id; repeating it has no further effect. It returns the
// membership after the call.
func (s *SubscriptionSet) Subscribe(id string) bool {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
	return true
}

// Unsubscribe removes id if present and returns the membership after the call.
func (s *SubscriptionSet) Unsubscribe(id string) bool {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
	return false
}

func (s *SubscriptionSet) IsSubscribed(id string) bool {
	s.mu.RLock()
	_, ok := s.ids[id]
	s.mu.RUnlock()
	return ok
}

// List returns the subscribed ids sorted.
func (s *SubscriptionSet) List() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Filter keeps the samples whose sensor, or whose top-level group, is
// subscribed. Input order is preserved.
func (s *SubscriptionSet) Filter(samples []model.SensorSample) []model.SensorSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.ids) == 0 {
		if s.empty == EmptyRelayAll {
			return samples
		}
		return nil
	}

	var out []model.SensorSample
	for _, smp := range samples {
		if s.matchLocked(smp.Sensor) {
			out = append(out, smp)
		}
	}
	return out
}

func (s *SubscriptionSet) matchLocked(sensor string) bool {
	if _, ok := s.ids[sensor]; ok {
		return true
	}
	if i := strings.Index(sensor, model.KeySeparator); i > 0 {
		_, ok := s.ids[sensor[:i]]
		return ok
	}
	return false
}
