package model

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

// Reading is one named measurement of a record. A reading with a non-nil
// Group is a structured value (gps, imu) and its own Value is unused.
type Reading struct {
	Name  string
	Value float64
	Group Readings
}

// IsGroup reports whether the reading is a nested group of readings.
func (r Reading) IsGroup() bool { return r.Group != nil }

// Readings keeps the order in which sensors appeared in the payload.
type Readings []Reading

// Get returns the reading with the given top-level name.
func (rs Readings) Get(name string) (Reading, bool) {
	for _, r := range rs {
		if r.Name == name {
			return r, true
		}
	}
	return Reading{}, false
}

// Len counts leaf readings, descending into groups.
func (rs Readings) Len() int {
	n := 0
	for _, r := range rs {
		if r.IsGroup() {
			n += r.Group.Len()
			continue
		}
		n++
	}
	return n
}

// MarshalJSON writes the readings as an object, preserving order.
func (rs Readings) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, r := range rs {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(r.Name)
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteByte(':')

		var val []byte
		if r.IsGroup() {
			val, err = r.Group.MarshalJSON()
		} else {
			val, err = json.Marshal(r.Value)
		}
		if err != nil {
			return nil, err
		}
		b.Write(val)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// TelemetryRecord is one ingestion event published by a node.
type TelemetryRecord struct {
	NodeID    string   `json:"node_id,omitempty"`
	Readings  Readings `json:"readings"`
	Timestamp float64  `json:"timestamp"` // seconds since epoch
	// Stamped is true when the producer embedded the timestamp.
	Stamped bool `json:"-"`
}

// Time returns the record timestamp as a time.Time.
func (r TelemetryRecord) Time() time.Time { return TimeOf(r.Timestamp) }

// Seconds converts t into floating-point seconds since epoch. It is the
// inverse of TimeOf: Seconds(TimeOf(s)) == s for any present-day s.
func Seconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

// TimeOf converts floating-point epoch seconds into a UTC time.
func TimeOf(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*float64(time.Second)))).UTC()
}
