package model

// Sensor names holding a node's position once the gps group is flattened.
const (
	LatitudeSensor  = "gps.lat"
	LongitudeSensor = "gps.lon"
)

// KeySeparator joins nested reading names into a flat sensor key.
const KeySeparator = "."

// SensorSample is the unit stored and queried.
type SensorSample struct {
	Sensor    string  `json:"sensor"`
	Value     float64 `json:"value"`
	Timestamp float64 `json:"timestamp"`
	NodeID    string  `json:"node_id,omitempty"`
}

// NodePosition is the most recent coordinate pair reported by a node.
type NodePosition struct {
	NodeID string  `json:"node_id"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}

// Flatten turns a record into one sample per leaf reading.
func Flatten(rec TelemetryRecord) []SensorSample {
	out := make([]SensorSample, 0, rec.Readings.Len())
	return flattenInto(out, "", rec.Readings, rec)
}

func flattenInto(out []SensorSample, prefix string, rs Readings, rec TelemetryRecord) []SensorSample {
	for _, r := range rs {
		name := r.Name
		if prefix != "" {
			name = prefix + KeySeparator + r.Name
		}
		if r.IsGroup() {
			out = flattenInto(out, name, r.Group, rec)
			continue
		}
		out = append(out, SensorSample{
			Sensor:    name,
			Value:     r.Value,
			Timestamp: rec.Timestamp,
			NodeID:    rec.NodeID,
		})
	}
	return out
}
