// Package persistence stores telemetry records and answers range and
// latest-value queries over them.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/config"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/model"
)

// ErrStore wraps every backend failure.
var ErrStore = errors.New("store")

// Sink is the durable store behind the pipeline and the query service.
//
// An empty nodeID leaves a query unscoped. Range bounds are inclusive and
// results come back in ascending timestamp order; no match is an empty
// result, not an error.
type Sink interface {
	Append(ctx context.Context, rec model.TelemetryRecord) error
	QueryRange(ctx context.Context, sensor, nodeID string, start, end float64) ([]model.SensorSample, error)
	QueryLatest(ctx context.Context, nodeID string) (map[string]model.SensorSample, error)
	QueryLatestPositions(ctx context.Context) ([]model.NodePosition, error)
	Name() string
	Close() error
}

// Open builds the sink selected by cfg.Backend.
func Open(cfg config.StoreConfig) (Sink, error) {
	switch cfg.Backend {
	case "influx":
		return NewInfluxSink(InfluxConfig{
			URL:         cfg.InfluxURL,
			Token:       cfg.InfluxToken,
			Org:         cfg.InfluxOrg,
			Bucket:      cfg.InfluxBucket,
			Measurement: cfg.InfluxMeasurement,
		})
	case "timescale":
		return OpenTimescale(cfg.PostgresDSN, cfg.PostgresTable)
	case "memory":
		return NewMemorySink(), nil
	}
	return nil, fmt.Errorf("persistence: unknown backend %q", cfg.Backend)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}

// positionsFrom pairs latest gps readings per node; a node appears once both
// coordinates are known.
func positionsFrom(latest map[string]map[string]model.SensorSample) []model.NodePosition {
	out := make([]model.NodePosition, 0, len(latest))
	for node, sensors := range latest {
		lat, okLat := sensors[model.LatitudeSensor]
		lon, okLon := sensors[model.LongitudeSensor]
		if !okLat || !okLon {
			continue
		}
		out = append(out, model.NodePosition{NodeID: node, Lat: lat.Value, Lon: lon.Value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
