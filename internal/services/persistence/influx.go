package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/model"
)

const valueField = "value"

type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string // default "sensor_sample"
}

// pointWriter is the part of api.WriteAPIBlocking the sink writes through.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// fluxRow is one record of a Flux result, reduced to the columns we keep.
type fluxRow struct {
	time   time.Time
	value  any
	sensor string
	node   string
}

type fluxRunner func(ctx context.Context, flux string) ([]fluxRow, error)

// InfluxSink stores one point per flattened sample: measurement
// cfg.Measurement, tags sensor and node_id, field value.
type InfluxSink struct {
	cfg    InfluxConfig
	client influxdb2.Client
	writer pointWriter
	query  fluxRunner
}

var _ Sink = (*InfluxSink)(nil)

func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("persistence: influx config incomplete")
	}
	if cfg.Measurement == "" {
		cfg.Measurement = "sensor_sample"
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := &InfluxSink{
		cfg:    cfg,
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
	s.query = s.runFlux
	return s, nil
}

func (s *InfluxSink) Name() string { return "influxdb" }

// Ping checks the server is reachable.
func (s *InfluxSink) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return storeErr("ping", err)
	}
	if !ok {
		return storeErr("ping", errors.New("server not ready"))
	}
	return nil
}

func (s *InfluxSink) Append(ctx context.Context, rec model.TelemetryRecord) error {
	samples := model.Flatten(rec)
	if len(samples) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(samples))
	for _, smp := range samples {
		points = append(points, samplePoint(s.cfg.Measurement, smp))
	}
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return storeErr("influx write", err)
	}
	return nil
}

func samplePoint(measurement string, smp model.SensorSample) *write.Point {
	tags := map[string]string{"sensor": smp.Sensor}
	if smp.NodeID != "" {
		tags["node_id"] = smp.NodeID
	}
	fields := map[string]interface{}{valueField: smp.Value}
	return influxdb2.NewPoint(measurement, tags, fields, model.TimeOf(smp.Timestamp))
}

func (s *InfluxSink) QueryRange(ctx context.Context, sensor, nodeID string, start, end float64) ([]model.SensorSample, error) {
	rows, err := s.query(ctx, rangeFlux(s.cfg.Bucket, s.cfg.Measurement, sensor, nodeID, start, end))
	if err != nil {
		return nil, storeErr("influx range", err)
	}
	// compare in the stored nanosecond domain, not in float seconds
	from, to := model.TimeOf(start), model.TimeOf(end)
	out := make([]model.SensorSample, 0, len(rows))
	for _, r := range rows {
		if r.time.Before(from) || r.time.After(to) {
			continue
		}
		out = append(out, rowSample(r))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *InfluxSink) QueryLatest(ctx context.Context, nodeID string) (map[string]model.SensorSample, error) {
	rows, err := s.query(ctx, latestFlux(s.cfg.Bucket, s.cfg.Measurement, nodeID))
	if err != nil {
		return nil, storeErr("influx latest", err)
	}
	out := make(map[string]model.SensorSample, len(rows))
	for _, r := range rows {
		smp := rowSample(r)
		if cur, ok := out[smp.Sensor]; !ok || smp.Timestamp >= cur.Timestamp {
			out[smp.Sensor] = smp
		}
	}
	return out, nil
}

func (s *InfluxSink) QueryLatestPositions(ctx context.Context) ([]model.NodePosition, error) {
	rows, err := s.query(ctx, positionsFlux(s.cfg.Bucket, s.cfg.Measurement))
	if err != nil {
		return nil, storeErr("influx positions", err)
	}
	latest := make(map[string]map[string]model.SensorSample)
	for _, r := range rows {
		smp := rowSample(r)
		node := latest[smp.NodeID]
		if node == nil {
			node = make(map[string]model.SensorSample, 2)
			latest[smp.NodeID] = node
		}
		if cur, ok := node[smp.Sensor]; !ok || smp.Timestamp >= cur.Timestamp {
			node[smp.Sensor] = smp
		}
	}
	return positionsFrom(latest), nil
}

func (s *InfluxSink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

func (s *InfluxSink) runFlux(ctx context.Context, flux string) ([]fluxRow, error) {
	res, err := s.client.QueryAPI(s.cfg.Org).Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Close() }()

	var rows []fluxRow
	for res.Next() {
		rec := res.Record()
		row := fluxRow{time: rec.Time(), value: rec.Value()}
		if v, ok := rec.ValueByKey("sensor").(string); ok {
			row.sensor = v
		}
		if v, ok := rec.ValueByKey("node_id").(string); ok {
			row.node = v
		}
		rows = append(rows, row)
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

func rowSample(r fluxRow) model.SensorSample {
	return model.SensorSample{
		Sensor:    r.sensor,
		Value:     toFloat(r.value),
		Timestamp: model.Seconds(r.time),
		NodeID:    r.node,
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case int:
		return float64(x)
	case bool:
		if x {
			return 1
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return 0
}

func fluxTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func baseFilter(measurement string) string {
	return fmt.Sprintf(`r._measurement == %q and r._field == %q`, measurement, valueField)
}

func rangeFlux(bucket, measurement, sensor, nodeID string, start, end float64) string {
	filter := baseFilter(measurement) + fmt.Sprintf(` and r.sensor == %q`, sensor)
	if nodeID != "" {
		filter += fmt.Sprintf(` and r.node_id == %q`, nodeID)
	}
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => %s)
  |> keep(columns: ["_time","_value","sensor","node_id"])
  |> group()
  |> sort(columns: ["_time"])
`, bucket, fluxTime(model.TimeOf(start)), fluxTime(model.TimeOf(end).Add(time.Nanosecond)), filter)
}

func latestFlux(bucket, measurement, nodeID string) string {
	filter := baseFilter(measurement)
	if nodeID != "" {
		filter += fmt.Sprintf(` and r.node_id == %q`, nodeID)
	}
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: 0)
  |> filter(fn: (r) => %s)
  |> group(columns: ["sensor"])
  |> last()
  |> keep(columns: ["_time","_value","sensor","node_id"])
`, bucket, filter)
}

func positionsFlux(bucket, measurement string) string {
	filter := baseFilter(measurement) +
		fmt.Sprintf(` and (r.sensor == %q or r.sensor == %q)`, model.LatitudeSensor, model.LongitudeSensor)
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: 0)
  |> filter(fn: (r) => %s)
  |> group(columns: ["node_id","sensor"])
  |> last()
  |> keep(columns: ["_time","_value","sensor","node_id"])
`, bucket, filter)
}
