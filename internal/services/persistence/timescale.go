package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/model"
)

// TimescaleSink writes into an existing table
// (sensor TEXT, node_id TEXT, value DOUBLE PRECISION, ts TIMESTAMPTZ).
// Timestamps are kept to the microsecond.
type TimescaleSink struct {
	db        *sql.DB
	tableName string
}

var _ Sink = (*TimescaleSink)(nil)

// OpenTimescale connects with lib/pq.
func OpenTimescale(dsn, table string) (*TimescaleSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("persistence: postgres dsn is empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, storeErr("open postgres", err)
	}
	s, err := NewTimescaleSink(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewTimescaleSink(db *sql.DB, table string) (*TimescaleSink, error) {
	if !validIdent(table) {
		return nil, fmt.Errorf("persistence: invalid table name %q", table)
	}
	return &TimescaleSink{db: db, tableName: table}, nil
}

func (t *TimescaleSink) Name() string { return "timescaledb" }

func (t *TimescaleSink) Append(ctx context.Context, rec model.TelemetryRecord) error {
	samples := model.Flatten(rec)
	if len(samples) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.tableName)
	b.WriteString(" (sensor, node_id, value, ts) VALUES ")

	args := make([]any, 0, len(samples)*4)
	for i, s := range samples {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d)", len(args)+1, len(args)+2, len(args)+3, len(args)+4))
		args = append(args, s.Sensor, s.NodeID, s.Value, storedTime(s.Timestamp))
	}

	if _, err := t.db.ExecContext(ctx, b.String(), args...); err != nil {
		return storeErr("timescale insert", err)
	}
	return nil
}

func (t *TimescaleSink) QueryRange(ctx context.Context, sensor, nodeID string, start, end float64) ([]model.SensorSample, error) {
	from, to := storedTime(start), storedTime(end)

	q := "SELECT sensor, node_id, value, ts FROM " + t.tableName +
		" WHERE sensor = $1 AND ts >= $2 AND ts <= $3"
	args := []any{sensor, from, to}
	if nodeID != "" {
		q += " AND node_id = $4"
		args = append(args, nodeID)
	}
	q += " ORDER BY ts ASC"

	return t.query(ctx, "timescale range", q, args...)
}

// storedTime is sec as the ts column keeps it. Postgres holds whole
// microseconds, so inserts and range bounds round the same way and a
// sample stored at a bound always compares equal to it.
func storedTime(sec float64) time.Time {
	return model.TimeOf(sec).Round(time.Microsecond)
}

func (t *TimescaleSink) QueryLatest(ctx context.Context, nodeID string) (map[string]model.SensorSample, error) {
	q := "SELECT DISTINCT ON (sensor) sensor, node_id, value, ts FROM " + t.tableName
	var args []any
	if nodeID != "" {
		q += " WHERE node_id = $1"
		args = append(args, nodeID)
	}
	q += " ORDER BY sensor, ts DESC"

	rows, err := t.query(ctx, "timescale latest", q, args...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.SensorSample, len(rows))
	for _, s := range rows {
		out[s.Sensor] = s
	}
	return out, nil
}

func (t *TimescaleSink) QueryLatestPositions(ctx context.Context) ([]model.NodePosition, error) {
	q := "SELECT DISTINCT ON (node_id, sensor) sensor, node_id, value, ts FROM " + t.tableName +
		" WHERE sensor IN ($1, $2) ORDER BY node_id, sensor, ts DESC"

	rows, err := t.query(ctx, "timescale positions", q, model.LatitudeSensor, model.LongitudeSensor)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]map[string]model.SensorSample)
	for _, s := range rows {
		node := latest[s.NodeID]
		if node == nil {
			node = make(map[string]model.SensorSample, 2)
			latest[s.NodeID] = node
		}
		node[s.Sensor] = s
	}
	return positionsFrom(latest), nil
}

func (t *TimescaleSink) Close() error { return t.db.Close() }

func (t *TimescaleSink) query(ctx context.Context, op, q string, args ...any) ([]model.SensorSample, error) {
	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer rows.Close()

	out := make([]model.SensorSample, 0)
	for rows.Next() {
		var (
			s  model.SensorSample
			ts time.Time
		)
		if err := rows.Scan(&s.Sensor, &s.NodeID, &s.Value, &ts); err != nil {
			return nil, storeErr(op, err)
		}
		s.Timestamp = model.Seconds(ts)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9', r == '.':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
