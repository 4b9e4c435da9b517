package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/model"
)

func record(node string, ts float64, rs ...model.Reading) model.TelemetryRecord {
	return model.TelemetryRecord{NodeID: node, Timestamp: ts, Readings: rs, Stamped: true}
}

func scalar(name string, v float64) model.Reading { return model.Reading{Name: name, Value: v} }

func gps(lat, lon float64) model.Reading {
	return model.Reading{Name: "gps", Group: model.Readings{scalar("lat", lat), scalar("lon", lon)}}
}

func TestMemoryRangeCorrectness(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()

	const t1, t2, t3 = 1000.0, 2000.0, 3000.0
	// out of order on purpose
	require.NoError(t, s.Append(ctx, record("n1", t3, scalar("temperature", 23))))
	require.NoError(t, s.Append(ctx, record("n1", t1, scalar("temperature", 21))))
	require.NoError(t, s.Append(ctx, record("n1", t2, scalar("temperature", 22), scalar("humidity", 40))))

	got, err := s.QueryRange(ctx, "temperature", "", t1, t2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, t1, got[0].Timestamp)
	assert.Equal(t, 21.0, got[0].Value)
	assert.Equal(t, t2, got[1].Timestamp)

	got, err = s.QueryRange(ctx, "temperature", "", t2, t3)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemoryRangeEmptyIsNotError(t *testing.T) {
	s := NewMemorySink()
	require.NoError(t, s.Append(context.Background(), record("n1", 10, scalar("temperature", 1))))

	got, err := s.QueryRange(context.Background(), "temperature", "", 20, 30)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	got, err = s.QueryRange(context.Background(), "pressure", "", 0, 30)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryNodeScope(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()
	require.NoError(t, s.Append(ctx, record("n1", 1, scalar("temperature", 10))))
	require.NoError(t, s.Append(ctx, record("n2", 2, scalar("temperature", 20))))

	got, err := s.QueryRange(ctx, "temperature", "n2", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "n2", got[0].NodeID)

	latest, err := s.QueryLatest(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 20.0, latest["temperature"].Value)

	latest, err = s.QueryLatest(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, latest["temperature"].Value)
}

func TestMemoryPositionsNeedBothCoordinates(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()
	require.NoError(t, s.Append(ctx, record("n2", 1, gps(-33.4, -70.6))))
	require.NoError(t, s.Append(ctx, record("n2", 5, gps(-33.5, -70.7))))
	require.NoError(t, s.Append(ctx, record("n1", 2, gps(-30, -71))))
	require.NoError(t, s.Append(ctx, record("n3", 3, model.Reading{
		Name: "gps", Group: model.Readings{scalar("lat", -20)},
	})))

	got, err := s.QueryLatestPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.NodePosition{
		{NodeID: "n1", Lat: -30, Lon: -71},
		{NodeID: "n2", Lat: -33.5, Lon: -70.7},
	}, got)
}

func TestMemoryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemorySink().QueryRange(ctx, "temperature", "", 0, 1)
	assert.ErrorIs(t, err, ErrStore)
}
