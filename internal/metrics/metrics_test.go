package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MessagesReceived.Add(3)
	m.LiveDropped.WithLabelValues("slow").Inc()
	m.Viewers.Set(2)
	m.QueryDuration.WithLabelValues("range", "ok").Observe(0.01)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.MessagesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveDropped.WithLabelValues("slow")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Viewers))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["brisa_messages_received_total"])
	assert.True(t, names["brisa_query_duration_seconds"])
}

func TestNewWithoutRegistry(t *testing.T) {
	m := New(nil)
	m.DecodeFailures.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeFailures))
}
