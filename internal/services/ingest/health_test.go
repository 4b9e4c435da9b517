package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/brisa_telemetry/pkg/rabbitmq"
)

type stubBroker struct{ st rabbitmq.ConnectionState }

func (s stubBroker) State() rabbitmq.ConnectionState { return s.st }

type stubWriter struct{ age time.Duration }

func (s stubWriter) LastErrorAge() time.Duration { return s.age }
func (s stubWriter) Name() string                { return "memory" }

func TestHealthStatus(t *testing.T) {
	cases := []struct {
		broker rabbitmq.ConnectionState
		age    time.Duration
		want   string
	}{
		{rabbitmq.Connected, time.Hour, StatusOK},
		{rabbitmq.Connected, time.Second, StatusDegraded},
		{rabbitmq.Connecting, time.Hour, StatusDegraded},
		{rabbitmq.Disconnected, time.Second, StatusDown},
	}
	for _, tc := range cases {
		h := NewHealth(stubBroker{tc.broker}, stubWriter{tc.age}, 30*time.Second)
		assert.Equal(t, tc.want, h.Report().Status, "%s/%s", tc.broker, tc.age)
	}
}

func TestHealthHandlers(t *testing.T) {
	h := NewHealth(stubBroker{rabbitmq.Connecting}, stubWriter{time.Hour}, 0)

	rec := httptest.NewRecorder()
	h.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), `"broker":"connecting"`)

	rec = httptest.NewRecorder()
	h.ReadyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"ready":false}`, rec.Body.String())
}

func TestSyncGRPC(t *testing.T) {
	srv := health.NewServer()
	h := NewHealth(stubBroker{rabbitmq.Disconnected}, stubWriter{0}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.SyncGRPC(ctx, srv, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
