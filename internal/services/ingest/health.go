package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/brisa_telemetry/pkg/rabbitmq"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// BrokerState reports the transport connection state.
type BrokerState interface {
	State() rabbitmq.ConnectionState
}

// WriteTracker reports how long ago the store last rejected a write.
type WriteTracker interface {
	LastErrorAge() time.Duration
	Name() string
}

// HealthReport is the body of /healthz.
type HealthReport struct {
	Status          string  `json:"status"`
	Broker          string  `json:"broker"`
	BrokerConnected bool    `json:"broker_connected"`
	Store           string  `json:"store"`
	StoreOK         bool    `json:"store_ok"`
	LastWriteErrorS float64 `json:"last_write_error_age_sec"`
}

// Health derives the service status from the broker connection and recent
// store write errors.
type Health struct {
	broker BrokerState
	writer WriteTracker
	// a write error younger than errWindow marks the store unhealthy
	errWindow time.Duration
}

func NewHealth(b BrokerState, w WriteTracker, errWindow time.Duration) *Health {
	if errWindow <= 0 {
		errWindow = 30 * time.Second
	}
	return &Health{broker: b, writer: w, errWindow: errWindow}
}

func (h *Health) Report() HealthReport {
	st := rabbitmq.Disconnected
	if h.broker != nil {
		st = h.broker.State()
	}
	r := HealthReport{
		Broker:          st.String(),
		BrokerConnected: st == rabbitmq.Connected,
	}
	if h.writer != nil {
		age := h.writer.LastErrorAge()
		r.Store = h.writer.Name()
		r.StoreOK = age > h.errWindow
		r.LastWriteErrorS = age.Seconds()
	}

	switch {
	case r.BrokerConnected && r.StoreOK:
		r.Status = StatusOK
	case r.BrokerConnected || r.StoreOK:
		r.Status = StatusDegraded
	default:
		r.Status = StatusDown
	}
	return r
}

// Ready is true only when every dependency is healthy.
func (h *Health) Ready() bool { return h.Report().Status == StatusOK }

// HealthHandler serves /healthz. It always answers 200 with the report.
func (h *Health) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h.Report())
	})
}

// ReadyHandler serves /readyz: 200 when ready, 503 otherwise.
func (h *Health) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ready := h.Ready()
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(struct {
			Ready bool `json:"ready"`
		}{ready})
	})
}

// SyncGRPC mirrors the status onto a gRPC health server until ctx is done.
// Degraded still counts as serving.
func (h *Health) SyncGRPC(ctx context.Context, srv *health.Server, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if h.Report().Status == StatusDown {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus("", status)
	}
	update()

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-t.C:
			update()
		}
	}
}
