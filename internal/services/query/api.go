package query

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/model"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/services/control"
	"github.com/LeonardoBeccarini/brisa_telemetry/pkg/rabbitmq"
)

// Subscriptions is the live subscription set the API edits.
type Subscriptions interface {
	Subscribe(id string) bool
	Unsubscribe(id string) bool
	List() []string
}

// ConfigPusher forwards a configuration document to a node.
type ConfigPusher interface {
	Push(ctx context.Context, payload []byte) (string, error)
}

// Routes collects the handlers served next to the query endpoints. Nil
// entries are not mounted.
type Routes struct {
	Subscriptions Subscriptions
	Config        ConfigPusher
	Live          http.Handler
	Health        http.Handler
	Ready         http.Handler
	Metrics       http.Handler
	Logger        *slog.Logger
}

const maxConfigBytes = 64 << 10

type historyPoint struct {
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
}

type nodeLatest struct {
	NodeID    string             `json:"node_id"`
	Timestamp float64            `json:"timestamp"`
	Data      map[string]float64 `json:"data"`
}

// NewHTTPMux mounts the JSON API on a new mux.
func NewHTTPMux(svc *Service, rt Routes) *http.ServeMux {
	log := rt.Logger
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()

	// GET /api/history/{sensor}?start=YYYY-MM-DD&end=YYYY-MM-DD[&node=<id>]
	mux.HandleFunc("GET /api/history/{sensor}", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		samples, err := svc.Range(r.Context(), RangeRequest{
			Sensor: r.PathValue("sensor"),
			NodeID: q.Get("node"),
			Start:  q.Get("start"),
			End:    q.Get("end"),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		if len(samples) == 0 {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "No data found for the given date range"})
			return
		}
		out := make([]historyPoint, 0, len(samples))
		for _, s := range samples {
			out = append(out, historyPoint{Timestamp: s.Timestamp, Value: s.Value})
		}
		writeJSON(w, http.StatusOK, out)
	})

	// GET /api/sensors[?node=<id>]: latest value per sensor
	mux.HandleFunc("GET /api/sensors", func(w http.ResponseWriter, r *http.Request) {
		latest, err := svc.Latest(r.Context(), r.URL.Query().Get("node"))
		if err != nil {
			writeError(w, err)
			return
		}
		if len(latest) == 0 {
			writeJSON(w, http.StatusOK, map[string]string{"status": "No data available"})
			return
		}
		out := make(map[string]float64, len(latest))
		for name, s := range latest {
			out[name] = s.Value
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /api/nodes-data", func(w http.ResponseWriter, r *http.Request) {
		pos, err := svc.Positions(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pos)
	})

	mux.HandleFunc("GET /api/node/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		latest, err := svc.Latest(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(latest) == 0 {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "No data for node " + id})
			return
		}
		writeJSON(w, http.StatusOK, latestOf(id, latest))
	})

	if subs := rt.Subscriptions; subs != nil {
		mux.HandleFunc("POST /api/subscribe/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := r.PathValue("id")
			subs.Subscribe(id)
			writeJSON(w, http.StatusOK, map[string]string{"status": "Subscribed to " + id})
		})
		mux.HandleFunc("POST /api/unsubscribe/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := r.PathValue("id")
			subs.Unsubscribe(id)
			writeJSON(w, http.StatusOK, map[string]string{"status": "Unsubscribed from " + id})
		})
		mux.HandleFunc("GET /api/subscriptions", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, subs.List())
		})
	}

	if pusher := rt.Config; pusher != nil {
		mux.HandleFunc("POST /api/config", func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigBytes))
			if err != nil {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
				return
			}
			node, err := pusher.Push(r.Context(), body)
			switch {
			case err == nil:
				writeJSON(w, http.StatusAccepted, map[string]string{"status": "Configuration sent to " + node})
			case errors.Is(err, control.ErrInvalidPayload):
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			case errors.Is(err, rabbitmq.ErrNotConnected), errors.Is(err, rabbitmq.ErrClosed):
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			default:
				log.Error("query: config push failed", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
		})
	}

	if rt.Live != nil {
		mux.Handle("/ws", rt.Live)
	}
	if rt.Health != nil {
		mux.Handle("/healthz", rt.Health)
	}
	if rt.Ready != nil {
		mux.Handle("/readyz", rt.Ready)
	}
	if rt.Metrics != nil {
		mux.Handle("/metrics", rt.Metrics)
	}
	return mux
}

func latestOf(node string, latest map[string]model.SensorSample) nodeLatest {
	out := nodeLatest{NodeID: node, Data: make(map[string]float64, len(latest))}
	for name, s := range latest {
		out.Data[name] = s.Value
		if s.Timestamp > out.Timestamp {
			out.Timestamp = s.Timestamp
		}
	}
	return out
}

// writeError maps error classes to status codes: client mistakes are 400,
// an open breaker 503, a slow store 504, anything else 500.
func writeError(w http.ResponseWriter, err error) {
	var ve *ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ErrQueryTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
