package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/model"
)

// Writer wraps a Sink and remembers when the last write failed, for
// /healthz and /readyz.
type Writer struct {
	Sink
	log *slog.Logger
	now func() time.Time

	mu      sync.RWMutex
	lastErr time.Time
	writes  int64
	errors  int64
}

func NewWriter(s Sink, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		Sink:    s,
		log:     log,
		now:     time.Now,
		lastErr: time.Now().Add(-24 * time.Hour),
	}
}

func (w *Writer) Append(ctx context.Context, rec model.TelemetryRecord) error {
	err := w.Sink.Append(ctx, rec)
	w.mu.Lock()
	if err != nil {
		w.lastErr = w.now()
		w.errors++
	} else {
		w.writes++
	}
	w.mu.Unlock()
	if err != nil {
		w.log.Debug("persistence: write failed", "sink", w.Sink.Name(), "node_id", rec.NodeID, "error", err)
	}
	return err
}

// LastErrorAge is how long ago the last write failed.
func (w *Writer) LastErrorAge() time.Duration {
	if w == nil {
		return 99999 * time.Hour
	}
	w.mu.RLock()
	t := w.lastErr
	w.mu.RUnlock()
	return w.now().Sub(t)
}

// Counts returns successful and failed writes so far.
func (w *Writer) Counts() (writes, errors int64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.writes, w.errors
}
