// Package query answers historical and latest-value requests against the
// persistence sink.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/metrics"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/model"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/services/persistence"
)

var (
	ErrQueryTimeout = errors.New("query: store did not answer in time")
	ErrUnavailable  = errors.New("query: store unavailable")
)

const dateLayout = "2006-01-02"

// ValidationError is a client mistake in the request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// RangeRequest carries the raw request parameters. Start and End accept
// YYYY-MM-DD, RFC3339 or epoch seconds.
type RangeRequest struct {
	Sensor string
	NodeID string
	Start  string
	End    string
}

type Options struct {
	Timeout         time.Duration
	Location        *time.Location // calendar dates are read in this zone
	BreakerFailures int
	BreakerOpenFor  time.Duration
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

type Service struct {
	sink    persistence.Sink
	timeout time.Duration
	loc     *time.Location
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewService(sink persistence.Sink, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerOpenFor <= 0 {
		opts.BreakerOpenFor = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger
	fails := uint32(opts.BreakerFailures)

	return &Service{
		sink:    sink,
		timeout: opts.Timeout,
		loc:     opts.Location,
		metrics: opts.Metrics,
		log:     log,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "store-" + sink.Name(),
			Timeout: opts.BreakerOpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= fails
			},
			// A caller that went away says nothing about the store.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("query: breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Range returns the samples of one sensor between the request bounds,
// ascending by timestamp. An empty result is not an error.
func (s *Service) Range(ctx context.Context, req RangeRequest) ([]model.SensorSample, error) {
	sensor := strings.TrimSpace(req.Sensor)
	if sensor == "" {
		return nil, &ValidationError{Field: "sensor", Reason: "sensor is required"}
	}
	if strings.TrimSpace(req.Start) == "" || strings.TrimSpace(req.End) == "" {
		return nil, &ValidationError{Reason: "Start and end date are required"}
	}
	start, err := ParseBound(req.Start, s.loc, false)
	if err != nil {
		return nil, &ValidationError{Field: "start", Reason: err.Error()}
	}
	end, err := ParseBound(req.End, s.loc, true)
	if err != nil {
		return nil, &ValidationError{Field: "end", Reason: err.Error()}
	}
	if start > end {
		return nil, &ValidationError{Reason: "start is after end"}
	}

	res, err := s.call(ctx, "range", func(ctx context.Context) (any, error) {
		return s.sink.QueryRange(ctx, sensor, strings.TrimSpace(req.NodeID), start, end)
	})
	if err != nil {
		return nil, err
	}
	return res.([]model.SensorSample), nil
}

// Latest returns the most recent sample per sensor, optionally for one node.
func (s *Service) Latest(ctx context.Context, nodeID string) (map[string]model.SensorSample, error) {
	res, err := s.call(ctx, "latest", func(ctx context.Context) (any, error) {
		return s.sink.QueryLatest(ctx, strings.TrimSpace(nodeID))
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]model.SensorSample), nil
}

// Positions returns the latest known coordinates of every node.
func (s *Service) Positions(ctx context.Context) ([]model.NodePosition, error) {
	res, err := s.call(ctx, "positions", func(ctx context.Context) (any, error) {
		return s.sink.QueryLatestPositions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.([]model.NodePosition), nil
}

func (s *Service) call(ctx context.Context, op string, fn func(context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	began := time.Now()
	res, err := s.cb.Execute(func() (interface{}, error) { return fn(ctx) })

	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		status = "unavailable"
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = "timeout"
		err = fmt.Errorf("%w after %s: %v", ErrQueryTimeout, s.timeout, err)
	default:
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.QueryDuration.WithLabelValues(op, status).Observe(time.Since(began).Seconds())
	}
	if err != nil {
		s.log.Error("query: store call failed", "op", op, "status", status, "error", err)
		return nil, err
	}
	return res, nil
}

// ParseBound converts a request bound to epoch seconds. A calendar date used
// as an end bound covers the whole day: the result is the largest float64
// below the start of the following day.
func ParseBound(v string, loc *time.Location, end bool) (float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, errors.New("empty bound")
	}
	if loc == nil {
		loc = time.UTC
	}
	if day, err := time.ParseInLocation(dateLayout, v, loc); err == nil {
		if !end {
			return model.Seconds(day), nil
		}
		next := model.Seconds(day.AddDate(0, 0, 1))
		return math.Nextafter(next, math.Inf(-1)), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return model.Seconds(t), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("unrecognised time %q, want YYYY-MM-DD, RFC3339 or epoch seconds", v)
	}
	return f, nil
}
