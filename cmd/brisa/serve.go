package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/config"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/logging"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/metrics"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/services/aggregator"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/services/control"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/services/ingest"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/services/live"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/services/persistence"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/services/query"
	"github.com/LeonardoBeccarini/brisa_telemetry/pkg/dedup"
	"github.com/LeonardoBeccarini/brisa_telemetry/pkg/rabbitmq"
)

var (
	servePerNodeControl bool
	serveShutdownWait   time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the telemetry hub",
	Long:  "serve subscribes to the sensor topics, persists every reading and serves the HTTP API, live websocket and gRPC health.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logging.New(cfg.Log.Format, cfg.Log.Level)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(logging.NewContext(ctx, log), cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&servePerNodeControl, "per-node-control", false, "Publish configuration on <control_topic>/<node_id>")
	serveCmd.Flags().DurationVar(&serveShutdownWait, "shutdown-timeout", 10*time.Second, "How long to wait for in-flight work on shutdown")
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := logging.FromContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sink, err := persistence.Open(cfg.Store)
	if err != nil {
		return err
	}
	writer := persistence.NewWriter(sink, log)
	defer func() {
		if err := writer.Close(); err != nil {
			log.Warn("serve: close store", "error", err)
		}
	}()
	log.Info("serve: store opened", "backend", writer.Name())

	hub := live.NewHub(cfg.Pipeline.LiveQueue, m, log)
	defer hub.Close()

	relay, err := ingest.ParseEmptyRelay(cfg.Pipeline.LiveEmptySet)
	if err != nil {
		return err
	}

	client := rabbitmq.NewClient(brokerConfig(cfg.Broker, cfg.Broker.ClientID), rabbitmq.WithLogger(log))
	client.OnStateChange(func(s rabbitmq.ConnectionState) {
		m.BrokerState.Set(float64(s))
	})

	var observers []ingest.Observer
	var rollup *aggregator.DataAggregatorService
	if cfg.Pipeline.AggregateInterval > 0 {
		rollup = aggregator.NewDataAggregatorService(
			rabbitmq.NewPublisher(client, cfg.Pipeline.AggregateTopic), cfg.Pipeline.AggregateInterval, log)
		observers = append(observers, rollup)
	}
	pipeline := ingest.NewPipeline(writer, hub, ingest.NewSubscriptionSet(relay), ingest.Options{
		Workers:        cfg.Pipeline.PersistWorkers,
		Queue:          cfg.Pipeline.PersistQueue,
		PersistTimeout: cfg.Pipeline.PersistTimeout,
		SensorsTopic:   cfg.Broker.SensorsTopic,
		Dedup:          dedup.New(cfg.Pipeline.DedupTTL, cfg.Pipeline.DedupMax),
		Observers:      observers,
		Metrics:        m,
		Registerer:     reg,
		Logger:         log,
	})
	// workers outlive the signal context so the queue drains on shutdown
	workCtx, cancelWork := context.WithCancel(logging.NewContext(context.Background(), log))
	defer cancelWork()
	if err := pipeline.Start(workCtx); err != nil {
		return err
	}

	consumer := rabbitmq.NewConsumer(client, cfg.Broker.SubTopics, pipeline.HandleMessage, log)

	svc := query.NewService(writer, query.Options{
		Timeout:         cfg.HTTP.QueryTimeout,
		Location:        cfg.Location(),
		BreakerFailures: cfg.HTTP.BreakerFailures,
		BreakerOpenFor:  cfg.HTTP.BreakerOpenFor,
		Metrics:         m,
		Logger:          log,
	})
	status := ingest.NewHealth(client, writer, 30*time.Second)

	mux := query.NewHTTPMux(svc, query.Routes{
		Subscriptions: pipeline,
		Config:        control.NewPusher(client, cfg.Broker.ControlTopic, servePerNodeControl, log),
		Live:          live.NewHandler(hub, log),
		Health:        status.HealthHandler(),
		Ready:         status.ReadyHandler(),
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:        log,
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HTTP.GRPCPort))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	consumed := make(chan struct{})
	go func() {
		consumer.ConsumeMessage(ctx)
		close(consumed)
	}()
	go status.SyncGRPC(ctx, healthSrv, 5*time.Second)
	stopRollup := func() {}
	if rollup != nil {
		stopRollup = startRollup(rollup)
	}

	errc := make(chan error, 2)
	go func() {
		log.Info("serve: http listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		log.Info("serve: grpc health listening", "addr", grpcLis.Addr().String())
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("serve: shutting down")
	case runErr = <-errc:
		log.Error("serve: server failed", "error", runErr)
	}

	shutdown(log, httpSrv, grpcSrv)
	// the last rollup window needs the broker, which the consumer closes
	// once ctx is done
	stopRollup()
	cancel()
	<-consumed
	if err := pipeline.Stop(serveShutdownWait); err != nil {
		log.Warn("serve: persistence queue not drained", "error", err)
	}
	log.Info("serve: stopped", "stats", pipeline.Stats())
	return runErr
}

// startRollup runs r on its own context. The returned stop publishes the
// last window and waits for it.
func startRollup(r *aggregator.DataAggregatorService) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func shutdown(log *slog.Logger, httpSrv *http.Server, grpcSrv *grpc.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), serveShutdownWait)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn("serve: http shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		grpcSrv.Stop()
	}
}
