package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/logging"
	simulator "github.com/LeonardoBeccarini/brisa_telemetry/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/brisa_telemetry/pkg/rabbitmq"
)

var (
	simNodeID   string
	simInterval time.Duration
	simLat      float64
	simLon      float64
	simSeed     int64
	simControl  bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated sensor node",
	Long:  "simulate publishes generated readings on the sensors topic and follows interval changes sent on the control topic.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logging.New(cfg.Log.Format, cfg.Log.Level).With("node_id", simNodeID)

		seed := simSeed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}

		client := rabbitmq.NewClient(brokerConfig(cfg.Broker, cfg.Broker.ClientID+"-sim-"+simNodeID), rabbitmq.WithLogger(log))
		publisher := rabbitmq.NewPublisher(client, cfg.Broker.SensorsTopic)
		defer publisher.Close()

		var consumer *rabbitmq.Consumer
		if simControl {
			control := strings.TrimRight(cfg.Broker.ControlTopic, "/")
			consumer = rabbitmq.NewConsumer(client, []string{control, control + "/" + simNodeID}, nil, log)
		} else {
			client.Connect()
		}

		gen := simulator.NewDataGenerator(simNodeID, simulator.GPS{Lat: simLat, Lon: simLon}, seed)
		sim := simulator.NewSensorSimulator(consumer, publisher, gen, simNodeID, log)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("simulate: started", "topic", publisher.Topic(), "interval", simInterval)
		sim.Start(ctx, simInterval)
		log.Info("simulate: stopped")
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simNodeID, "node-id", "node-1", "Node id stamped on every reading")
	simulateCmd.Flags().DurationVar(&simInterval, "interval", 5*time.Second, "Publish interval")
	simulateCmd.Flags().Float64Var(&simLat, "lat", -33.4489, "Home latitude")
	simulateCmd.Flags().Float64Var(&simLon, "lon", -70.6693, "Home longitude")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 0, "Random seed; 0 picks one from the clock")
	simulateCmd.Flags().BoolVar(&simControl, "follow-control", true, "Apply interval changes from the control topic")
}
