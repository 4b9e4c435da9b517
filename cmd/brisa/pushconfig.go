package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/logging"
	"github.com/LeonardoBeccarini/brisa_telemetry/internal/services/control"
	"github.com/LeonardoBeccarini/brisa_telemetry/pkg/rabbitmq"
)

var (
	pushFile    string
	pushPerNode bool
	pushTimeout time.Duration
)

var pushConfigCmd = &cobra.Command{
	Use:   "push-config",
	Short: "Publish a node configuration document",
	Long:  "push-config validates a JSON configuration file and publishes it on the control topic.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logging.New(cfg.Log.Format, cfg.Log.Level)

		payload, err := os.ReadFile(pushFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", pushFile, err)
		}
		if _, err := control.Validate(payload); err != nil {
			return err
		}

		client := rabbitmq.NewClient(brokerConfig(cfg.Broker, cfg.Broker.ClientID+"-push"), rabbitmq.WithLogger(log))
		defer client.Close()
		client.Connect()

		ctx, cancel := context.WithTimeout(cmd.Context(), pushTimeout)
		defer cancel()
		if err := waitConnected(ctx, client); err != nil {
			return err
		}

		node, err := control.NewPusher(client, cfg.Broker.ControlTopic, pushPerNode, log).Push(ctx, payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration sent to %s\n", node)
		return nil
	},
}

func init() {
	pushConfigCmd.Flags().StringVarP(&pushFile, "file", "f", "", "JSON configuration file")
	pushConfigCmd.Flags().BoolVar(&pushPerNode, "per-node", false, "Publish on <control_topic>/<node_id>")
	pushConfigCmd.Flags().DurationVar(&pushTimeout, "timeout", 15*time.Second, "How long to wait for the broker")
	_ = pushConfigCmd.MarkFlagRequired("file")
}

func waitConnected(ctx context.Context, t rabbitmq.Transport) error {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for t.State() != rabbitmq.Connected {
		select {
		case <-ctx.Done():
			return fmt.Errorf("broker %s: %w", t.State(), ctx.Err())
		case <-tick.C:
		}
	}
	return nil
}
