package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/LeonardoBeccarini/brisa_telemetry/internal/config"
	"github.com/LeonardoBeccarini/brisa_telemetry/pkg/rabbitmq"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "brisa",
	Short:        "BRISA telemetry hub",
	Long:         "brisa ingests sensor telemetry from an MQTT broker, stores it and serves live and historical views.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "Path to an optional YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(pushConfigCmd)
}

func loadConfig() (*config.Config, error) {
	return config.LoadFile(configPath)
}

func brokerConfig(b config.BrokerConfig, clientID string) rabbitmq.RabbitMQConfig {
	return rabbitmq.RabbitMQConfig{
		Host:       b.Host,
		Port:       b.Port,
		User:       b.User,
		Password:   b.Password,
		ClientID:   clientID,
		QoS:        byte(b.QoS),
		RetryDelay: b.RetryDelay,
	}
}
