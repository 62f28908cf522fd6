package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/monitor/internal/reporter"
	"github.com/spf13/cobra"
)

var manualStatus string

// reportCmd runs the device-side agent instead of the server.
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Run the device-side status reporter agent",
	Long:  `Runs next to the inspection instrument, reading its progress file and pushing status reports to the monitor server on a fixed interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReporter()
	},
}

func init() {
	reportCmd.Flags().StringVar(&manualStatus, "status", "", "manual status override (maintenance or error)")
	rootCmd.AddCommand(reportCmd)
}

func runReporter() error {
	if cfg.Reporter.DeviceCode == "" {
		return fmt.Errorf("reporter.device_code is required")
	}

	agent := reporter.New(cfg.Reporter, logger)
	if manualStatus != "" {
		agent.SetManualStatus(manualStatus)
	}
	if cfg.MQTT != nil && cfg.MQTT.BrokerURL != "" {
		if err := agent.EnableMQTT(*cfg.MQTT); err != nil {
			logger.WithError(err).Warn("MQTT mirroring unavailable, continuing with HTTP only")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return agent.Run(ctx)
}
