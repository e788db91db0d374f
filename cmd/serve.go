// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voltaics/busbar/pkg/config"
	"github.com/voltaics/busbar/pkg/export"
	"github.com/voltaics/busbar/pkg/ferrule"
	"github.com/voltaics/busbar/pkg/hub"
	"github.com/voltaics/busbar/pkg/log"
	"github.com/voltaics/busbar/pkg/port"
	"github.com/voltaics/busbar/pkg/rpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub supervisor",
	Long: `Run the full supervisor loop against the power stage.

Builds one state machine per configured port, admits contract requests against
the shared power budget, polls telemetry on each port, and exports status
reports. Exporters are enabled by configuration: MQTT when mqtt.broker is set,
a websocket status server when status.listen is set; the structured log
exporter is always on.

Requires a config file (--config) describing the ports and budget.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("serve requires --config")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := log.New(level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	conn, connInfo, err := openConnectionFromConfig(cfg.Link.Port, cfg.Link.Baud, cfg.Link.URL)
	if err != nil {
		return err
	}
	logger.Info("connected to power stage", zap.String("via", connInfo))

	client := rpc.NewClient(conn, logger.Named("rpc"), rpc.Options{
		Timeout:     cfg.Link.Timeout.Duration,
		MaxAttempts: cfg.Link.MaxAttempts,
		Backoff:     cfg.Link.Backoff.Duration,
	})
	defer client.Close()

	// Startup handshake. The supervisor runs regardless; an unresponsive
	// stage surfaces through per-port faults once polling starts.
	if resp, err := client.Call(context.Background(), ferrule.OpGetVersion, nil, 0); err != nil {
		logger.Warn("power stage version query failed", zap.Error(err))
	} else if fw, verr := ferrule.ParseVersionBody(resp.Body); verr == nil {
		logger.Info("power stage firmware", zap.String("version", fw))
	}

	var policy hub.Policy
	if cfg.Budget.Policy == "priority" {
		policy = hub.PriorityPolicy{
			MinPriority: cfg.Budget.MinPriority,
			HeadroomMW:  cfg.Budget.HeadroomMW,
		}
	}
	budget := hub.NewBudget(cfg.Budget.MaxMW, policy)

	machines := make([]*port.Machine, 0, len(cfg.Ports))
	for _, id := range cfg.PortIDs() {
		machines = append(machines, port.NewMachine(cfg.PortMachineConfig(id), client, budget, logger.Named("port")))
	}

	history := hub.NewHistory(cfg.Telemetry.HistoryDepth)
	ctrl := hub.NewController(budget, history, machines, logger.Named("hub"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exporters := []hub.Exporter{export.NewLogExporter(logger.Named("status"))}

	if cfg.MQTT.Broker != "" {
		bridge, err := export.NewMQTT(export.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			QoS:         cfg.MQTT.QoS,
		}, logger.Named("mqtt"))
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer bridge.Close()
		if err := bridge.SubscribeCommands(ctx, ctrl); err != nil {
			return err
		}
		exporters = append(exporters, bridge)
	}

	if cfg.Status.Listen != "" {
		status, err := export.NewStatusServer(cfg.Status.Listen, ctrl, logger.Named("status-ws"))
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		status.Start()
		defer status.Close()
		exporters = append(exporters, status)
	}

	runtime := hub.NewRuntime(hub.RuntimeConfig{
		PollInterval:   cfg.Telemetry.PollInterval.Duration,
		ExportInterval: cfg.Telemetry.ExportInterval.Duration,
		AutoNegotiate:  true,
		Defaults:       cfg.DefaultContracts(),
	}, ctrl, client, client, history, exporters, logger.Named("runtime"))

	logger.Info("supervisor running",
		zap.Int("ports", len(machines)),
		zap.Int64("budget_mw", cfg.Budget.MaxMW))

	err = runtime.Run(ctx)
	logger.Info("supervisor stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
