// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/voltaics/busbar/pkg/ferrule"
	"github.com/voltaics/busbar/pkg/log"
	"github.com/voltaics/busbar/pkg/pd"
	"github.com/voltaics/busbar/pkg/rpc"
)

var statusPortCount int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the power stage for firmware version and port telemetry",
	Long: `Query the power stage directly and print a one-shot status report.

Reads the firmware version, uptime, and one telemetry sample per port. This
talks to the hardware without the supervisor; contract and budget state are
only available from a running serve instance.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusPortCount, "ports", 4, "Number of ports to query")
}

func runStatus(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}

	client := rpc.NewClient(conn, log.NewConsole(verbose), rpc.Options{})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fmt.Printf("Busbar - Power Stage Status\n")
	fmt.Printf("Connection: %s\n\n", connInfo)

	if resp, err := client.Call(ctx, ferrule.OpGetVersion, nil, 0); err == nil && resp.OK() {
		if version, err := ferrule.ParseVersionBody(resp.Body); err == nil {
			fmt.Printf("Firmware:  %s\n", version)
		}
	} else {
		fmt.Printf("Firmware:  (unavailable)\n")
	}

	if resp, err := client.Call(ctx, ferrule.OpPing, nil, 0); err == nil && resp.OK() {
		if uptime, err := ferrule.ParseUptimeBody(resp.Body); err == nil {
			fmt.Printf("Uptime:    %s\n", (time.Duration(uptime) * time.Millisecond).Round(time.Second))
		}
	}
	fmt.Println()

	fmt.Printf("%-6s %-10s %-10s %-8s %-10s\n", "PORT", "VOLTAGE", "CURRENT", "TEMP", "FLAGS")
	for i := 0; i < statusPortCount; i++ {
		id := pd.PortID(i)
		resp, err := client.Call(ctx, ferrule.OpGetTelemetry, ferrule.TelemetryRequestBody(id), 0)
		if err != nil {
			fmt.Printf("%-6d %s\n", i, "unresponsive")
			continue
		}
		if !resp.OK() {
			fmt.Printf("%-6d status %s\n", i, resp.Status)
			continue
		}
		_, sample, err := ferrule.ParseTelemetryBody(resp.Body)
		if err != nil {
			fmt.Printf("%-6d bad payload: %v\n", i, err)
			continue
		}
		fmt.Printf("%-6d %-10s %-10s %-8s %-10s\n", i,
			fmt.Sprintf("%.2fV", float64(sample.VoltageMV)/1000),
			fmt.Sprintf("%.2fA", float64(sample.CurrentMA)/1000),
			fmt.Sprintf("%d°C", sample.TemperatureC),
			flagString(sample))
	}
	return nil
}

func flagString(s pd.Sample) string {
	if s.Flags == 0 {
		return "-"
	}
	out := ""
	add := func(set bool, tag string) {
		if !set {
			return
		}
		if out != "" {
			out += ","
		}
		out += tag
	}
	add(s.Flags&pd.FlagAttached != 0, "attached")
	add(s.Flags&pd.FlagOverVolt != 0, "over-volt")
	add(s.Flags&pd.FlagUnderVolt != 0, "under-volt")
	add(s.Flags&pd.FlagOverCurrent != 0, "over-current")
	add(s.Flags&pd.FlagOverTemp != 0, "over-temp")
	return out
}
