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
	"github.com/voltaics/busbar/pkg/rpc"
)

var (
	pingCount    int
	pingInterval time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure round-trip time to the power stage",
	RunE:  runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVarP(&pingCount, "count", "n", 4, "Number of pings to send (0 = forever)")
	pingCmd.Flags().DurationVarP(&pingInterval, "interval", "i", time.Second, "Delay between pings")
}

func runPing(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}

	client := rpc.NewClient(conn, log.NewConsole(verbose), rpc.Options{})
	defer client.Close()

	fmt.Printf("Pinging power stage via %s\n\n", connInfo)

	sent, received := 0, 0
	var totalRTT time.Duration
	for i := 0; pingCount == 0 || i < pingCount; i++ {
		if i > 0 {
			time.Sleep(pingInterval)
		}
		sent++

		start := time.Now()
		resp, err := client.Call(context.Background(), ferrule.OpPing, nil, 0)
		rtt := time.Since(start)
		if err != nil {
			fmt.Printf("ping %d: %v\n", i+1, err)
			continue
		}
		if !resp.OK() {
			fmt.Printf("ping %d: status %s\n", i+1, resp.Status)
			continue
		}
		received++
		totalRTT += rtt

		if uptime, err := ferrule.ParseUptimeBody(resp.Body); err == nil {
			fmt.Printf("ping %d: rtt=%s uptime=%s\n", i+1, rtt.Round(time.Microsecond),
				(time.Duration(uptime) * time.Millisecond).Round(time.Second))
		} else {
			fmt.Printf("ping %d: rtt=%s\n", i+1, rtt.Round(time.Microsecond))
		}
	}

	fmt.Printf("\n%d sent, %d received, %.0f%% loss", sent, received,
		float64(sent-received)*100/float64(sent))
	if received > 0 {
		fmt.Printf(", avg rtt %s", (totalRTT / time.Duration(received)).Round(time.Microsecond))
	}
	fmt.Println()
	return nil
}
