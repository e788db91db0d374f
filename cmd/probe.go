// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package cmd

import (
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/voltaics/busbar/pkg/ferrule"
)

var probeHex bool

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Log raw link frames in human-readable format",
	Long: `Continuously decode and display link frames as they arrive.

Each frame is shown with timestamp, opcode, and payload length. Corrupted
input is counted and resynchronized past; link statistics are printed on exit.

Supports both serial and WebSocket connections.`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().BoolVar(&probeHex, "hex", false, "Dump frame payloads as hex")
}

func runProbe(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Busbar - Link Probe\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	framer := ferrule.NewFramer(nil)

	// Print statistics on interrupt, then exit.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		fmt.Printf("\n%s", framer.Stats().Snapshot())
		conn.Close()
		os.Exit(0)
	}()

	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			// For WebSocket connections, a read error usually means
			// the connection is permanently closed - exit gracefully
			if err == ErrConnectionClosed {
				log.Printf("Connection closed")
				fmt.Printf("\n%s", framer.Stats().Snapshot())
				return nil
			}
			log.Printf("Read error: %v", err)
			continue
		}

		framer.Feed(buf[:n])
		for _, frame := range framer.Poll() {
			printFrame(frame)
		}
	}
}

func printFrame(f *ferrule.Frame) {
	ts := f.Timestamp.Format("15:04:05.000")
	dir := "cmd "
	if f.IsResponse() {
		dir = "resp"
	}
	fmt.Printf("[%s] %s %-14s len=%d\n", ts, dir, ferrule.OpcodeName(f.Opcode), len(f.Payload))
	if probeHex && len(f.Payload) > 0 {
		fmt.Printf("  % X\n", f.Payload)
	}
}
