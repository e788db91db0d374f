// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/voltaics/busbar/pkg/ferrule"
)

var linkTestTimeout int

var linkTestCmd = &cobra.Command{
	Use:   "linktest",
	Short: "Test connection by sending a ping and waiting for a valid frame",
	Long: `Send a PING and wait for any valid link frame until timeout.

This command connects to a serial port or WebSocket, transmits a PING, and
waits for a complete frame passing CRC validation. Corrupted input is ignored.

Exit codes:
  0 - Valid frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error

Useful for verifying cabling to the power stage or a WebSocket bridge.`,
	RunE: runLinkTest,
}

func init() {
	rootCmd.AddCommand(linkTestCmd)
	linkTestCmd.Flags().IntVar(&linkTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
}

func runLinkTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Busbar - Link Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", linkTestTimeout)
	fmt.Printf("Waiting for valid frame...\n\n")

	framer := ferrule.NewFramer(conn)
	if err := framer.Send(ferrule.OpPing, []byte{0x00}); err != nil {
		fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
		os.Exit(2)
	}

	frameChan := make(chan *ferrule.Frame, 1)
	errChan := make(chan error, 1)

	// Reader goroutine
	go func() {
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}

			framer.Feed(buf[:n])
			if frames := framer.Poll(); len(frames) > 0 {
				snap := framer.Stats().Snapshot()
				if skipped := snap.ResyncBytes; skipped > 0 {
					fmt.Printf("(skipped %d invalid bytes before sync)\n", skipped)
				}
				frameChan <- frames[0]
				return
			}
		}
	}()

	select {
	case frame := <-frameChan:
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Opcode: %s (0x%02X)\n", ferrule.OpcodeName(frame.Opcode), frame.Opcode)
		fmt.Printf("  Length: %d bytes\n", len(frame.Payload))
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(linkTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", linkTestTimeout)
		os.Exit(1)
	}

	return nil
}
