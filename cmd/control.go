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

var (
	setPortID  uint8
	setVoltage uint16
	setCurrent uint16
	setRev     string
	setPPS     bool

	offPortID uint8
)

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Command a contract on one port",
	Long: `Send a SET_CONTRACT command directly to the power stage.

This bypasses the supervisor's budget admission and state machines; use it
only on a bench. The power stage still applies its own hardware limits and
may refuse the contract.`,
	RunE: runSet,
}

var offCmd = &cobra.Command{
	Use:   "off",
	Short: "Cut power on one port",
	RunE:  runOff,
}

func init() {
	rootCmd.AddCommand(setCmd)
	setCmd.Flags().Uint8Var(&setPortID, "port-id", 0, "Port to command")
	setCmd.Flags().Uint16Var(&setVoltage, "voltage", 5000, "Contract voltage (mV)")
	setCmd.Flags().Uint16Var(&setCurrent, "current", 3000, "Contract current (mA)")
	setCmd.Flags().StringVar(&setRev, "rev", "3.0", "PD revision (2.0, 3.0, 3.1)")
	setCmd.Flags().BoolVar(&setPPS, "pps", false, "Request a PPS contract")

	rootCmd.AddCommand(offCmd)
	offCmd.Flags().Uint8Var(&offPortID, "port-id", 0, "Port to disable")
}

func parseRevision(s string) (pd.Revision, error) {
	switch s {
	case "2.0":
		return pd.Revision20, nil
	case "3.0":
		return pd.Revision30, nil
	case "3.1":
		return pd.Revision31, nil
	default:
		return 0, fmt.Errorf("unknown PD revision %q (use 2.0, 3.0, or 3.1)", s)
	}
}

func runSet(cmd *cobra.Command, args []string) error {
	rev, err := parseRevision(setRev)
	if err != nil {
		return err
	}
	contract := pd.Contract{
		VoltageMV: setVoltage,
		CurrentMA: setCurrent,
		Revision:  rev,
		PPS:       setPPS,
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	client := rpc.NewClient(conn, log.NewConsole(verbose), rpc.Options{})
	defer client.Close()

	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Requesting %s on port %d...\n", contract, setPortID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.Call(ctx, ferrule.OpSetContract, ferrule.SetContractBody(pd.PortID(setPortID), contract), 0)
	if err != nil {
		return fmt.Errorf("set contract: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("power stage refused: %s", resp.Status)
	}
	fmt.Println("Contract acknowledged")
	return nil
}

func runOff(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	client := rpc.NewClient(conn, log.NewConsole(verbose), rpc.Options{})
	defer client.Close()

	fmt.Printf("Connection: %s\n", connInfo)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.Call(ctx, ferrule.OpDisable, ferrule.DisableBody(pd.PortID(offPortID)), 0)
	if err != nil {
		return fmt.Errorf("disable: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("power stage refused: %s", resp.Status)
	}
	fmt.Printf("Port %d disabled\n", offPortID)
	return nil
}
