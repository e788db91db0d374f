// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics
//
// Busbar - USB-C power delivery hub supervisor
//
// Supervises a multi-port USB-C PD hub: per-port negotiation state machines,
// shared power budget admission, telemetry polling, and status export, plus
// bench diagnostics for the link to the analog power stage.

package main

import (
	"os"

	"github.com/voltaics/busbar/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
