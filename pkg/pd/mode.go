// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package pd

// Mode is the operational mode of a port.
type Mode uint8

// Port operational modes.
const (
	ModeIdle Mode = iota
	ModeNegotiating
	ModeActive
	ModeFault
	ModeDisabled
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeNegotiating:
		return "negotiating"
	case ModeActive:
		return "active"
	case ModeFault:
		return "fault"
	case ModeDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// FaultCause records why a port entered ModeFault.
type FaultCause uint8

// Fault causes.
const (
	FaultNone FaultCause = iota

	// FaultUnresponsive means the power stage stopped answering RPC requests
	// for this port after retries were exhausted.
	FaultUnresponsive

	// FaultRejected means the power stage refused to apply the contract.
	FaultRejected

	// FaultAnomaly means telemetry stayed outside contract tolerance for the
	// configured number of consecutive samples.
	FaultAnomaly

	// FaultHardware means the power stage raised a fault flag in telemetry
	// (over-voltage, over-current or over-temperature).
	FaultHardware
)

func (c FaultCause) String() string {
	switch c {
	case FaultNone:
		return "none"
	case FaultUnresponsive:
		return "unresponsive"
	case FaultRejected:
		return "rejected"
	case FaultAnomaly:
		return "telemetry-anomaly"
	case FaultHardware:
		return "hardware-fault"
	default:
		return "unknown"
	}
}
