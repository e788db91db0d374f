// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package pd

import "time"

// Telemetry flag bits reported by the power stage.
const (
	FlagAttached    = 1 << 0 // a sink is physically connected and drawing load
	FlagOverVolt    = 1 << 1
	FlagUnderVolt   = 1 << 2
	FlagOverCurrent = 1 << 3
	FlagOverTemp    = 1 << 4
)

// Sample is one telemetry reading for a port. Samples are immutable once
// captured; each new reading supersedes the previous one.
type Sample struct {
	Time         time.Time `json:"time"`
	VoltageMV    uint16    `json:"voltage_mv"`
	CurrentMA    uint16    `json:"current_ma"`
	TemperatureC int8      `json:"temperature_c"`
	Flags        uint8     `json:"flags"`
}

// Attached reports whether a sink is connected and drawing load.
func (s Sample) Attached() bool {
	return s.Flags&FlagAttached != 0
}

// Faulted reports whether any hardware fault flag is raised.
func (s Sample) Faulted() bool {
	return s.Flags&(FlagOverVolt|FlagUnderVolt|FlagOverCurrent|FlagOverTemp) != 0
}

// Tolerance bounds how far telemetry may drift from the negotiated contract
// before a sample counts toward the fault debounce.
type Tolerance struct {
	VoltageMV uint16 `yaml:"voltage_mv"`
	CurrentMA uint16 `yaml:"current_ma"`
}

// Within reports whether the sample is inside tolerance of the contract.
// Current is bounded only from above: a device is free to draw less than it
// negotiated.
func (s Sample) Within(c Contract, tol Tolerance) bool {
	if diff(s.VoltageMV, c.VoltageMV) > tol.VoltageMV {
		return false
	}
	if s.CurrentMA > c.CurrentMA+tol.CurrentMA {
		return false
	}
	return true
}

func diff(a, b uint16) uint16 {
	if a > b {
		return a - b
	}
	return b - a
}
