// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

// Package pd defines the power-delivery domain types shared across the hub:
// negotiated contracts, per-port hardware capabilities, and telemetry samples
// reported by the analog power stage.
package pd

import "fmt"

// PortID identifies a physical charging port. Port cardinality is fixed by the
// hardware configuration and known at boot.
type PortID uint8

// Revision represents the power delivery protocol revision of a contract.
type Revision uint8

// Power delivery protocol revisions.
const (
	Revision20 Revision = iota + 1
	Revision30
	Revision31
)

func (r Revision) String() string {
	switch r {
	case Revision20:
		return "PD2.0"
	case Revision30:
		return "PD3.0"
	case Revision31:
		return "PD3.1"
	default:
		return fmt.Sprintf("PD?(%d)", uint8(r))
	}
}

// Contract is a negotiated voltage/current/revision agreement between the hub
// and a connected device.
type Contract struct {
	VoltageMV uint16   `json:"voltage_mv" yaml:"voltage_mv"`
	CurrentMA uint16   `json:"current_ma" yaml:"current_ma"`
	Revision  Revision `json:"revision" yaml:"revision"`

	// PPS marks a programmable power supply contract, where VoltageMV is the
	// requested output voltage within the advertised range.
	PPS bool `json:"pps,omitempty" yaml:"pps,omitempty"`
}

// PowerMW returns the contract's committed power draw in milliwatts.
func (c Contract) PowerMW() int64 {
	return int64(c.VoltageMV) * int64(c.CurrentMA) / 1000
}

// IsZero reports whether the contract is unset.
func (c Contract) IsZero() bool {
	return c.VoltageMV == 0 && c.CurrentMA == 0
}

func (c Contract) String() string {
	s := fmt.Sprintf("%.2fV/%.2fA %s", float64(c.VoltageMV)/1000, float64(c.CurrentMA)/1000, c.Revision)
	if c.PPS {
		s += " PPS"
	}
	return s
}

// Capability describes what a port's connector hardware revision can deliver.
// Ports carry a capability tag rather than a hardware subtype; callers
// dispatch on the capability fields.
type Capability struct {
	MaxVoltageMV uint16 `json:"max_voltage_mv" yaml:"max_voltage_mv"`
	MaxCurrentMA uint16 `json:"max_current_ma" yaml:"max_current_ma"`
	PPS          bool   `json:"pps" yaml:"pps"`
	EPR          bool   `json:"epr" yaml:"epr"`
}

// Supports reports whether the capability can honor the given contract.
func (cap Capability) Supports(c Contract) error {
	if c.VoltageMV > cap.MaxVoltageMV {
		return fmt.Errorf("voltage %dmV exceeds port maximum %dmV", c.VoltageMV, cap.MaxVoltageMV)
	}
	if c.CurrentMA > cap.MaxCurrentMA {
		return fmt.Errorf("current %dmA exceeds port maximum %dmA", c.CurrentMA, cap.MaxCurrentMA)
	}
	if c.PPS && !cap.PPS {
		return fmt.Errorf("port does not support PPS contracts")
	}
	// Standard power range tops out at 20V; anything above requires EPR.
	if c.VoltageMV > 20000 && !cap.EPR {
		return fmt.Errorf("voltage %dmV requires EPR support", c.VoltageMV)
	}
	return nil
}
