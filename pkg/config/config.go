// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

// Package config handles YAML config file loading for the supervisor.
package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/voltaics/busbar/pkg/pd"
	"github.com/voltaics/busbar/pkg/port"
)

// Config represents a busbar.yaml configuration file. Values left unset fall
// back to the defaults applied in Normalize; CLI flags override config values.
type Config struct {
	Link      LinkConfig           `yaml:"link"`
	Budget    BudgetConfig         `yaml:"budget"`
	Ports     map[uint8]PortConfig `yaml:"ports"`
	Telemetry TelemetryConfig      `yaml:"telemetry"`
	MQTT      MQTTConfig           `yaml:"mqtt"`
	Status    StatusConfig         `yaml:"status"`
}

// LinkConfig holds the power-stage transport settings.
type LinkConfig struct {
	// Port is a serial device path; URL is a websocket bridge endpoint.
	// Exactly one should be set.
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
	URL  string `yaml:"url"`

	Timeout     Duration `yaml:"timeout"`
	MaxAttempts int      `yaml:"max_attempts"`
	Backoff     Duration `yaml:"backoff"`
}

// BudgetConfig holds the shared power pool settings.
type BudgetConfig struct {
	MaxMW int64 `yaml:"max_mw"`

	// Policy selects the admission policy: "max-budget" (default) or
	// "priority".
	Policy      string `yaml:"policy"`
	MinPriority uint8  `yaml:"min_priority"`
	HeadroomMW  int64  `yaml:"headroom_mw"`
}

// PortConfig describes one physical port.
type PortConfig struct {
	MaxVoltageMV uint16 `yaml:"max_voltage_mv"`
	MaxCurrentMA uint16 `yaml:"max_current_ma"`
	PPS          bool   `yaml:"pps"`
	EPR          bool   `yaml:"epr"`
	Priority     uint8  `yaml:"priority"`

	// Default, when set, is the contract negotiated automatically when a
	// sink attaches.
	Default *ContractConfig `yaml:"default,omitempty"`
}

// ContractConfig is a contract literal in the config file.
type ContractConfig struct {
	VoltageMV uint16 `yaml:"voltage_mv"`
	CurrentMA uint16 `yaml:"current_ma"`
	Revision  uint8  `yaml:"revision"`
	PPS       bool   `yaml:"pps"`
}

// TelemetryConfig holds poll cadence and fault detection settings.
type TelemetryConfig struct {
	PollInterval   Duration `yaml:"poll_interval"`
	ExportInterval Duration `yaml:"export_interval"`
	HistoryDepth   int      `yaml:"history_depth"`

	ToleranceMV   uint16 `yaml:"tolerance_mv"`
	ToleranceMA   uint16 `yaml:"tolerance_ma"`
	FaultDebounce int    `yaml:"fault_debounce"`
}

// MQTTConfig holds the optional MQTT export/command channel settings.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	QoS         byte   `yaml:"qos"`
}

// StatusConfig holds the optional websocket status server settings.
type StatusConfig struct {
	Listen string `yaml:"listen"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "250ms", "5s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "250ms" or "1m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Normalize fills defaults and validates the configuration.
func (c *Config) Normalize() error {
	if c.Budget.MaxMW <= 0 {
		c.Budget.MaxMW = 100_000
	}
	switch c.Budget.Policy {
	case "", "max-budget", "priority":
	default:
		return fmt.Errorf("unknown budget policy %q", c.Budget.Policy)
	}
	if len(c.Ports) == 0 {
		return fmt.Errorf("no ports configured")
	}
	for id, p := range c.Ports {
		if p.MaxVoltageMV == 0 || p.MaxCurrentMA == 0 {
			return fmt.Errorf("port %d: max_voltage_mv and max_current_ma are required", id)
		}
		if p.Default != nil && p.Default.VoltageMV == 0 {
			return fmt.Errorf("port %d: default contract needs voltage_mv", id)
		}
	}
	if c.Telemetry.PollInterval.Duration <= 0 {
		c.Telemetry.PollInterval.Duration = 250 * time.Millisecond
	}
	if c.Telemetry.ExportInterval.Duration <= 0 {
		c.Telemetry.ExportInterval.Duration = time.Second
	}
	if c.Telemetry.HistoryDepth <= 0 {
		c.Telemetry.HistoryDepth = 64
	}
	if c.Telemetry.ToleranceMV == 0 {
		c.Telemetry.ToleranceMV = 500
	}
	if c.Telemetry.ToleranceMA == 0 {
		c.Telemetry.ToleranceMA = 250
	}
	if c.Telemetry.FaultDebounce <= 0 {
		c.Telemetry.FaultDebounce = 3
	}
	if c.Link.Baud == 0 {
		c.Link.Baud = 115200
	}
	return nil
}

// PortIDs returns the configured port ids in ascending order.
func (c *Config) PortIDs() []pd.PortID {
	ids := make([]pd.PortID, 0, len(c.Ports))
	for id := range c.Ports {
		ids = append(ids, pd.PortID(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PortMachineConfig converts a port entry into a state machine config.
func (c *Config) PortMachineConfig(id pd.PortID) port.Config {
	p := c.Ports[uint8(id)]
	return port.Config{
		ID: id,
		Capability: pd.Capability{
			MaxVoltageMV: p.MaxVoltageMV,
			MaxCurrentMA: p.MaxCurrentMA,
			PPS:          p.PPS,
			EPR:          p.EPR,
		},
		Priority: p.Priority,
		Tolerance: pd.Tolerance{
			VoltageMV: c.Telemetry.ToleranceMV,
			CurrentMA: c.Telemetry.ToleranceMA,
		},
		FaultDebounce: c.Telemetry.FaultDebounce,
		CallTimeout:   c.Link.Timeout.Duration,
	}
}

// DefaultContracts returns the per-port contracts negotiated on attach.
func (c *Config) DefaultContracts() map[pd.PortID]pd.Contract {
	out := make(map[pd.PortID]pd.Contract)
	for id, p := range c.Ports {
		if p.Default == nil {
			continue
		}
		out[pd.PortID(id)] = pd.Contract{
			VoltageMV: p.Default.VoltageMV,
			CurrentMA: p.Default.CurrentMA,
			Revision:  pd.Revision(p.Default.Revision),
			PPS:       p.Default.PPS,
		}
	}
	return out
}
