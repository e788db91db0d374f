// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voltaics/busbar/pkg/pd"
)

const sampleYAML = `
link:
  port: /dev/ttyUSB0
  baud: 921600
  timeout: 300ms
  max_attempts: 4

budget:
  max_mw: 100000
  policy: priority
  min_priority: 5
  headroom_mw: 40000

ports:
  0:
    max_voltage_mv: 20000
    max_current_ma: 5000
    pps: true
    priority: 5
    default:
      voltage_mv: 9000
      current_ma: 3000
      revision: 2
  1:
    max_voltage_mv: 28000
    max_current_ma: 5000
    epr: true

telemetry:
  poll_interval: 100ms
  tolerance_mv: 750
  fault_debounce: 5

mqtt:
  broker: tcp://broker.local:1883
  topic_prefix: hub/bench
  password: ${BUSBAR_TEST_MQTT_PW:-fallback}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "busbar.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Link.Port != "/dev/ttyUSB0" || cfg.Link.Baud != 921600 {
		t.Errorf("link = %+v", cfg.Link)
	}
	if cfg.Link.Timeout.Duration != 300*time.Millisecond {
		t.Errorf("timeout = %v, want 300ms", cfg.Link.Timeout.Duration)
	}
	if cfg.Budget.Policy != "priority" || cfg.Budget.HeadroomMW != 40_000 {
		t.Errorf("budget = %+v", cfg.Budget)
	}

	if got := cfg.PortIDs(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("PortIDs = %v", got)
	}

	pc := cfg.PortMachineConfig(0)
	if pc.Capability.MaxVoltageMV != 20000 || !pc.Capability.PPS {
		t.Errorf("port 0 capability = %+v", pc.Capability)
	}
	if pc.Tolerance.VoltageMV != 750 || pc.FaultDebounce != 5 {
		t.Errorf("port 0 fault settings = %+v debounce %d", pc.Tolerance, pc.FaultDebounce)
	}
	if !cfg.PortMachineConfig(1).Capability.EPR {
		t.Error("port 1 EPR capability lost")
	}

	defaults := cfg.DefaultContracts()
	want := pd.Contract{VoltageMV: 9000, CurrentMA: 3000, Revision: pd.Revision30}
	if got := defaults[0]; got != want {
		t.Errorf("default contract = %+v, want %+v", got, want)
	}
	if _, ok := defaults[1]; ok {
		t.Error("port 1 has no default contract but one was returned")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "ports:\n  0:\n    max_voltage_mv: 5000\n    max_current_ma: 3000\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Budget.MaxMW != 100_000 {
		t.Errorf("default budget = %d", cfg.Budget.MaxMW)
	}
	if cfg.Telemetry.PollInterval.Duration != 250*time.Millisecond {
		t.Errorf("default poll interval = %v", cfg.Telemetry.PollInterval.Duration)
	}
	if cfg.Telemetry.FaultDebounce != 3 {
		t.Errorf("default fault debounce = %d", cfg.Telemetry.FaultDebounce)
	}
	if cfg.Link.Baud != 115200 {
		t.Errorf("default baud = %d", cfg.Link.Baud)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"no ports":       "budget:\n  max_mw: 1000\n",
		"missing limits": "ports:\n  0:\n    pps: true\n",
		"bad policy":     "budget:\n  policy: roulette\nports:\n  0:\n    max_voltage_mv: 5000\n    max_current_ma: 1000\n",
		"bad duration":   "telemetry:\n  poll_interval: soon\nports:\n  0:\n    max_voltage_mv: 5000\n    max_current_ma: 1000\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: Load accepted invalid config", name)
		}
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("BUSBAR_TEST_VALUE", "secret")

	cases := []struct{ in, want string }{
		{"${BUSBAR_TEST_VALUE}", "secret"},
		{"${BUSBAR_TEST_UNSET}", ""},
		{"${BUSBAR_TEST_UNSET:-fallback}", "fallback"},
		{"plain text", "plain text"},
	}
	for _, tc := range cases {
		if got := ExpandEnv(tc.in); got != tc.want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
