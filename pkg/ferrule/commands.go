// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package ferrule

import (
	"encoding/binary"
	"fmt"

	"github.com/voltaics/busbar/pkg/pd"
)

// Command body builders and parsers. These produce and consume the opcode
// payloads exchanged with the power stage; the RPC layer prepends its
// correlation envelope before framing.

// Contract flag bits in SET_CONTRACT bodies.
const contractFlagPPS = 1 << 0

// SetContractBody builds a SET_CONTRACT body:
// [port u8][voltage_mv u16 LE][current_ma u16 LE][revision u8][flags u8]
func SetContractBody(port pd.PortID, c pd.Contract) []byte {
	body := make([]byte, 7)
	body[0] = uint8(port)
	binary.LittleEndian.PutUint16(body[1:3], c.VoltageMV)
	binary.LittleEndian.PutUint16(body[3:5], c.CurrentMA)
	body[5] = uint8(c.Revision)
	if c.PPS {
		body[6] |= contractFlagPPS
	}
	return body
}

// DisableBody builds a DISABLE body: [port u8]
func DisableBody(port pd.PortID) []byte {
	return []byte{uint8(port)}
}

// TelemetryRequestBody builds a GET_TELEMETRY body: [port u8]
func TelemetryRequestBody(port pd.PortID) []byte {
	return []byte{uint8(port)}
}

// telemetryBodySize is the wire size of a GET_TELEMETRY response body:
// [port u8][voltage_mv u16 LE][current_ma u16 LE][temperature i8][flags u8]
const telemetryBodySize = 7

// ParseTelemetryBody parses a GET_TELEMETRY response body. The sample
// timestamp is left zero; the caller stamps it on receipt.
func ParseTelemetryBody(body []byte) (pd.PortID, pd.Sample, error) {
	if len(body) < telemetryBodySize {
		return 0, pd.Sample{}, fmt.Errorf("telemetry body too short: %d bytes (want %d)", len(body), telemetryBodySize)
	}
	sample := pd.Sample{
		VoltageMV:    binary.LittleEndian.Uint16(body[1:3]),
		CurrentMA:    binary.LittleEndian.Uint16(body[3:5]),
		TemperatureC: int8(body[5]),
		Flags:        body[6],
	}
	return pd.PortID(body[0]), sample, nil
}

// ParseVersionBody parses a GET_VERSION response body: [major u8][minor u8][patch u8]
func ParseVersionBody(body []byte) (string, error) {
	if len(body) < 3 {
		return "", fmt.Errorf("version body too short: %d bytes (want 3)", len(body))
	}
	return fmt.Sprintf("%d.%d.%d", body[0], body[1], body[2]), nil
}

// ParseUptimeBody parses a PING response body: [uptime_ms u32 LE]
func ParseUptimeBody(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("uptime body too short: %d bytes (want 4)", len(body))
	}
	return binary.LittleEndian.Uint32(body[0:4]), nil
}

// TelemetryBody builds a GET_TELEMETRY response body. Used by the loopback
// power-stage simulator and by tests.
func TelemetryBody(port pd.PortID, s pd.Sample) []byte {
	body := make([]byte, telemetryBodySize)
	body[0] = uint8(port)
	binary.LittleEndian.PutUint16(body[1:3], s.VoltageMV)
	binary.LittleEndian.PutUint16(body[3:5], s.CurrentMA)
	body[5] = uint8(s.TemperatureC)
	body[6] = s.Flags
	return body
}
