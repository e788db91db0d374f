// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

// Package ferrule implements the Ferrule link protocol spoken between the hub
// supervisor and the FPGA-controlled analog power stage over UART.
//
// Wire format of a frame:
//
//	u16 length (little-endian)  - payload byte count
//	u8  opcode
//	payload[length]
//	u16 CRC-16-CCITT (big-endian) over {length, opcode, payload}
//
// There is no start delimiter; receivers resynchronize after corruption by
// scanning forward for the next offset that parses as a valid frame.
package ferrule

import "fmt"

// Frame layout sizes.
const (
	HeaderSize     = 3 // u16 length + u8 opcode
	ChecksumSize   = 2
	MaxPayloadSize = 250
	MaxFrameSize   = HeaderSize + MaxPayloadSize + ChecksumSize
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Request opcodes (supervisor → power stage).
const (
	OpSetContract  = 0x01
	OpDisable      = 0x02
	OpGetTelemetry = 0x03
	OpPing         = 0x04
	OpGetVersion   = 0x05
)

// ResponseFlag is set on the opcode of every response frame. The power stage
// answers OpSetContract with OpSetContract|ResponseFlag, and so on.
const ResponseFlag = 0x80

// OpcodeName returns a human-readable name for an opcode.
func OpcodeName(op uint8) string {
	base := op &^ uint8(ResponseFlag)
	var name string
	switch base {
	case OpSetContract:
		name = "SET_CONTRACT"
	case OpDisable:
		name = "DISABLE"
	case OpGetTelemetry:
		name = "GET_TELEMETRY"
	case OpPing:
		name = "PING"
	case OpGetVersion:
		name = "GET_VERSION"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", op)
	}
	if op&ResponseFlag != 0 {
		return name + "_RESP"
	}
	return name
}

// Status is the result code carried in every response payload.
type Status uint8

// Response status codes.
const (
	StatusOK          Status = 0x00
	StatusRejected    Status = 0x01 // command refused by the power stage
	StatusBusy        Status = 0x02 // port is mid-transition on the analog side
	StatusFault       Status = 0x03 // port latched a hardware fault
	StatusUnsupported Status = 0x04 // opcode or parameter not understood
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusRejected:
		return "REJECTED"
	case StatusBusy:
		return "BUSY"
	case StatusFault:
		return "FAULT"
	case StatusUnsupported:
		return "UNSUPPORTED"
	default:
		return fmt.Sprintf("STATUS(0x%02X)", uint8(s))
	}
}
