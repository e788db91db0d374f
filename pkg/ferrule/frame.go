// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package ferrule

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Frame is one decoded link frame.
type Frame struct {
	Opcode    uint8
	Payload   []byte
	Timestamp time.Time
}

// IsResponse reports whether the frame carries the response flag.
func (f *Frame) IsResponse() bool {
	return f.Opcode&ResponseFlag != 0
}

// EncodeFrame builds the wire representation of a frame: length, opcode and
// payload followed by the CRC over all three.
func EncodeFrame(opcode uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", len(payload), MaxPayloadSize)
	}

	buf := make([]byte, HeaderSize+len(payload)+ChecksumSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(payload)))
	buf[2] = opcode
	copy(buf[HeaderSize:], payload)

	crc := CalculateCRC(buf[:HeaderSize+len(payload)])
	binary.BigEndian.PutUint16(buf[HeaderSize+len(payload):], crc)

	return buf, nil
}
