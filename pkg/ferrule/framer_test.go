// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package ferrule

import (
	"bytes"
	"testing"
)

// ============================================================
// CRC Tests
// ============================================================

func TestCalculateCRC_Empty(t *testing.T) {
	crc := CalculateCRC([]byte{})
	if crc != crcInitial {
		t.Errorf("CRC of empty data should be initial value, got 0x%04X", crc)
	}
}

func TestCalculateCRC_KnownValues(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{
			name:     "ASCII '123456789'",
			data:     []byte("123456789"),
			expected: 0x29B1, // Standard CRC-16-CCITT check value
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crc := CalculateCRC(tt.data)
			if crc != tt.expected {
				t.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", tt.expected, crc)
			}
		})
	}
}

// ============================================================
// Encode Tests
// ============================================================

func TestEncodeFrame_Layout(t *testing.T) {
	frame, err := EncodeFrame(OpSetContract, []byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	if len(frame) != HeaderSize+3+ChecksumSize {
		t.Fatalf("Frame length = %d, want %d", len(frame), HeaderSize+3+ChecksumSize)
	}
	if frame[0] != 3 || frame[1] != 0 {
		t.Errorf("Length field = [%02X %02X], want [03 00]", frame[0], frame[1])
	}
	if frame[2] != OpSetContract {
		t.Errorf("Opcode = 0x%02X, want 0x%02X", frame[2], OpSetContract)
	}

	crc := CalculateCRC(frame[:len(frame)-ChecksumSize])
	got := uint16(frame[len(frame)-2])<<8 | uint16(frame[len(frame)-1])
	if got != crc {
		t.Errorf("CRC = 0x%04X, want 0x%04X", got, crc)
	}
}

func TestEncodeFrame_PayloadTooLarge(t *testing.T) {
	_, err := EncodeFrame(OpPing, make([]byte, MaxPayloadSize+1))
	if err == nil {
		t.Error("Expected error for oversized payload")
	}
}

// ============================================================
// Framer Tests
// ============================================================

func mustEncode(t *testing.T, opcode uint8, payload []byte) []byte {
	t.Helper()
	frame, err := EncodeFrame(opcode, payload)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	return frame
}

func TestFramer_RoundTrip(t *testing.T) {
	var wire bytes.Buffer
	sender := NewFramer(&wire)

	if err := sender.Send(OpGetTelemetry, []byte{0x04}); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	receiver := NewFramer(nil)
	receiver.Feed(wire.Bytes())

	frames := receiver.Poll()
	if len(frames) != 1 {
		t.Fatalf("Poll returned %d frames, want 1", len(frames))
	}
	if frames[0].Opcode != OpGetTelemetry {
		t.Errorf("Opcode = 0x%02X, want 0x%02X", frames[0].Opcode, OpGetTelemetry)
	}
	if !bytes.Equal(frames[0].Payload, []byte{0x04}) {
		t.Errorf("Payload = %v, want [04]", frames[0].Payload)
	}
	if frames[0].Timestamp.IsZero() {
		t.Error("Frame timestamp not set")
	}
}

// TestFramer_ChunkingInvariance verifies that any byte chunking of the same
// stream yields exactly the same frames in arrival order.
func TestFramer_ChunkingInvariance(t *testing.T) {
	var stream []byte
	want := [][]byte{
		{0x01},
		{0x02, 0x03, 0x04},
		{},
		{0xAA, 0xBB, 0xCC, 0xDD, 0xEE},
	}
	for i, p := range want {
		stream = append(stream, mustEncode(t, uint8(i+1), p)...)
	}

	chunkSizes := []int{1, 2, 3, 5, 7, len(stream)}
	for _, size := range chunkSizes {
		f := NewFramer(nil)
		var frames []*Frame
		for off := 0; off < len(stream); off += size {
			end := off + size
			if end > len(stream) {
				end = len(stream)
			}
			f.Feed(stream[off:end])
			frames = append(frames, f.Poll()...)
		}

		if len(frames) != len(want) {
			t.Fatalf("chunk=%d: got %d frames, want %d", size, len(frames), len(want))
		}
		for i, frame := range frames {
			if frame.Opcode != uint8(i+1) {
				t.Errorf("chunk=%d: frame %d opcode = 0x%02X, want 0x%02X", size, i, frame.Opcode, i+1)
			}
			if !bytes.Equal(frame.Payload, want[i]) {
				t.Errorf("chunk=%d: frame %d payload = %v, want %v", size, i, frame.Payload, want[i])
			}
		}
	}
}

// TestFramer_ResyncAfterCorruption verifies that a single corrupted byte in a
// valid frame does not prevent parsing of the next valid frame.
func TestFramer_ResyncAfterCorruption(t *testing.T) {
	corrupted := mustEncode(t, OpPing, []byte{0x11, 0x22, 0x33})
	next := mustEncode(t, OpGetVersion, []byte{0x09})

	// Corrupt every possible byte position in turn.
	for pos := range corrupted {
		bad := append([]byte(nil), corrupted...)
		bad[pos] ^= 0xFF

		f := NewFramer(nil)
		f.Feed(bad)
		f.Feed(next)

		frames := f.Poll()
		found := false
		for _, frame := range frames {
			if frame.Opcode == OpGetVersion && bytes.Equal(frame.Payload, []byte{0x09}) {
				found = true
			}
		}
		if !found {
			t.Errorf("corrupt byte %d: next valid frame not recovered (got %d frames)", pos, len(frames))
		}
	}
}

func TestFramer_ResyncFromGarbagePrefix(t *testing.T) {
	f := NewFramer(nil)
	f.Feed([]byte{0xFF, 0xFF, 0xDE, 0xAD, 0xBE, 0xEF})
	f.Feed(mustEncode(t, OpDisable, []byte{0x02}))

	frames := f.Poll()
	if len(frames) != 1 {
		t.Fatalf("Poll returned %d frames, want 1", len(frames))
	}
	if frames[0].Opcode != OpDisable {
		t.Errorf("Opcode = 0x%02X, want 0x%02X", frames[0].Opcode, OpDisable)
	}

	snap := f.Stats().Snapshot()
	if snap.ResyncBytes == 0 {
		t.Error("Expected resync bytes to be counted")
	}
}

func TestFramer_PartialFrameRetained(t *testing.T) {
	frame := mustEncode(t, OpSetContract, []byte{0x01, 0x02, 0x03, 0x04})

	f := NewFramer(nil)
	f.Feed(frame[:4])
	if got := f.Poll(); len(got) != 0 {
		t.Fatalf("Poll on partial frame returned %d frames, want 0", len(got))
	}

	f.Feed(frame[4:])
	if got := f.Poll(); len(got) != 1 {
		t.Fatalf("Poll after completion returned %d frames, want 1", len(got))
	}
}

func TestFramer_CRCErrorCounted(t *testing.T) {
	frame := mustEncode(t, OpPing, []byte{0x01})
	frame[len(frame)-1] ^= 0xFF

	f := NewFramer(nil)
	f.Feed(frame)
	if got := f.Poll(); len(got) != 0 {
		t.Fatalf("Poll on corrupt frame returned %d frames, want 0", len(got))
	}
	if snap := f.Stats().Snapshot(); snap.CRCErrors == 0 {
		t.Error("Expected CRC error to be counted")
	}
}

// ============================================================
// Command Body Tests
// ============================================================

func TestOpcodeName(t *testing.T) {
	tests := []struct {
		op   uint8
		want string
	}{
		{OpSetContract, "SET_CONTRACT"},
		{OpSetContract | ResponseFlag, "SET_CONTRACT_RESP"},
		{OpGetTelemetry, "GET_TELEMETRY"},
		{0x7F, "UNKNOWN(0x7F)"},
	}
	for _, tt := range tests {
		if got := OpcodeName(tt.op); got != tt.want {
			t.Errorf("OpcodeName(0x%02X) = %q, want %q", tt.op, got, tt.want)
		}
	}
}
