// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package ferrule

import (
	"fmt"
	"sync"
	"time"
)

// Statistics tracks link health counters and error rates. Safe for concurrent
// use: the read loop and senders update it from different goroutines.
type Statistics struct {
	mu        sync.Mutex
	startTime time.Time

	bytesIn       uint64
	framesDecoded uint64
	framesSent    uint64
	crcErrors     uint64
	resyncBytes   uint64
	writeErrors   uint64
}

// StatsSnapshot is an immutable point-in-time view of link statistics.
type StatsSnapshot struct {
	BytesIn       uint64  `json:"bytes_in"`
	FramesDecoded uint64  `json:"frames_decoded"`
	FramesSent    uint64  `json:"frames_sent"`
	CRCErrors     uint64  `json:"crc_errors"`
	ResyncBytes   uint64  `json:"resync_bytes"`
	WriteErrors   uint64  `json:"write_errors"`
	FrameRate     float64 `json:"frame_rate"` // frames/sec since start
	ErrorRate     float64 `json:"error_rate"` // errors/sec since start
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// AddBytesIn records raw bytes received from the link.
func (s *Statistics) AddBytesIn(n int) {
	s.mu.Lock()
	s.bytesIn += uint64(n)
	s.mu.Unlock()
}

// AddFrameDecoded records one validated frame.
func (s *Statistics) AddFrameDecoded() {
	s.mu.Lock()
	s.framesDecoded++
	s.mu.Unlock()
}

// AddFrameSent records one transmitted frame.
func (s *Statistics) AddFrameSent() {
	s.mu.Lock()
	s.framesSent++
	s.mu.Unlock()
}

// AddCRCError records a checksum mismatch on a complete candidate frame.
func (s *Statistics) AddCRCError() {
	s.mu.Lock()
	s.crcErrors++
	s.mu.Unlock()
}

// AddResyncBytes records bytes discarded while hunting for a frame start.
func (s *Statistics) AddResyncBytes(n int) {
	s.mu.Lock()
	s.resyncBytes += uint64(n)
	s.mu.Unlock()
}

// AddWriteError records a failed write to the physical link.
func (s *Statistics) AddWriteError() {
	s.mu.Lock()
	s.writeErrors++
	s.mu.Unlock()
}

// Snapshot returns a consistent copy of all counters with computed rates.
func (s *Statistics) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		BytesIn:       s.bytesIn,
		FramesDecoded: s.framesDecoded,
		FramesSent:    s.framesSent,
		CRCErrors:     s.crcErrors,
		ResyncBytes:   s.resyncBytes,
		WriteErrors:   s.writeErrors,
	}

	elapsed := time.Since(s.startTime).Seconds()
	if elapsed > 0 {
		snap.FrameRate = float64(s.framesDecoded) / elapsed
		snap.ErrorRate = float64(s.crcErrors+s.writeErrors) / elapsed
	}
	return snap
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startTime = time.Now()
	s.bytesIn = 0
	s.framesDecoded = 0
	s.framesSent = 0
	s.crcErrors = 0
	s.resyncBytes = 0
	s.writeErrors = 0
}

// String returns a formatted statistics summary
func (s StatsSnapshot) String() string {
	result := "=== Link Statistics ===\n"
	result += fmt.Sprintf("Bytes In:        %8d\n", s.BytesIn)
	result += fmt.Sprintf("Frames Decoded:  %8d\n", s.FramesDecoded)
	result += fmt.Sprintf("Frames Sent:     %8d\n", s.FramesSent)
	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d\n", s.CRCErrors)
	}
	if s.ResyncBytes > 0 {
		result += fmt.Sprintf("Resync Bytes:    %8d\n", s.ResyncBytes)
	}
	if s.WriteErrors > 0 {
		result += fmt.Sprintf("Write Errors:    %8d\n", s.WriteErrors)
	}
	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "=======================\n"
	return result
}
