// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package ferrule

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

// Framer frames and deframes the byte stream on the physical link.
//
// Reads are push-based: the owner feeds raw bytes with Feed and drains
// complete frames with Poll. Both are non-blocking and must be called from a
// single goroutine. A partial frame at the end of the buffer is retained
// across polls, so frames decode identically regardless of how the byte
// stream is chunked.
//
// Writes are serialized: Send holds a mutex for the duration of the write, so
// at most one frame is outstanding on the wire at a time and frames are never
// interleaved.
type Framer struct {
	wmu sync.Mutex
	w   io.Writer

	buf   []byte
	stats *Statistics
}

// NewFramer creates a framer writing to w. Pass nil for a receive-only framer.
func NewFramer(w io.Writer) *Framer {
	return &Framer{
		w:     w,
		buf:   make([]byte, 0, MaxFrameSize*2),
		stats: NewStatistics(),
	}
}

// Stats returns the framer's link statistics tracker.
func (f *Framer) Stats() *Statistics {
	return f.stats
}

// Send encodes and writes one frame. The write is serialized against other
// senders and is never reordered.
func (f *Framer) Send(opcode uint8, payload []byte) error {
	frame, err := EncodeFrame(opcode, payload)
	if err != nil {
		return err
	}

	f.wmu.Lock()
	defer f.wmu.Unlock()

	if f.w == nil {
		return fmt.Errorf("framer has no writer")
	}
	if _, err := f.w.Write(frame); err != nil {
		f.stats.AddWriteError()
		return fmt.Errorf("link write failed: %w", err)
	}
	f.stats.AddFrameSent()
	return nil
}

// Feed appends raw bytes received from the link to the internal buffer.
func (f *Framer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
	f.stats.AddBytesIn(len(p))
}

// Poll drains the internal buffer, returning zero or more complete, validated
// frames in arrival order. A frame is emitted only when its length is in
// range and its checksum validates. On corruption the framer resynchronizes
// by scanning forward for the next offset that parses as a valid frame, so a
// single corrupted byte cannot poison the rest of the stream.
//
// The scan starts only once the front candidate is provably invalid. A
// corrupted length byte that stays in range makes the front look like a
// partial frame, and any complete frame buffered behind it is withheld until
// more bytes expose the corruption. On a continuously polled link the stall
// is bounded by one poll interval; only a link that goes silent mid-candidate
// defers the recovery further. Jumping earlier is not safe: a genuine partial
// frame may embed byte sequences that validate as frames.
func (f *Framer) Poll() []*Frame {
	var frames []*Frame

	for {
		length, total, ok := f.frameAt(0)
		if !ok {
			// Corrupt or implausible at the front: resync. Prefer jumping
			// straight to a later offset that holds a complete valid frame;
			// otherwise give up one byte and retry as more data arrives.
			if length >= 0 {
				f.stats.AddCRCError()
			}
			if off := f.scanValid(1); off > 0 {
				f.skip(off)
				continue
			}
			f.skip(1)
			continue
		}
		if total == 0 {
			// Not enough bytes for a decision; a partial frame stays
			// buffered until the next Feed.
			break
		}

		frame := &Frame{
			Opcode:    f.buf[2],
			Payload:   append([]byte(nil), f.buf[HeaderSize:HeaderSize+length]...),
			Timestamp: time.Now(),
		}
		f.consume(total)
		f.stats.AddFrameDecoded()
		frames = append(frames, frame)
	}

	return frames
}

// frameAt examines the buffer at the given offset.
//
// Returns (length, total, true) for a complete valid frame, (_, 0, true) when
// the candidate is plausible but incomplete, and ok=false when the candidate
// cannot be a frame. A length of -1 with ok=false marks an implausible length
// field rather than a checksum failure.
func (f *Framer) frameAt(off int) (length, total int, ok bool) {
	b := f.buf[off:]
	if len(b) < HeaderSize+ChecksumSize {
		return 0, 0, true
	}

	length = int(binary.LittleEndian.Uint16(b[0:2]))
	if length > MaxPayloadSize {
		return -1, 0, false
	}

	total = HeaderSize + length + ChecksumSize
	if len(b) < total {
		return length, 0, true
	}

	want := binary.BigEndian.Uint16(b[total-ChecksumSize : total])
	if CalculateCRC(b[:total-ChecksumSize]) != want {
		return length, 0, false
	}
	return length, total, true
}

// scanValid searches for the first offset >= from holding a complete valid
// frame. Returns -1 if none is fully buffered yet.
func (f *Framer) scanValid(from int) int {
	for off := from; off <= len(f.buf)-(HeaderSize+ChecksumSize); off++ {
		if _, total, ok := f.frameAt(off); ok && total > 0 {
			return off
		}
	}
	return -1
}

// skip discards n bytes from the front of the buffer during resync.
func (f *Framer) skip(n int) {
	f.consume(n)
	f.stats.AddResyncBytes(n)
}

func (f *Framer) consume(n int) {
	f.buf = append(f.buf[:0], f.buf[n:]...)
}
