// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package hub

import (
	"sync"

	"github.com/voltaics/busbar/pkg/pd"
)

// History keeps a bounded ring of recent telemetry samples per port for the
// status surfaces. Old samples are overwritten once the ring fills.
type History struct {
	mu    sync.Mutex
	depth int
	rings map[pd.PortID]*sampleRing
}

type sampleRing struct {
	samples []pd.Sample
	next    int
	full    bool
}

// NewHistory creates a history keeping depth samples per port.
func NewHistory(depth int) *History {
	if depth <= 0 {
		depth = 64
	}
	return &History{
		depth: depth,
		rings: make(map[pd.PortID]*sampleRing),
	}
}

// Add records a sample for the port.
func (h *History) Add(port pd.PortID, s pd.Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rings[port]
	if r == nil {
		r = &sampleRing{samples: make([]pd.Sample, h.depth)}
		h.rings[port] = r
	}
	r.samples[r.next] = s
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

// Recent returns up to n samples for the port, oldest first.
func (h *History) Recent(port pd.PortID, n int) []pd.Sample {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rings[port]
	if r == nil {
		return nil
	}

	var ordered []pd.Sample
	if r.full {
		ordered = append(ordered, r.samples[r.next:]...)
	}
	ordered = append(ordered, r.samples[:r.next]...)

	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
