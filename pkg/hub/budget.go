// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

// Package hub coordinates the port state machines behind a shared power
// budget and exposes the supervisor's control surface.
package hub

import (
	"sync"

	"github.com/voltaics/busbar/pkg/pd"
)

// Budget is the single serialized owner of the hub's shared power pool.
// All admission decisions and all releases go through one mutex, so the sum
// of committed and reserved power can never exceed the ceiling regardless of
// how port transitions interleave.
//
// Reservations follow a two-phase shape: Reserve admits and holds power
// before the hardware command goes out, Commit converts the hold into
// committed power on ack, Release drops whatever the port holds. Release is
// idempotent; releasing a port with no holdings is a no-op.
type Budget struct {
	mu      sync.Mutex
	maxMW   int64
	policy  Policy
	entries map[pd.PortID]*budgetEntry

	rejections uint64
}

type budgetEntry struct {
	reservedMW  int64
	committedMW int64
}

// BudgetSnapshot is a point-in-time view of the pool.
type BudgetSnapshot struct {
	MaxMW       int64  `json:"max_mw"`
	CommittedMW int64  `json:"committed_mw"`
	ReservedMW  int64  `json:"reserved_mw"`
	Policy      string `json:"policy"`
	Rejections  uint64 `json:"rejections"`
}

// AvailableMW returns the headroom left under the ceiling.
func (s BudgetSnapshot) AvailableMW() int64 {
	return s.MaxMW - s.CommittedMW - s.ReservedMW
}

// NewBudget creates a budget with the given ceiling. A nil policy selects
// MaxBudgetPolicy.
func NewBudget(maxMW int64, policy Policy) *Budget {
	if policy == nil {
		policy = MaxBudgetPolicy{}
	}
	return &Budget{
		maxMW:   maxMW,
		policy:  policy,
		entries: make(map[pd.PortID]*budgetEntry),
	}
}

// Reserve runs admission for the port and, if admitted, holds mw until
// Commit or Release. A port re-reserving replaces its previous reservation.
func (b *Budget) Reserve(port pd.PortID, mw int64, priority uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	inUse := int64(0)
	for id, e := range b.entries {
		if id == port {
			// A re-reserve replaces the port's previous reservation, so that
			// is excluded from in-use. Committed power is not: the hardware
			// keeps delivering the old contract until the new one is acked,
			// so both draws coexist until Commit.
			inUse += e.committedMW
			continue
		}
		inUse += e.reservedMW + e.committedMW
	}

	if err := b.policy.Admit(Admission{
		Port:      port,
		Priority:  priority,
		RequestMW: mw,
		InUseMW:   inUse,
		MaxMW:     b.maxMW,
	}); err != nil {
		b.rejections++
		return err
	}

	e := b.entries[port]
	if e == nil {
		e = &budgetEntry{}
		b.entries[port] = e
	}
	e.reservedMW = mw
	return nil
}

// Commit converts the port's reservation into committed power.
func (b *Budget) Commit(port pd.PortID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[port]
	if e == nil {
		return
	}
	e.committedMW = e.reservedMW
	e.reservedMW = 0
}

// Release drops everything the port holds. Safe to call repeatedly.
func (b *Budget) Release(port pd.PortID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, port)
}

// CommittedMW returns the total committed power across all ports.
func (b *Budget) CommittedMW() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total int64
	for _, e := range b.entries {
		total += e.committedMW
	}
	return total
}

// PortMW returns the power the given port currently holds.
func (b *Budget) PortMW(port pd.PortID) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[port]
	if e == nil {
		return 0
	}
	return e.reservedMW + e.committedMW
}

// Snapshot returns a consistent view of the pool.
func (b *Budget) Snapshot() BudgetSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BudgetSnapshot{
		MaxMW:      b.maxMW,
		Policy:     b.policy.Name(),
		Rejections: b.rejections,
	}
	for _, e := range b.entries {
		snap.CommittedMW += e.committedMW
		snap.ReservedMW += e.reservedMW
	}
	return snap
}
