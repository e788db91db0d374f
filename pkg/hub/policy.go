// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package hub

import (
	"errors"
	"fmt"

	"github.com/voltaics/busbar/pkg/pd"
)

// ErrBudgetExceeded is returned when admitting a contract would push committed
// power past what the admission policy allows.
var ErrBudgetExceeded = errors.New("power budget exceeded")

// Admission describes one reservation request as seen by the policy. InUseMW
// counts both committed and reserved power, so concurrent negotiations are
// admitted against each other, not just against completed ones.
type Admission struct {
	Port      pd.PortID
	Priority  uint8
	RequestMW int64
	InUseMW   int64
	MaxMW     int64
}

// Policy decides whether a reservation is admitted. Policies are consulted
// under the budget lock and must not block.
type Policy interface {
	Name() string
	Admit(a Admission) error
}

// MaxBudgetPolicy admits any request that fits under the budget ceiling.
// This is the default policy.
type MaxBudgetPolicy struct{}

func (MaxBudgetPolicy) Name() string { return "max-budget" }

func (MaxBudgetPolicy) Admit(a Admission) error {
	if a.InUseMW+a.RequestMW > a.MaxMW {
		return fmt.Errorf("%w: %d mW requested, %d of %d mW in use",
			ErrBudgetExceeded, a.RequestMW, a.InUseMW, a.MaxMW)
	}
	return nil
}

// PriorityPolicy keeps HeadroomMW of the budget available to ports at or
// above MinPriority. Lower-priority ports are admitted only against the
// remainder, so a high-priority port can always negotiate up to the headroom
// even when the hub is otherwise saturated.
type PriorityPolicy struct {
	MinPriority uint8
	HeadroomMW  int64
}

func (PriorityPolicy) Name() string { return "priority" }

func (p PriorityPolicy) Admit(a Admission) error {
	limit := a.MaxMW
	if a.Priority < p.MinPriority {
		limit -= p.HeadroomMW
	}
	if a.InUseMW+a.RequestMW > limit {
		return fmt.Errorf("%w: %d mW requested by priority %d port, %d of %d mW available",
			ErrBudgetExceeded, a.RequestMW, a.Priority, limit-a.InUseMW, limit)
	}
	return nil
}
