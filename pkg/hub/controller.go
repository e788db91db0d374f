// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/voltaics/busbar/pkg/pd"
	"github.com/voltaics/busbar/pkg/port"
)

// ErrUnknownPort is returned for port ids the hub was not configured with.
var ErrUnknownPort = errors.New("unknown port")

// Controller is the hub's control surface. It routes operations to the port
// machines and owns nothing itself: port state lives in the machines, shared
// power in the budget. The machine set is fixed at construction, so lookups
// are lock-free.
type Controller struct {
	log      *zap.Logger
	budget   *Budget
	history  *History
	machines map[pd.PortID]*port.Machine
	order    []pd.PortID
}

// NewController wires the controller over the given machines.
func NewController(budget *Budget, history *History, machines []*port.Machine, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		log:      log,
		budget:   budget,
		history:  history,
		machines: make(map[pd.PortID]*port.Machine, len(machines)),
	}
	for _, m := range machines {
		c.machines[m.ID()] = m
		c.order = append(c.order, m.ID())
	}
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })
	return c
}

func (c *Controller) machine(id pd.PortID) (*port.Machine, error) {
	m, ok := c.machines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPort, id)
	}
	return m, nil
}

// RequestPortState negotiates the given contract on the port. The call blocks
// through admission and the hardware exchange; a budget rejection returns
// ErrBudgetExceeded with the port untouched.
func (c *Controller) RequestPortState(ctx context.Context, id pd.PortID, contract pd.Contract) error {
	m, err := c.machine(id)
	if err != nil {
		return err
	}
	if err := m.Negotiate(ctx, contract); err != nil {
		c.log.Warn("contract request failed",
			zap.Uint8("port", uint8(id)),
			zap.String("contract", contract.String()),
			zap.Error(err))
		return err
	}
	return nil
}

// Status returns the port's current snapshot.
func (c *Controller) Status(id pd.PortID) (port.Snapshot, error) {
	m, err := c.machine(id)
	if err != nil {
		return port.Snapshot{}, err
	}
	return m.Snapshot(), nil
}

// StatusAll returns snapshots for every port in id order.
func (c *Controller) StatusAll() []port.Snapshot {
	snaps := make([]port.Snapshot, 0, len(c.order))
	for _, id := range c.order {
		snaps = append(snaps, c.machines[id].Snapshot())
	}
	return snaps
}

// ResetPort clears a faulted port back to idle.
func (c *Controller) ResetPort(id pd.PortID) error {
	m, err := c.machine(id)
	if err != nil {
		return err
	}
	return m.Reset()
}

// DisablePort forces the port off, preempting any in-flight negotiation.
func (c *Controller) DisablePort(ctx context.Context, id pd.PortID) error {
	m, err := c.machine(id)
	if err != nil {
		return err
	}
	return m.Disable(ctx)
}

// EnablePort returns a disabled port to idle.
func (c *Controller) EnablePort(id pd.PortID) error {
	m, err := c.machine(id)
	if err != nil {
		return err
	}
	m.Enable()
	return nil
}

// DisableAllPorts is the emergency stop: every port is forced to disabled,
// including ports mid-negotiation, and all budget returns to the pool. Errors
// from individual hardware commands are collected, not short-circuited, so
// one refusing port never leaves another powered.
func (c *Controller) DisableAllPorts(ctx context.Context) error {
	c.log.Warn("disabling all ports")
	var errs []error
	for _, id := range c.order {
		if err := c.machines[id].Disable(ctx); err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Budget returns a snapshot of the power pool.
func (c *Controller) Budget() BudgetSnapshot {
	return c.budget.Snapshot()
}

// History returns up to n recent telemetry samples for the port, oldest
// first.
func (c *Controller) History(id pd.PortID, n int) ([]pd.Sample, error) {
	if _, err := c.machine(id); err != nil {
		return nil, err
	}
	return c.history.Recent(id, n), nil
}

// Ports returns the configured port ids in ascending order.
func (c *Controller) Ports() []pd.PortID {
	out := make([]pd.PortID, len(c.order))
	copy(out, c.order)
	return out
}
