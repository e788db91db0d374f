// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

// Package port implements the per-port power-delivery state machine.
//
// Each physical port is owned by exactly one Machine for the process
// lifetime. The machine owns all mutations of its port state; the controller
// and exporters observe it only through immutable snapshots. Every transition
// that changes committed power is atomic with the budget ledger update: no
// observer sees a mode change with stale budget.
package port

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voltaics/busbar/pkg/ferrule"
	"github.com/voltaics/busbar/pkg/pd"
	"github.com/voltaics/busbar/pkg/rpc"
)

// Errors returned by machine operations.
var (
	ErrPortDisabled = errors.New("port is disabled")
	ErrPortBusy     = errors.New("port is not idle")
	ErrAborted      = errors.New("negotiation aborted by administrative transition")
	ErrRejected     = errors.New("contract rejected by power stage")
)

// Link issues commands to the power stage. Satisfied by *rpc.Client.
type Link interface {
	Call(ctx context.Context, opcode uint8, body []byte, timeout time.Duration) (*rpc.Response, error)
}

// Ledger is the serialized budget owner. Reserve performs admission control
// atomically with the headroom check; Commit converts a reservation into
// committed power; Release drops both and is idempotent.
type Ledger interface {
	Reserve(port pd.PortID, mw int64, priority uint8) error
	Commit(port pd.PortID)
	Release(port pd.PortID)
}

// Config holds a port's static configuration, read once at startup.
type Config struct {
	ID         pd.PortID
	Capability pd.Capability
	Priority   uint8

	// Tolerance and FaultDebounce govern telemetry anomaly detection: the
	// port faults only after FaultDebounce consecutive out-of-tolerance
	// samples, absorbing single-sample sensor noise.
	Tolerance     pd.Tolerance
	FaultDebounce int

	CallTimeout time.Duration
}

// Event describes what a telemetry sample caused, so the scheduler can run
// the side effects that must not happen under the machine lock.
type Event int

// Telemetry ingest events.
const (
	EventNone Event = iota

	// EventAttached: a sink appeared while the port was idle.
	EventAttached

	// EventDisconnected: the active sink went away; budget was released.
	EventDisconnected

	// EventFaulted: the port latched a fault; budget was released and the
	// caller must cut power via CutPower.
	EventFaulted
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventAttached:
		return "attached"
	case EventDisconnected:
		return "disconnected"
	case EventFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of a port's state.
type Snapshot struct {
	ID         pd.PortID     `json:"id"`
	Mode       pd.Mode       `json:"mode"`
	Cause      pd.FaultCause `json:"cause,omitempty"`
	Contract   pd.Contract   `json:"contract"`
	Capability pd.Capability `json:"capability"`
	Priority   uint8         `json:"priority"`

	Sample      pd.Sample `json:"sample"`
	HaveSample  bool      `json:"have_sample"`
	FaultStreak int       `json:"fault_streak"`
}

// Machine owns the negotiated PD state of one physical port.
type Machine struct {
	cfg    Config
	link   Link
	ledger Ledger
	log    *zap.Logger

	mu          sync.Mutex
	mode        pd.Mode
	cause       pd.FaultCause
	contract    pd.Contract
	sample      pd.Sample
	haveSample  bool
	faultStreak int

	// seq is bumped by every forced transition (disable, reset, fault) so an
	// in-flight negotiation can detect it was preempted and must not commit.
	seq uint64
}

// NewMachine creates a machine in ModeIdle.
func NewMachine(cfg Config, link Link, ledger Ledger, log *zap.Logger) *Machine {
	if cfg.FaultDebounce <= 0 {
		cfg.FaultDebounce = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{
		cfg:    cfg,
		link:   link,
		ledger: ledger,
		log:    log.With(zap.Uint8("port", uint8(cfg.ID))),
	}
}

// ID returns the port id.
func (m *Machine) ID() pd.PortID {
	return m.cfg.ID
}

// Snapshot returns a consistent view of the port. Never observes a
// mid-transition state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		ID:          m.cfg.ID,
		Mode:        m.mode,
		Cause:       m.cause,
		Contract:    m.contract,
		Capability:  m.cfg.Capability,
		Priority:    m.cfg.Priority,
		Sample:      m.sample,
		HaveSample:  m.haveSample,
		FaultStreak: m.faultStreak,
	}
}

// Negotiate drives Idle → Negotiating → Active. Admission (budget
// reservation) happens atomically before any hardware command; the
// reservation is committed only on hardware ack and released on any failure,
// so a failed negotiation never leaks budget.
func (m *Machine) Negotiate(ctx context.Context, contract pd.Contract) error {
	m.mu.Lock()
	switch m.mode {
	case pd.ModeDisabled:
		m.mu.Unlock()
		return ErrPortDisabled
	case pd.ModeIdle:
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: mode %s", ErrPortBusy, m.mode)
	}
	if err := m.cfg.Capability.Supports(contract); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("contract %s: %w", contract, err)
	}
	if err := m.ledger.Reserve(m.cfg.ID, contract.PowerMW(), m.cfg.Priority); err != nil {
		// Rejected at admission: port state untouched, no hardware command.
		m.mu.Unlock()
		return err
	}
	m.mode = pd.ModeNegotiating
	m.contract = contract
	m.cause = pd.FaultNone
	seq := m.seq
	m.mu.Unlock()

	m.log.Info("negotiating contract", zap.String("contract", contract.String()))
	resp, err := m.link.Call(ctx, ferrule.OpSetContract, ferrule.SetContractBody(m.cfg.ID, contract), m.cfg.CallTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seq != seq || m.mode != pd.ModeNegotiating {
		// An administrative transition (disable/reset) preempted us and
		// already settled the budget. A late ack must not resurrect state.
		return ErrAborted
	}

	if err != nil {
		m.ledger.Release(m.cfg.ID)
		m.enterFaultLocked(pd.FaultUnresponsive)
		return fmt.Errorf("set contract on port %d: %w", m.cfg.ID, err)
	}
	if !resp.OK() {
		m.ledger.Release(m.cfg.ID)
		m.enterFaultLocked(pd.FaultRejected)
		return fmt.Errorf("%w: status %s", ErrRejected, resp.Status)
	}

	m.ledger.Commit(m.cfg.ID)
	m.mode = pd.ModeActive
	m.faultStreak = 0
	m.log.Info("contract active", zap.String("contract", contract.String()))
	return nil
}

// Ingest consumes one telemetry sample and applies any resulting transition.
// Fault detection is a pure function of consecutive samples: the debounce
// counter lives on the port, not in a timer. The returned event tells the
// scheduler which side effect (if any) to run outside the lock.
func (m *Machine) Ingest(sample pd.Sample) Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sample = sample
	m.haveSample = true

	switch m.mode {
	case pd.ModeIdle:
		if sample.Attached() {
			return EventAttached
		}

	case pd.ModeActive:
		if !sample.Attached() {
			// Device disconnect: budget returns synchronously with the
			// transition, never lazily.
			m.ledger.Release(m.cfg.ID)
			m.mode = pd.ModeIdle
			m.contract = pd.Contract{}
			m.faultStreak = 0
			m.seq++
			m.log.Info("device disconnected")
			return EventDisconnected
		}
		if sample.Faulted() {
			m.ledger.Release(m.cfg.ID)
			m.enterFaultLocked(pd.FaultHardware)
			return EventFaulted
		}
		if !sample.Within(m.contract, m.cfg.Tolerance) {
			m.faultStreak++
			if m.faultStreak >= m.cfg.FaultDebounce {
				m.ledger.Release(m.cfg.ID)
				m.enterFaultLocked(pd.FaultAnomaly)
				return EventFaulted
			}
		} else {
			m.faultStreak = 0
		}
	}
	return EventNone
}

// FaultLink latches a link-level fault (RPC unresponsiveness observed by the
// scheduler). Disabled ports stay disabled.
func (m *Machine) FaultLink() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == pd.ModeDisabled || m.mode == pd.ModeFault {
		return
	}
	m.ledger.Release(m.cfg.ID)
	m.enterFaultLocked(pd.FaultUnresponsive)
}

// Reset drives Fault → Idle. Resetting an already-idle port is a no-op; the
// budget release is idempotent.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.mode {
	case pd.ModeIdle:
		return nil
	case pd.ModeFault:
		m.ledger.Release(m.cfg.ID)
		m.mode = pd.ModeIdle
		m.cause = pd.FaultNone
		m.contract = pd.Contract{}
		m.faultStreak = 0
		m.seq++
		m.log.Info("port reset")
		return nil
	case pd.ModeDisabled:
		return ErrPortDisabled
	default:
		return fmt.Errorf("%w: mode %s", ErrPortBusy, m.mode)
	}
}

// Disable forces the port to ModeDisabled from any state, releasing any
// committed or partially committed budget, then commands the power stage to
// cut the port. The state transition stands even if the hardware command
// fails; the error is returned so callers can surface it.
func (m *Machine) Disable(ctx context.Context) error {
	m.mu.Lock()
	if m.mode == pd.ModeDisabled {
		m.mu.Unlock()
		return nil
	}
	m.ledger.Release(m.cfg.ID)
	m.mode = pd.ModeDisabled
	m.cause = pd.FaultNone
	m.contract = pd.Contract{}
	m.faultStreak = 0
	m.seq++
	m.mu.Unlock()

	m.log.Info("port disabled")
	return m.CutPower(ctx)
}

// Enable re-enables a disabled port, returning it to ModeIdle. No-op for a
// port that is not disabled.
func (m *Machine) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != pd.ModeDisabled {
		return
	}
	m.mode = pd.ModeIdle
	m.seq++
	m.log.Info("port enabled")
}

// CutPower commands the power stage to stop delivery on this port without
// touching supervisor state. Used as the hardware side effect of fault and
// disable transitions.
func (m *Machine) CutPower(ctx context.Context) error {
	resp, err := m.link.Call(ctx, ferrule.OpDisable, ferrule.DisableBody(m.cfg.ID), m.cfg.CallTimeout)
	if err != nil {
		m.log.Error("disable command failed", zap.Error(err))
		return err
	}
	if !resp.OK() {
		m.log.Error("disable command refused", zap.String("status", resp.Status.String()))
		return fmt.Errorf("disable port %d: status %s", m.cfg.ID, resp.Status)
	}
	return nil
}

func (m *Machine) enterFaultLocked(cause pd.FaultCause) {
	m.mode = pd.ModeFault
	m.cause = cause
	m.seq++
	m.log.Warn("port faulted", zap.String("cause", cause.String()))
}
