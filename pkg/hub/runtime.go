// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voltaics/busbar/pkg/ferrule"
	"github.com/voltaics/busbar/pkg/pd"
	"github.com/voltaics/busbar/pkg/port"
	"github.com/voltaics/busbar/pkg/rpc"
)

// Report is the periodic status export: one consistent pass over every port
// plus the shared pool and link counters.
type Report struct {
	Time   time.Time             `json:"time"`
	Ports  []port.Snapshot       `json:"ports"`
	Budget BudgetSnapshot        `json:"budget"`
	Link   ferrule.StatsSnapshot `json:"link"`
	Drops  rpc.Counters          `json:"drops"`
}

// Exporter receives periodic reports. Implementations must tolerate being
// called from the runtime's export goroutine.
type Exporter interface {
	Export(Report) error
}

// LinkStats exposes the transport counters folded into each report.
// Satisfied by *rpc.Client.
type LinkStats interface {
	Stats() ferrule.StatsSnapshot
	DropCounters() rpc.Counters
}

// RuntimeConfig sets the runtime's timing and behavior.
type RuntimeConfig struct {
	// PollInterval is the per-port telemetry cadence.
	PollInterval time.Duration

	// ExportInterval is the cadence of status reports to exporters.
	ExportInterval time.Duration

	// AutoNegotiate, when set, negotiates a port's default contract as soon
	// as a sink attaches while the port is idle.
	AutoNegotiate bool

	// Defaults maps ports to the contract negotiated on attach.
	Defaults map[pd.PortID]pd.Contract
}

// Runtime drives the hub: one poll goroutine per port feeding telemetry into
// its machine, and one export goroutine fanning snapshots out. Machines never
// run timers of their own; all cadence lives here.
type Runtime struct {
	cfg       RuntimeConfig
	ctrl      *Controller
	link      port.Link
	stats     LinkStats
	history   *History
	exporters []Exporter
	log       *zap.Logger
}

// NewRuntime assembles a runtime. stats may be nil when the link carries no
// counters (e.g. in tests).
func NewRuntime(cfg RuntimeConfig, ctrl *Controller, link port.Link, stats LinkStats, history *History, exporters []Exporter, log *zap.Logger) *Runtime {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{
		cfg:       cfg,
		ctrl:      ctrl,
		link:      link,
		stats:     stats,
		history:   history,
		exporters: exporters,
		log:       log,
	}
}

// Run blocks until ctx is canceled, driving the poll and export loops.
func (r *Runtime) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, id := range r.ctrl.Ports() {
		wg.Add(1)
		go func(id pd.PortID) {
			defer wg.Done()
			r.pollLoop(ctx, id)
		}(id)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.exportLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (r *Runtime) pollLoop(ctx context.Context, id pd.PortID) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx, id)
		}
	}
}

// pollOnce fetches one telemetry sample and applies it to the port machine,
// running whatever side effect the resulting event demands.
func (r *Runtime) pollOnce(ctx context.Context, id pd.PortID) {
	m, err := r.ctrl.machine(id)
	if err != nil {
		return
	}

	resp, err := r.link.Call(ctx, ferrule.OpGetTelemetry, ferrule.TelemetryRequestBody(id), 0)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, rpc.ErrUnresponsive) {
			r.log.Error("telemetry poll unresponsive", zap.Uint8("port", uint8(id)))
			m.FaultLink()
		} else {
			r.log.Warn("telemetry poll failed", zap.Uint8("port", uint8(id)), zap.Error(err))
		}
		return
	}
	if !resp.OK() {
		r.log.Warn("telemetry poll refused",
			zap.Uint8("port", uint8(id)),
			zap.String("status", resp.Status.String()))
		return
	}

	sample, err := parseSample(resp.Body, id)
	if err != nil {
		r.log.Warn("bad telemetry payload", zap.Uint8("port", uint8(id)), zap.Error(err))
		return
	}

	if r.history != nil {
		r.history.Add(id, sample)
	}

	switch m.Ingest(sample) {
	case port.EventFaulted:
		// The machine already released budget; cut power outside its lock.
		if err := m.CutPower(ctx); err != nil {
			r.log.Error("failed to cut power on faulted port",
				zap.Uint8("port", uint8(id)), zap.Error(err))
		}
	case port.EventAttached:
		if r.cfg.AutoNegotiate {
			if c, ok := r.cfg.Defaults[id]; ok {
				if err := m.Negotiate(ctx, c); err != nil {
					r.log.Warn("auto-negotiation failed",
						zap.Uint8("port", uint8(id)), zap.Error(err))
				}
			}
		}
	}
}

func parseSample(body []byte, want pd.PortID) (pd.Sample, error) {
	id, sample, err := ferrule.ParseTelemetryBody(body)
	if err != nil {
		return pd.Sample{}, err
	}
	if id != want {
		return pd.Sample{}, fmt.Errorf("telemetry for port %d, expected %d", id, want)
	}
	sample.Time = time.Now()
	return sample, nil
}

func (r *Runtime) exportLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.exportOnce()
		}
	}
}

func (r *Runtime) exportOnce() {
	report := Report{
		Time:   time.Now(),
		Ports:  r.ctrl.StatusAll(),
		Budget: r.ctrl.Budget(),
	}
	if r.stats != nil {
		report.Link = r.stats.Stats()
		report.Drops = r.stats.DropCounters()
	}
	for _, e := range r.exporters {
		if err := e.Export(report); err != nil {
			r.log.Warn("export failed", zap.Error(err))
		}
	}
}
