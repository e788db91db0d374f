// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

// Package export publishes hub status reports to external consumers: the
// structured log, an MQTT broker, and websocket subscribers.
package export

import (
	"go.uber.org/zap"

	"github.com/voltaics/busbar/pkg/hub"
	"github.com/voltaics/busbar/pkg/pd"
)

// LogExporter writes a one-line summary of each report to the structured log.
type LogExporter struct {
	log *zap.Logger
}

// NewLogExporter creates a log exporter.
func NewLogExporter(log *zap.Logger) *LogExporter {
	return &LogExporter{log: log}
}

// Export logs the report summary.
func (e *LogExporter) Export(r hub.Report) error {
	active := 0
	faulted := 0
	for _, p := range r.Ports {
		switch p.Mode {
		case pd.ModeActive:
			active++
		case pd.ModeFault:
			faulted++
		}
	}
	e.log.Info("hub status",
		zap.Int("ports", len(r.Ports)),
		zap.Int("active", active),
		zap.Int("faulted", faulted),
		zap.Int64("committed_mw", r.Budget.CommittedMW),
		zap.Int64("available_mw", r.Budget.AvailableMW()),
		zap.Uint64("frames_decoded", r.Link.FramesDecoded),
		zap.Uint64("crc_errors", r.Link.CRCErrors),
	)
	return nil
}
