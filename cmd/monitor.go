// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/voltaics/busbar/pkg/ferrule"
	"github.com/voltaics/busbar/pkg/log"
	"github.com/voltaics/busbar/pkg/pd"
	"github.com/voltaics/busbar/pkg/rpc"
)

var (
	monitorPorts    int
	monitorInterval time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live telemetry dashboard",
	Long: `Poll all ports continuously and display live telemetry in a terminal UI.

Shows per-port voltage, current, temperature, and fault flags alongside link
health statistics. Talks to the power stage directly; run against hardware
that is not currently driven by a serve instance.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().IntVar(&monitorPorts, "ports", 4, "Number of ports to poll")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 500*time.Millisecond, "Poll interval")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}

	client := rpc.NewClient(conn, log.NewConsole(verbose), rpc.Options{})
	defer client.Close()

	m := newMonitorModel(client, connInfo, monitorPorts)
	_, err = tea.NewProgram(m).Run()
	return err
}

// Log entry shown in the events pane
type monitorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// One poll round's results
type pollResultMsg struct {
	samples map[pd.PortID]pd.Sample
	errs    map[pd.PortID]error
}

type monitorTickMsg time.Time

type monitorModel struct {
	client   *rpc.Client
	connInfo string
	ports    []pd.PortID

	tbl           table.Model
	samples       map[pd.PortID]pd.Sample
	eventLog      []monitorLogEntry
	maxLogEntries int
	width         int
	height        int
	quitting      bool
}

func newMonitorModel(client *rpc.Client, connInfo string, portCount int) monitorModel {
	ports := make([]pd.PortID, portCount)
	for i := range ports {
		ports[i] = pd.PortID(i)
	}

	columns := []table.Column{
		{Title: "Port", Width: 5},
		{Title: "Voltage", Width: 9},
		{Title: "Current", Width: 9},
		{Title: "Power", Width: 9},
		{Title: "Temp", Width: 6},
		{Title: "Flags", Width: 30},
	}
	tbl := table.New(
		table.WithColumns(columns),
		table.WithHeight(portCount+1),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("12"))
	styles.Selected = lipgloss.NewStyle()
	tbl.SetStyles(styles)

	return monitorModel{
		client:        client,
		connInfo:      connInfo,
		ports:         ports,
		tbl:           tbl,
		samples:       make(map[pd.PortID]pd.Sample),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		m.pollCmd(),
		monitorTickCmd(),
		tea.EnterAltScreen,
	)
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(monitorInterval, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

// pollCmd reads one telemetry sample from every port off the UI goroutine.
func (m monitorModel) pollCmd() tea.Cmd {
	client := m.client
	ports := m.ports
	return func() tea.Msg {
		result := pollResultMsg{
			samples: make(map[pd.PortID]pd.Sample),
			errs:    make(map[pd.PortID]error),
		}
		for _, id := range ports {
			resp, err := client.Call(context.Background(), ferrule.OpGetTelemetry, ferrule.TelemetryRequestBody(id), 0)
			if err != nil {
				result.errs[id] = err
				continue
			}
			if !resp.OK() {
				result.errs[id] = fmt.Errorf("status %s", resp.Status)
				continue
			}
			_, sample, err := ferrule.ParseTelemetryBody(resp.Body)
			if err != nil {
				result.errs[id] = err
				continue
			}
			sample.Time = time.Now()
			result.samples[id] = sample
		}
		return result
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case monitorTickMsg:
		return m, tea.Batch(m.pollCmd(), monitorTickCmd())

	case pollResultMsg:
		for id, sample := range msg.samples {
			prev, had := m.samples[id]
			m.samples[id] = sample
			if had && !prev.Faulted() && sample.Faulted() {
				m.addLogEntry(fmt.Sprintf("port %d raised fault flags: %s", id, flagString(sample)), true)
			}
			if had && prev.Attached() != sample.Attached() {
				if sample.Attached() {
					m.addLogEntry(fmt.Sprintf("port %d: device attached", id), false)
				} else {
					m.addLogEntry(fmt.Sprintf("port %d: device detached", id), false)
				}
			}
		}
		for id, err := range msg.errs {
			m.addLogEntry(fmt.Sprintf("port %d poll failed: %v", id, err), true)
		}
		m.tbl.SetRows(m.portRows(msg.errs))
	}

	return m, nil
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, monitorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m monitorModel) portRows(errs map[pd.PortID]error) []table.Row {
	rows := make([]table.Row, 0, len(m.ports))
	for _, id := range m.ports {
		if err, bad := errs[id]; bad {
			rows = append(rows, table.Row{
				fmt.Sprintf("%d", id), "-", "-", "-", "-", err.Error(),
			})
			continue
		}
		s, ok := m.samples[id]
		if !ok {
			rows = append(rows, table.Row{fmt.Sprintf("%d", id), "-", "-", "-", "-", "waiting"})
			continue
		}
		powerMW := int64(s.VoltageMV) * int64(s.CurrentMA) / 1000
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", id),
			fmt.Sprintf("%.2fV", float64(s.VoltageMV)/1000),
			fmt.Sprintf("%.2fA", float64(s.CurrentMA)/1000),
			fmt.Sprintf("%.1fW", float64(powerMW)/1000),
			fmt.Sprintf("%d°C", s.TemperatureC),
			flagString(s),
		})
	}
	return rows
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("BUSBAR - LIVE TELEMETRY"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | %d ports @ %s | Press 'q' to quit",
		m.connInfo, len(m.ports), monitorInterval)))
	s.WriteString("\n\n")

	s.WriteString(boxStyle.Render(m.tbl.View()))
	s.WriteString("\n\n")

	// Link statistics
	stats := m.client.Stats()
	statsContent := fmt.Sprintf("%s %s   %s %s   %s %s",
		labelStyle.Render("Frames:"), valueStyle.Render(fmt.Sprintf("%d", stats.FramesDecoded)),
		labelStyle.Render("Rate:"), valueStyle.Render(fmt.Sprintf("%.1f/s", stats.FrameRate)),
		labelStyle.Render("CRC Errors:"), func() string {
			if stats.CRCErrors > 0 {
				return errorStyle.Render(fmt.Sprintf("%d", stats.CRCErrors))
			}
			return valueStyle.Render("0")
		}(),
	)
	s.WriteString(boxStyle.Render(statsContent))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - len(m.ports) - 14
	if logHeight < 5 {
		logHeight = 5
	}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	logContent := strings.Builder{}
	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
