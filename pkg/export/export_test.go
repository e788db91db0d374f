// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package export

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voltaics/busbar/pkg/ferrule"
	"github.com/voltaics/busbar/pkg/hub"
	"github.com/voltaics/busbar/pkg/pd"
	"github.com/voltaics/busbar/pkg/port"
	"github.com/voltaics/busbar/pkg/rpc"
)

// ackLink acknowledges every command.
type ackLink struct{}

func (ackLink) Call(_ context.Context, opcode uint8, _ []byte, _ time.Duration) (*rpc.Response, error) {
	return &rpc.Response{Opcode: opcode | ferrule.ResponseFlag, Status: ferrule.StatusOK}, nil
}

func testController(t *testing.T) *hub.Controller {
	t.Helper()
	budget := hub.NewBudget(100_000, nil)
	m := port.NewMachine(port.Config{
		ID:          0,
		Capability:  pd.Capability{MaxVoltageMV: 20000, MaxCurrentMA: 5000},
		CallTimeout: 50 * time.Millisecond,
	}, ackLink{}, budget, nil)
	return hub.NewController(budget, hub.NewHistory(8), []*port.Machine{m}, nil)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"request", `{"action":"request","port":0,"voltage_mv":9000,"current_ma":2000}`, false},
		{"disable", `{"action":"disable","port":1}`, false},
		{"disable all", `{"action":"disable-all"}`, false},
		{"reset", `{"action":"reset","port":0}`, false},
		{"enable", `{"action":"enable","port":0}`, false},
		{"request without contract", `{"action":"request","port":0}`, true},
		{"unknown action", `{"action":"explode"}`, true},
		{"garbage", `not json`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseCommand([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Errorf("parseCommand(%q) error = %v, wantErr %v", tt.payload, err, tt.wantErr)
			}
		})
	}
}

func TestApplyCommand(t *testing.T) {
	ctx := context.Background()
	ctrl := testController(t)

	cmd, err := parseCommand([]byte(`{"action":"request","port":0,"voltage_mv":9000,"current_ma":2000,"revision":2}`))
	if err != nil {
		t.Fatalf("parseCommand failed: %v", err)
	}
	if err := applyCommand(ctx, ctrl, cmd); err != nil {
		t.Fatalf("applyCommand(request) failed: %v", err)
	}
	snap, _ := ctrl.Status(0)
	if snap.Mode != pd.ModeActive {
		t.Errorf("port mode = %s after request, want %s", snap.Mode, pd.ModeActive)
	}

	cmd, _ = parseCommand([]byte(`{"action":"disable","port":0}`))
	if err := applyCommand(ctx, ctrl, cmd); err != nil {
		t.Fatalf("applyCommand(disable) failed: %v", err)
	}
	if snap, _ := ctrl.Status(0); snap.Mode != pd.ModeDisabled {
		t.Errorf("port mode = %s after disable, want %s", snap.Mode, pd.ModeDisabled)
	}

	// Commands against unknown ports surface the controller error.
	cmd, _ = parseCommand([]byte(`{"action":"reset","port":7}`))
	if err := applyCommand(ctx, ctrl, cmd); !errors.Is(err, hub.ErrUnknownPort) {
		t.Errorf("applyCommand(reset port 7) = %v, want %v", err, hub.ErrUnknownPort)
	}
}

func sampleReport() hub.Report {
	return hub.Report{
		Time: time.Now(),
		Ports: []port.Snapshot{{
			ID:       0,
			Mode:     pd.ModeActive,
			Contract: pd.Contract{VoltageMV: 20000, CurrentMA: 3000, Revision: pd.Revision30},
		}},
		Budget: hub.BudgetSnapshot{MaxMW: 100_000, CommittedMW: 60_000},
	}
}

func TestLogExporter(t *testing.T) {
	e := NewLogExporter(zap.NewNop())
	if err := e.Export(sampleReport()); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
}

func TestStatusServer_Broadcast(t *testing.T) {
	s, err := NewStatusServer("127.0.0.1:0", testController(t), zap.NewNop())
	if err != nil {
		t.Fatalf("NewStatusServer failed: %v", err)
	}
	s.Start()
	defer s.Close()

	// Publish one report before connecting: new subscribers must receive the
	// latest report immediately.
	if err := s.Export(sampleReport()); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var report hub.Report
	if err := json.Unmarshal(payload, &report); err != nil {
		t.Fatalf("bad report payload: %v", err)
	}
	if report.Budget.CommittedMW != 60_000 {
		t.Errorf("committed = %d, want 60000", report.Budget.CommittedMW)
	}
	if len(report.Ports) != 1 || report.Ports[0].Mode != pd.ModeActive {
		t.Errorf("ports = %+v", report.Ports)
	}

	// A second report arrives as a broadcast.
	if err := s.Export(sampleReport()); err != nil {
		t.Fatalf("second Export failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("broadcast read failed: %v", err)
	}
}

// Broadcast writes and the initial catch-up write for a new subscriber must
// never hit the same connection concurrently; gorilla connections forbid
// concurrent writers. Run with -race.
func TestStatusServer_ConcurrentSubscribe(t *testing.T) {
	s, err := NewStatusServer("127.0.0.1:0", testController(t), zap.NewNop())
	if err != nil {
		t.Fatalf("NewStatusServer failed: %v", err)
	}
	s.Start()
	defer s.Close()

	if err := s.Export(sampleReport()); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			s.Export(sampleReport())
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
			if err != nil {
				return
			}
			defer conn.Close()
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, payload, err := conn.ReadMessage(); err == nil {
				var report hub.Report
				if err := json.Unmarshal(payload, &report); err != nil {
					t.Errorf("subscriber got corrupt report: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	<-done
}

func TestStatusServer_History(t *testing.T) {
	s, err := NewStatusServer("127.0.0.1:0", testController(t), zap.NewNop())
	if err != nil {
		t.Fatalf("NewStatusServer failed: %v", err)
	}
	s.Start()
	defer s.Close()

	resp, err := http.Get("http://" + s.Addr() + "/history?port=0")
	if err != nil {
		t.Fatalf("history request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("history port 0 status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp, err = http.Get("http://" + s.Addr() + "/history?port=9")
	if err != nil {
		t.Fatalf("history request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("history unknown port status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	resp, err = http.Get("http://" + s.Addr() + "/history")
	if err != nil {
		t.Fatalf("history request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("history without port status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}
