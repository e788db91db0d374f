// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package export

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voltaics/busbar/pkg/hub"
	"github.com/voltaics/busbar/pkg/pd"
)

// StatusServer serves live status reports over websocket at /ws. Each report
// is broadcast as one JSON text message to every connected client; slow
// clients are dropped rather than allowed to stall the export loop. Plain
// HTTP endpoints serve the latest report (/status) and per-port telemetry
// history (/history).
type StatusServer struct {
	log      *zap.Logger
	ctrl     *hub.Controller
	upgrader websocket.Upgrader
	srv      *http.Server
	ln       net.Listener

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	last    []byte
}

// NewStatusServer binds the listen address. Serving starts with Start.
func NewStatusServer(addr string, ctrl *hub.Controller, log *zap.Logger) (*StatusServer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &StatusServer{
		log:     log,
		ctrl:    ctrl,
		ln:      ln,
		clients: make(map[*websocket.Conn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/history", s.handleHistory)
	s.srv = &http.Server{Handler: mux}
	return s, nil
}

// Addr returns the bound listen address.
func (s *StatusServer) Addr() string {
	return s.ln.Addr().String()
}

// Start serves until Close.
func (s *StatusServer) Start() {
	go func() {
		if err := s.srv.Serve(s.ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("status server failed", zap.Error(err))
		}
	}()
	s.log.Info("status server listening", zap.String("addr", s.Addr()))
}

// Export broadcasts the report to all connected clients.
func (s *StatusServer) Export(r hub.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = payload
	for conn := range s.clients {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.log.Debug("dropping slow status client", zap.Error(err))
			conn.Close()
			delete(s.clients, conn)
		}
	}
	return nil
}

// Close stops the server and disconnects all clients.
func (s *StatusServer) Close() error {
	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
	return s.srv.Close()
}

func (s *StatusServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// New subscribers get the latest report before joining the broadcast
	// set. The conn is not yet visible to Export here, so this write can
	// never interleave with a broadcast; gorilla connections allow only one
	// writer at a time.
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last != nil {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, last); err != nil {
			conn.Close()
			return
		}
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	// Drain the read side to notice disconnects; clients send nothing.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.mu.Lock()
				delete(s.clients, conn)
				s.mu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}

// handleStatus serves the latest report once over plain HTTP.
func (s *StatusServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	if last == nil {
		http.Error(w, "no report yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(last)
}

// handleHistory serves recent telemetry samples for one port, oldest first.
// Query parameters: port (required), n (optional sample count, default 16).
func (s *StatusServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		http.Error(w, "history not available", http.StatusNotFound)
		return
	}

	id, err := strconv.ParseUint(r.URL.Query().Get("port"), 10, 8)
	if err != nil {
		http.Error(w, "bad or missing port parameter", http.StatusBadRequest)
		return
	}
	n := 16
	if v := r.URL.Query().Get("n"); v != "" {
		n, err = strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad n parameter", http.StatusBadRequest)
			return
		}
	}

	samples, err := s.ctrl.History(pd.PortID(id), n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(samples)
}
