// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// Connection is the byte pipe to the power stage, either a local UART or a
// websocket bridge. The framer and RPC client are agnostic to which.
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// SerialConnection is a Connection over a local serial port.
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

// ErrConnectionClosed is returned by reads after the websocket has failed.
var ErrConnectionClosed = fmt.Errorf("websocket connection closed")

// WebSocketConnection adapts a websocket bridge to the byte-stream Connection
// interface. Each binary message is a chunk of the link byte stream; a
// message larger than the read buffer is carried over to later reads.
type WebSocketConnection struct {
	conn   *websocket.Conn
	buf    []byte
	off    int
	closed bool
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}

	if w.off < len(w.buf) {
		n := copy(p, w.buf[w.off:])
		w.off += n
		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			// Only binary messages carry link bytes.
			continue
		}

		w.buf = data
		w.off = copy(p, data)
		return w.off, nil
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// OpenSerialConnection opens the UART to the power stage, 8N1 at the given
// baud rate.
func OpenSerialConnection(portName string, baudRate int) (Connection, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}
	return &SerialConnection{port: port}, nil
}

// OpenWebSocketConnection dials a websocket bridge, authenticating with HTTP
// Basic auth when credentials are given.
func OpenWebSocketConnection(wsURL, username, password string, skipSSLVerify bool) (Connection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connection failed: %w", err)
	}
	return &WebSocketConnection{conn: conn}, nil
}

// GetPassword reads the bridge password from BUSBAR_PASSWORD, or prompts
// without echo. Falls back to a plain stdin read when no terminal is
// available (e.g. piped input).
func GetPassword() (string, error) {
	if pw := os.Getenv("BUSBAR_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// OpenConnection opens the connection selected by the root flags: --url wins,
// then --port. The returned string describes the connection for display.
func OpenConnection() (Connection, string, error) {
	if wsURL != "" {
		password := ""
		if wsUsername != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}

		conn, err := OpenWebSocketConnection(wsURL, wsUsername, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("WebSocket: %s", wsURL), nil
	}

	if portName != "" {
		conn, err := OpenSerialConnection(portName, baudRate)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}

	return nil, "", fmt.Errorf("either --port or --url must be specified")
}

// openConnectionFromConfig falls back to config values for connection
// settings when the CLI flags are unset.
func openConnectionFromConfig(cfgPort string, cfgBaud int, cfgURL string) (Connection, string, error) {
	if portName == "" && wsURL == "" {
		portName = cfgPort
		wsURL = cfgURL
		if cfgBaud > 0 && !rootCmd.PersistentFlags().Changed("baud") {
			baudRate = cfgBaud
		}
	}
	return OpenConnection()
}
