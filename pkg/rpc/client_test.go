// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package rpc

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/voltaics/busbar/pkg/ferrule"
)

// fakeStage emulates the power stage on the far end of a net.Pipe. The
// handler receives each decoded request and returns zero or more raw frames
// to write back.
type fakeStage struct {
	conn    net.Conn
	handler func(opcode, id uint8, body []byte) [][]byte

	mu       sync.Mutex
	requests int
}

func newFakeStage(t *testing.T, handler func(opcode, id uint8, body []byte) [][]byte) (*fakeStage, net.Conn) {
	t.Helper()
	client, stage := net.Pipe()
	s := &fakeStage{conn: stage, handler: handler}
	go s.run()
	t.Cleanup(func() { stage.Close() })
	return s, client
}

func (s *fakeStage) run() {
	framer := ferrule.NewFramer(nil)
	buf := make([]byte, 512)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
			for _, frame := range framer.Poll() {
				if len(frame.Payload) < 1 {
					continue
				}
				s.mu.Lock()
				s.requests++
				s.mu.Unlock()
				for _, out := range s.handler(frame.Opcode, frame.Payload[0], frame.Payload[1:]) {
					if _, err := s.conn.Write(out); err != nil {
						return
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *fakeStage) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// respond builds a raw response frame: opcode|ResponseFlag, [id, status, body...].
func respond(t *testing.T, opcode, id uint8, status ferrule.Status, body []byte) []byte {
	t.Helper()
	payload := append([]byte{id, uint8(status)}, body...)
	frame, err := ferrule.EncodeFrame(opcode|ferrule.ResponseFlag, payload)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	return frame
}

func testOptions() Options {
	return Options{
		Timeout:     100 * time.Millisecond,
		MaxAttempts: 3,
		Backoff:     10 * time.Millisecond,
	}
}

func TestClient_CallResolvesMatchingResponse(t *testing.T) {
	_, conn := newFakeStage(t, func(opcode, id uint8, body []byte) [][]byte {
		return [][]byte{respond(t, opcode, id, ferrule.StatusOK, []byte{0xAB})}
	})
	c := NewClient(conn, nil, testOptions())
	defer c.Close()

	resp, err := c.Call(context.Background(), ferrule.OpPing, nil, 0)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if !resp.OK() {
		t.Errorf("status = %v, want OK", resp.Status)
	}
	if !bytes.Equal(resp.Body, []byte{0xAB}) {
		t.Errorf("body = %v, want [AB]", resp.Body)
	}
}

func TestClient_OutOfOrderResponses(t *testing.T) {
	// Hold the first request's response until the second request arrives,
	// then answer in reverse order.
	var mu sync.Mutex
	var held []byte

	_, conn := newFakeStage(t, func(opcode, id uint8, body []byte) [][]byte {
		mu.Lock()
		defer mu.Unlock()
		reply := respond(t, opcode, id, ferrule.StatusOK, body)
		if held == nil {
			held = reply
			return nil
		}
		return [][]byte{reply, held}
	})
	c := NewClient(conn, nil, testOptions())
	defer c.Close()

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	errs := make([]error, 2)
	for i, marker := range []byte{0x11, 0x22} {
		wg.Add(1)
		go func(i int, marker byte) {
			defer wg.Done()
			resp, err := c.Call(context.Background(), ferrule.OpGetTelemetry, []byte{marker}, 500*time.Millisecond)
			errs[i] = err
			if resp != nil {
				results[i] = resp.Body
			}
		}(i, marker)
		time.Sleep(20 * time.Millisecond) // ensure deterministic arrival order at the stage
	}
	wg.Wait()

	for i, marker := range []byte{0x11, 0x22} {
		if errs[i] != nil {
			t.Fatalf("call %d error: %v", i, errs[i])
		}
		if !bytes.Equal(results[i], []byte{marker}) {
			t.Errorf("call %d body = %v, want [%02X]", i, results[i], marker)
		}
	}
}

func TestClient_CallAsync(t *testing.T) {
	_, conn := newFakeStage(t, func(opcode, id uint8, body []byte) [][]byte {
		return [][]byte{respond(t, opcode, id, ferrule.StatusOK, []byte{0x42})}
	})
	c := NewClient(conn, nil, testOptions())
	defer c.Close()

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	c.CallAsync(context.Background(), ferrule.OpPing, nil, 0, func(resp *Response, err error) {
		done <- result{resp, err}
	})

	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("CallAsync error: %v", got.err)
		}
		if !got.resp.OK() || !bytes.Equal(got.resp.Body, []byte{0x42}) {
			t.Errorf("resp = %+v, want OK with body [42]", got.resp)
		}
	case <-time.After(time.Second):
		t.Fatal("CallAsync completion never delivered")
	}
}

func TestClient_UnmatchedResponseDropped(t *testing.T) {
	_, conn := newFakeStage(t, func(opcode, id uint8, body []byte) [][]byte {
		// A stray response for a never-issued id, then the real one.
		return [][]byte{
			respond(t, opcode, id+100, ferrule.StatusOK, []byte{0xEE}),
			respond(t, opcode, id, ferrule.StatusOK, []byte{0x01}),
		}
	})
	c := NewClient(conn, nil, testOptions())
	defer c.Close()

	resp, err := c.Call(context.Background(), ferrule.OpPing, nil, 0)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if !bytes.Equal(resp.Body, []byte{0x01}) {
		t.Errorf("body = %v, want [01]: stray response must not resolve the call", resp.Body)
	}

	deadline := time.Now().Add(time.Second)
	for c.DropCounters().UnmatchedResponses == 0 {
		if time.Now().After(deadline) {
			t.Fatal("unmatched response was not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_RetryThenSuccess(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	_, conn := newFakeStage(t, func(opcode, id uint8, body []byte) [][]byte {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return nil // swallow the first attempt
		}
		return [][]byte{respond(t, opcode, id, ferrule.StatusOK, nil)}
	})
	c := NewClient(conn, nil, Options{Timeout: 50 * time.Millisecond, MaxAttempts: 3, Backoff: 5 * time.Millisecond})
	defer c.Close()

	resp, err := c.Call(context.Background(), ferrule.OpSetContract, []byte{0x00}, 0)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if !resp.OK() {
		t.Errorf("status = %v, want OK", resp.Status)
	}

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got < 2 {
		t.Errorf("stage saw %d attempts, want >= 2", got)
	}
}

func TestClient_UnresponsiveAfterRetriesExhausted(t *testing.T) {
	stage, conn := newFakeStage(t, func(opcode, id uint8, body []byte) [][]byte {
		return nil // never answer
	})
	c := NewClient(conn, nil, Options{Timeout: 30 * time.Millisecond, MaxAttempts: 3, Backoff: 5 * time.Millisecond})
	defer c.Close()

	_, err := c.Call(context.Background(), ferrule.OpSetContract, []byte{0x00}, 0)
	if !errors.Is(err, ErrUnresponsive) {
		t.Fatalf("err = %v, want ErrUnresponsive", err)
	}
	if got := stage.requestCount(); got != 3 {
		t.Errorf("stage saw %d attempts, want 3", got)
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	_, conn := newFakeStage(t, func(opcode, id uint8, body []byte) [][]byte {
		return nil
	})
	c := NewClient(conn, nil, Options{Timeout: 5 * time.Second, MaxAttempts: 1})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, ferrule.OpPing, nil, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestClient_CorrelationIDsSkipPending(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	seen := make(map[uint8]int)

	// Responses are written only after every request is in flight, so all 8
	// correlation ids are pending simultaneously.
	var stageConn net.Conn
	stage, conn := newFakeStage(t, func(opcode, id uint8, body []byte) [][]byte {
		mu.Lock()
		seen[id]++
		mu.Unlock()
		reply := respond(t, opcode, id, ferrule.StatusOK, nil)
		go func() {
			<-release
			stageConn.Write(reply)
		}()
		return nil
	})
	stageConn = stage.conn
	c := NewClient(conn, nil, Options{Timeout: 2 * time.Second, MaxAttempts: 1})
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Call(context.Background(), ferrule.OpPing, nil, 0)
		}()
	}

	// Wait until all 8 requests are registered at the stage, then let the
	// responses flow.
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 8 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stage did not observe all requests")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for id, count := range seen {
		if count != 1 {
			t.Errorf("correlation id %d used %d times concurrently", id, count)
		}
	}
}
