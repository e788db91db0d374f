// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

// Package rpc implements the request/response client for the Ferrule link.
//
// The client owns the physical connection exclusively: it runs the single
// read loop feeding the framer, matches response frames to pending requests
// by correlation id, and retries timed-out requests with backoff. Responses
// may arrive out of request order; matching is by id, never by arrival
// sequence.
package rpc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voltaics/busbar/pkg/ferrule"
)

// Options configures call timing.
type Options struct {
	// Timeout is the per-attempt response deadline.
	Timeout time.Duration

	// MaxAttempts bounds how many times a request is sent before the call
	// fails with ErrUnresponsive.
	MaxAttempts int

	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 250 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 50 * time.Millisecond
	}
}

// Counters holds diagnostic drop counters.
type Counters struct {
	UnmatchedResponses uint64 `json:"unmatched_responses"`
	UnsolicitedFrames  uint64 `json:"unsolicited_frames"`
}

// Client issues typed commands to the power stage over a Ferrule framer.
type Client struct {
	conn   io.ReadWriteCloser
	framer *ferrule.Framer
	log    *zap.Logger
	opts   Options

	mu      sync.Mutex
	pending map[uint8]*request
	nextID  uint8
	closed  bool

	counters Counters

	closeCh chan struct{}
	readWG  sync.WaitGroup
}

// NewClient creates a client over the given connection and starts its read
// loop. The client takes exclusive ownership of the connection.
func NewClient(conn io.ReadWriteCloser, log *zap.Logger, opts Options) *Client {
	opts.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		conn:    conn,
		framer:  ferrule.NewFramer(conn),
		log:     log,
		opts:    opts,
		pending: make(map[uint8]*request),
		closeCh: make(chan struct{}),
	}

	c.readWG.Add(1)
	go c.readLoop()
	return c
}

// Stats returns the underlying framer's link statistics.
func (c *Client) Stats() ferrule.StatsSnapshot {
	return c.framer.Stats().Snapshot()
}

// DropCounters returns the diagnostic drop counters.
func (c *Client) DropCounters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// Call sends a command and blocks until a matching response arrives, the
// context is cancelled, or all attempts time out. A non-positive timeout uses
// the configured default. The returned response may carry a non-OK status;
// interpreting that is the caller's concern.
func (c *Client) Call(ctx context.Context, opcode uint8, body []byte, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	req, err := c.register(opcode, body)
	if err != nil {
		return nil, err
	}
	defer c.unregister(req.id)

	backoff := c.opts.Backoff
	for {
		req.beginAttempt(timeout)
		if err := c.framer.Send(opcode, req.payload); err != nil {
			return nil, err
		}

		timer := time.NewTimer(time.Until(req.deadline))
		select {
		case resp := <-req.done:
			timer.Stop()
			return resp, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.closeCh:
			timer.Stop()
			return nil, ErrClosed
		case <-timer.C:
		}

		c.log.Warn("rpc attempt timed out",
			zap.String("opcode", ferrule.OpcodeName(opcode)),
			zap.Uint8("id", req.id),
			zap.Int("attempt", req.attempts))

		if req.attempts >= c.opts.MaxAttempts {
			return nil, fmt.Errorf("%s after %d attempts: %w", ferrule.OpcodeName(opcode), req.attempts, ErrUnresponsive)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closeCh:
			return nil, ErrClosed
		}
		backoff *= 2
	}
}

// CallAsync runs Call on its own goroutine and posts the completion to fn.
func (c *Client) CallAsync(ctx context.Context, opcode uint8, body []byte, timeout time.Duration, fn func(*Response, error)) {
	go func() {
		fn(c.Call(ctx, opcode, body, timeout))
	}()
}

// Close shuts the client down and closes the underlying connection. In-flight
// calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.closeCh)
	err := c.conn.Close()
	c.readWG.Wait()
	return err
}

// register allocates a correlation id for a new request. Ids are a
// monotonically increasing counter wrapping at the id width, skipping ids
// still pending, so an id is not reused until 255 later calls complete.
func (c *Client) register(opcode uint8, body []byte) (*request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	for i := 0; i < 256; i++ {
		id := c.nextID
		c.nextID++
		if _, busy := c.pending[id]; busy {
			continue
		}
		req := newRequest(opcode, id, body)
		c.pending[id] = req
		return req, nil
	}
	return nil, ErrNoFreeID
}

func (c *Client) unregister(id uint8) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop is the single execution context performing link reads. On read
// failure it stops; pending calls then time out and escalate through their
// own retry budget, which keeps the failure model uniform for callers.
func (c *Client) readLoop() {
	defer c.readWG.Done()

	buf := make([]byte, 2*ferrule.MaxFrameSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.framer.Feed(buf[:n])
			for _, frame := range c.framer.Poll() {
				c.dispatch(frame)
			}
		}
		if err != nil {
			select {
			case <-c.closeCh:
			default:
				c.log.Error("link read failed", zap.Error(err))
			}
			return
		}
	}
}

// dispatch matches one decoded frame to its pending request. Responses with
// no matching pending id are dropped with a diagnostic counter; a duplicate
// frame from a flaky link must never resolve an unrelated request.
func (c *Client) dispatch(frame *ferrule.Frame) {
	if !frame.IsResponse() || len(frame.Payload) < 2 {
		c.mu.Lock()
		c.counters.UnsolicitedFrames++
		c.mu.Unlock()
		c.log.Debug("dropping unsolicited frame", zap.String("opcode", ferrule.OpcodeName(frame.Opcode)))
		return
	}

	id := frame.Payload[0]
	resp := &Response{
		Opcode: frame.Opcode,
		ID:     id,
		Status: ferrule.Status(frame.Payload[1]),
		Body:   frame.Payload[2:],
	}

	c.mu.Lock()
	req, ok := c.pending[id]
	if ok && req.opcode|ferrule.ResponseFlag == frame.Opcode {
		delete(c.pending, id)
	} else {
		req = nil
		c.counters.UnmatchedResponses++
	}
	c.mu.Unlock()

	if req == nil {
		c.log.Debug("dropping unmatched response",
			zap.Uint8("id", id),
			zap.String("opcode", ferrule.OpcodeName(frame.Opcode)))
		return
	}
	req.done <- resp
}
