// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package rpc

import (
	"time"

	"github.com/voltaics/busbar/pkg/ferrule"
)

// Response is a power-stage reply matched to one request.
type Response struct {
	Opcode uint8
	ID     uint8
	Status ferrule.Status
	Body   []byte
}

// OK reports whether the power stage accepted the request.
func (r *Response) OK() bool {
	return r.Status == ferrule.StatusOK
}

// request tracks one in-flight command. Retry state lives here as explicit
// fields rather than in control flow, so timeout handling is observable and
// testable.
type request struct {
	opcode   uint8
	id       uint8
	payload  []byte // correlation id followed by the command body
	attempts int
	deadline time.Time

	// done receives the matched response. Buffered so the read loop never
	// blocks on a caller that has already timed out.
	done chan *Response
}

func newRequest(opcode, id uint8, body []byte) *request {
	payload := make([]byte, 1+len(body))
	payload[0] = id
	copy(payload[1:], body)
	return &request{
		opcode:  opcode,
		id:      id,
		payload: payload,
		done:    make(chan *Response, 1),
	}
}

// beginAttempt records one send attempt with its per-attempt deadline.
func (r *request) beginAttempt(timeout time.Duration) {
	r.attempts++
	r.deadline = time.Now().Add(timeout)
}
