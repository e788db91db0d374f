// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

package rpc

import "errors"

// Sentinel errors returned by Call.
var (
	// ErrUnresponsive means every attempt timed out. Callers must treat this
	// as a hardware-link fault, not a transient condition.
	ErrUnresponsive = errors.New("power stage unresponsive")

	// ErrClosed is returned when calling on a closed client.
	ErrClosed = errors.New("rpc client closed")

	// ErrNoFreeID is returned when all correlation ids are in flight.
	ErrNoFreeID = errors.New("no free correlation id")
)
