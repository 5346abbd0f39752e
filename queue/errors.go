// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "errors"

var (
	ErrQueueFull    = errors.New("session queue full")
	ErrClosed       = errors.New("session queue closed")
	ErrInvalidEntry = errors.New("invalid entry")
	ErrNotFound     = errors.New("entry not found in queue")
	ErrInFlight     = errors.New("entry is being delivered")
	ErrDuplicate    = errors.New("entry with the same id already queued")
)
