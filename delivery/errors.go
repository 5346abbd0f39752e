// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import "errors"

var (
	// ErrNotAlive is returned when a connection is polling for its endpoint.
	ErrNotAlive = errors.New("connection not alive")

	// ErrDead is returned by a connection that was shut down or exhausted its retries.
	ErrDead = errors.New("connection dead")

	// ErrNoConnection is returned when a session has no alive connection.
	ErrNoConnection = errors.New("no alive connection")

	// ErrInvariant marks an internal inconsistency. Batches failing with it
	// are requeued unconditionally.
	ErrInvariant = errors.New("delivery invariant violated")

	// ErrExport is returned when the exporter rejects an entry of a batch.
	// The connection state is left untouched.
	ErrExport = errors.New("entry export failed")

	ErrPoolClosed    = errors.New("worker pool closed")
	ErrManagerClosed = errors.New("callback manager closed")
	ErrNoAddresses   = errors.New("at least one callback address is required")
)
