// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the buffers used to build outgoing payloads.
package bufpool

import (
	"bytes"
	"sync"
)

// DefaultMaxCap is the largest buffer capacity kept by a default pool.
const DefaultMaxCap = 64 * 1024

// Pool is a pool of reset buffers. Buffers that grew past the pool's
// capacity limit are dropped on Put so one large payload does not pin
// memory for the process lifetime.
type Pool struct {
	maxCap int
	pool   sync.Pool
}

// New creates a pool keeping buffers of at most maxCap bytes.
// A non-positive maxCap uses DefaultMaxCap.
func New(maxCap int) *Pool {
	if maxCap <= 0 {
		maxCap = DefaultMaxCap
	}
	return &Pool{
		maxCap: maxCap,
		pool:   sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
}

// Get returns an empty buffer.
func (p *Pool) Get() *bytes.Buffer {
	b := p.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > p.maxCap {
		return
	}
	p.pool.Put(b)
}
