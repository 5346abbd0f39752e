// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry maps protocol identifiers to driver factories.
// It is populated at configuration time.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger,
	}
}

// Register adds a factory for a protocol.
func (r *Registry) Register(protocol string, f Factory) error {
	if protocol == "" || f == nil {
		return fmt.Errorf("invalid registration for protocol %q", protocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[protocol]; ok {
		return fmt.Errorf("%s: %w", protocol, ErrDuplicate)
	}
	r.factories[protocol] = f
	return nil
}

// Factory returns the factory registered for a protocol.
func (r *Registry) Factory(protocol string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[protocol]
	if !ok {
		return nil, fmt.Errorf("%s: %w", protocol, ErrUnknownProtocol)
	}
	return f, nil
}

// Open validates the address and initializes a driver for it. It has the
// signature of a Factory and dispatches on the address type. A nil logger
// uses the registry logger.
func (r *Registry) Open(ctx context.Context, addr Address, logger *slog.Logger) (Driver, error) {
	if err := addr.Validate(); err != nil {
		return nil, fmt.Errorf("invalid callback address: %w", err)
	}

	f, err := r.Factory(addr.Type)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = r.logger
	}
	return f(ctx, addr, logger.With(slog.String("transport", addr.Type)))
}

// Protocols returns the registered protocol identifiers, sorted.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
