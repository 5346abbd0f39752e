// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import "fmt"

// State is the lifecycle state of a delivery connection.
type State int32

const (
	// StateAlive means the endpoint is reachable and deliveries are attempted.
	StateAlive State = iota
	// StatePolling means the endpoint is unreachable and a reconnect timer is armed.
	StatePolling
	// StateDead is terminal.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StatePolling:
		return "polling"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "alive":
		*s = StateAlive
	case "polling":
		*s = StatePolling
	case "dead":
		*s = StateDead
	default:
		return fmt.Errorf("unknown connection state %q", text)
	}
	return nil
}
