// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "errors"

var (
	ErrNotFound = errors.New("session not found")
	ErrExists   = errors.New("session already exists")
	ErrClosed   = errors.New("session manager closed")
)
