// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

var (
	ErrRateLimited   = errors.New("publish rate limit exceeded")
	ErrInvalidFilter = errors.New("invalid subscription filter")
	ErrInvalidKey    = errors.New("invalid message key")
)
