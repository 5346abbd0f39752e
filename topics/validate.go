// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Validation errors.
var (
	ErrInvalidKey    = errors.New("invalid key: contains wildcards or illegal characters")
	ErrInvalidFilter = errors.New("invalid key filter")
)

// MaxLength bounds keys and filters in bytes.
const MaxLength = 65535

// ValidateKey checks a publish key (no wildcards).
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxLength {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, "+#\u0000") || !utf8.ValidString(key) {
		return ErrInvalidKey
	}
	return nil
}

// ValidateFilter checks a subscription filter, including the filter part of
// a shared subscription.
func ValidateFilter(filter string) error {
	if _, f, ok := ParseShared(filter); ok {
		filter = f
	} else if IsShared(filter) {
		return ErrInvalidFilter
	}
	if filter == "" || len(filter) > MaxLength {
		return ErrInvalidFilter
	}
	if strings.Contains(filter, "\u0000") || !utf8.ValidString(filter) {
		return ErrInvalidFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return ErrInvalidFilter
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return ErrInvalidFilter
		}
	}
	return nil
}
