// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"strings"
	"testing"

	"github.com/absmach/fluxcb/topics"
	"github.com/stretchr/testify/assert"
)

func TestValidateKey(t *testing.T) {
	valid := []string{
		"orders/eu/created",
		"$SYS/uptime",
		"/leading/slash",
		"trailing/",
		"ünïcode/ключ",
		strings.Repeat("k", topics.MaxLength),
	}
	invalid := []string{
		"",
		"orders/+/created",
		"orders/#",
		"orders#",
		"nul\u0000byte",
		string([]byte{'a', 0xC3}),
		strings.Repeat("k", topics.MaxLength+1),
	}

	for _, k := range valid {
		assert.NoError(t, topics.ValidateKey(k), "key %q", k)
	}
	for _, k := range invalid {
		assert.ErrorIs(t, topics.ValidateKey(k), topics.ErrInvalidKey, "key %q", k)
	}
}

func TestValidateFilter(t *testing.T) {
	valid := []string{
		"#",
		"+",
		"+/+",
		"orders/+/created",
		"devices/#",
		"$SYS/#",
		"$share/billing/orders/#",
		"$share/audit/+",
	}
	invalid := []string{
		"",
		"devices/#/status",
		"orders/eu+/created",
		"orders/eu#",
		"#/x",
		"$share/billing",
		"$share//orders",
		"nul\u0000byte",
		strings.Repeat("f", topics.MaxLength+1),
	}

	for _, f := range valid {
		assert.NoError(t, topics.ValidateFilter(f), "filter %q", f)
	}
	for _, f := range invalid {
		assert.ErrorIs(t, topics.ValidateFilter(f), topics.ErrInvalidFilter, "filter %q", f)
	}
}
