// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"testing"

	"github.com/absmach/fluxcb/topics"
	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	cases := map[string]struct {
		filter string
		keys   []string
		miss   []string
	}{
		"exact": {
			filter: "orders/eu/created",
			keys:   []string{"orders/eu/created"},
			miss:   []string{"orders/eu", "orders/eu/created/x", "orders/us/created"},
		},
		"single level": {
			filter: "orders/+/created",
			keys:   []string{"orders/eu/created", "orders/us/created", "orders//created"},
			miss:   []string{"orders/created", "orders/eu/west/created"},
		},
		"trailing single level": {
			filter: "devices/+",
			keys:   []string{"devices/d1", "devices/"},
			miss:   []string{"devices", "devices/d1/status"},
		},
		"multi level": {
			filter: "devices/#",
			keys:   []string{"devices", "devices/d1", "devices/d1/status/battery"},
			miss:   []string{"device", "sensors/devices"},
		},
		"mixed wildcards": {
			filter: "+/d1/#",
			keys:   []string{"devices/d1", "sensors/d1/temp/raw"},
			miss:   []string{"devices/d2/temp", "d1"},
		},
		"everything": {
			filter: "#",
			keys:   []string{"a", "a/b/c", "/leading"},
			miss:   []string{"$SYS/uptime", "$internal/queue"},
		},
		"system keys need literal first level": {
			filter: "$SYS/#",
			keys:   []string{"$SYS/uptime", "$SYS"},
			miss:   []string{"SYS/uptime"},
		},
		"wildcard first level skips system keys": {
			filter: "+/uptime",
			keys:   []string{"node/uptime"},
			miss:   []string{"$SYS/uptime"},
		},
		"empty operands": {
			filter: "",
			miss:   []string{"a", ""},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			for _, k := range tc.keys {
				assert.True(t, topics.Match(tc.filter, k), "%q should match %q", tc.filter, k)
			}
			for _, k := range tc.miss {
				assert.False(t, topics.Match(tc.filter, k), "%q should not match %q", tc.filter, k)
			}
		})
	}
}

func TestMatchEmptyKey(t *testing.T) {
	assert.False(t, topics.Match("#", ""))
	assert.False(t, topics.Match("+", ""))
}
