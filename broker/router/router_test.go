// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"sort"
	"testing"

	"github.com/absmach/fluxcb/topics"
	"github.com/stretchr/testify/assert"
)

func sessions(subs []Subscription) []string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.SessionID
	}
	sort.Strings(out)
	return out
}

func TestRouter_Match(t *testing.T) {
	r := NewRouter()
	r.Subscribe(Subscription{SessionID: "exact", Filter: "home/kitchen/temp"})
	r.Subscribe(Subscription{SessionID: "plus", Filter: "home/+/temp"})
	r.Subscribe(Subscription{SessionID: "hash", Filter: "home/#"})
	r.Subscribe(Subscription{SessionID: "all", Filter: "#"})
	r.Subscribe(Subscription{SessionID: "sys", Filter: "$SYS/#"})

	tests := []struct {
		key  string
		want []string
	}{
		{"home/kitchen/temp", []string{"all", "exact", "hash", "plus"}},
		{"home/garage/temp", []string{"all", "hash", "plus"}},
		{"home", []string{"all", "hash"}},
		{"office/temp", []string{"all"}},
		{"$SYS/uptime", []string{"sys"}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, sessions(r.Match(tt.key)), tt.key)
	}
}

func TestRouter_AgreesWithTopicsMatch(t *testing.T) {
	filters := []string{"a/b", "a/+", "a/#", "+/b", "#", "+/+", "$SYS/#", "+/x/#"}
	keys := []string{"a/b", "a", "a/b/c", "x/b", "$SYS/a", "q/x/z"}

	r := NewRouter()
	for _, f := range filters {
		r.Subscribe(Subscription{SessionID: f, Filter: f})
	}

	for _, k := range keys {
		var want []string
		for _, f := range filters {
			if topics.Match(f, k) {
				want = append(want, f)
			}
		}
		sort.Strings(want)
		got := sessions(r.Match(k))
		if len(want) == 0 {
			assert.Empty(t, got, k)
			continue
		}
		assert.Equal(t, want, got, k)
	}
}

func TestRouter_SubscribeIsIdempotent(t *testing.T) {
	r := NewRouter()
	assert.True(t, r.Subscribe(Subscription{SessionID: "s1", Filter: "a/#"}))
	assert.False(t, r.Subscribe(Subscription{SessionID: "s1", Filter: "a/#"}))
	assert.True(t, r.Subscribe(Subscription{SessionID: "s1", Filter: "a/#", Group: "g"}))
	assert.Equal(t, 2, r.Len())
	assert.Len(t, r.Match("a/b"), 2)
}

func TestRouter_Unsubscribe(t *testing.T) {
	r := NewRouter()
	r.Subscribe(Subscription{SessionID: "s1", Filter: "a/b/c"})
	r.Subscribe(Subscription{SessionID: "s2", Filter: "a/b/c"})

	assert.False(t, r.Unsubscribe("s3", "a/b/c", ""))
	assert.False(t, r.Unsubscribe("s1", "a/x", ""))
	assert.True(t, r.Unsubscribe("s1", "a/b/c", ""))
	assert.Equal(t, []string{"s2"}, sessions(r.Match("a/b/c")))

	assert.True(t, r.Unsubscribe("s2", "a/b/c", ""))
	assert.Empty(t, r.Match("a/b/c"))
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.root.children, "empty branches are pruned")
}
