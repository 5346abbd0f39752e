// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"strings"
	"sync"
)

const separator = "/"

// Subscription binds a session to a key filter. Group is set for shared
// subscriptions.
type Subscription struct {
	SessionID string
	Filter    string
	Group     string
}

// TrieRouter stores subscriptions in a trie keyed by filter level.
type TrieRouter struct {
	mu   sync.RWMutex
	root *node
	size int

	// scratch holds *[]*Subscription buffers reused across Match calls.
	scratch sync.Pool
}

type node struct {
	children map[string]*node
	subs     []*Subscription
}

// NewRouter returns a new instance.
func NewRouter() *TrieRouter {
	r := &TrieRouter{root: newNode()}
	r.scratch.New = func() any {
		buf := make([]*Subscription, 0, 64)
		return &buf
	}
	return r
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Subscribe adds a subscription. It returns false if the same session,
// filter and group were already subscribed.
func (r *TrieRouter) Subscribe(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.root
	for _, level := range strings.Split(sub.Filter, separator) {
		child, ok := n.children[level]
		if !ok {
			child = newNode()
			n.children[level] = child
		}
		n = child
	}
	for _, s := range n.subs {
		if s.SessionID == sub.SessionID && s.Group == sub.Group {
			return false
		}
	}
	n.subs = append(n.subs, &sub)
	r.size++
	return true
}

// Unsubscribe removes the subscription of a session for a filter and group.
// Empty branches are pruned.
func (r *TrieRouter) Unsubscribe(sessionID, filter, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	levels := strings.Split(filter, separator)
	path := make([]*node, 0, len(levels)+1)
	n := r.root
	path = append(path, n)
	for _, level := range levels {
		child, ok := n.children[level]
		if !ok {
			return false
		}
		n = child
		path = append(path, n)
	}

	removed := false
	filtered := n.subs[:0]
	for _, s := range n.subs {
		if s.SessionID == sessionID && s.Group == group {
			removed = true
			continue
		}
		filtered = append(filtered, s)
	}
	clear(n.subs[len(filtered):])
	n.subs = filtered
	if !removed {
		return false
	}
	r.size--

	for i := len(levels) - 1; i >= 0; i-- {
		child := path[i+1]
		if len(child.subs) > 0 || len(child.children) > 0 {
			break
		}
		delete(path[i].children, levels[i])
	}
	return true
}

// Match returns copies of all subscriptions matching key.
func (r *TrieRouter) Match(key string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := r.scratch.Get().(*[]*Subscription)
	defer func() {
		clear(*matched)
		*matched = (*matched)[:0]
		r.scratch.Put(matched)
	}()

	levels := strings.Split(key, separator)
	matchLevel(r.root, levels, 0, strings.HasPrefix(key, "$"), matched)

	out := make([]Subscription, len(*matched))
	for i, s := range *matched {
		out[i] = *s
	}
	return out
}

// Len returns the number of subscriptions.
func (r *TrieRouter) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func matchLevel(n *node, levels []string, index int, system bool, matched *[]*Subscription) {
	// Wildcards never match the first level of a '$' key.
	wild := !(system && index == 0)

	if index == len(levels) {
		*matched = append(*matched, n.subs...)
		if child, ok := n.children["#"]; ok && wild {
			*matched = append(*matched, child.subs...)
		}
		return
	}

	if child, ok := n.children[levels[index]]; ok {
		matchLevel(child, levels, index+1, system, matched)
	}
	if !wild {
		return
	}
	if child, ok := n.children["+"]; ok {
		matchLevel(child, levels, index+1, system, matched)
	}
	if child, ok := n.children["#"]; ok {
		*matched = append(*matched, child.subs...)
	}
}
