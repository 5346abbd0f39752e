// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const sharePrefix = "$share/"

// ParseShared parses a shared subscription filter of the form
// $share/{group}/{filter}.
//
// Examples:
//   - "$share/group1/sensors/#" -> ("group1", "sensors/#", true)
//   - "sensors/#" -> ("", "sensors/#", false)
func ParseShared(filter string) (group, keyFilter string, isShared bool) {
	if !strings.HasPrefix(filter, sharePrefix) {
		return "", filter, false
	}

	parts := strings.SplitN(filter[len(sharePrefix):], "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", filter, false
	}
	return parts[0], parts[1], true
}

// IsShared returns true if the filter uses the shared subscription prefix.
func IsShared(filter string) bool {
	return strings.HasPrefix(filter, sharePrefix)
}

// ShareGroup is a set of sessions sharing one filter; each matching entry
// goes to one member in round-robin order. Not safe for concurrent use.
type ShareGroup struct {
	Name     string
	Filter   string
	Sessions []string
	next     int
}

// Next returns the next member, or "" when the group is empty.
func (g *ShareGroup) Next() string {
	if len(g.Sessions) == 0 {
		return ""
	}
	if g.next >= len(g.Sessions) {
		g.next = 0
	}
	s := g.Sessions[g.next]
	g.next = (g.next + 1) % len(g.Sessions)
	return s
}

// Add adds a session to the group. Returns false if it was already a member.
func (g *ShareGroup) Add(sessionID string) bool {
	for _, s := range g.Sessions {
		if s == sessionID {
			return false
		}
	}
	g.Sessions = append(g.Sessions, sessionID)
	return true
}

// Remove removes a session from the group. Returns false if it was not a member.
func (g *ShareGroup) Remove(sessionID string) bool {
	for i, s := range g.Sessions {
		if s != sessionID {
			continue
		}
		g.Sessions = append(g.Sessions[:i], g.Sessions[i+1:]...)
		if g.next > i {
			g.next--
		}
		return true
	}
	return false
}

// Empty reports whether the group has no members.
func (g *ShareGroup) Empty() bool {
	return len(g.Sessions) == 0
}
