// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// Match reports whether key matches filter.
//
// '+' matches exactly one level and '#' (last level only) matches the parent
// level and everything below it. Keys starting with '$' are only matched by
// filters whose first level is literal.
func Match(filter, key string) bool {
	if filter == "" || key == "" {
		return false
	}
	if filter == key {
		return true
	}

	filterLevels := strings.Split(filter, "/")
	keyLevels := strings.Split(key, "/")

	if strings.HasPrefix(key, "$") && (filterLevels[0] == "+" || filterLevels[0] == "#") {
		return false
	}

	for i, f := range filterLevels {
		if f == "#" {
			return true
		}
		if i >= len(keyLevels) {
			return false
		}
		if f != "+" && f != keyLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(keyLevels)
}
