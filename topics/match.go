// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// TopicMatch checks if the topic matches the given filter according to MQTT
// wildcard rules: '+' matches exactly one level, '#' matches the remaining
// suffix (including zero levels) and is only legal as the final level.
// Topic names starting with '$' are only matched by filters whose first
// level is the same literal, never by a leading '+' or '#'.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	if strings.HasPrefix(topic, "$") {
		if filter[0] != '$' {
			return false
		}
		if filterLevels[0] == "+" || filterLevels[0] == "#" {
			return false
		}
	}

	for i, fLevel := range filterLevels {
		if fLevel == "#" {
			// Matches the parent and everything below it.
			return true
		}

		if i >= len(topicLevels) {
			return false
		}

		if fLevel == "+" {
			continue
		}

		if fLevel != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}
