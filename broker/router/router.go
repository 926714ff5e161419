// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router matches published topic names against subscription
// filters. Lookup cost is bounded by topic depth and wildcard fan-out,
// not by the total number of subscriptions.
package router

import (
	"strings"
	"sync"

	"github.com/absmach/voltmq/storage"
)

const separator = "/"

// TrieRouter stores subscriptions in a segment-keyed tree. Each node
// corresponds to one topic level and holds child nodes for literal
// levels plus the '+' and '#' wildcard children.
type TrieRouter struct {
	mu   sync.RWMutex
	root *node
}

type node struct {
	children map[string]*node
	subs     map[string]*storage.Subscription // clientID -> subscription at this level
}

// NewRouter returns a new instance.
func NewRouter() *TrieRouter {
	return &TrieRouter{
		root: newNode(),
	}
}

func newNode() *node {
	return &node{
		children: make(map[string]*node),
		subs:     make(map[string]*storage.Subscription),
	}
}

// Subscribe adds a subscription to the topic filter. Re-subscribing to
// the same filter replaces the granted QoS.
func (r *TrieRouter) Subscribe(clientID, filter string, qos byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &storage.Subscription{
		ClientID: clientID,
		Filter:   filter,
		QoS:      qos,
	}

	levels := strings.Split(filter, separator)
	n := r.root
	for _, level := range levels {
		child, ok := n.children[level]
		if !ok {
			child = newNode()
			n.children[level] = child
		}
		n = child
	}
	n.subs[clientID] = sub
}

// Unsubscribe removes a client's subscription to the topic filter and
// prunes branches left empty.
func (r *TrieRouter) Unsubscribe(clientID, filter string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	levels := strings.Split(filter, separator)
	unsubscribeLevel(r.root, levels, 0, clientID)
}

// unsubscribeLevel walks to the filter's terminal node, removes the
// client's subscription and reports whether the visited node became
// empty and can be deleted by its parent.
func unsubscribeLevel(n *node, levels []string, index int, clientID string) bool {
	if index == len(levels) {
		delete(n.subs, clientID)
		return len(n.subs) == 0 && len(n.children) == 0
	}

	level := levels[index]
	child, ok := n.children[level]
	if !ok {
		return false
	}

	if unsubscribeLevel(child, levels, index+1, clientID) {
		delete(n.children, level)
	}
	return len(n.subs) == 0 && len(n.children) == 0
}

// UnsubscribeAll removes all of a client's subscriptions.
func (r *TrieRouter) UnsubscribeAll(clientID string, filters []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, filter := range filters {
		levels := strings.Split(filter, separator)
		unsubscribeLevel(r.root, levels, 0, clientID)
	}
}

// Match returns all subscriptions matching the topic name. When several
// of a client's filters match, one subscription is returned for that
// client carrying the highest granted QoS. Topic names with a leading
// '$' level are never matched by top-level '+' or '#' filters.
func (r *TrieRouter) Match(topic string) []*storage.Subscription {
	r.mu.RLock()

	levels := strings.Split(topic, separator)
	matched := AcquireSubscriptionSlice()
	matchLevel(r.root, levels, 0, matched)

	// Deduplicate by client, keeping the highest granted QoS. Copy out
	// before releasing the pooled slice.
	seen := make(map[string]*storage.Subscription, len(*matched))
	for _, sub := range *matched {
		if existing, ok := seen[sub.ClientID]; ok && existing.QoS >= sub.QoS {
			continue
		}
		seen[sub.ClientID] = sub
	}
	result := make([]*storage.Subscription, 0, len(seen))
	for _, sub := range seen {
		result = append(result, sub)
	}

	ReleaseSubscriptionSlice(matched)
	r.mu.RUnlock()

	return result
}

func matchLevel(n *node, levels []string, index int, matched *[]*storage.Subscription) {
	if index == len(levels) {
		// Reached end of topic - include exact matches and # wildcards
		for _, sub := range n.subs {
			*matched = append(*matched, sub)
		}
		if wild, ok := n.children["#"]; ok {
			for _, sub := range wild.subs {
				*matched = append(*matched, sub)
			}
		}
		return
	}

	level := levels[index]

	if child, ok := n.children[level]; ok {
		matchLevel(child, levels, index+1, matched)
	}

	// Wildcards never match a leading '$' level.
	if index == 0 && strings.HasPrefix(level, "$") {
		return
	}

	// Check single-level wildcard '+'
	if child, ok := n.children["+"]; ok {
		matchLevel(child, levels, index+1, matched)
	}

	// Check multi-level wildcard '#'
	if child, ok := n.children["#"]; ok {
		for _, sub := range child.subs {
			*matched = append(*matched, sub)
		}
	}
}
