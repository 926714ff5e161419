// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles connection attempts per source IP so an
// abusive peer is shed at accept time, before the MQTT handshake.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	sweepEvery = time.Minute
	idleAfter  = 10 * time.Minute
)

// IPLimiter hands out one token bucket per source IP. Entries that
// have not been seen for a while are swept so the map does not grow
// with client churn.
type IPLimiter struct {
	mu     sync.Mutex
	perIP  map[string]*entry
	rate   rate.Limit
	burst  int
	stopCh chan struct{}
	once   sync.Once
}

type entry struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// NewIPLimiter creates a limiter allowing perSecond connections per
// source IP with the given burst, and starts its sweep goroutine.
func NewIPLimiter(perSecond float64, burst int) *IPLimiter {
	l := &IPLimiter{
		perIP:  make(map[string]*entry),
		rate:   rate.Limit(perSecond),
		burst:  burst,
		stopCh: make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow draws a token for the peer's address. Addresses without an
// extractable host are allowed; the limiter cannot attribute them.
func (l *IPLimiter) Allow(addr net.Addr) bool {
	host := hostOf(addr)
	if host == "" {
		return true
	}

	l.mu.Lock()
	e, ok := l.perIP[host]
	if !ok {
		e = &entry{bucket: rate.NewLimiter(l.rate, l.burst)}
		l.perIP[host] = e
	}
	e.lastSeen = time.Now()
	bucket := e.bucket
	l.mu.Unlock()

	return bucket.Allow()
}

func (l *IPLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep(time.Now().Add(-idleAfter))
		case <-l.stopCh:
			return
		}
	}
}

// sweep drops entries last seen before the cutoff and reports how many
// were removed.
func (l *IPLimiter) sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for host, e := range l.perIP {
		if e.lastSeen.Before(cutoff) {
			delete(l.perIP, host)
			removed++
		}
	}
	return removed
}

// Stop halts the sweep goroutine. Safe to call more than once.
func (l *IPLimiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

func (l *IPLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perIP)
}

// hostOf extracts the host portion of a peer address.
func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
