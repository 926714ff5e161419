// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers broker events to external HTTP endpoints
// through a bounded queue, a worker pool and a per-endpoint circuit
// breaker, so a slow receiver never backs up the broker's hot paths.
package webhook

import (
	"context"
	"time"
)

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify queues an event for delivery. It never blocks; when the
	// queue is full the configured drop policy applies.
	Notify(ctx context.Context, event any) error

	// Close gracefully shuts down, flushing pending events.
	Close() error
}

// Sender is the protocol-specific delivery mechanism.
type Sender interface {
	// Send delivers one webhook payload to url.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
