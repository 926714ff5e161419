// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/voltmq/broker/events"
	"github.com/absmach/voltmq/config"
)

type mockSender struct {
	mu          sync.Mutex
	sendCount   int32
	sendFunc    func(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
	lastURL     string
	lastHeaders map[string]string
	lastPayload []byte
}

func newMockSender() *mockSender {
	return &mockSender{
		sendFunc: func(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
			return nil
		},
	}
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	atomic.AddInt32(&m.sendCount, 1)
	m.mu.Lock()
	m.lastURL = url
	m.lastHeaders = headers
	m.lastPayload = payload
	m.mu.Unlock()
	return m.sendFunc(ctx, url, headers, payload, timeout)
}

func (m *mockSender) getSendCount() int {
	return int(atomic.LoadInt32(&m.sendCount))
}

func (m *mockSender) resetCount() {
	atomic.StoreInt32(&m.sendCount, 0)
}

func (m *mockSender) getLastPayload() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPayload
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		QueueSize:  100,
		DropPolicy: "oldest",
		Workers:    2,
		Defaults: config.WebhookDefaults{
			Timeout: 5 * time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     1,
				InitialInterval: time.Second,
				MaxInterval:     10 * time.Second,
				Multiplier:      2.0,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     10 * time.Second,
			},
		},
		ShutdownTimeout: 5 * time.Second,
		Endpoints:       endpoints,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewNotifier(t *testing.T) {
	cfg := testConfig(config.WebhookEndpoint{
		Name: "test-endpoint",
		Type: "http",
		URL:  "http://example.com/webhook",
		Headers: map[string]string{
			"Authorization": "Bearer token",
		},
	})

	sender := newMockSender()
	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	if len(notifier.endpoints) != 1 {
		t.Errorf("expected 1 endpoint, got %d", len(notifier.endpoints))
	}
	if notifier.breakers["test-endpoint"] == nil {
		t.Error("expected circuit breaker for endpoint")
	}
}

func TestNewNotifierNilSender(t *testing.T) {
	if _, err := NewNotifier(testConfig(), "broker-1", nil, nil); err == nil {
		t.Error("expected error for nil sender, got nil")
	}
}

func TestNotifySuccess(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(config.WebhookEndpoint{
		Name: "test",
		Type: "http",
		URL:  "http://example.com/webhook",
	})

	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	event := events.ClientConnected{
		ClientID:     "client-1",
		CleanSession: true,
		KeepAlive:    60,
		RemoteAddr:   "192.168.1.100:1234",
	}
	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if sender.getSendCount() != 1 {
		t.Errorf("expected 1 send, got %d", sender.getSendCount())
	}
}

func TestNotifyEventTypeFilter(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(config.WebhookEndpoint{
		Name: "test",
		Type: "http",
		URL:  "http://example.com/webhook",
		Events: []string{
			events.TypeClientConnected,
			events.TypeMessagePublished,
		},
	})
	cfg.Workers = 1

	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), events.ClientConnected{ClientID: "client-1"})
	notifier.Notify(context.Background(), events.ClientDisconnected{ClientID: "client-1"})

	time.Sleep(100 * time.Millisecond)

	if sender.getSendCount() != 1 {
		t.Errorf("expected 1 send (filtered), got %d", sender.getSendCount())
	}
}

func TestNotifyTopicFilter(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(config.WebhookEndpoint{
		Name: "test",
		Type: "http",
		URL:  "http://example.com/webhook",
		TopicFilters: []string{
			"sensors/#",
			"devices/+/telemetry",
		},
	})
	cfg.Workers = 1

	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	tests := []struct {
		topic       string
		shouldMatch bool
	}{
		{"sensors/temperature", true},
		{"sensors/humidity/room1", true},
		{"devices/device1/telemetry", true},
		{"devices/device2/telemetry", true},
		{"other/topic", false},
		{"devices/device1/status", false},
	}

	for _, tt := range tests {
		sender.resetCount()

		notifier.Notify(context.Background(), events.MessagePublished{
			MessageTopic: tt.topic,
			ClientID:     "client-1",
			QoS:          1,
		})
		time.Sleep(50 * time.Millisecond)

		expected := 0
		if tt.shouldMatch {
			expected = 1
		}
		if sender.getSendCount() != expected {
			t.Errorf("topic %s: expected %d sends, got %d", tt.topic, expected, sender.getSendCount())
		}
	}
}

func TestNotifyPayloadStripped(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(config.WebhookEndpoint{
		Name: "test",
		Type: "http",
		URL:  "http://example.com/webhook",
	})
	cfg.Workers = 1

	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), events.MessagePublished{
		ClientID:     "client-1",
		MessageTopic: "sensors/temp",
		Payload:      "aGVsbG8=",
		PayloadSize:  5,
	})
	time.Sleep(100 * time.Millisecond)

	if bytes.Contains(sender.getLastPayload(), []byte(`"payload":`)) {
		t.Errorf("expected payload stripped, got %s", sender.getLastPayload())
	}
}

func TestNotifyPayloadIncluded(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(config.WebhookEndpoint{
		Name: "test",
		Type: "http",
		URL:  "http://example.com/webhook",
	})
	cfg.Workers = 1
	cfg.IncludePayload = true

	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), events.MessagePublished{
		ClientID:     "client-1",
		MessageTopic: "sensors/temp",
		Payload:      "aGVsbG8=",
		PayloadSize:  5,
	})
	time.Sleep(100 * time.Millisecond)

	if !bytes.Contains(sender.getLastPayload(), []byte(`"payload":"aGVsbG8="`)) {
		t.Errorf("expected payload in webhook body, got %s", sender.getLastPayload())
	}
}

func TestNotifierRetry(t *testing.T) {
	attemptCount := int32(0)
	sender := newMockSender()
	sender.sendFunc = func(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
		if atomic.AddInt32(&attemptCount, 1) < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{
		Name: "test",
		Type: "http",
		URL:  "http://example.com/webhook",
	})
	cfg.Workers = 1
	cfg.Defaults.Retry = config.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
	}
	cfg.Defaults.CircuitBreaker.FailureThreshold = 10

	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), events.ClientConnected{ClientID: "client-1"})

	time.Sleep(500 * time.Millisecond)

	if got := atomic.LoadInt32(&attemptCount); got != 3 {
		t.Errorf("expected 3 attempts (2 retries), got %d", got)
	}
}

func TestNotifierQueueOverflowDropOldest(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{
		Name: "test",
		Type: "http",
		URL:  "http://example.com/webhook",
	})
	cfg.QueueSize = 5
	cfg.Workers = 1
	cfg.Defaults.CircuitBreaker.FailureThreshold = 10

	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	for i := 0; i < 10; i++ {
		notifier.Notify(context.Background(), events.ClientConnected{ClientID: "client-1"})
	}

	time.Sleep(1500 * time.Millisecond)

	// The drop policy sheds some of the 10 but the pipeline keeps moving.
	if sender.getSendCount() == 0 {
		t.Error("expected some events to be processed")
	}
	t.Logf("processed %d events with queue size 5", sender.getSendCount())
}

func TestNotifierGracefulShutdown(t *testing.T) {
	processedCount := int32(0)
	sender := newMockSender()
	sender.sendFunc = func(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
		atomic.AddInt32(&processedCount, 1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{
		Name: "test",
		Type: "http",
		URL:  "http://example.com/webhook",
	})
	cfg.Workers = 3
	cfg.ShutdownTimeout = time.Second
	cfg.Defaults.CircuitBreaker.FailureThreshold = 10

	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}

	for i := 0; i < 5; i++ {
		notifier.Notify(context.Background(), events.ClientConnected{ClientID: "client-1"})
	}

	notifier.Close()

	// Workers drain the queue before exiting, so nothing queued is lost.
	if got := atomic.LoadInt32(&processedCount); got != 5 {
		t.Errorf("expected all 5 queued events delivered during shutdown, got %d", got)
	}
}
