// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/absmach/voltmq/broker/events"
	"github.com/absmach/voltmq/config"
	"github.com/absmach/voltmq/topics"
)

// GenericNotifier fans broker events out to configured endpoints. Each
// endpoint filters by event type and topic, runs behind its own circuit
// breaker and retries failed deliveries with exponential backoff.
type GenericNotifier struct {
	cfg            config.WebhookConfig
	brokerID       string
	endpoints      []endpointConfig
	eventQueue     chan eventJob
	breakers       map[string]*gobreaker.CircuitBreaker
	sender         Sender
	logger         *slog.Logger
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
	includePayload bool
}

type endpointConfig struct {
	name         string
	url          string
	eventFilters map[string]bool
	topicFilters []string
	headers      map[string]string
	timeout      time.Duration
	retryConfig  config.RetryConfig
}

type eventJob struct {
	event    events.Event
	endpoint endpointConfig
	attempt  int
}

// NewNotifier creates a webhook notifier and starts its worker pool.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		eventFilters := make(map[string]bool, len(ep.Events))
		for _, eventType := range ep.Events {
			eventFilters[eventType] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}

		retryConfig := cfg.Defaults.Retry
		if ep.Retry != nil {
			retryConfig = *ep.Retry
		}

		endpoints = append(endpoints, endpointConfig{
			name:         ep.Name,
			url:          ep.URL,
			eventFilters: eventFilters,
			topicFilters: ep.TopicFilters,
			headers:      ep.Headers,
			timeout:      timeout,
			retryConfig:  retryConfig,
		})
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	n := &GenericNotifier{
		cfg:            cfg,
		brokerID:       brokerID,
		endpoints:      endpoints,
		eventQueue:     make(chan eventJob, cfg.QueueSize),
		breakers:       breakers,
		sender:         sender,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		includePayload: cfg.IncludePayload,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues an event for every matching endpoint. When the queue is
// full, the "oldest" drop policy evicts the head to make room and the
// "newest" policy drops the incoming event.
func (n *GenericNotifier) Notify(ctx context.Context, event any) error {
	ev, ok := event.(events.Event)
	if !ok {
		return fmt.Errorf("event must implement events.Event interface")
	}

	if mp, isPublish := ev.(events.MessagePublished); isPublish && !n.includePayload {
		mp.Payload = ""
		ev = mp
	}

	for _, endpoint := range n.endpoints {
		if !n.shouldNotify(endpoint, ev) {
			continue
		}

		job := eventJob{
			event:    ev,
			endpoint: endpoint,
		}

		select {
		case n.eventQueue <- job:
		default:
			if n.cfg.DropPolicy == "oldest" {
				select {
				case <-n.eventQueue:
				default:
				}
				select {
				case n.eventQueue <- job:
					continue
				default:
				}
			}
			n.logger.Error("webhook queue full, event dropped",
				slog.String("event_type", ev.Type()),
				slog.String("endpoint", endpoint.name))
		}
	}

	return nil
}

// shouldNotify reports whether an endpoint's filters accept this event.
func (n *GenericNotifier) shouldNotify(endpoint endpointConfig, event events.Event) bool {
	if len(endpoint.eventFilters) > 0 && !endpoint.eventFilters[event.Type()] {
		return false
	}

	// Topic filters only apply to events that carry a topic.
	if event.Topic() != "" && len(endpoint.topicFilters) > 0 {
		matched := false
		for _, filter := range endpoint.topicFilters {
			if topics.TopicMatch(filter, event.Topic()) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// worker processes queued events until shutdown, then drains whatever
// is left in the queue.
func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case job := <-n.eventQueue:
			n.processJob(job)
		case <-n.ctx.Done():
			for {
				select {
				case job := <-n.eventQueue:
					n.processJob(job)
				default:
					return
				}
			}
		}
	}
}

// processJob sends one webhook through the endpoint's circuit breaker,
// rescheduling failures until the retry budget runs out.
func (n *GenericNotifier) processJob(job eventJob) {
	breaker := n.breakers[job.endpoint.name]

	_, err := breaker.Execute(func() (any, error) {
		return nil, n.sendWebhook(job)
	})
	if err == nil {
		return
	}

	if job.attempt < job.endpoint.retryConfig.MaxAttempts-1 {
		job.attempt++
		delay := retryDelay(job.attempt, job.endpoint.retryConfig)

		n.logger.Debug("webhook delivery failed, retrying",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.event.Type()),
			slog.Int("attempt", job.attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))

		time.AfterFunc(delay, func() {
			select {
			case n.eventQueue <- job:
			default:
				n.logger.Error("failed to requeue event for retry",
					slog.String("endpoint", job.endpoint.name),
					slog.String("event_type", job.event.Type()))
			}
		})
		return
	}

	n.logger.Error("webhook delivery failed after max retries",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()),
		slog.Int("attempts", job.attempt+1),
		slog.String("error", err.Error()))
}

// sendWebhook marshals the enveloped event and delegates to the sender.
func (n *GenericNotifier) sendWebhook(job eventJob) error {
	envelope := job.event.Wrap(n.brokerID)

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), job.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, job.endpoint.url, job.endpoint.headers, payload, job.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()))

	return nil
}

// retryDelay computes the exponential backoff for an attempt, capped at
// the configured maximum interval.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers and gives them until the configured shutdown
// timeout to flush the queue.
func (n *GenericNotifier) Close() error {
	n.logger.Info("shutting down webhook notifier")

	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("webhook notifier stopped")
	case <-time.After(n.cfg.ShutdownTimeout):
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.eventQueue)))
	}

	return nil
}
