package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bananafyi/tokens/pkg/cache"
	"github.com/bananafyi/tokens/pkg/events"
	"go.uber.org/zap"
)

// Sender delivers one event to one channel.
type Sender interface {
	Send(ctx context.Context, event events.Event) error
}

// Service forwards ledger events from the bus to operator channels, retrying
// failed deliveries in the background.
type Service struct {
	config *Config
	cache  *cache.Cache
	logger *zap.Logger
	bus    *events.Bus

	senders map[string]Sender

	retryQueue chan *DeliveryTask
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	metrics *Metrics
}

// DeliveryTask is one event bound for one channel.
type DeliveryTask struct {
	ID         string
	Event      events.Event
	Channel    string
	Attempt    int
	MaxRetries int
	CreatedAt  time.Time
}

// NewService builds the service. A nil cache disables cross-replica dedupe.
func NewService(config *Config, cache *cache.Cache, logger *zap.Logger, bus *events.Bus) (*Service, error) {
	if !config.Enabled {
		logger.Info("notification service is disabled")
		return &Service{config: config, logger: logger}, nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		config:     config,
		cache:      cache,
		logger:     logger,
		bus:        bus,
		senders:    make(map[string]Sender),
		retryQueue: make(chan *DeliveryTask, config.RetryQueueSize),
		stopChan:   make(chan struct{}),
		metrics:    NewMetrics(),
	}

	if config.SlackEnabled {
		s.senders[ChannelSlack] = NewSlackAdapter(config.SlackWebhookURL, config.SlackChannel, logger)
		logger.Info("slack notifications enabled", zap.String("webhook_url", maskURL(config.SlackWebhookURL)))
	}
	if config.WebhookEnabled {
		s.senders[ChannelWebhook] = NewWebhookAdapter(config.WebhookURL, config.WebhookSecret, config.WebhookMethod, config.WebhookHeaders, logger)
		logger.Info("webhook notifications enabled",
			zap.String("url", maskURL(config.WebhookURL)),
			zap.Bool("signed", config.WebhookSecret != ""),
		)
	}

	return s, nil
}

// Start subscribes to the configured event types and launches retry workers.
// Workers exit when ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	if !s.config.Enabled {
		return
	}

	for _, eventType := range s.config.Events {
		s.bus.Subscribe(events.EventType(eventType), s.handleEvent)
	}

	for i := 0; i < s.config.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(ctx, i)
	}

	s.logger.Info("notification service started",
		zap.Strings("events", s.config.Events),
		zap.Int("retry_workers", s.config.RetryWorkers),
	)
}

// Stop signals the retry workers and waits for them or for ctx.
func (s *Service) Stop(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}
	s.stopOnce.Do(func() { close(s.stopChan) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if pending := len(s.retryQueue); pending > 0 {
			s.logger.Warn("notification service stopped with pending retries", zap.Int("pending", pending))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification workers did not stop: %w", ctx.Err())
	}
}

func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	if !s.claim(ctx, event.ID) {
		s.logger.Debug("event already notified", zap.String("event_id", event.ID))
		return nil
	}

	for _, channel := range s.config.ChannelsFor(string(event.Type)) {
		task := &DeliveryTask{
			ID:         event.ID + "-" + channel,
			Event:      event,
			Channel:    channel,
			MaxRetries: s.config.MaxRetries,
			CreatedAt:  time.Now(),
		}
		if err := s.deliver(ctx, task); err != nil {
			s.enqueueRetry(task)
		}
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, task *DeliveryTask) error {
	sender, ok := s.senders[task.Channel]
	if !ok {
		return fmt.Errorf("channel %s is not enabled", task.Channel)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := sender.Send(ctx, task.Event)
	duration := time.Since(start)

	eventType := string(task.Event.Type)
	if err != nil {
		s.metrics.RecordDelivery(task.Channel, eventType, "failed", duration)
		s.logger.Warn("notification delivery failed",
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempt),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return err
	}

	s.metrics.RecordDelivery(task.Channel, eventType, "success", duration)
	s.logger.Info("notification delivered",
		zap.String("event_id", task.Event.ID),
		zap.String("event_type", eventType),
		zap.String("channel", task.Channel),
		zap.Int("attempt", task.Attempt),
	)
	return nil
}

func (s *Service) enqueueRetry(task *DeliveryTask) {
	task.Attempt++
	if task.Attempt > task.MaxRetries {
		s.metrics.RecordDropped(task.Channel, "max_retries")
		s.logger.Error("notification abandoned after retries",
			zap.String("task_id", task.ID),
			zap.String("event_type", string(task.Event.Type)),
			zap.Int("attempts", task.Attempt),
		)
		return
	}

	// A worker owns the task once it is on the queue.
	taskID, channel, attempt := task.ID, task.Channel, task.Attempt
	select {
	case s.retryQueue <- task:
		s.metrics.RecordRetry(channel, attempt)
		s.metrics.SetQueueDepth(len(s.retryQueue))
	default:
		s.metrics.RecordDropped(channel, "queue_full")
		s.logger.Error("retry queue full, dropping notification", zap.String("task_id", taskID))
	}
}

func (s *Service) retryWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case task := <-s.retryQueue:
			s.metrics.SetQueueDepth(len(s.retryQueue))

			timer := time.NewTimer(s.backoff(task.Attempt))
			select {
			case <-s.stopChan:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := s.deliver(ctx, task); err != nil {
				s.logger.Debug("retry failed",
					zap.Int("worker_id", workerID),
					zap.String("task_id", task.ID),
				)
				s.enqueueRetry(task)
			}
		}
	}
}

// backoff doubles from the configured base and is capped at MaxBackoff.
func (s *Service) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	maxBackoff := s.config.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	d := s.config.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// claim reports whether this replica should notify for eventID. Without
// Redis every event is claimed.
func (s *Service) claim(ctx context.Context, eventID string) bool {
	if s.cache == nil {
		return true
	}
	ok, err := s.cache.SetNX(ctx, "notifications:processed:"+eventID, "1", s.config.DedupeTTL)
	if err != nil {
		s.logger.Warn("notification dedupe unavailable", zap.Error(err))
		return true
	}
	return ok
}

// maskURL keeps webhook secrets embedded in URLs out of the logs.
func maskURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
