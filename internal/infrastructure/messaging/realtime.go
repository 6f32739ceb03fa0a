// Package messaging publishes per-user realtime notifications over Redis
// pub/sub. Delivery to browsers is done by whatever gateway subscribes to
// the channel.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/pkg/logger"
	"github.com/maternar/progression/pkg/timeutil"
)

// DefaultChannel is the pub/sub channel notifications are published on.
const DefaultChannel = "realtime"

// Event names sent to clients.
const (
	EventLessonCompleted     = progress.NotifyLessonCompleted
	EventStreakUpdated       = progress.NotifyStreakUpdated
	EventCourseCompleted     = progress.NotifyCourseCompleted
	EventAchievementUnlocked = progress.NotifyAchievementUnlocked
)

// Message is the wire envelope of a notification.
type Message struct {
	UserID  string          `json:"userId"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

// ══════════════════════════════════════════════════════════════════════════════
// PUBLISHER
// ══════════════════════════════════════════════════════════════════════════════

// Config configures a Publisher.
type Config struct {
	Channel string

	// PublishTimeout bounds a single background publish.
	PublishTimeout time.Duration

	// Allow filters recipients, e.g. by feature rollout. Nil allows everyone.
	Allow func(userID string) bool
}

// DefaultConfig returns the default publisher configuration.
func DefaultConfig() Config {
	return Config{Channel: DefaultChannel, PublishTimeout: 2 * time.Second}
}

// Publisher is a fire-and-forget progress.Broadcaster.
type Publisher struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	allow   func(string) bool
	clock   timeutil.Clock
	log     *logger.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPublisher creates a Publisher. A nil client turns NotifyUser into a no-op.
func NewPublisher(client *redis.Client, cfg Config, clock timeutil.Clock, log *logger.Logger) *Publisher {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Publisher{
		client:  client,
		channel: cfg.Channel,
		timeout: cfg.PublishTimeout,
		allow:   cfg.Allow,
		clock:   clock,
		log:     log.With(logger.Component("realtime")),
	}
}

var _ progress.Broadcaster = (*Publisher)(nil)

// NotifyUser publishes in the background and returns immediately. Failures
// are logged. The request context only contributes its values; the publish
// outlives the request.
func (p *Publisher) NotifyUser(ctx context.Context, userID, event string, payload any) {
	if p.client == nil || userID == "" {
		return
	}
	if p.allow != nil && !p.allow(userID) {
		return
	}

	msg, err := p.encode(userID, event, payload)
	if err != nil {
		p.log.Error("failed to encode realtime message",
			logger.UserID(userID), logger.Event(event), logger.Err(err))
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()

		if err := p.client.Publish(pctx, p.channel, msg).Err(); err != nil {
			p.log.Warn("realtime publish failed",
				logger.UserID(userID), logger.Event(event), logger.Err(err))
		}
	}()
}

func (p *Publisher) encode(userID, event string, payload any) ([]byte, error) {
	m := Message{UserID: userID, Event: event, SentAt: p.clock.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("messaging: encode payload: %w", err)
		}
		m.Payload = raw
	}
	return json.Marshal(m)
}

// Close waits for in-flight publishes. It does not close the Redis client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}
