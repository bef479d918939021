package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Handler func(ctx context.Context, event Event) error

// ErrMalformedEvent marks a message that can never be handled. The
// subscriber acknowledges such messages instead of leaving them pending.
var ErrMalformedEvent = errors.New("malformed event")

// Subscriber consumes one stream as a member of a consumer group. Messages
// whose handler fails stay pending and are reclaimed once they have been
// idle for ReclaimIdle.
type Subscriber struct {
	client   *redis.Client
	cfg      SubscriberConfig
	logger   *slog.Logger
	lastScan time.Time
}

type SubscriberConfig struct {
	Group         string
	Consumer      string
	Stream        string
	Handler       Handler
	BatchSize     int64
	BlockDuration time.Duration
	// ReclaimIdle is how long a message may sit unacknowledged before it is
	// handed to this consumer again.
	ReclaimIdle time.Duration
	Logger      *slog.Logger
}

func NewSubscriber(client *redis.Client, cfg SubscriberConfig) *Subscriber {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockDuration == 0 {
		cfg.BlockDuration = 5 * time.Second
	}
	if cfg.ReclaimIdle == 0 {
		cfg.ReclaimIdle = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Subscriber{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger.With("stream", cfg.Stream, "group", cfg.Group),
	}
}

// Start consumes the stream until ctx is cancelled.
func (s *Subscriber) Start(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	s.logger.Info("subscriber started", "consumer", s.cfg.Consumer)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("subscriber stopping")
			return ctx.Err()
		default:
		}

		if time.Since(s.lastScan) >= s.cfg.ReclaimIdle {
			s.lastScan = time.Now()
			if err := s.reclaim(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("failed to reclaim pending messages", "error", err)
			}
		}
		if err := s.readNew(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Error("error reading messages", "error", err)
			time.Sleep(time.Second)
		}
	}
}

func (s *Subscriber) readNew(ctx context.Context) error {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, ">"},
		Count:    s.cfg.BatchSize,
		Block:    s.cfg.BlockDuration,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}
	for _, stream := range streams {
		s.dispatch(ctx, stream.Messages)
	}
	return nil
}

// reclaim takes over messages left pending by failed handlers or by
// consumers that died mid-batch.
func (s *Subscriber) reclaim(ctx context.Context) error {
	start := "0-0"
	for {
		messages, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.cfg.Stream,
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			MinIdle:  s.cfg.ReclaimIdle,
			Start:    start,
			Count:    s.cfg.BatchSize,
		}).Result()
		if err != nil {
			return fmt.Errorf("failed to claim pending messages: %w", err)
		}
		if len(messages) > 0 {
			s.logger.Info("reclaimed pending messages", "count", len(messages))
		}
		s.dispatch(ctx, messages)
		if next == "0-0" || next == "" {
			return nil
		}
		start = next
	}
}

func (s *Subscriber) dispatch(ctx context.Context, messages []redis.XMessage) {
	for _, message := range messages {
		if err := s.process(ctx, message); err != nil {
			if !errors.Is(err, ErrMalformedEvent) {
				s.logger.Error("failed to process message", "id", message.ID, "error", err)
				continue
			}
			s.logger.Warn("dropping malformed message", "id", message.ID, "error", err)
		}
		if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, message.ID).Err(); err != nil {
			s.logger.Warn("failed to ack message", "id", message.ID, "error", err)
		}
	}
}

func (s *Subscriber) process(ctx context.Context, message redis.XMessage) error {
	raw, ok := message.Values["event"].(string)
	if !ok {
		return fmt.Errorf("%w: message %s has no event field", ErrMalformedEvent, message.ID)
	}
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return s.cfg.Handler(ctx, event)
}
