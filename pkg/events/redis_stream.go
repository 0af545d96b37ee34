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

const payloadField = "event"

// RedisStream shares catalog events between catalog instances. Every instance
// reads the whole stream (no consumer group) and skips its own events.
type RedisStream struct {
	client     *redis.Client
	stream     string
	origin     string
	maxLen     int64
	block      time.Duration
	readCount  int64
	retryDelay time.Duration
	logger     *slog.Logger
}

type RedisStreamConfig struct {
	Addr       string
	Password   string
	Stream     string
	Origin     string
	MaxLen     int64
	Block      time.Duration
	ReadCount  int64
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func NewRedisStream(cfg RedisStreamConfig) (*RedisStream, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("event stream required")
	}
	if strings.TrimSpace(cfg.Origin) == "" {
		return nil, errors.New("event origin required")
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 50
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStream{
		client:     redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:     stream,
		origin:     cfg.Origin,
		maxLen:     maxLen,
		block:      block,
		readCount:  readCount,
		retryDelay: retryDelay,
		logger:     logger,
	}, nil
}

// Publish appends ev to the stream.
func (s *RedisStream) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: string(payload)},
	}).Err()
}

// Start positions a reader at the current end of the stream and delivers every
// later event from other origins to sink until ctx is done.
func (s *RedisStream) Start(ctx context.Context, sink Handler) error {
	last, err := s.tail(ctx)
	if err != nil {
		return err
	}
	go s.consumeLoop(ctx, last, sink)
	return nil
}

func (s *RedisStream) Close() error {
	return s.client.Close()
}

func (s *RedisStream) tail(ctx context.Context) (string, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("read stream tail: %w", err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (s *RedisStream) consumeLoop(ctx context.Context, last string, sink Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, last},
			Count:   s.readCount,
			Block:   s.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			s.logger.Warn("event stream read failed", "stream", s.stream, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryDelay):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				last = msg.ID
				ev, ok := s.decode(msg)
				if !ok || ev.Origin == s.origin {
					continue
				}
				sink(ctx, ev)
			}
		}
	}
}

func (s *RedisStream) decode(msg redis.XMessage) (Event, bool) {
	raw, _ := msg.Values[payloadField].(string)
	if raw == "" {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		s.logger.Warn("dropping malformed event", "stream", s.stream, "id", msg.ID, "err", err)
		return Event{}, false
	}
	return ev, true
}
