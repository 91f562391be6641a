// Package bus is the default MessageBus adapter (spec §6, §11): Redis
// Streams with consumer groups, giving XADD/XREADGROUP/XACK at-least-once
// delivery semantics, matching the teacher's use of go-redis for every
// Redis-backed concern (dedup cache, rate limiting) generalized here to a
// durable stream instead of a plain key.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Topic names used by the core (spec §6).
const (
	TopicLogIngestion = "log-ingestion"
	TopicLogAlarm     = "log-alarm"
)

// Handler processes one message. messageID is the Redis Stream entry ID
// (e.g. "1700000000000-0") and is stable across redelivery of the same
// entry, unlike anything a handler could derive from the payload's own
// clock-based fields; consumers that mint a persistence ID must derive it
// from messageID so a redelivered message produces the same ID (spec §5:
// "consumers must tolerate duplicate delivery"). Returning an error leaves
// the message unacknowledged so the consumer group redelivers it.
type Handler func(ctx context.Context, messageID string, payload []byte) error

// Bus is the Redis Streams-backed MessageBus.
type Bus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a Bus backed by the given Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Bus {
	return &Bus{rdb: rdb, logger: logger}
}

// Publish appends payload to topic and returns the generated message ID
// (spec §6: "publish(topic, payload) -> messageId"). A 202 response implies
// this call has returned successfully (spec P2).
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group for topic if it doesn't already
// exist, creating the stream itself on first use ($ means "new entries only"
// semantics are avoided via MkStream + "0" so a fresh group sees history).
func (b *Bus) EnsureGroup(ctx context.Context, topic, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("creating consumer group %s/%s: %w", topic, group, err)
	}
	return nil
}

func alreadyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Subscribe runs handler for every message delivered to (topic, group,
// consumer) until ctx is cancelled. It blocks for `block` per poll and
// processes up to `count` messages per batch, ack'ing only on success.
func (b *Bus) Subscribe(ctx context.Context, topic, group, consumer string, count int64, block time.Duration, handler Handler) error {
	if err := b.EnsureGroup(ctx, topic, group); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    count,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			b.logger.Error("bus: reading consumer group", "topic", topic, "error", err)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.deliver(ctx, topic, group, msg, handler)
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, topic, group string, msg redis.XMessage, handler Handler) {
	raw, _ := msg.Values["payload"].(string)

	if err := handler(ctx, msg.ID, []byte(raw)); err != nil {
		b.logger.Error("bus: handler failed, message will be redelivered",
			"topic", topic, "message_id", msg.ID, "error", err)
		return
	}

	if err := b.rdb.XAck(ctx, topic, group, msg.ID).Err(); err != nil {
		b.logger.Error("bus: ack failed", "topic", topic, "message_id", msg.ID, "error", err)
	}
}

// IngestionPayload is the normalized log submission published on accept
// (spec §4.5 step 8, glossary "Ingestion event").
type IngestionPayload struct {
	ProjectID   uuid.UUID       `json:"projectId"`
	ProjectSlug string          `json:"projectSlug"`
	Level       string          `json:"level"`
	Environment string          `json:"environment"`
	Category    string          `json:"category"`
	LogType     string          `json:"logType"`
	Hostname    string          `json:"hostname"`
	Message     string          `json:"message"`
	StackTrace  json.RawMessage `json:"stackTrace,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	TimestampMS int64           `json:"timestampMS"`
}

// AlarmEvalPayload identifies a persisted log for the alarm worker by its
// LogID and ProjectID. It does not carry the log's data; the alarm worker
// reloads the log from the store.
type AlarmEvalPayload struct {
	LogID     uuid.UUID `json:"logId"`
	ProjectID uuid.UUID `json:"projectId"`
}
