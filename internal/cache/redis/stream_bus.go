package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	// streamMaxLen is the approximate maximum stream length, enforced via
	// XADD MAXLEN ~.
	streamMaxLen int64 = 10000

	// readBlock is how long XREADGROUP blocks waiting for new entries.
	readBlock = 2 * time.Second

	// readCount caps how many entries one XREADGROUP call delivers.
	readCount = 32
)

// LagFunc is invoked when a consumed message is older than the configured
// processing-lag threshold.
type LagFunc func(ctx context.Context, stream string, env domain.Envelope, lag time.Duration)

// StreamBus implements domain.EventBus on Redis Streams with consumer
// groups. Failed messages are copied to the dead-letter stream and always
// acknowledged, so a poisoned message cannot wedge the group.
type StreamBus struct {
	rdb    *redis.Client
	logger *slog.Logger

	// LagThreshold enables processing-lag detection when > 0.
	LagThreshold time.Duration
	OnLag        LagFunc
}

// NewStreamBus creates a StreamBus backed by the given Client.
func NewStreamBus(c *Client, logger *slog.Logger) *StreamBus {
	return &StreamBus{
		rdb:    c.Underlying(),
		logger: logger.With(slog.String("component", "stream_bus")),
	}
}

// Publish appends an envelope to the given stream. The envelope rides in the
// "data" field with its type mirrored in "type" for cheap filtering.
func (b *StreamBus) Publish(ctx context.Context, stream string, env domain.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis: marshal envelope %s: %w", env.EventID, err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": raw,
			"type": env.Type,
		},
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// ensureGroup creates the consumer group from the beginning of the stream,
// creating the stream if needed. An already-existing group is not an error.
func (b *StreamBus) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0-0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis: create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Consume joins the consumer group on stream and dispatches every delivered
// entry to handler until ctx is cancelled. Handler errors route the entry to
// stream:dlq; the entry is acknowledged in both paths.
func (b *StreamBus) Consume(ctx context.Context, stream, group, consumer string, handler domain.Handler) error {
	if err := b.ensureGroup(ctx, stream, group); err != nil {
		return err
	}

	log := b.logger.With(
		slog.String("stream", stream),
		slog.String("group", group),
	)
	log.Info("consumer started", slog.String("consumer", consumer))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("read group failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range res {
			for _, entry := range s.Messages {
				b.dispatch(ctx, log, stream, group, entry, handler)
			}
		}
	}
}

func (b *StreamBus) dispatch(ctx context.Context, log *slog.Logger, stream, group string, entry redis.XMessage, handler domain.Handler) {
	// Acknowledge unconditionally once dispatch returns; redelivery of a
	// message that already failed into the DLQ helps nobody.
	defer func() {
		if err := b.rdb.XAck(ctx, stream, group, entry.ID).Err(); err != nil && ctx.Err() == nil {
			log.Warn("ack failed", slog.String("id", entry.ID), slog.Any("error", err))
		}
	}()

	env, err := decodeEntry(entry)
	if err != nil {
		log.Warn("malformed entry", slog.String("id", entry.ID), slog.Any("error", err))
		b.deadLetter(ctx, stream, entry, err)
		return
	}

	if b.LagThreshold > 0 && b.OnLag != nil {
		if lag := env.Age(time.Now()); lag > b.LagThreshold {
			b.OnLag(ctx, stream, env, lag)
		}
	}

	msg := domain.StreamMessage{ID: entry.ID, Type: env.Type, Envelope: env}
	if err := handler(ctx, msg); err != nil {
		log.Error("handler failed",
			slog.String("id", entry.ID),
			slog.String("event_id", env.EventID),
			slog.Any("error", err),
		)
		b.deadLetter(ctx, stream, entry, err)
	}
}

// deadLetter copies a failed entry to the dead-letter stream, annotated with
// the failure and its origin.
func (b *StreamBus) deadLetter(ctx context.Context, source string, entry redis.XMessage, cause error) {
	values := map[string]interface{}{
		"error":         cause.Error(),
		"source_stream": source,
		"source_id":     entry.ID,
		"failed_at_ms":  time.Now().UnixMilli(),
	}
	if data, ok := entry.Values["data"]; ok {
		values["data"] = data
	}
	if typ, ok := entry.Values["type"]; ok {
		values["type"] = typ
	}

	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: domain.StreamDLQ,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil && ctx.Err() == nil {
		b.logger.Error("dead-letter append failed",
			slog.String("source", source),
			slog.String("id", entry.ID),
			slog.Any("error", err),
		)
	}
}

func decodeEntry(entry redis.XMessage) (domain.Envelope, error) {
	raw, ok := entry.Values["data"]
	if !ok {
		return domain.Envelope{}, fmt.Errorf("redis: entry %s has no data field", entry.ID)
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return domain.Envelope{}, fmt.Errorf("redis: entry %s data has type %T", entry.ID, raw)
	}

	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.Envelope{}, fmt.Errorf("redis: decode envelope: %w", err)
	}
	if env.SchemaVersion != domain.EnvelopeSchemaVersion {
		return domain.Envelope{}, fmt.Errorf("redis: envelope %s has schema_version %d", env.EventID, env.SchemaVersion)
	}
	return env, nil
}

// Compile-time interface check.
var _ domain.EventBus = (*StreamBus)(nil)
