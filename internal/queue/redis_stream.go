package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fraudshield/fraud-engine/configs"
	"github.com/fraudshield/fraud-engine/internal/models"
)

// Messages pending longer than this are eligible for reclaiming by
// another consumer.
const claimIdleThreshold = 30 * time.Second

// StreamMessage is one transaction event read from the stream.
type StreamMessage struct {
	ID    string
	Event *models.TransactionEvent
}

// streamCommands is the slice of the Redis API the stream client uses.
// Satisfied by *redis.Client.
type streamCommands interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XPending(ctx context.Context, stream, group string) *redis.XPendingCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	Close() error
}

// RedisStreamClient moves transaction events through a Redis Stream with
// a consumer group, retry requeueing, and a dead letter stream.
type RedisStreamClient struct {
	client           streamCommands
	streamName       string
	consumerGroup    string
	deadLetterStream string
	maxRetries       int
}

// NewRedisStreamClient connects to Redis and ensures the consumer group
// exists.
func NewRedisStreamClient(cfg configs.RedisConfig) (*RedisStreamClient, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	rsc := &RedisStreamClient{
		client:           client,
		streamName:       cfg.StreamName,
		consumerGroup:    cfg.ConsumerGroup,
		deadLetterStream: cfg.DeadLetterStream,
		maxRetries:       cfg.MaxRetries,
	}

	// MKSTREAM creates the stream alongside the group when missing.
	err = client.XGroupCreateMkStream(ctx, rsc.streamName, rsc.consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	log.Info().
		Str("stream", rsc.streamName).
		Str("group", rsc.consumerGroup).
		Msg("Redis Stream client initialized")
	return rsc, nil
}

// Publish appends a transaction event to the stream.
func (r *RedisStreamClient) Publish(ctx context.Context, event *models.TransactionEvent) (string, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	msgID, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamName,
		Values: map[string]interface{}{"data": string(eventJSON)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().
		Str("message_id", msgID).
		Str("transaction_id", event.TransactionID).
		Msg("Event published to stream")
	return msgID, nil
}

// Consume reads up to count events for a consumer. Abandoned pending
// messages are reclaimed before new ones are fetched.
func (r *RedisStreamClient) Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]StreamMessage, error) {
	reclaimed, err := r.claimAbandoned(ctx, consumerName, count)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to claim pending messages")
	}
	if len(reclaimed) > 0 {
		return reclaimed, nil
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.consumerGroup,
		Consumer: consumerName,
		Streams:  []string{r.streamName, ">"},
		Count:    count,
		Block:    blockDuration,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []StreamMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			event, err := parseMessage(msg)
			if err != nil {
				r.discardUnparseable(ctx, msg, err)
				continue
			}
			messages = append(messages, StreamMessage{ID: msg.ID, Event: event})
		}
	}
	return messages, nil
}

// claimAbandoned takes over messages another consumer read but never
// acknowledged.
func (r *RedisStreamClient) claimAbandoned(ctx context.Context, consumerName string, count int64) ([]StreamMessage, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.streamName,
		Group:  r.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}

	var stale []string
	for _, p := range pending {
		if p.Idle >= claimIdleThreshold {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.streamName,
		Group:    r.consumerGroup,
		Consumer: consumerName,
		MinIdle:  claimIdleThreshold,
		Messages: stale,
	}).Result()
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, msg := range claimed {
		event, err := parseMessage(msg)
		if err != nil {
			r.discardUnparseable(ctx, msg, err)
			continue
		}
		messages = append(messages, StreamMessage{ID: msg.ID, Event: event})
	}
	return messages, nil
}

// discardUnparseable parks a message that cannot be decoded on the dead
// letter stream and acknowledges it, so it never spins through the
// pending-claim loop. The ack is skipped when the dead letter write
// fails; the message then stays pending for a later attempt.
func (r *RedisStreamClient) discardUnparseable(ctx context.Context, msg redis.XMessage, cause error) {
	raw, _ := msg.Values["data"].(string)
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.deadLetterStream,
		Values: map[string]interface{}{
			"data":  raw,
			"error": cause.Error(),
		},
	}).Err()
	if err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to dead letter unparseable message")
		return
	}

	if err := r.Acknowledge(ctx, msg.ID); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to acknowledge unparseable message")
		return
	}
	log.Warn().Err(cause).Str("message_id", msg.ID).Msg("Unparseable message sent to dead letter queue")
}

func parseMessage(msg redis.XMessage) (*models.TransactionEvent, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid message format")
	}
	var event models.TransactionEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &event, nil
}

// Acknowledge marks messages as processed.
func (r *RedisStreamClient) Acknowledge(ctx context.Context, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, r.streamName, r.consumerGroup, messageIDs...).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge messages: %w", err)
	}
	return nil
}

// MaxRetries is the requeue budget before a message goes to the DLQ.
func (r *RedisStreamClient) MaxRetries() int {
	return r.maxRetries
}

// Requeue publishes the event again with its retry count bumped.
func (r *RedisStreamClient) Requeue(ctx context.Context, event *models.TransactionEvent) error {
	event.RetryCount++
	_, err := r.Publish(ctx, event)
	return err
}

// SendToDeadLetter parks an event that exhausted its retries.
func (r *RedisStreamClient) SendToDeadLetter(ctx context.Context, event *models.TransactionEvent, cause error) error {
	eventJSON, _ := json.Marshal(event)

	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.deadLetterStream,
		Values: map[string]interface{}{
			"data":  string(eventJSON),
			"error": cause.Error(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to send to dead letter: %w", err)
	}

	log.Warn().
		Str("transaction_id", event.TransactionID).
		Err(cause).
		Msg("Message sent to dead letter queue")
	return nil
}

// PendingCount reports unacknowledged messages for the consumer group.
func (r *RedisStreamClient) PendingCount(ctx context.Context) (int64, error) {
	pending, err := r.client.XPending(ctx, r.streamName, r.consumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}

// Close closes the underlying Redis connection.
func (r *RedisStreamClient) Close() error {
	return r.client.Close()
}

// CacheClient is a thin JSON cache over Redis, shared by the assessment
// cache and the analytics snapshot writer.
type CacheClient struct {
	client *redis.Client
}

// NewCacheClient connects a cache client to Redis.
func NewCacheClient(cfg configs.RedisConfig) (*CacheClient, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &CacheClient{client: client}, nil
}

// Set stores a JSON-encoded value with a TTL.
func (c *CacheClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, expiration).Err()
}

// Get decodes a JSON value into dest. Returns redis.Nil when absent.
func (c *CacheClient) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete removes keys.
func (c *CacheClient) Delete(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Close closes the cache client.
func (c *CacheClient) Close() error {
	return c.client.Close()
}
