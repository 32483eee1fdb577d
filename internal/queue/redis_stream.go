package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/basetrust/reputation-engine/configs"
	"github.com/basetrust/reputation-engine/internal/models"
)

// scoreEventStream carries scored-wallet events for downstream webhook
// dispatch; nothing in this process consumes it.
const scoreEventStream = "score:events"

// reclaimIdle is how long a delivery may sit unacknowledged before
// another consumer may claim it.
const reclaimIdle = 30 * time.Second

// RedisStreamClient handles the background-refresh stream: publishing,
// consumer-group reads, stalled-delivery reclaim, and the dead-letter
// stream for entries that keep failing.
type RedisStreamClient struct {
	client           *redis.Client
	streamName       string
	consumerGroup    string
	deadLetterStream string
	maxDeliveries    int
}

// NewRedisStreamClient connects and ensures the consumer group exists.
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
		deadLetterStream: cfg.StreamName + ":dlq",
		maxDeliveries:    cfg.MaxRetries,
	}

	if err := rsc.createConsumerGroup(ctx); err != nil {
		log.Warn().Err(err).Msg("Consumer group may already exist")
	}

	log.Info().Str("stream", cfg.StreamName).Msg("Redis Stream client initialized")
	return rsc, nil
}

// createConsumerGroup creates the stream and group when absent.
func (r *RedisStreamClient) createConsumerGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.streamName, r.consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// PublishRefresh enqueues one wallet refresh request.
func (r *RedisStreamClient) PublishRefresh(ctx context.Context, event *models.RefreshEvent) (string, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	msgID, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamName,
		Values: map[string]interface{}{
			"data": string(eventJSON),
		},
	}).Result()

	if err != nil {
		return "", fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().
		Str("message_id", msgID).
		Str("wallet", event.Wallet).
		Msg("Refresh enqueued")

	return msgID, nil
}

// PublishRefreshBatch enqueues a batch of refresh requests in one
// pipeline round trip. The hourly refresh job uses it.
func (r *RedisStreamClient) PublishRefreshBatch(ctx context.Context, events []*models.RefreshEvent) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(events))

	for i, event := range events {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %d: %w", i, err)
		}

		cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.streamName,
			Values: map[string]interface{}{
				"data": string(eventJSON),
			},
		})
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to execute pipeline: %w", err)
	}

	msgIDs := make([]string, len(events))
	for i, cmd := range cmds {
		msgIDs[i] = cmd.Val()
	}

	log.Debug().Int("count", len(events)).Msg("Refresh batch enqueued")
	return msgIDs, nil
}

// PublishScoreEvent emits a scored-wallet event to the events stream.
func (r *RedisStreamClient) PublishScoreEvent(ctx context.Context, event *models.ScoreEvent) (string, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	msgID, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: scoreEventStream,
		Values: map[string]interface{}{
			"data": string(eventJSON),
		},
	}).Result()

	if err != nil {
		return "", fmt.Errorf("failed to publish score event: %w", err)
	}
	return msgID, nil
}

// Consume reads refresh requests for one consumer. Stalled deliveries
// from dead consumers are reclaimed first; entries that exceeded the
// delivery budget move to the dead-letter stream instead.
func (r *RedisStreamClient) Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]StreamMessage, error) {
	reclaimed, err := r.claimStalled(ctx, consumerName, count)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to claim stalled messages")
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
			return nil, nil // nothing waiting
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []StreamMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			event, err := parseRefreshMessage(msg)
			if err != nil {
				log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to parse message")
				continue
			}
			messages = append(messages, StreamMessage{ID: msg.ID, Event: event})
		}
	}

	return messages, nil
}

// claimStalled claims deliveries idle past the reclaim window. Entries
// already delivered maxDeliveries times are dead-lettered and acked.
func (r *RedisStreamClient) claimStalled(ctx context.Context, consumerName string, count int64) ([]StreamMessage, error) {
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
	if len(pending) == 0 {
		return nil, nil
	}

	deliveries := make(map[string]int64, len(pending))
	var messageIDs []string
	for _, p := range pending {
		if p.Idle >= reclaimIdle {
			messageIDs = append(messageIDs, p.ID)
			deliveries[p.ID] = p.RetryCount
		}
	}
	if len(messageIDs) == 0 {
		return nil, nil
	}

	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.streamName,
		Group:    r.consumerGroup,
		Consumer: consumerName,
		MinIdle:  reclaimIdle,
		Messages: messageIDs,
	}).Result()

	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, msg := range claimed {
		event, err := parseRefreshMessage(msg)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to parse claimed message")
			continue
		}

		if r.maxDeliveries > 0 && deliveries[msg.ID] >= int64(r.maxDeliveries) {
			event.RetryCount = int(deliveries[msg.ID])
			if err := r.SendToDeadLetter(ctx, event, fmt.Errorf("delivery budget exhausted")); err != nil {
				log.Error().Err(err).Str("message_id", msg.ID).Msg("Dead-letter write failed")
				continue
			}
			if err := r.Acknowledge(ctx, msg.ID); err != nil {
				log.Error().Err(err).Str("message_id", msg.ID).Msg("Dead-letter ack failed")
			}
			continue
		}

		messages = append(messages, StreamMessage{ID: msg.ID, Event: event})
	}

	return messages, nil
}

// parseRefreshMessage decodes a stream entry into a RefreshEvent.
func parseRefreshMessage(msg redis.XMessage) (*models.RefreshEvent, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid message format")
	}

	var event models.RefreshEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &event, nil
}

// Acknowledge marks a delivery as processed.
func (r *RedisStreamClient) Acknowledge(ctx context.Context, messageID string) error {
	_, err := r.client.XAck(ctx, r.streamName, r.consumerGroup, messageID).Result()
	if err != nil {
		return fmt.Errorf("failed to acknowledge message: %w", err)
	}
	return nil
}

// AcknowledgeBatch acknowledges multiple deliveries at once.
func (r *RedisStreamClient) AcknowledgeBatch(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	_, err := r.client.XAck(ctx, r.streamName, r.consumerGroup, messageIDs...).Result()
	if err != nil {
		return fmt.Errorf("failed to acknowledge messages: %w", err)
	}

	log.Debug().Int("count", len(messageIDs)).Msg("Messages acknowledged")
	return nil
}

// SendToDeadLetter parks a failed refresh on the dead-letter stream.
func (r *RedisStreamClient) SendToDeadLetter(ctx context.Context, event *models.RefreshEvent, cause error) error {
	eventJSON, _ := json.Marshal(event)

	_, dlqErr := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.deadLetterStream,
		Values: map[string]interface{}{
			"data":  string(eventJSON),
			"error": cause.Error(),
		},
	}).Result()

	if dlqErr != nil {
		return fmt.Errorf("failed to send to dead letter: %w", dlqErr)
	}

	log.Warn().
		Str("wallet", event.Wallet).
		Err(cause).
		Msg("Refresh sent to dead letter queue")

	return nil
}

// GetStreamInfo returns refresh stream statistics.
func (r *RedisStreamClient) GetStreamInfo(ctx context.Context) (*StreamInfo, error) {
	info, err := r.client.XInfoStream(ctx, r.streamName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}

	groups, err := r.client.XInfoGroups(ctx, r.streamName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get groups info: %w", err)
	}

	var pendingCount int64
	for _, g := range groups {
		if g.Name == r.consumerGroup {
			pendingCount = g.Pending
			break
		}
	}

	return &StreamInfo{
		Length:       info.Length,
		PendingCount: pendingCount,
		Groups:       len(groups),
	}, nil
}

// GetPendingCount returns the number of unacknowledged deliveries.
func (r *RedisStreamClient) GetPendingCount(ctx context.Context) (int64, error) {
	pending, err := r.client.XPending(ctx, r.streamName, r.consumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}

// GetDeadLetterCount returns the dead-letter stream length.
func (r *RedisStreamClient) GetDeadLetterCount(ctx context.Context) (int64, error) {
	n, err := r.client.XLen(ctx, r.deadLetterStream).Result()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the Redis client.
func (r *RedisStreamClient) Close() error {
	return r.client.Close()
}

// StreamMessage is one delivered refresh request.
type StreamMessage struct {
	ID    string
	Event *models.RefreshEvent
}

// StreamInfo contains stream statistics.
type StreamInfo struct {
	Length       int64
	PendingCount int64
	Groups       int
}

// CacheClient provides the JSON cache and counter operations shared by
// the orchestrator, the analytics layer, and the rate limiter.
type CacheClient struct {
	client *redis.Client
}

// NewCacheClient opens a dedicated Redis connection for caching.
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

// Set stores a JSON value with an expiry.
func (c *CacheClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, expiration).Err()
}

// Get loads a JSON value into dest.
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

// Exists checks whether a key is present.
func (c *CacheClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, err
}

// Increment bumps a plain counter.
func (c *CacheClient) Increment(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// IncrWithExpiry bumps a counter, arming its expiry on first use. The
// daily free-tier quota keys ride on this.
func (c *CacheClient) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// SetNX sets a value only when the key is absent; distributed locks
// use it.
func (c *CacheClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return c.client.SetNX(ctx, key, data, expiration).Result()
}

// GetMemoryUsage returns Redis used memory in MB.
func (c *CacheClient) GetMemoryUsage(ctx context.Context) (float64, error) {
	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(info, "\r\n") {
		if rest, ok := strings.CutPrefix(line, "used_memory:"); ok {
			bytes, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
			if err != nil {
				return 0, err
			}
			return bytes / (1024 * 1024), nil
		}
	}
	return 0, nil
}

// Close closes the cache client.
func (c *CacheClient) Close() error {
	return c.client.Close()
}
