// Package eventlog is the append-only log client used by every pipeline
// stage: publish, consumer-group read, acknowledge, reclaim, trim, and
// dead-letter routing on top of Redis Streams.
//
// Delivery is at-least-once and ordered per stream. Duplicates are
// possible by contract; idempotency belongs to the consumer. The log
// offers no transactional coupling with the database — stages that must
// publish only after a commit go through the outbox relay instead.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sluicehq/sluice/pkg/events"
)

// Stream key layout. Topics are dotted names (posts.parsed); the physical
// Redis key is prefixed, and each topic owns a companion dead-letter
// topic "<topic>.dlq".
const (
	streamPrefix = "stream:"
	dlqSuffix    = ".dlq"

	// deliveriesPrefix keys the per-message delivery counters used to
	// enforce max_deliveries before dead-lettering.
	deliveriesPrefix = "deliveries:"
)

var (
	// ErrEmptyTopic is returned when a caller passes an empty topic.
	ErrEmptyTopic = errors.New("topic must not be empty")

	// ErrEmptyGroup is returned when a caller passes an empty group name.
	ErrEmptyGroup = errors.New("consumer group must not be empty")
)

// Message is one delivered log entry. Data is the UTF-8 JSON envelope;
// Topic is the event tag stored alongside it.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Client wraps a Redis connection with the stream operations the pipeline
// needs. It is safe for concurrent use.
type Client struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

// NewClient creates a log client over an existing Redis connection.
func NewClient(rdb redis.UniversalClient) *Client {
	return &Client{
		rdb: rdb,
		log: slog.With("component", "eventlog"),
	}
}

// StreamKey returns the physical Redis key for a topic.
func StreamKey(topic string) string { return streamPrefix + topic }

// DLQTopic returns the dead-letter topic companion to topic.
func DLQTopic(topic string) string { return topic + dlqSuffix }

// Publish appends one message to the topic's stream and returns its entry
// ID. Publishing is retry-safe: the caller may publish the same logical
// event twice and downstream idempotency guarantees single application.
func (c *Client) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	if topic == "" {
		return "", ErrEmptyTopic
	}

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(topic),
		Values: map[string]any{
			"event": topic,
			"data":  data,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	publishedTotal.WithLabelValues(topic).Inc()
	return id, nil
}

// PublishEvent validates and encodes a typed event, then publishes it on
// the event's own topic.
func (c *Client) PublishEvent(ctx context.Context, ev events.Event) (string, error) {
	data, err := events.Marshal(ev)
	if err != nil {
		return "", err
	}
	return c.Publish(ctx, ev.Topic(), data)
}

// EnsureGroup creates the consumer group if it does not exist yet. New
// groups start at the beginning of the stream so no pre-existing work is
// skipped. Safe to call on every startup.
func (c *Client) EnsureGroup(ctx context.Context, topic, group string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if group == "" {
		return ErrEmptyGroup
	}

	err := c.rdb.XGroupCreateMkStream(ctx, StreamKey(topic), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", group, topic, err)
	}
	return nil
}

// Consume fetches up to batch new messages for the consumer, blocking up
// to block when the stream is empty. An empty result with a nil error
// means the block timed out.
func (c *Client) Consume(ctx context.Context, topic, group, consumer string, batch int64, block time.Duration) ([]Message, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{StreamKey(topic), ">"},
		Count:    batch,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s as %s/%s: %w", topic, group, consumer, err)
	}

	msgs := collectMessages(topic, streams)
	consumedTotal.WithLabelValues(topic, group).Add(float64(len(msgs)))
	return msgs, nil
}

// Ack removes a delivered message from the group's pending-entry list and
// drops its delivery counter.
func (c *Client) Ack(ctx context.Context, topic, group, id string) error {
	if err := c.rdb.XAck(ctx, StreamKey(topic), group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s on %s/%s: %w", id, topic, group, err)
	}
	ackedTotal.WithLabelValues(topic, group).Inc()
	c.rdb.Del(ctx, deliveriesKey(topic, id))
	return nil
}

// Reclaim claims messages that have sat unacknowledged in any consumer's
// pending list longer than minIdle, transferring them to the calling
// consumer. This is what keeps lag bounded after a consumer crash.
func (c *Client) Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	claimed, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamKey(topic),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to reclaim on %s/%s: %w", topic, group, err)
	}

	msgs := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		msgs = append(msgs, toMessage(topic, m))
	}
	if len(msgs) > 0 {
		reclaimedTotal.WithLabelValues(topic, group).Add(float64(len(msgs)))
		c.log.Info("Reclaimed stale pending messages",
			"topic", topic,
			"group", group,
			"consumer", consumer,
			"count", len(msgs))
	}
	return msgs, nil
}

// Trim approximately trims the stream so that no entry older than
// safeMinID survives. Callers must compute safeMinID via MinPendingID;
// an unchecked trim would lose undelivered work.
func (c *Client) Trim(ctx context.Context, topic, safeMinID string) (int64, error) {
	if safeMinID == "" {
		return 0, nil
	}
	removed, err := c.rdb.XTrimMinIDApprox(ctx, StreamKey(topic), safeMinID, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to trim %s: %w", topic, err)
	}
	if removed > 0 {
		trimmedTotal.WithLabelValues(topic).Add(float64(removed))
	}
	return removed, nil
}

// MinPendingID computes the highest entry ID that is safe to trim up to:
// the minimum, across every consumer group on the stream, of the group's
// lowest pending ID (or, for a fully-acked group, the entry after its
// last delivered ID). An empty result means nothing can be trimmed yet.
func (c *Client) MinPendingID(ctx context.Context, topic string) (string, error) {
	groups, err := c.rdb.XInfoGroups(ctx, StreamKey(topic)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || strings.Contains(err.Error(), "no such key") {
			return "", nil
		}
		return "", fmt.Errorf("failed to inspect groups on %s: %w", topic, err)
	}

	minID := ""
	for _, g := range groups {
		floor := ""
		if g.Pending > 0 {
			summary, err := c.rdb.XPending(ctx, StreamKey(topic), g.Name).Result()
			if err != nil {
				return "", fmt.Errorf("failed to read pending summary for %s/%s: %w", topic, g.Name, err)
			}
			floor = summary.Lower
		}
		if floor == "" {
			// Nothing pending: everything up to and including the last
			// delivered entry is acked. A group that has read nothing
			// blocks trimming entirely.
			if g.LastDeliveredID == "" || g.LastDeliveredID == "0-0" {
				return "", nil
			}
			floor = nextStreamID(g.LastDeliveredID)
		}
		if minID == "" || streamIDLess(floor, minID) {
			minID = floor
		}
	}
	return minID, nil
}

// DeadLetter publishes a failed message into the topic's dead-letter
// stream with a string reason and structured details, then returns the
// DLQ entry ID. Operators drain DLQs as ordinary streams.
func (c *Client) DeadLetter(ctx context.Context, topic string, payload []byte, reason string, details map[string]any) (string, error) {
	if topic == "" {
		return "", ErrEmptyTopic
	}

	values := map[string]any{
		"event":     topic,
		"data":      payload,
		"reason":    reason,
		"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if len(details) > 0 {
		detailJSON, err := json.Marshal(details)
		if err != nil {
			return "", fmt.Errorf("failed to encode DLQ details: %w", err)
		}
		values["details"] = detailJSON
	}

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(DLQTopic(topic)),
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to dead-letter on %s: %w", topic, err)
	}

	deadLetteredTotal.WithLabelValues(topic, reason).Inc()
	c.log.Warn("Message routed to dead-letter stream",
		"topic", topic,
		"reason", reason,
		"dlq_id", id)
	return id, nil
}

// IncrDeliveries bumps the delivery counter for one message and returns
// the new count. The counter expires with ttl so abandoned IDs do not
// accumulate.
func (c *Client) IncrDeliveries(ctx context.Context, topic, id string, ttl time.Duration) (int64, error) {
	key := deliveriesKey(topic, id)
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count deliveries for %s on %s: %w", id, topic, err)
	}
	if n == 1 && ttl > 0 {
		c.rdb.Expire(ctx, key, ttl)
	}
	return n, nil
}

func deliveriesKey(topic, id string) string {
	return deliveriesPrefix + topic + ":" + id
}

func collectMessages(topic string, streams []redis.XStream) []Message {
	var msgs []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			msgs = append(msgs, toMessage(topic, m))
		}
	}
	return msgs
}

func toMessage(topic string, m redis.XMessage) Message {
	msg := Message{ID: m.ID, Topic: topic}
	if ev, ok := m.Values["event"].(string); ok && ev != "" {
		msg.Topic = ev
	}
	if data, ok := m.Values["data"].(string); ok {
		msg.Data = []byte(data)
	}
	return msg
}

// splitStreamID parses a Redis stream ID of the form "<ms>-<seq>".
func splitStreamID(id string) (ms, seq uint64, ok bool) {
	dash := strings.IndexByte(id, '-')
	if dash < 0 {
		ms, err := strconv.ParseUint(id, 10, 64)
		return ms, 0, err == nil
	}
	ms, errMS := strconv.ParseUint(id[:dash], 10, 64)
	seq, errSeq := strconv.ParseUint(id[dash+1:], 10, 64)
	return ms, seq, errMS == nil && errSeq == nil
}

// nextStreamID returns the smallest valid ID strictly greater than id.
func nextStreamID(id string) string {
	ms, seq, ok := splitStreamID(id)
	if !ok {
		return id
	}
	return fmt.Sprintf("%d-%d", ms, seq+1)
}

func streamIDLess(a, b string) bool {
	ams, aseq, aok := splitStreamID(a)
	bms, bseq, bok := splitStreamID(b)
	if !aok || !bok {
		return a < b
	}
	if ams != bms {
		return ams < bms
	}
	return aseq < bseq
}
