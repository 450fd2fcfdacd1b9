package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicehq/sluice/pkg/config"
	"github.com/sluicehq/sluice/pkg/eventlog"
)

func newTestRunner(t *testing.T, handler HandlerFunc) (*Runner, *eventlog.Client, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logClient := eventlog.NewClient(rdb)
	cfg := &config.StreamConfig{
		BatchSize:        10,
		BlockMS:          10,
		TrimIntervalMsgs: 1000,
		PELMinIdleMS:     60000,
		MaxDeliveries:    3,
	}
	r := NewRunner(logClient, cfg, Stage{
		Name:    "tagging",
		Topic:   "posts.parsed",
		Handler: handler,
	})
	return r, logClient, rdb
}

// publishAndFetch seeds one message and delivers it to the runner's group.
func publishAndFetch(t *testing.T, c *eventlog.Client, r *Runner) eventlog.Message {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.EnsureGroup(ctx, r.stage.Topic, r.stage.Name))
	_, err := c.Publish(ctx, r.stage.Topic, []byte(`{"post_id":1}`))
	require.NoError(t, err)

	msgs, err := c.Consume(ctx, r.stage.Topic, r.stage.Name, r.consumer, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func pendingCount(t *testing.T, rdb *redis.Client, topic, group string) int64 {
	t.Helper()
	summary, err := rdb.XPending(context.Background(), eventlog.StreamKey(topic), group).Result()
	require.NoError(t, err)
	return summary.Count
}

func dlqLen(t *testing.T, rdb *redis.Client, topic string) int64 {
	t.Helper()
	n, err := rdb.XLen(context.Background(), eventlog.StreamKey(eventlog.DLQTopic(topic))).Result()
	require.NoError(t, err)
	return n
}

func TestHandleOne_SuccessAcks(t *testing.T) {
	called := 0
	r, c, rdb := newTestRunner(t, func(ctx context.Context, msg eventlog.Message) error {
		called++
		return nil
	})

	msg := publishAndFetch(t, c, r)
	r.handleOne(context.Background(), msg)

	assert.Equal(t, 1, called)
	assert.Zero(t, pendingCount(t, rdb, r.stage.Topic, r.stage.Name))
	assert.Zero(t, dlqLen(t, rdb, r.stage.Topic))
}

func TestHandleOne_TransientLeavesPending(t *testing.T) {
	r, c, rdb := newTestRunner(t, func(ctx context.Context, msg eventlog.Message) error {
		return errors.New("connection refused")
	})

	msg := publishAndFetch(t, c, r)
	r.handleOne(context.Background(), msg)

	assert.Equal(t, int64(1), pendingCount(t, rdb, r.stage.Topic, r.stage.Name))
	assert.Zero(t, dlqLen(t, rdb, r.stage.Topic))
}

func TestHandleOne_PermanentDeadLettersAndAcks(t *testing.T) {
	r, c, rdb := newTestRunner(t, func(ctx context.Context, msg eventlog.Message) error {
		return Permanent(ReasonSchemaInvalid, errors.New("bad envelope"))
	})

	msg := publishAndFetch(t, c, r)
	r.handleOne(context.Background(), msg)

	assert.Zero(t, pendingCount(t, rdb, r.stage.Topic, r.stage.Name))
	assert.Equal(t, int64(1), dlqLen(t, rdb, r.stage.Topic))
}

func TestHandleOne_MaxDeliveriesDeadLetters(t *testing.T) {
	r, c, rdb := newTestRunner(t, func(ctx context.Context, msg eventlog.Message) error {
		return errors.New("still broken")
	})

	msg := publishAndFetch(t, c, r)

	// Three deliveries fail transiently; the fourth trips the cap.
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r.handleOne(ctx, msg)
	}
	assert.Zero(t, dlqLen(t, rdb, r.stage.Topic))

	r.handleOne(ctx, msg)
	assert.Equal(t, int64(1), dlqLen(t, rdb, r.stage.Topic))
	assert.Zero(t, pendingCount(t, rdb, r.stage.Topic, r.stage.Name))
}

func TestRunner_StartStopDrains(t *testing.T) {
	done := make(chan struct{}, 1)
	r, c, rdb := newTestRunner(t, func(ctx context.Context, msg eventlog.Message) error {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	_, err := c.Publish(ctx, r.stage.Topic, []byte(`{"post_id":7}`))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	r.Stop()
	assert.Zero(t, pendingCount(t, rdb, r.stage.Topic, r.stage.Name))
}
