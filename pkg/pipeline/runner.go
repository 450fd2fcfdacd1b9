// Package pipeline provides the shared consume loop every stage runs on:
// group bootstrap, batch dispatch, delivery accounting, dead-letter
// routing, stale-message reclaim, and safe stream trims.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sluicehq/sluice/pkg/config"
	"github.com/sluicehq/sluice/pkg/eventlog"
)

// deliveriesTTL bounds the lifetime of per-message delivery counters.
const deliveriesTTL = 24 * time.Hour

// HandlerFunc processes one delivered message. A nil return acknowledges
// it; a *PermanentError acknowledges and dead-letters it; any other
// error leaves it pending for redelivery.
type HandlerFunc func(ctx context.Context, msg eventlog.Message) error

// Stage describes one consumer loop. Name doubles as the consumer group.
type Stage struct {
	Name    string
	Topic   string
	Handler HandlerFunc
	// Concurrency caps parallel handlers per batch; zero or one means
	// strictly serial, which preserves per-stream ordering.
	Concurrency int
	// MaxDeliveries overrides the shared stream setting when positive.
	MaxDeliveries int64
}

// Runner drives a Stage against the event log until stopped.
type Runner struct {
	log      *eventlog.Client
	cfg      *config.StreamConfig
	stage    Stage
	consumer string
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// sinceTrim is touched only by the consume goroutine.
	sinceTrim int
}

// NewRunner builds a runner for one stage. Start must be called before
// any messages flow.
func NewRunner(logClient *eventlog.Client, cfg *config.StreamConfig, stage Stage) *Runner {
	host, _ := os.Hostname()
	return &Runner{
		log:      logClient,
		cfg:      cfg,
		stage:    stage,
		consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
		logger:   slog.With("component", "pipeline", "stage", stage.Name),
		stopCh:   make(chan struct{}),
	}
}

// Start bootstraps the consumer group and launches the consume and
// reclaim goroutines.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.log.EnsureGroup(ctx, r.stage.Topic, r.stage.Name); err != nil {
		return fmt.Errorf("failed to bootstrap stage %s: %w", r.stage.Name, err)
	}

	r.wg.Add(2)
	go r.consumeLoop()
	go r.reclaimLoop()

	r.logger.Info("Stage started",
		"topic", r.stage.Topic,
		"consumer", r.consumer,
		"concurrency", r.stage.Concurrency)
	return nil
}

// Stop halts both loops and waits for in-flight handlers to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	r.logger.Info("Stage stopped")
}

func (r *Runner) consumeLoop() {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stopCh
		cancel()
	}()

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		msgs, err := r.log.Consume(ctx, r.stage.Topic, r.stage.Name, r.consumer, r.cfg.BatchSize, r.cfg.Block())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("Consume failed, backing off", "error", err)
			select {
			case <-time.After(time.Second):
			case <-r.stopCh:
				return
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		batchSize.WithLabelValues(r.stage.Name).Observe(float64(len(msgs)))
		r.dispatch(ctx, msgs)

		r.sinceTrim += len(msgs)
		if r.sinceTrim >= r.cfg.TrimIntervalMsgs {
			r.sinceTrim = 0
			r.trim(ctx)
		}
	}
}

// dispatch runs the handler over a batch, bounded by the stage's
// concurrency. The batch completes before the next consume so a stage
// never holds more than one batch in flight.
func (r *Runner) dispatch(ctx context.Context, msgs []eventlog.Message) {
	if r.stage.Concurrency <= 1 {
		for _, msg := range msgs {
			r.handleOne(ctx, msg)
		}
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(r.stage.Concurrency)
	for _, msg := range msgs {
		g.Go(func() error {
			r.handleOne(ctx, msg)
			return nil
		})
	}
	g.Wait()
}

func (r *Runner) handleOne(ctx context.Context, msg eventlog.Message) {
	deliveries, err := r.log.IncrDeliveries(ctx, r.stage.Topic, msg.ID, deliveriesTTL)
	if err != nil {
		// Counting is best-effort; processing must not stall on it.
		r.logger.Warn("Failed to count delivery", "id", msg.ID, "error", err)
		deliveries = 1
	}

	maxDeliveries := r.cfg.MaxDeliveries
	if r.stage.MaxDeliveries > 0 {
		maxDeliveries = r.stage.MaxDeliveries
	}
	if deliveries > maxDeliveries {
		r.deadLetter(ctx, msg, ReasonMaxDeliveries, map[string]any{
			"deliveries": deliveries,
		})
		return
	}

	start := time.Now()
	err = r.stage.Handler(ctx, msg)
	processingDuration.WithLabelValues(r.stage.Name).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		if ackErr := r.log.Ack(ctx, r.stage.Topic, r.stage.Name, msg.ID); ackErr != nil {
			r.logger.Warn("Failed to ack", "id", msg.ID, "error", ackErr)
		}
		processedTotal.WithLabelValues(r.stage.Name, "ok").Inc()

	default:
		if pe, ok := AsPermanent(err); ok {
			r.logger.Error("Permanent failure, dead-lettering",
				"id", msg.ID,
				"reason", pe.Reason,
				"error", err)
			r.deadLetter(ctx, msg, pe.Reason, pe.Details)
			return
		}

		// Transient: leave pending; the PEL plus reclaim redelivers.
		r.logger.Warn("Transient failure, message left pending",
			"id", msg.ID,
			"deliveries", deliveries,
			"error", err)
		processedTotal.WithLabelValues(r.stage.Name, "retry").Inc()
	}
}

// deadLetter routes the message to the stage DLQ and acknowledges it so
// it never redelivers.
func (r *Runner) deadLetter(ctx context.Context, msg eventlog.Message, reason string, details map[string]any) {
	if _, err := r.log.DeadLetter(ctx, r.stage.Topic, msg.Data, reason, details); err != nil {
		// Keep the message pending rather than lose it.
		r.logger.Error("Failed to dead-letter, leaving pending", "id", msg.ID, "error", err)
		return
	}
	if err := r.log.Ack(ctx, r.stage.Topic, r.stage.Name, msg.ID); err != nil {
		r.logger.Warn("Failed to ack after dead-letter", "id", msg.ID, "error", err)
	}
	processedTotal.WithLabelValues(r.stage.Name, "dlq").Inc()
}

func (r *Runner) reclaimLoop() {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stopCh
		cancel()
	}()

	ticker := time.NewTicker(r.cfg.PELMinIdle())
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			msgs, err := r.log.Reclaim(ctx, r.stage.Topic, r.stage.Name, r.consumer, r.cfg.PELMinIdle(), r.cfg.BatchSize)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("Reclaim failed", "error", err)
				continue
			}
			if len(msgs) > 0 {
				r.dispatch(ctx, msgs)
			}
		}
	}
}

// trim removes log entries every group has acknowledged.
func (r *Runner) trim(ctx context.Context) {
	safeMinID, err := r.log.MinPendingID(ctx, r.stage.Topic)
	if err != nil {
		r.logger.Warn("Failed to compute safe trim ID", "error", err)
		return
	}
	if safeMinID == "" {
		return
	}
	if _, err := r.log.Trim(ctx, r.stage.Topic, safeMinID); err != nil {
		r.logger.Warn("Failed to trim stream", "error", err)
	}
}
