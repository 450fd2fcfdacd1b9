// Package outbox couples event emission to database commits. A stage
// that must publish only if its transaction commits stages the event
// into the outbox_events table inside that transaction; the relay loop
// drains pending rows into the event log afterwards. Duplicates are
// possible by contract (publish-then-crash before the status flip) and
// are absorbed downstream by idempotency keys.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sluicehq/sluice/pkg/config"
	"github.com/sluicehq/sluice/pkg/eventlog"
	"github.com/sluicehq/sluice/pkg/events"
)

// Row statuses. Dead rows exhausted their retries and need an operator.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusDead    = "dead"
)

// Retry backoff bounds, shared with the stage restart policy.
const (
	retryInitialBackoff = time.Second
	retryMaxBackoff     = 60 * time.Second
)

// Row is one staged event. Stream is the topic the payload belongs on;
// Event is the event tag stored alongside it, mirroring the log's own
// message layout.
type Row struct {
	ID             int64  `db:"id"`
	Stream         string `db:"stream"`
	Event          string `db:"event"`
	Payload        []byte `db:"payload"`
	IdempotencyKey string `db:"idempotency_key"`
	RetryCount     int    `db:"retry_count"`
}

// Stage inserts one event into the outbox within the caller's
// transaction. The row becomes visible to the relay only when that
// transaction commits.
func Stage(ctx context.Context, ex sqlx.ExtContext, ev events.Event) error {
	data, err := events.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode outbox event: %w", err)
	}
	if _, err := ex.ExecContext(ctx,
		`INSERT INTO outbox_events (stream, event, payload, idempotency_key, status, retry_count, next_retry_at)
		 VALUES ($1, $2, $3, $4, 'pending', 0, now())`,
		ev.Topic(), ev.Topic(), data, ev.Key(),
	); err != nil {
		return fmt.Errorf("failed to stage outbox event: %w", err)
	}
	stagedTotal.WithLabelValues(ev.Topic()).Inc()
	return nil
}

// Relay drains pending outbox rows into the event log.
type Relay struct {
	db  *sqlx.DB
	log *eventlog.Client
	cfg *config.OutboxConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewRelay wires a relay over the shared pool and log client.
func NewRelay(db *sqlx.DB, logClient *eventlog.Client, cfg *config.OutboxConfig) *Relay {
	return &Relay{
		db:     db,
		log:    logClient,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		logger: slog.With("component", "outbox"),
	}
}

// Start launches the relay loop.
func (r *Relay) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("Outbox relay started",
		"batch_size", r.cfg.BatchSize,
		"poll_interval", r.cfg.PollInterval())
	return nil
}

// Stop halts the loop and waits for the in-flight batch.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Relay) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.DrainOnce(ctx); err != nil {
				r.logger.Error("Outbox drain failed", "error", err)
			} else if n > 0 {
				r.logger.Debug("Outbox drained", "relayed", n)
			}
		}
	}
}

// DrainOnce relays one batch of due pending rows in creation order and
// returns how many were published.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	rows := []Row{}
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT id, stream, event, payload, idempotency_key, retry_count FROM outbox_events
		 WHERE status = 'pending' AND next_retry_at <= now()
		 ORDER BY id
		 LIMIT $1`,
		r.cfg.BatchSize,
	); err != nil {
		return 0, fmt.Errorf("failed to poll outbox: %w", err)
	}

	sent := 0
	for _, row := range rows {
		if _, err := r.log.Publish(ctx, row.Stream, row.Payload); err != nil {
			r.reschedule(ctx, row, err)
			continue
		}
		if _, err := r.db.ExecContext(ctx,
			`UPDATE outbox_events SET status = 'sent', sent_at = now() WHERE id = $1`,
			row.ID,
		); err != nil {
			// The publish itself succeeded; the next drain republishes and
			// downstream idempotency absorbs the duplicate.
			r.logger.Warn("Failed to mark outbox row sent", "id", row.ID, "error", err)
			continue
		}
		relayedTotal.WithLabelValues(row.Stream, "sent").Inc()
		sent++
	}
	return sent, nil
}

// reschedule pushes a failed row's next attempt out with exponential
// backoff, or parks it dead once retries are exhausted.
func (r *Relay) reschedule(ctx context.Context, row Row, cause error) {
	retries := row.RetryCount + 1
	if retries >= r.cfg.MaxRetries {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE outbox_events SET status = 'dead', retry_count = $2, last_error = $3 WHERE id = $1`,
			row.ID, retries, cause.Error(),
		); err != nil {
			r.logger.Error("Failed to park outbox row", "id", row.ID, "error", err)
			return
		}
		relayedTotal.WithLabelValues(row.Stream, "dead").Inc()
		r.logger.Error("Outbox row exhausted retries",
			"id", row.ID, "stream", row.Stream, "retries", retries, "error", cause)
		return
	}

	backoff := retryInitialBackoff << (retries - 1)
	if backoff > retryMaxBackoff {
		backoff = retryMaxBackoff
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET retry_count = $2, next_retry_at = now() + $3::interval, last_error = $4 WHERE id = $1`,
		row.ID, retries, backoff.String(), cause.Error(),
	); err != nil {
		r.logger.Error("Failed to reschedule outbox row", "id", row.ID, "error", err)
		return
	}
	relayedTotal.WithLabelValues(row.Stream, "retry").Inc()
}
