// Package supervisor owns the lifecycles of every long-running task in
// the process: pipeline runners, ingestion workers, the outbox relay,
// and the background sweepers. A task that exits unexpectedly is
// restarted with exponential backoff; a task that keeps dying inside
// the rolling window is declared fatal and surfaced to main.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sluicehq/sluice/pkg/config"
)

// restartWindow is the rolling window the retry budget applies to.
// Restarts older than this no longer count against a task.
const restartWindow = 10 * time.Minute

// TaskState is the last-known lifecycle state of one supervised task.
type TaskState string

const (
	StateIdle       TaskState = "idle"
	StateRunning    TaskState = "running"
	StateRestarting TaskState = "restarting"
	StateFailed     TaskState = "failed"
	StateStopped    TaskState = "stopped"
)

// RunFunc is one supervised task body. It must block until ctx is
// cancelled or the task fails; returning early with a nil error while
// the supervisor is still running counts as an unexpected exit.
type RunFunc func(ctx context.Context) error

// TaskHealth is one task's entry in the health view.
type TaskHealth struct {
	Name         string    `json:"name"`
	State        TaskState `json:"state"`
	Restarts     int       `json:"restarts"`
	Backoff      string    `json:"backoff,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	LastChangeAt time.Time `json:"last_change_at"`
}

// Health is the aggregate view served by /healthz.
type Health struct {
	Healthy bool         `json:"healthy"`
	Tasks   []TaskHealth `json:"tasks"`
}

type task struct {
	name string
	run  RunFunc

	mu           sync.Mutex
	state        TaskState
	restarts     []time.Time
	totalResets  int
	backoff      time.Duration
	lastErr      error
	lastChangeAt time.Time
}

// transition moves the task to a new state. A nil err preserves the
// previous error so the health view keeps showing what last went wrong.
func (t *task) transition(state TaskState, err error, wait time.Duration) {
	t.mu.Lock()
	t.state = state
	if err != nil {
		t.lastErr = err
	}
	t.backoff = wait
	t.lastChangeAt = time.Now()
	t.mu.Unlock()
}

// health snapshots the task under its own lock.
func (t *task) health() TaskHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := TaskHealth{
		Name:         t.name,
		State:        t.state,
		Restarts:     t.totalResets,
		LastChangeAt: t.lastChangeAt,
	}
	if t.backoff > 0 && t.state == StateRestarting {
		h.Backoff = t.backoff.String()
	}
	if t.lastErr != nil {
		h.LastError = t.lastErr.Error()
	}
	return h
}

// Supervisor runs registered tasks and restarts the ones that die.
type Supervisor struct {
	cfg    *config.SupervisorConfig
	logger *slog.Logger

	mu    sync.Mutex
	tasks []*task

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	fatalCh  chan error
	started  bool
}

// New creates an empty supervisor.
func New(cfg *config.SupervisorConfig) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		fatalCh: make(chan error, 16),
		logger:  slog.With("component", "supervisor"),
	}
}

// Register adds a named task. Must be called before StartAll.
func (s *Supervisor) Register(name string, run RunFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &task{name: name, run: run, state: StateIdle})
}

// StartAll launches every registered task as an independent goroutine.
// Safe to call once; subsequent calls are no-ops.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("Supervisor already started, ignoring duplicate StartAll call")
		return nil
	}
	s.started = true
	tasks := s.tasks
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("Starting supervised tasks", "count", len(tasks))
	for _, t := range tasks {
		s.wg.Add(1)
		go s.supervise(runCtx, t)
	}
	return nil
}

// Stop cancels every task and waits for them to exit.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping supervised tasks")
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.logger.Info("All supervised tasks stopped")
	})
}

// Fatal delivers tasks that exhausted their restart budget. main treats
// any receive as a reason to shut the process down.
func (s *Supervisor) Fatal() <-chan error {
	return s.fatalCh
}

// Health reports every task's last-known state. The aggregate is
// healthy while no task is failed.
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	tasks := s.tasks
	s.mu.Unlock()

	h := Health{Healthy: true, Tasks: make([]TaskHealth, 0, len(tasks))}
	for _, t := range tasks {
		th := t.health()
		if th.State == StateFailed {
			h.Healthy = false
		}
		h.Tasks = append(h.Tasks, th)
	}
	return h
}

// supervise runs one task until shutdown or budget exhaustion.
func (s *Supervisor) supervise(ctx context.Context, t *task) {
	defer s.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff()
	bo.MaxInterval = s.cfg.MaxBackoff()
	bo.Multiplier = s.cfg.Multiplier
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		t.transition(StateRunning, nil, 0)
		taskStateGauge.WithLabelValues(t.name).Set(1)
		s.logger.Info("Task started", "task", t.name)
		started := time.Now()
		err := t.run(ctx)

		if ctx.Err() != nil {
			t.transition(StateStopped, nil, 0)
			s.logger.Info("Task stopped", "task", t.name)
			return
		}
		if err == nil {
			err = fmt.Errorf("task %s exited unexpectedly", t.name)
		}

		// A long healthy run earns the task a fresh budget.
		if time.Since(started) > restartWindow {
			bo.Reset()
		}
		if !s.recordRestart(t) {
			t.transition(StateFailed, err, 0)
			taskStateGauge.WithLabelValues(t.name).Set(0)
			s.logger.Error("Task exhausted restart budget, giving up",
				"task", t.name,
				"max_retries", s.cfg.MaxRetries,
				"window", restartWindow,
				"error", err)
			select {
			case s.fatalCh <- fmt.Errorf("task %s failed permanently: %w", t.name, err):
			default:
			}
			return
		}

		wait := bo.NextBackOff()
		t.transition(StateRestarting, err, wait)
		restartsTotal.WithLabelValues(t.name).Inc()
		s.logger.Warn("Task died, restarting",
			"task", t.name,
			"backoff", wait,
			"error", err)

		select {
		case <-ctx.Done():
			t.transition(StateStopped, nil, 0)
			return
		case <-time.After(wait):
		}
	}
}

// recordRestart adds one failure to the task's rolling window and
// reports whether the budget still allows a restart.
func (s *Supervisor) recordRestart(t *task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-restartWindow)
	kept := t.restarts[:0]
	for _, at := range t.restarts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	t.restarts = append(kept, time.Now())
	t.totalResets++
	return len(t.restarts) <= s.cfg.MaxRetries
}

// RunStartStop adapts a Start/Stop component into a RunFunc: Start it,
// block on ctx, Stop it on the way out.
func RunStartStop(start func(ctx context.Context) error, stop func()) RunFunc {
	return func(ctx context.Context) error {
		if err := start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		stop()
		return nil
	}
}

// RunTicker adapts a periodic job into a RunFunc. The job runs once per
// interval; errors are logged, not fatal.
func RunTicker(name string, interval time.Duration, job func(ctx context.Context) error) RunFunc {
	logger := slog.With("component", "supervisor", "task", name)
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := job(ctx); err != nil {
					logger.Warn("Periodic job failed", "error", err)
				}
			}
		}
	}
}
