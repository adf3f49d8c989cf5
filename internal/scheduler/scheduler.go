package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/history"
)

// Breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// Skip reasons published with scheduler.skipped.
const (
	SkipInFlight = "in_flight"
	SkipCircuit  = "circuit_open"
	SkipDisabled = "disabled"
)

type schedule struct {
	workflowID string
	every      time.Duration
	jitter     time.Duration
	input      json.RawMessage

	nextDue time.Time
	state   string
}

// Scheduler starts workflows on their configured intervals.
type Scheduler struct {
	settings config.SchedulerConfig
	runner   Runner
	history  RunHistory
	events   *events.Hub
	logger   *slog.Logger
	now      func() time.Time

	schedules []*schedule
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New builds a Scheduler from the schedules section. Entries that fail to
// parse are logged and left out; Load has already rejected them.
func New(cfg *config.Config, runner Runner, hist RunHistory, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	s := &Scheduler{
		settings: cfg.Scheduler,
		runner:   runner,
		history:  hist,
		events:   hub,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	if s.settings.TickInterval <= 0 {
		s.settings.TickInterval = config.Defaults().Scheduler.TickInterval
	}

	for _, sc := range cfg.Schedules {
		every, err := config.ParseInterval(sc.Every)
		if err != nil {
			s.logger.Error("invalid schedule", "workflow_id", sc.Workflow, "error", err)
			continue
		}
		var input json.RawMessage
		if len(sc.Input) > 0 {
			input, err = json.Marshal(sc.Input)
			if err != nil {
				s.logger.Error("invalid schedule input", "workflow_id", sc.Workflow, "error", err)
				continue
			}
		}
		s.schedules = append(s.schedules, &schedule{
			workflowID: sc.Workflow,
			every:      every,
			jitter:     sc.Jitter,
			input:      input,
			state:      CircuitClosed,
		})
	}
	return s
}

// Len reports how many schedules are active.
func (s *Scheduler) Len() int { return len(s.schedules) }

// Start arms every schedule one jittered interval from now and starts the
// tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	now := s.now()
	for _, sc := range s.schedules {
		sc.nextDue = now.Add(calculateJitteredInterval(sc.every, sc.jitter))
	}
	s.logger.Info("scheduler started", "schedules", len(s.schedules), "tick", s.settings.TickInterval)

	s.wg.Add(1)
	go s.tickLoop(ctx)
}

// Stop ends the tick loop and waits for it. Runs already started are left
// to the orchestrator.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.settings.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick fires every schedule that has come due. A due slot is consumed
// whether the run starts or is skipped.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	inFlight := make(map[string]bool)
	for _, run := range s.runner.Status().Runs {
		inFlight[run.WorkflowID] = true
	}

	for _, sc := range s.schedules {
		if now.Before(sc.nextDue) {
			continue
		}
		sc.nextDue = now.Add(calculateJitteredInterval(sc.every, sc.jitter))

		if inFlight[sc.workflowID] {
			s.skip(sc, SkipInFlight)
			continue
		}

		allowed, err := s.reconcileCircuitBreaker(ctx, sc, now)
		if err != nil {
			s.logger.Error("circuit breaker check failed", "workflow_id", sc.workflowID, "error", err)
			continue
		}
		if !allowed {
			s.skip(sc, SkipCircuit)
			continue
		}

		runID, err := s.runner.ExecuteWorkflow(ctx, sc.workflowID, sc.input)
		if err != nil {
			s.logger.Error("scheduled run failed to start", "workflow_id", sc.workflowID, "error", err)
			continue
		}
		if runID == "" {
			s.skip(sc, SkipDisabled)
			continue
		}
		inFlight[sc.workflowID] = true
		s.events.Publish(events.TypeScheduled, map[string]any{
			"workflow_id": sc.workflowID,
			"run_id":      runID,
			"next_due":    sc.nextDue.UTC(),
		})
		s.logger.Info("scheduled run started", "workflow_id", sc.workflowID, "run_id", runID, "next_due", sc.nextDue)
	}
}

func (s *Scheduler) skip(sc *schedule, reason string) {
	s.events.Publish(events.TypeScheduleSkip, map[string]any{
		"workflow_id": sc.workflowID,
		"reason":      reason,
	})
	s.logger.Info("scheduled run skipped", "workflow_id", sc.workflowID, "reason", reason)
}

// reconcileCircuitBreaker derives the breaker state from the workflow's most
// recent finished runs, so it survives a host restart. Threshold consecutive
// errors open it; once BreakerResetAfter has passed since the last error one
// probe run is let through.
func (s *Scheduler) reconcileCircuitBreaker(ctx context.Context, sc *schedule, now time.Time) (bool, error) {
	threshold := s.settings.BreakerThreshold
	if threshold <= 0 {
		return true, nil
	}

	recs, err := s.history.List(ctx, history.ListFilter{WorkflowID: sc.workflowID, Limit: threshold + 1})
	if err != nil {
		return false, fmt.Errorf("list history: %w", err)
	}

	failures := 0
	var lastFailure time.Time
	for _, rec := range recs {
		if rec.Status == history.StatusRunning {
			continue
		}
		if rec.Status != history.StatusError {
			break
		}
		if failures == 0 && rec.EndedAt != nil {
			lastFailure = *rec.EndedAt
		}
		failures++
	}

	state := CircuitClosed
	if failures >= threshold {
		state = CircuitOpen
		if !now.Before(lastFailure.Add(s.settings.BreakerResetAfter)) {
			state = CircuitHalfOpen
		}
	}

	if state != sc.state {
		s.events.Publish(events.TypeBreakerChanged, map[string]any{
			"workflow_id":    sc.workflowID,
			"previous_state": sc.state,
			"state":          state,
			"failure_count":  failures,
		})
		s.logger.Info("circuit breaker state changed",
			"workflow_id", sc.workflowID,
			"previous_state", sc.state,
			"state", state,
			"failure_count", failures,
		)
		sc.state = state
	}
	return state != CircuitOpen, nil
}

// calculateJitteredInterval adds up to jitter to the base interval.
func calculateJitteredInterval(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
