package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/devblac/tokenwatch/internal/config"
	"github.com/devblac/tokenwatch/internal/metrics"
)

// State is a scheduler phase.
type State string

const (
	AwaitingConfig        State = "awaiting_config"
	RunningCycle          State = "running_cycle"
	DormantAfterSuccess   State = "dormant_after_success"
	DormantAfterError     State = "dormant_after_error"
	DormantAfterSingleRun State = "dormant_after_single_run"
)

var allStates = []string{
	string(AwaitingConfig),
	string(RunningCycle),
	string(DormantAfterSuccess),
	string(DormantAfterError),
	string(DormantAfterSingleRun),
}

// Runner executes one sync cycle.
type Runner interface {
	Run(ctx context.Context) (int, error)
}

// Status is a snapshot of the scheduler for health reporting.
type Status struct {
	State         State     `json:"state"`
	Cycles        int       `json:"cycles"`
	LastProcessed int       `json:"last_processed"`
	LastError     string    `json:"last_error,omitempty"`
	LastSuccess   time.Time `json:"last_success"`
	LastAttempt   time.Time `json:"last_attempt"`
}

// Scheduler is the sole retry authority: it runs cycles forever, sleeping
// between them according to the outcome.
type Scheduler struct {
	watch    config.Watch
	schedule config.Schedule
	cycle    Runner
	clock    Clock
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	status  Status
	onState func(State)
}

func NewScheduler(watch config.Watch, schedule config.Schedule, cycle Runner, clock Clock, log *slog.Logger, mtr *metrics.Metrics) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		watch:    watch,
		schedule: schedule,
		cycle:    cycle,
		clock:    clock,
		log:      log,
		metrics:  mtr,
	}
}

// OnState registers a hook called on every transition. It must be set
// before Run.
func (s *Scheduler) OnState(fn func(State)) {
	s.onState = fn
}

// Status returns the latest snapshot.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Run loops until ctx is cancelled and returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !s.watch.Ready() {
			s.enter(AwaitingConfig)
			s.log.Warn("api key or address is a placeholder, waiting", "delay", s.schedule.PlaceholderDelay)
			if err := s.clock.Sleep(ctx, s.schedule.PlaceholderDelay); err != nil {
				return err
			}
			continue
		}

		s.enter(RunningCycle)
		started := s.clock.Now()
		processed, err := s.cycle.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.record(started, processed, err)

		var (
			next  State
			delay time.Duration
		)
		switch {
		case err != nil:
			s.metrics.Cycle(false)
			s.metrics.Errors()
			s.log.Error("sync cycle failed", "processed", processed, "retry_in", s.schedule.RetryDelay, "error", err)
			next, delay = DormantAfterError, s.schedule.RetryDelay
		case s.schedule.RunOnce:
			s.metrics.Cycle(true)
			s.log.Info("sync cycle done", "processed", processed, "mode", "once", "sleep", s.schedule.RunOnceSleep)
			next, delay = DormantAfterSingleRun, s.schedule.RunOnceSleep
		default:
			s.metrics.Cycle(true)
			s.log.Info("sync cycle done", "processed", processed, "next_in", s.schedule.PollDelay)
			next, delay = DormantAfterSuccess, s.schedule.PollDelay
		}

		s.enter(next)
		if err := s.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *Scheduler) enter(state State) {
	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()
	s.metrics.SchedulerState(string(state), allStates)
	if s.onState != nil {
		s.onState(state)
	}
}

func (s *Scheduler) record(at time.Time, processed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Cycles++
	s.status.LastAttempt = at
	s.status.LastProcessed = processed
	if err != nil {
		s.status.LastError = err.Error()
		return
	}
	s.status.LastError = ""
	s.status.LastSuccess = at
}
