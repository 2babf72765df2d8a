package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"strategy-pipeline/internal/logging"
)

// DefaultSchedule runs a pass every fifteen minutes
const DefaultSchedule = "@every 15m"

// Scheduler runs orchestration passes on a cron schedule
type Scheduler struct {
	cron     *cron.Cron
	orch     *Orchestrator
	schedule string
	timeout  time.Duration
	logger   *logging.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. An empty schedule uses DefaultSchedule.
// A pass still running when the next one is due makes that one skip.
func NewScheduler(orch *Orchestrator, schedule string, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	log := logger.WithComponent("scheduler")
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{log}))),
		orch:     orch,
		schedule: schedule,
		timeout:  30 * time.Minute,
		logger:   log,
	}
}

// Start registers the pass and starts the cron loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("scheduler already started")
	}

	if _, err := s.cron.AddFunc(s.schedule, s.tick); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.schedule, err)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.schedule)
	return nil
}

// Stop cancels a running pass and waits for it to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunNow executes a pass immediately, outside the schedule
func (s *Scheduler) RunNow(ctx context.Context) (*PassResult, error) {
	s.logger.Info("running orchestration pass immediately")
	return s.orch.RunPass(ctx)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	ctx, log := logging.WithTraceContext(logging.NewContext(ctx, s.logger))
	if _, err := s.orch.RunPass(ctx); err != nil {
		log.WithError(err).Error("orchestration pass failed")
	}
}

// cronLogger adapts the structured logger to cron's logger
type cronLogger struct {
	log *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).Error(msg, keysAndValues...)
}
