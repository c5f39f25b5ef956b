/*
scheduler.go - Automated missed-lesson sweep and salary rollup

PURPOSE:
  Periodically marks elapsed lessons that were never started as MISSED and
  recalculates the salary records of the open months.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sweep first, so the rollup sees the final statuses
  - Recalculates the current month, plus the previous month during the
    first GraceDays days of a month (late completions land there)
  - PAID records are never touched by the rollup

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)
  - GraceDays: Days the previous month stays open (default: 3)

USAGE:
  scheduler := NewSalaryScheduler(lifecycle, calculator, clock)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: SweepMissed and RecalculateMonth endpoints (manual runs)
  - compensation/calculator.go: RecalculateMonth
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/lesson-engine/compensation"
	"github.com/warp/lesson-engine/lesson"
	"github.com/warp/lesson-engine/logging"
)

// Sweeper marks elapsed lessons as missed.
type Sweeper interface {
	SweepMissed(ctx context.Context) (int, error)
}

// Rollup recalculates every salary record of a month.
type Rollup interface {
	RecalculateMonth(ctx context.Context, p compensation.Period) (int, error)
}

// SalaryScheduler runs the sweep and the rollup on a ticker.
type SalaryScheduler struct {
	Sweeper       Sweeper
	Rollup        Rollup
	Clock         lesson.Clock
	CheckInterval time.Duration
	GraceDays     int
	Enabled       bool
	Log           logging.Logger

	ticker *time.Ticker
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSalaryScheduler creates a new scheduler.
func NewSalaryScheduler(sweeper Sweeper, rollup Rollup, clock lesson.Clock) *SalaryScheduler {
	return &SalaryScheduler{
		Sweeper:       sweeper,
		Rollup:        rollup,
		Clock:         clock,
		CheckInterval: 1 * time.Hour,
		GraceDays:     3,
		Enabled:       true,
		Log:           logging.New("scheduler"),
	}
}

// Start begins the scheduler.
func (s *SalaryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Infof("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	s.Log.Infof("started with check interval: %v", s.CheckInterval)
}

// Stop cancels an in-flight run and waits for the loop to exit.
func (s *SalaryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.Log.Infof("stopped")
}

func (s *SalaryScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.checkAndProcess(s.ctx)

	for {
		select {
		case <-s.ticker.C:
			s.checkAndProcess(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// RunNow triggers an immediate run (for testing/admin).
func (s *SalaryScheduler) RunNow(ctx context.Context) {
	s.checkAndProcess(ctx)
}

func (s *SalaryScheduler) checkAndProcess(ctx context.Context) {
	now := s.Clock.Now()
	s.Log.Debugf("running at %v", now)

	marked, err := s.Sweeper.SweepMissed(ctx)
	if err != nil {
		s.Log.Errorf("missed-lesson sweep: %v", err)
	}
	if marked > 0 {
		s.Log.Infof("marked %d lessons as missed", marked)
	}

	for _, p := range compensation.PeriodsToRecalculate(now, s.GraceDays) {
		if ctx.Err() != nil {
			return
		}
		n, err := s.Rollup.RecalculateMonth(ctx, p)
		if err != nil {
			s.Log.Errorf("salary rollup %s: %d recalculated, errors: %v", p, n, err)
		}
	}
}
