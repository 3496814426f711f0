package terminal

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the maintenance job every five minutes.
const DefaultSweepSchedule = "@every 5m"

// Sweeper periodically expires idle sessions and demotes unreachable ones.
type Sweeper struct {
	cron     *cron.Cron
	registry *Registry
	timeout  time.Duration
}

// NewSweeper schedules the maintenance job. schedule accepts standard five
// field cron expressions and descriptors such as "@every 5m".
func NewSweeper(registry *Registry, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		registry: registry,
		timeout:  30 * time.Second,
	}
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// RunOnce performs one sweep and reconcile pass.
func (s *Sweeper) RunOnce() {
	expired := s.registry.Sweep()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	demoted := s.registry.Reconcile(ctx)

	if expired > 0 || demoted > 0 {
		log.Printf("Session maintenance: %d expired, %d marked stale", expired, demoted)
	}
}

// Start begins running the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
