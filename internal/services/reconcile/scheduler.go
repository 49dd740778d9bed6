package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler runs passes on a cron schedule.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	repair     bool
	timeout    time.Duration
	logger     *logrus.Logger
}

// NewScheduler registers reconciler under spec. Passes are skipped while the
// previous one is still running.
func NewScheduler(spec string, reconciler *Reconciler, repair bool, logger *logrus.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Scheduler{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		reconciler: reconciler,
		repair:     repair,
		timeout:    5 * time.Minute,
		logger:     logger,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.reconciler.Run(ctx, s.repair); err != nil {
		s.logger.WithError(err).Error("scheduled reconciliation failed")
	}
}

// Start begins running passes in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("repair", s.repair).Info("policy reconciliation scheduled")
}

// Stop prevents new passes and waits for a running one until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
