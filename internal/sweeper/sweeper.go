// Package sweeper fails split files whose processing has stalled, so that every
// poller watching them eventually sees a terminal status.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StaleMessage is the error recorded on swept files
const StaleMessage = "processing timed out"

// StaleFailer is implemented by the split service
type StaleFailer interface {
	FailStale(ctx context.Context, cutoff time.Time, errMsg string) (int, error)
}

// Sweeper runs the stale-file check on a cron schedule
type Sweeper struct {
	files      StaleFailer
	cron       *cron.Cron
	schedule   string
	staleAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	entryID cron.EntryID
}

func New(files StaleFailer, schedule string, staleAfter time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		files:      files,
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		schedule:   schedule,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// Start schedules the sweep. The schedule accepts standard 5-field specs and
// descriptors such as "@every 5m".
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", s.schedule, err)
	}
	s.entryID = id
	s.cron.Start()

	s.logger.Info("sweeper started", zap.String("schedule", s.schedule), zap.Duration("staleAfter", s.staleAfter))
	return nil
}

// Stop waits for a running sweep to finish
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// Next returns when the next sweep is due, or the zero time before Start
func (s *Sweeper) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// Sweep fails every file in progress that has not been updated for staleAfter
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	n, err := s.files.FailStale(ctx, cutoff, StaleMessage)
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.logger.Warn("failed stale split files", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
