package services

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"rankingEngineAPI/internal/logger"
	"rankingEngineAPI/internal/types/leaderboard"
)

// RecalculationScheduler enqueues a pass for every category on a cron
// schedule (standard five-field expressions or descriptors like "@every 5m").
type RecalculationScheduler struct {
	cron   *cron.Cron
	queue  RecalculationQueue
	logger *zap.Logger
}

func NewRecalculationScheduler(schedule string, queue RecalculationQueue, log *zap.Logger) (*RecalculationScheduler, error) {
	s := &RecalculationScheduler{
		cron:   cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		queue:  queue,
		logger: logger.OrNop(log).With(zap.String("component", "recalculation_scheduler")),
	}
	if _, err := s.cron.AddFunc(schedule, s.EnqueueAll); err != nil {
		return nil, fmt.Errorf("invalid recalculation schedule %q: %w", schedule, err)
	}
	return s, nil
}

// EnqueueAll requests a pass for every category.
func (s *RecalculationScheduler) EnqueueAll() {
	queued := 0
	for _, c := range leaderboard.Categories {
		if s.queue.Enqueue(c) {
			queued++
		}
	}
	s.logger.Debug("scheduled recalculation tick", zap.Int("queued", queued))
}

func (s *RecalculationScheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and returns a context that is done once any running
// tick has returned.
func (s *RecalculationScheduler) Stop() context.Context {
	return s.cron.Stop()
}
