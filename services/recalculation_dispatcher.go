package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"rankingEngineAPI/internal/logger"
	"rankingEngineAPI/internal/types/leaderboard"
)

type Recalculator interface {
	TriggerRecalculation(ctx context.Context, category leaderboard.Category) (*leaderboard.RecalculationResult, error)
}

// RecalculationDispatcher runs recalculation passes off the request path. Each
// category has one worker and a single-slot queue, so passes for a category
// never overlap and repeated requests collapse into one pending pass.
type RecalculationDispatcher struct {
	recalculator Recalculator
	logger       *zap.Logger
	queues       map[leaderboard.Category]chan struct{}
	passTimeout  time.Duration
	retryDelay   time.Duration
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func NewRecalculationDispatcher(r Recalculator, log *zap.Logger) *RecalculationDispatcher {
	d := &RecalculationDispatcher{
		recalculator: r,
		logger:       logger.OrNop(log).With(zap.String("component", "recalculation_dispatcher")),
		queues:       make(map[leaderboard.Category]chan struct{}, len(leaderboard.Categories)),
		passTimeout:  10 * time.Minute,
		retryDelay:   time.Second,
		stopChan:     make(chan struct{}),
	}
	for _, c := range leaderboard.Categories {
		d.queues[c] = make(chan struct{}, 1)
	}

	d.startWorkers()
	return d
}

func (d *RecalculationDispatcher) startWorkers() {
	for category, queue := range d.queues {
		d.wg.Add(1)
		go d.worker(category, queue)
	}
}

func (d *RecalculationDispatcher) worker(category leaderboard.Category, queue <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-queue:
			d.run(category)
		case <-d.stopChan:
			return
		}
	}
}

func (d *RecalculationDispatcher) run(category leaderboard.Category) {
	ctx, cancel := context.WithTimeout(context.Background(), d.passTimeout)
	defer cancel()

	result, err := d.recalculator.TriggerRecalculation(ctx, category)
	switch {
	case err == nil:
		d.logger.Debug("queued recalculation finished",
			zap.String("category", string(category)),
			zap.String("pass_id", result.PassID),
			zap.Int("records", result.RecordsProcessed),
		)
	case errors.Is(err, ErrRecalculationConflict):
		// A synchronous pass holds the lease; try again once it had time to finish.
		d.logger.Info("recalculation busy, requeueing", zap.String("category", string(category)))
		time.AfterFunc(d.retryDelay, func() { d.Enqueue(category) })
	default:
		d.logger.Error("queued recalculation failed", zap.String("category", string(category)), zap.Error(err))
	}
}

// Enqueue requests a pass for category. It returns false when a pass is
// already pending, the category is unknown or the dispatcher is stopped.
func (d *RecalculationDispatcher) Enqueue(category leaderboard.Category) bool {
	queue, ok := d.queues[category]
	if !ok {
		return false
	}
	select {
	case <-d.stopChan:
		return false
	default:
	}

	select {
	case queue <- struct{}{}:
		return true
	default:
		return false
	}
}

// Stop waits for running passes to finish; pending requests are dropped.
func (d *RecalculationDispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
	d.wg.Wait()
}
