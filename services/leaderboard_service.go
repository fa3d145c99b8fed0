package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rankingEngineAPI/internal/logger"
	"rankingEngineAPI/internal/metrics"
	"rankingEngineAPI/internal/ranking"
	"rankingEngineAPI/internal/store"
	"rankingEngineAPI/internal/streak"
	"rankingEngineAPI/internal/types/leaderboard"
)

var (
	ErrInvalidCategory       = errors.New("invalid category")
	ErrInvalidPagination     = errors.New("invalid pagination")
	ErrInvalidDelta          = errors.New("invalid score delta")
	ErrInvalidUser           = errors.New("invalid user id")
	ErrRecordNotFound        = store.ErrRecordNotFound
	ErrRecalculationConflict = errors.New("recalculation already running")
)

// IsRejected reports whether err is a validation failure that retrying the
// same request cannot fix.
func IsRejected(err error) bool {
	return errors.Is(err, ErrInvalidCategory) ||
		errors.Is(err, ErrInvalidPagination) ||
		errors.Is(err, ErrInvalidDelta) ||
		errors.Is(err, ErrInvalidUser)
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// RecalculationQueue accepts asynchronous recalculation requests.
type RecalculationQueue interface {
	Enqueue(category leaderboard.Category) bool
}

type LeaderboardService struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time

	leasesMu sync.Mutex
	leases   map[leaderboard.Category]*sync.Mutex

	onWrite RecalculationQueue
}

func NewLeaderboardService(st store.Store, log *zap.Logger) *LeaderboardService {
	return &LeaderboardService{
		store:  st,
		logger: logger.OrNop(log).With(zap.String("component", "leaderboard_service")),
		now:    time.Now,
		leases: make(map[leaderboard.Category]*sync.Mutex, len(leaderboard.Categories)),
	}
}

// SetClock replaces the time source. Tests use it to pin streak arithmetic.
func (s *LeaderboardService) SetClock(now func() time.Time) {
	s.now = now
}

// SetRecalculationQueue makes every successful score update request an
// asynchronous recalculation of its category.
func (s *LeaderboardService) SetRecalculationQueue(q RecalculationQueue) {
	s.onWrite = q
}

func (s *LeaderboardService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func validateCategory(category leaderboard.Category) error {
	if !category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, string(category))
	}
	return nil
}

// RecordActivity applies scoreDelta to the user's record in category, creating
// it on first use. Streaks only advance on positive deltas; badges are
// re-evaluated on every call.
func (s *LeaderboardService) RecordActivity(ctx context.Context, userID string, category leaderboard.Category, scoreDelta int64) (*leaderboard.ScoreRecord, error) {
	if err := validateCategory(category); err != nil {
		metrics.ActivityRecorded.WithLabelValues("invalid", "invalid").Inc()
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		metrics.ActivityRecorded.WithLabelValues(string(category), "invalid").Inc()
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidUser)
	}

	now := s.now().UTC()
	rec, err := s.store.Update(ctx, userID, category, func(rec *leaderboard.ScoreRecord) error {
		next := rec.Score + scoreDelta
		if next < 0 || (scoreDelta > 0 && next < rec.Score) {
			return fmt.Errorf("%w: score %d with delta %d would be out of range", ErrInvalidDelta, rec.Score, scoreDelta)
		}
		rec.Score = next
		rec.WeeklyScore = addFloorZero(rec.WeeklyScore, scoreDelta)
		rec.MonthlyScore = addFloorZero(rec.MonthlyScore, scoreDelta)

		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if scoreDelta != 0 || rec.LastActivity.IsZero() {
			rec.LastActivity = now
		}
		if scoreDelta > 0 {
			rec.Streak = streak.Advance(rec.Streak, now)
		}
		rec.EvaluateBadges()
		rec.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidDelta) {
			metrics.ActivityRecorded.WithLabelValues(string(category), "invalid").Inc()
			return nil, err
		}
		metrics.ActivityRecorded.WithLabelValues(string(category), "error").Inc()
		s.logger.Error("failed to record activity",
			zap.String("user_id", userID),
			zap.String("category", string(category)),
			zap.Int64("score_delta", scoreDelta),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to record activity: %w", err)
	}

	metrics.ActivityRecorded.WithLabelValues(string(category), "ok").Inc()
	s.logger.Debug("activity recorded",
		zap.String("user_id", userID),
		zap.String("category", string(category)),
		zap.Int64("score_delta", scoreDelta),
		zap.Int64("score", rec.Score),
		zap.Int("streak_days", rec.Streak.Days),
	)

	if s.onWrite != nil && scoreDelta != 0 {
		s.onWrite.Enqueue(category)
	}
	return rec, nil
}

// addFloorZero mirrors a delta into a periodic score that is reset
// externally and may already be lower than the lifetime score.
func addFloorZero(current, delta int64) int64 {
	next := current + delta
	if next < 0 || (delta > 0 && next < current) {
		if delta > 0 {
			return math.MaxInt64
		}
		return 0
	}
	return next
}

// GetLeaderboard returns one page of the last committed ranking of category.
// Records that no pass has ranked yet are not listed.
func (s *LeaderboardService) GetLeaderboard(ctx context.Context, category leaderboard.Category, page, pageSize int) (*leaderboard.Leaderboard, error) {
	if err := validateCategory(category); err != nil {
		return nil, err
	}
	if page < 1 {
		return nil, fmt.Errorf("%w: page must be >= 1, got %d", ErrInvalidPagination, page)
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return nil, fmt.Errorf("%w: page size must be between 1 and %d, got %d", ErrInvalidPagination, MaxPageSize, pageSize)
	}

	offset := (page - 1) * pageSize
	records, total, err := s.store.Page(ctx, category, offset, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch leaderboard: %w", err)
	}

	now := s.now().UTC()
	entries := make([]*leaderboard.LeaderboardEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, leaderboard.NewLeaderboardEntry(rec, now))
	}

	return &leaderboard.Leaderboard{
		Category:     category,
		Entries:      entries,
		Page:         page,
		PageSize:     pageSize,
		TotalPages:   (total + pageSize - 1) / pageSize,
		TotalEntries: total,
	}, nil
}

// GetRecord returns a single user's record with its derived fields.
func (s *LeaderboardService) GetRecord(ctx context.Context, userID string, category leaderboard.Category) (*leaderboard.LeaderboardEntry, error) {
	if err := validateCategory(category); err != nil {
		return nil, err
	}
	rec, err := s.store.Get(ctx, strings.TrimSpace(userID), category)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %q in %s", ErrRecordNotFound, userID, category)
		}
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return leaderboard.NewLeaderboardEntry(rec, s.now().UTC()), nil
}

func (s *LeaderboardService) lease(category leaderboard.Category) *sync.Mutex {
	s.leasesMu.Lock()
	defer s.leasesMu.Unlock()
	l, ok := s.leases[category]
	if !ok {
		l = &sync.Mutex{}
		s.leases[category] = l
	}
	return l
}

// TriggerRecalculation re-ranks every record of category from one snapshot and
// commits ranks, percentiles and badges in a single batch. Only one pass per
// category runs at a time; a second caller gets ErrRecalculationConflict.
// An empty category is not an error and reports zero records.
func (s *LeaderboardService) TriggerRecalculation(ctx context.Context, category leaderboard.Category) (*leaderboard.RecalculationResult, error) {
	if err := validateCategory(category); err != nil {
		return nil, err
	}

	lease := s.lease(category)
	if !lease.TryLock() {
		metrics.RecalculationFailures.WithLabelValues(string(category), "conflict").Inc()
		return nil, fmt.Errorf("%w: %s", ErrRecalculationConflict, category)
	}
	defer lease.Unlock()

	passID := uuid.NewString()
	log := s.logger.With(zap.String("pass_id", passID), zap.String("category", string(category)))
	start := time.Now()

	records, err := s.store.ListByCategory(ctx, category)
	if err != nil {
		metrics.RecalculationFailures.WithLabelValues(string(category), "snapshot").Inc()
		log.Error("recalculation snapshot failed", zap.Error(err))
		return nil, fmt.Errorf("failed to snapshot %s: %w", category, err)
	}

	entries := make([]ranking.Entry, len(records))
	for i, rec := range records {
		entries[i] = rec.RankingEntry()
	}
	assignments := ranking.Rank(entries)

	if len(assignments) > 0 {
		err = s.store.CommitRanks(ctx, category, assignments, func(rec *leaderboard.ScoreRecord, a ranking.Assignment) {
			rec.ApplyAssignment(a)
		})
		if errors.Is(err, store.ErrCommitInProgress) {
			metrics.RecalculationFailures.WithLabelValues(string(category), "conflict").Inc()
			log.Info("another instance is committing this category")
			return nil, fmt.Errorf("%w: %s", ErrRecalculationConflict, category)
		}
		if err != nil {
			metrics.RecalculationFailures.WithLabelValues(string(category), "commit").Inc()
			log.Error("recalculation commit failed", zap.Int("records", len(assignments)), zap.Error(err))
			return nil, fmt.Errorf("failed to commit ranks for %s: %w", category, err)
		}
	}

	elapsed := time.Since(start)
	metrics.RecalculationDuration.WithLabelValues(string(category)).Observe(elapsed.Seconds())
	metrics.RecalculationRecords.WithLabelValues(string(category)).Set(float64(len(assignments)))
	log.Info("recalculation complete",
		zap.Int("records", len(assignments)),
		zap.Duration("duration", elapsed),
	)

	return &leaderboard.RecalculationResult{
		PassID:           passID,
		Category:         category,
		RecordsProcessed: len(assignments),
		Duration:         elapsed,
	}, nil
}
