package leaderboard

import (
	"fmt"
	"time"

	"rankingEngineAPI/internal/achievement"
	"rankingEngineAPI/internal/ranking"
	"rankingEngineAPI/internal/streak"
)

type Category string

const (
	CategoryGlobal   Category = "global"
	CategoryRegional Category = "regional"
	CategoryFriends  Category = "friends"
	CategoryCompany  Category = "company"
)

// Categories lists every ranking partition.
var Categories = []Category{CategoryGlobal, CategoryRegional, CategoryFriends, CategoryCompany}

func (c Category) Valid() bool {
	switch c {
	case CategoryGlobal, CategoryRegional, CategoryFriends, CategoryCompany:
		return true
	}
	return false
}

// ParseCategory accepts the exact wire name of a category, the same rule the
// HTTP routes apply. Anything else is rejected, never defaulted or folded.
func ParseCategory(raw string) (Category, error) {
	c := Category(raw)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", raw)
	}
	return c, nil
}

type ScoreRecord struct {
	UserID       string               `json:"user_id" db:"user_id"`
	Category     Category             `json:"category" db:"category"`
	Score        int64                `json:"score" db:"score"`
	WeeklyScore  int64                `json:"weekly_score" db:"weekly_score"`
	MonthlyScore int64                `json:"monthly_score" db:"monthly_score"`
	Rank         *int                 `json:"rank,omitempty" db:"rank"`
	PreviousRank *int                 `json:"previous_rank,omitempty" db:"previous_rank"`
	Percentile   int                  `json:"percentile" db:"percentile"`
	Badges       achievement.BadgeSet `json:"badges" db:"badges"`
	Streak       streak.Streak        `json:"streak"`
	LastActivity time.Time            `json:"last_activity" db:"last_activity"`
	CreatedAt    time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at" db:"updated_at"`
}

// NewScoreRecord returns the zero-score seed for a user's first event in a
// category.
func NewScoreRecord(userID string, category Category, now time.Time) *ScoreRecord {
	return &ScoreRecord{
		UserID:    userID,
		Category:  category,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so callers can mutate it without touching shared
// state.
func (r *ScoreRecord) Clone() *ScoreRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Rank = cloneInt(r.Rank)
	out.PreviousRank = cloneInt(r.PreviousRank)
	if r.Streak.LastUpdated != nil {
		t := *r.Streak.LastUpdated
		out.Streak.LastUpdated = &t
	}
	return &out
}

// RankingEntry projects the record onto the fields used to order a category.
func (r *ScoreRecord) RankingEntry() ranking.Entry {
	return ranking.Entry{
		UserID:       r.UserID,
		Score:        r.Score,
		LastActivity: r.LastActivity,
	}
}

// RankChange is derived at read time, never stored.
func (r *ScoreRecord) RankChange() ranking.Change {
	return ranking.ChangeOf(r.Rank, r.PreviousRank)
}

// StreakStatus is derived at read time, never stored.
func (r *ScoreRecord) StreakStatus(now time.Time) streak.Status {
	return streak.StatusAt(r.Streak, now)
}

// EvaluateBadges recomputes the badge set from the record's own state.
func (r *ScoreRecord) EvaluateBadges() {
	r.Badges = achievement.Evaluate(r.Rank, r.Streak.Days, r.PreviousRank)
}

// ApplyAssignment moves the current rank into PreviousRank (when the record
// was ranked before), stores the new rank and percentile and re-evaluates
// badges.
func (r *ScoreRecord) ApplyAssignment(a ranking.Assignment) {
	if r.Rank != nil {
		r.PreviousRank = cloneInt(r.Rank)
	}
	rank := a.Rank
	r.Rank = &rank
	r.Percentile = a.Percentile
	r.EvaluateBadges()
}

type LeaderboardEntry struct {
	*ScoreRecord
	RankChange   ranking.Change `json:"rank_change"`
	StreakStatus streak.Status  `json:"streak_status"`
}

// NewLeaderboardEntry decorates a record with its derived fields as of now.
func NewLeaderboardEntry(r *ScoreRecord, now time.Time) *LeaderboardEntry {
	return &LeaderboardEntry{
		ScoreRecord:  r,
		RankChange:   r.RankChange(),
		StreakStatus: r.StreakStatus(now),
	}
}

type Leaderboard struct {
	Category     Category            `json:"category"`
	Entries      []*LeaderboardEntry `json:"entries"`
	Page         int                 `json:"page"`
	PageSize     int                 `json:"page_size"`
	TotalPages   int                 `json:"total_pages"`
	TotalEntries int                 `json:"total_entries"`
}

type RecalculationResult struct {
	PassID           string        `json:"pass_id"`
	Category         Category      `json:"category"`
	RecordsProcessed int           `json:"records_processed"`
	Duration         time.Duration `json:"duration_ns"`
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
