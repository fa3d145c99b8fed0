package store

import (
	"context"
	"errors"

	"rankingEngineAPI/internal/ranking"
	"rankingEngineAPI/internal/types/leaderboard"
)

var (
	ErrRecordNotFound = errors.New("score record not found")
	// ErrUnknownAssignment is returned by CommitRanks when an assignment names
	// a user that has no record in the category.
	ErrUnknownAssignment = errors.New("rank assignment for unknown record")
	// ErrCommitInProgress is returned by CommitRanks when another process is
	// committing a pass for the same category.
	ErrCommitInProgress = errors.New("rank commit already in progress")
)

// UpdateFunc mutates a record in place. Returning an error aborts the update
// and nothing is written.
type UpdateFunc func(rec *leaderboard.ScoreRecord) error

// ApplyFunc applies one rank assignment to a record during a batch commit.
type ApplyFunc func(rec *leaderboard.ScoreRecord, a ranking.Assignment)

// Store keeps one ScoreRecord per (user, category).
//
// Implementations must serialise Update calls for the same key, let Update
// calls for different keys run in parallel, and make CommitRanks
// all-or-nothing with respect to every reader.
type Store interface {
	Get(ctx context.Context, userID string, category leaderboard.Category) (*leaderboard.ScoreRecord, error)
	Upsert(ctx context.Context, rec *leaderboard.ScoreRecord) error

	// ListByCategory returns a consistent snapshot of every record in the
	// category.
	ListByCategory(ctx context.Context, category leaderboard.Category) ([]*leaderboard.ScoreRecord, error)

	// Update loads the record (or a zero seed when it does not exist yet),
	// runs fn and persists the result atomically.
	Update(ctx context.Context, userID string, category leaderboard.Category, fn UpdateFunc) (*leaderboard.ScoreRecord, error)

	// CommitRanks applies a full recalculation pass in one batch.
	CommitRanks(ctx context.Context, category leaderboard.Category, assignments []ranking.Assignment, apply ApplyFunc) error

	// Page returns ranked records ordered by rank together with the number of
	// ranked records in the category.
	Page(ctx context.Context, category leaderboard.Category, offset, limit int) ([]*leaderboard.ScoreRecord, int, error)

	Ping(ctx context.Context) error
	Close() error
}
