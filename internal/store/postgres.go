package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rankingEngineAPI/internal/achievement"
	"rankingEngineAPI/internal/ranking"
	"rankingEngineAPI/internal/types/leaderboard"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS score_records (
	id                  UUID PRIMARY KEY,
	user_id             TEXT NOT NULL,
	category            TEXT NOT NULL,
	score               BIGINT NOT NULL DEFAULT 0 CHECK (score >= 0),
	weekly_score        BIGINT NOT NULL DEFAULT 0 CHECK (weekly_score >= 0),
	monthly_score       BIGINT NOT NULL DEFAULT 0 CHECK (monthly_score >= 0),
	rank                INTEGER,
	previous_rank       INTEGER,
	percentile          INTEGER NOT NULL DEFAULT 0,
	badges              TEXT[] NOT NULL DEFAULT '{}',
	streak_days         INTEGER NOT NULL DEFAULT 0,
	streak_last_updated TIMESTAMPTZ,
	last_activity       TIMESTAMPTZ NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	UNIQUE (user_id, category)
);
CREATE INDEX IF NOT EXISTS score_records_category_rank_idx ON score_records (category, rank);
`

const recordColumns = `user_id, category, score, weekly_score, monthly_score, rank, previous_rank,
	percentile, badges, streak_days, streak_last_updated, last_activity, created_at, updated_at`

// PostgresStore persists records in a single score_records table. Record
// updates take a row lock; rank commits run in one transaction.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres builds a pool for databaseURL with the service's pool limits
// and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create score_records schema: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*leaderboard.ScoreRecord, error) {
	rec := &leaderboard.ScoreRecord{}
	var category string
	var badges []string
	err := row.Scan(
		&rec.UserID,
		&category,
		&rec.Score,
		&rec.WeeklyScore,
		&rec.MonthlyScore,
		&rec.Rank,
		&rec.PreviousRank,
		&rec.Percentile,
		&badges,
		&rec.Streak.Days,
		&rec.Streak.LastUpdated,
		&rec.LastActivity,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Category = leaderboard.Category(category)
	if rec.Badges, err = achievement.ParseBadgeSet(badges); err != nil {
		return nil, fmt.Errorf("record %s/%s: %w", rec.Category, rec.UserID, err)
	}
	return rec, nil
}

func collectRecords(rows pgx.Rows) ([]*leaderboard.ScoreRecord, error) {
	defer rows.Close()
	var out []*leaderboard.ScoreRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string, category leaderboard.Category) (*leaderboard.ScoreRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM score_records WHERE user_id = $1 AND category = $2`,
		userID, string(category))
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *leaderboard.ScoreRecord) error {
	if rec == nil {
		return fmt.Errorf("upsert: nil record")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO score_records (id, `+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (user_id, category) DO UPDATE SET
			score = EXCLUDED.score,
			weekly_score = EXCLUDED.weekly_score,
			monthly_score = EXCLUDED.monthly_score,
			rank = EXCLUDED.rank,
			previous_rank = EXCLUDED.previous_rank,
			percentile = EXCLUDED.percentile,
			badges = EXCLUDED.badges,
			streak_days = EXCLUDED.streak_days,
			streak_last_updated = EXCLUDED.streak_last_updated,
			last_activity = EXCLUDED.last_activity,
			updated_at = EXCLUDED.updated_at
	`,
		uuid.New(),
		rec.UserID,
		string(rec.Category),
		rec.Score,
		rec.WeeklyScore,
		rec.MonthlyScore,
		rec.Rank,
		rec.PreviousRank,
		rec.Percentile,
		rec.Badges.Strings(),
		rec.Streak.Days,
		rec.Streak.LastUpdated,
		rec.LastActivity,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByCategory(ctx context.Context, category leaderboard.Category) ([]*leaderboard.ScoreRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT `+recordColumns+` FROM score_records WHERE category = $1 ORDER BY user_id`,
		string(category))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return collectRecords(rows)
}

func updateRecord(ctx context.Context, tx pgx.Tx, rec *leaderboard.ScoreRecord) error {
	_, err := tx.Exec(ctx, `
		UPDATE score_records SET
			score = $3,
			weekly_score = $4,
			monthly_score = $5,
			rank = $6,
			previous_rank = $7,
			percentile = $8,
			badges = $9,
			streak_days = $10,
			streak_last_updated = $11,
			last_activity = $12,
			updated_at = $13
		WHERE user_id = $1 AND category = $2
	`,
		rec.UserID,
		string(rec.Category),
		rec.Score,
		rec.WeeklyScore,
		rec.MonthlyScore,
		rec.Rank,
		rec.PreviousRank,
		rec.Percentile,
		rec.Badges.Strings(),
		rec.Streak.Days,
		rec.Streak.LastUpdated,
		rec.LastActivity,
		rec.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Update(ctx context.Context, userID string, category leaderboard.Category, fn UpdateFunc) (*leaderboard.ScoreRecord, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// The seed row only survives if the transaction commits.
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO score_records (id, user_id, category, last_activity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id, category) DO NOTHING
	`, uuid.New(), userID, string(category), time.Time{}, now)
	if err != nil {
		return nil, fmt.Errorf("failed to seed record: %w", err)
	}

	row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM score_records WHERE user_id = $1 AND category = $2 FOR UPDATE`,
		userID, string(category))
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to lock record: %w", err)
	}

	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.UserID = userID
	rec.Category = category

	if err := updateRecord(ctx, tx, rec); err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

func commitLockKey(category leaderboard.Category) string {
	return "score_records:" + string(category)
}

func (s *PostgresStore) CommitRanks(ctx context.Context, category leaderboard.Category, assignments []ranking.Assignment, apply ApplyFunc) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Replicas sharing the database take a per-category advisory lock that is
	// released with the transaction.
	var acquired bool
	err = tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, commitLockKey(category)).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to take commit lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrCommitInProgress, category)
	}

	rows, err := tx.Query(ctx, `SELECT `+recordColumns+` FROM score_records WHERE category = $1 FOR UPDATE`,
		string(category))
	if err != nil {
		return fmt.Errorf("failed to lock category: %w", err)
	}
	locked, err := collectRecords(rows)
	if err != nil {
		return err
	}

	byUser := make(map[string]*leaderboard.ScoreRecord, len(locked))
	for _, rec := range locked {
		byUser[rec.UserID] = rec
	}

	batch := &pgx.Batch{}
	for _, a := range assignments {
		rec, ok := byUser[a.UserID]
		if !ok {
			return fmt.Errorf("%w: user %q in %s", ErrUnknownAssignment, a.UserID, category)
		}
		apply(rec, a)
		batch.Queue(`
			UPDATE score_records SET rank = $3, previous_rank = $4, percentile = $5, badges = $6
			WHERE user_id = $1 AND category = $2
		`, rec.UserID, string(category), rec.Rank, rec.PreviousRank, rec.Percentile, rec.Badges.Strings())
	}

	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to write rank batch: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Page(ctx context.Context, category leaderboard.Category, offset, limit int) ([]*leaderboard.ScoreRecord, int, error) {
	// Count and page must see the same committed pass.
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback(ctx)

	var total int
	err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM score_records WHERE category = $1 AND rank IS NOT NULL`,
		string(category)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count leaderboard: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT `+recordColumns+` FROM score_records
		WHERE category = $1 AND rank IS NOT NULL
		ORDER BY rank ASC
		LIMIT $2 OFFSET $3
	`, string(category), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch leaderboard: %w", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	if records == nil {
		records = []*leaderboard.ScoreRecord{}
	}
	return records, total, tx.Commit(ctx)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
