package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rankingEngineAPI/internal/achievement"
	"rankingEngineAPI/internal/ranking"
	"rankingEngineAPI/internal/types/leaderboard"
)

// scoreRow is the gorm model backing SQLiteStore.
type scoreRow struct {
	ID                uint       `gorm:"primaryKey"`
	UserID            string     `gorm:"not null;uniqueIndex:idx_score_user_category"`
	Category          string     `gorm:"not null;uniqueIndex:idx_score_user_category;index:idx_score_category_rank"`
	Score             int64      `gorm:"not null;default:0"`
	WeeklyScore       int64      `gorm:"not null;default:0"`
	MonthlyScore      int64      `gorm:"not null;default:0"`
	Rank              *int       `gorm:"index:idx_score_category_rank"`
	PreviousRank      *int
	Percentile        int        `gorm:"not null;default:0"`
	Badges            string     `gorm:"not null;default:''"`
	StreakDays        int        `gorm:"not null;default:0"`
	StreakLastUpdated *time.Time
	LastActivity      time.Time
	CreatedAt         time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false"`
}

func (scoreRow) TableName() string {
	return "score_records"
}

func (r *scoreRow) toRecord() (*leaderboard.ScoreRecord, error) {
	var names []string
	if r.Badges != "" {
		names = strings.Split(r.Badges, ",")
	}
	badges, err := achievement.ParseBadgeSet(names)
	if err != nil {
		return nil, fmt.Errorf("record %s/%s: %w", r.Category, r.UserID, err)
	}
	rec := &leaderboard.ScoreRecord{
		UserID:       r.UserID,
		Category:     leaderboard.Category(r.Category),
		Score:        r.Score,
		WeeklyScore:  r.WeeklyScore,
		MonthlyScore: r.MonthlyScore,
		Rank:         r.Rank,
		PreviousRank: r.PreviousRank,
		Percentile:   r.Percentile,
		Badges:       badges,
		LastActivity: r.LastActivity,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	rec.Streak.Days = r.StreakDays
	rec.Streak.LastUpdated = r.StreakLastUpdated
	return rec.Clone(), nil
}

func rowFromRecord(id uint, rec *leaderboard.ScoreRecord) *scoreRow {
	c := rec.Clone()
	return &scoreRow{
		ID:                id,
		UserID:            c.UserID,
		Category:          string(c.Category),
		Score:             c.Score,
		WeeklyScore:       c.WeeklyScore,
		MonthlyScore:      c.MonthlyScore,
		Rank:              c.Rank,
		PreviousRank:      c.PreviousRank,
		Percentile:        c.Percentile,
		Badges:            strings.Join(c.Badges.Strings(), ","),
		StreakDays:        c.Streak.Days,
		StreakLastUpdated: c.Streak.LastUpdated,
		LastActivity:      c.LastActivity,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

// SQLiteStore is an embedded single-node backend. All access goes through one
// connection, so every transaction is serialised.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the database at path and migrates the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if path != ":memory:" {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
		} {
			if err := db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("failed to run %s: %w", pragma, err)
			}
		}
	}

	if err := db.AutoMigrate(&scoreRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate score_records: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func findRow(tx *gorm.DB, userID string, category leaderboard.Category) (*scoreRow, error) {
	var row scoreRow
	err := tx.Where("user_id = ? AND category = ?", userID, string(category)).First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID string, category leaderboard.Category) (*leaderboard.ScoreRecord, error) {
	row, err := findRow(s.db.WithContext(ctx), userID, category)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return row.toRecord()
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec *leaderboard.ScoreRecord) error {
	if rec == nil {
		return fmt.Errorf("upsert: nil record")
	}
	_, err := s.Update(ctx, rec.UserID, rec.Category, func(current *leaderboard.ScoreRecord) error {
		*current = *rec.Clone()
		return nil
	})
	return err
}

func (s *SQLiteStore) ListByCategory(ctx context.Context, category leaderboard.Category) ([]*leaderboard.ScoreRecord, error) {
	var rows []scoreRow
	err := s.db.WithContext(ctx).
		Where("category = ?", string(category)).
		Order("user_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return toRecords(rows)
}

func toRecords(rows []scoreRow) ([]*leaderboard.ScoreRecord, error) {
	out := make([]*leaderboard.ScoreRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLiteStore) Update(ctx context.Context, userID string, category leaderboard.Category, fn UpdateFunc) (*leaderboard.ScoreRecord, error) {
	var result *leaderboard.ScoreRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var id uint
		rec := &leaderboard.ScoreRecord{UserID: userID, Category: category}

		row, err := findRow(tx, userID, category)
		switch {
		case err == nil:
			id = row.ID
			if rec, err = row.toRecord(); err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to load record: %w", err)
		}

		if err := fn(rec); err != nil {
			return err
		}
		rec.UserID = userID
		rec.Category = category

		if err := tx.Save(rowFromRecord(id, rec)).Error; err != nil {
			return fmt.Errorf("failed to save record: %w", err)
		}
		result = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) CommitRanks(ctx context.Context, category leaderboard.Category, assignments []ranking.Assignment, apply ApplyFunc) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []scoreRow
		if err := tx.Where("category = ?", string(category)).Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to load category: %w", err)
		}
		byUser := make(map[string]*scoreRow, len(rows))
		for i := range rows {
			byUser[rows[i].UserID] = &rows[i]
		}

		for _, a := range assignments {
			row, ok := byUser[a.UserID]
			if !ok {
				return fmt.Errorf("%w: user %q in %s", ErrUnknownAssignment, a.UserID, category)
			}
			rec, err := row.toRecord()
			if err != nil {
				return err
			}
			apply(rec, a)

			err = tx.Model(&scoreRow{}).Where("id = ?", row.ID).Updates(map[string]any{
				"rank":          rec.Rank,
				"previous_rank": rec.PreviousRank,
				"percentile":    rec.Percentile,
				"badges":        strings.Join(rec.Badges.Strings(), ","),
			}).Error
			if err != nil {
				return fmt.Errorf("failed to write rank for %q: %w", a.UserID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Page(ctx context.Context, category leaderboard.Category, offset, limit int) ([]*leaderboard.ScoreRecord, int, error) {
	var (
		rows  []scoreRow
		total int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ranked := tx.Model(&scoreRow{}).Where("category = ? AND rank IS NOT NULL", string(category))
		if err := ranked.Count(&total).Error; err != nil {
			return fmt.Errorf("failed to count leaderboard: %w", err)
		}
		return tx.Where("category = ? AND rank IS NOT NULL", string(category)).
			Order("rank ASC").
			Offset(offset).
			Limit(limit).
			Find(&rows).Error
	})
	if err != nil {
		return nil, 0, err
	}
	records, err := toRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, int(total), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
