package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rankingEngineAPI/internal/achievement"
	"rankingEngineAPI/internal/ranking"
	"rankingEngineAPI/internal/types/leaderboard"
)

type storeFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]storeFactory {
	out := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		out["postgres"] = func(t *testing.T) Store {
			ctx := context.Background()
			pool, err := OpenPostgres(ctx, url)
			require.NoError(t, err)
			s := NewPostgresStore(pool)
			require.NoError(t, s.EnsureSchema(ctx))
			_, err = pool.Exec(ctx, "DELETE FROM score_records")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return out
}

var now = time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

func addScore(delta int64) UpdateFunc {
	return func(rec *leaderboard.ScoreRecord) error {
		rec.Score += delta
		rec.WeeklyScore += delta
		rec.MonthlyScore += delta
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.LastActivity = now
		rec.UpdatedAt = now
		return nil
	}
}

func applyAssignment(rec *leaderboard.ScoreRecord, a ranking.Assignment) {
	rec.ApplyAssignment(a)
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("get missing", func(t *testing.T) {
				s := open(t)
				_, err := s.Get(context.Background(), "ghost", leaderboard.CategoryGlobal)
				assert.ErrorIs(t, err, ErrRecordNotFound)
			})

			t.Run("update creates and round trips", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				rec, err := s.Update(ctx, "u1", leaderboard.CategoryGlobal, func(rec *leaderboard.ScoreRecord) error {
					rec.Score = 42
					rec.Streak.Days = 8
					last := now.Add(-time.Hour)
					rec.Streak.LastUpdated = &last
					rec.Badges = achievement.NewBadgeSet(achievement.BadgeStreak)
					rec.LastActivity = now
					rec.CreatedAt = now
					rec.UpdatedAt = now
					return nil
				})
				require.NoError(t, err)
				assert.Equal(t, int64(42), rec.Score)

				got, err := s.Get(ctx, "u1", leaderboard.CategoryGlobal)
				require.NoError(t, err)
				assert.Equal(t, "u1", got.UserID)
				assert.Equal(t, leaderboard.CategoryGlobal, got.Category)
				assert.Equal(t, int64(42), got.Score)
				assert.Equal(t, 8, got.Streak.Days)
				require.NotNil(t, got.Streak.LastUpdated)
				assert.True(t, got.Streak.LastUpdated.Equal(now.Add(-time.Hour)))
				assert.True(t, got.LastActivity.Equal(now))
				assert.True(t, got.Badges.Has(achievement.BadgeStreak))
				assert.Nil(t, got.Rank)

				_, err = s.Get(ctx, "u1", leaderboard.CategoryFriends)
				assert.ErrorIs(t, err, ErrRecordNotFound, "categories are independent")
			})

			t.Run("failed update writes nothing", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				boom := errors.New("boom")

				_, err := s.Update(ctx, "u1", leaderboard.CategoryGlobal, func(rec *leaderboard.ScoreRecord) error {
					rec.Score = 99
					return boom
				})
				assert.ErrorIs(t, err, boom)
				_, err = s.Get(ctx, "u1", leaderboard.CategoryGlobal)
				assert.ErrorIs(t, err, ErrRecordNotFound)

				_, err = s.Update(ctx, "u1", leaderboard.CategoryGlobal, addScore(5))
				require.NoError(t, err)
				_, err = s.Update(ctx, "u1", leaderboard.CategoryGlobal, func(rec *leaderboard.ScoreRecord) error {
					rec.Score = 1000
					return boom
				})
				assert.ErrorIs(t, err, boom)

				got, err := s.Get(ctx, "u1", leaderboard.CategoryGlobal)
				require.NoError(t, err)
				assert.Equal(t, int64(5), got.Score)
			})

			t.Run("concurrent updates are serialised", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				var wg sync.WaitGroup
				for i := 0; i < 50; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := s.Update(ctx, "hot", leaderboard.CategoryRegional, addScore(1))
						assert.NoError(t, err)
					}()
				}
				wg.Wait()

				got, err := s.Get(ctx, "hot", leaderboard.CategoryRegional)
				require.NoError(t, err)
				assert.Equal(t, int64(50), got.Score)
			})

			t.Run("upsert replaces", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				rec := leaderboard.NewScoreRecord("u9", leaderboard.CategoryCompany, now)
				rec.Score = 7
				rec.LastActivity = now
				require.NoError(t, s.Upsert(ctx, rec))
				rec.Score = 11
				require.NoError(t, s.Upsert(ctx, rec))

				got, err := s.Get(ctx, "u9", leaderboard.CategoryCompany)
				require.NoError(t, err)
				assert.Equal(t, int64(11), got.Score)
			})

			t.Run("commit ranks and page", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				for i, score := range []int64{10, 30, 20, 40} {
					_, err := s.Update(ctx, fmt.Sprintf("u%d", i), leaderboard.CategoryGlobal, addScore(score))
					require.NoError(t, err)
				}

				records, total, err := s.Page(ctx, leaderboard.CategoryGlobal, 0, 10)
				require.NoError(t, err)
				assert.Empty(t, records, "unranked records are not listed")
				assert.Zero(t, total)

				snapshot, err := s.ListByCategory(ctx, leaderboard.CategoryGlobal)
				require.NoError(t, err)
				require.Len(t, snapshot, 4)

				entries := make([]ranking.Entry, len(snapshot))
				for i, rec := range snapshot {
					entries[i] = rec.RankingEntry()
				}
				require.NoError(t, s.CommitRanks(ctx, leaderboard.CategoryGlobal, ranking.Rank(entries), applyAssignment))

				records, total, err = s.Page(ctx, leaderboard.CategoryGlobal, 0, 3)
				require.NoError(t, err)
				assert.Equal(t, 4, total)
				require.Len(t, records, 3)
				assert.Equal(t, "u3", records[0].UserID)
				assert.Equal(t, "u1", records[1].UserID)
				assert.Equal(t, "u2", records[2].UserID)
				assert.Equal(t, 1, *records[0].Rank)
				assert.Equal(t, 75, records[0].Percentile)
				assert.True(t, records[0].Badges.Has(achievement.BadgeTop10))

				records, _, err = s.Page(ctx, leaderboard.CategoryGlobal, 3, 3)
				require.NoError(t, err)
				require.Len(t, records, 1)
				assert.Equal(t, "u0", records[0].UserID)

				records, total, err = s.Page(ctx, leaderboard.CategoryGlobal, 10, 3)
				require.NoError(t, err)
				assert.Empty(t, records)
				assert.Equal(t, 4, total)
			})

			t.Run("second pass records previous rank", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				_, err := s.Update(ctx, "a", leaderboard.CategoryFriends, addScore(10))
				require.NoError(t, err)
				_, err = s.Update(ctx, "b", leaderboard.CategoryFriends, addScore(5))
				require.NoError(t, err)

				require.NoError(t, s.CommitRanks(ctx, leaderboard.CategoryFriends, []ranking.Assignment{
					{UserID: "a", Rank: 1, Percentile: 50},
					{UserID: "b", Rank: 2, Percentile: 0},
				}, applyAssignment))
				require.NoError(t, s.CommitRanks(ctx, leaderboard.CategoryFriends, []ranking.Assignment{
					{UserID: "b", Rank: 1, Percentile: 50},
					{UserID: "a", Rank: 2, Percentile: 0},
				}, applyAssignment))

				b, err := s.Get(ctx, "b", leaderboard.CategoryFriends)
				require.NoError(t, err)
				require.NotNil(t, b.PreviousRank)
				assert.Equal(t, 2, *b.PreviousRank)
				assert.Equal(t, 1, *b.Rank)
				assert.Equal(t, ranking.ChangeUp, b.RankChange())
				assert.True(t, b.Badges.Has(achievement.BadgeRising))
			})

			t.Run("commit is all or nothing", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				_, err := s.Update(ctx, "a", leaderboard.CategoryGlobal, addScore(10))
				require.NoError(t, err)

				err = s.CommitRanks(ctx, leaderboard.CategoryGlobal, []ranking.Assignment{
					{UserID: "a", Rank: 1, Percentile: 0},
					{UserID: "nobody", Rank: 2, Percentile: 0},
				}, applyAssignment)
				assert.ErrorIs(t, err, ErrUnknownAssignment)

				a, err := s.Get(ctx, "a", leaderboard.CategoryGlobal)
				require.NoError(t, err)
				assert.Nil(t, a.Rank)
			})

			t.Run("readers never see a partial pass", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				const users = 30
				category := leaderboard.CategoryCompany

				for i := 0; i < users; i++ {
					_, err := s.Update(ctx, fmt.Sprintf("user-%02d", i), category, addScore(int64(i)))
					require.NoError(t, err)
				}
				recalculate := func() {
					snapshot, err := s.ListByCategory(ctx, category)
					require.NoError(t, err)
					entries := make([]ranking.Entry, len(snapshot))
					for i, rec := range snapshot {
						entries[i] = rec.RankingEntry()
					}
					require.NoError(t, s.CommitRanks(ctx, category, ranking.Rank(entries), applyAssignment))
				}
				recalculate()

				var (
					wg         sync.WaitGroup
					reads      atomic.Int64
					violations atomic.Int64
				)
				done := make(chan struct{})
				for r := 0; r < 4; r++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						for {
							select {
							case <-done:
								return
							default:
							}
							records, total, err := s.Page(ctx, category, 0, users)
							if err != nil || total != users || len(records) != users {
								violations.Add(1)
								continue
							}
							reads.Add(1)
							for i, rec := range records {
								if rec.Rank == nil || *rec.Rank != i+1 {
									violations.Add(1)
									break
								}
							}
						}
					}()
				}

				for round := 0; round < 20; round++ {
					for i := 0; i < users; i += 3 {
						user := fmt.Sprintf("user-%02d", (i+round)%users)
						_, err := s.Update(ctx, user, category, addScore(int64(round%5+1)))
						require.NoError(t, err)
					}
					recalculate()
				}
				require.Eventually(t, func() bool { return reads.Load() > 0 }, 5*time.Second, time.Millisecond)
				close(done)
				wg.Wait()

				assert.Zero(t, violations.Load())

				records, total, err := s.Page(ctx, category, 0, users)
				require.NoError(t, err)
				require.Equal(t, users, total)
				require.Len(t, records, users)
				for i, rec := range records {
					require.NotNil(t, rec.Rank)
					assert.Equal(t, i+1, *rec.Rank)
					if i > 0 {
						assert.GreaterOrEqual(t, records[i-1].Score, rec.Score)
					}
				}
			})

			t.Run("ping", func(t *testing.T) {
				s := open(t)
				assert.NoError(t, s.Ping(context.Background()))
			})
		})
	}
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Update(ctx, "u1", leaderboard.CategoryGlobal, addScore(1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.Ping(ctx), context.Canceled)
}

func TestMemoryStore_FailedFirstUpdateLeavesNoEntry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rejected := errors.New("rejected")
	reject := func(rec *leaderboard.ScoreRecord) error { return rejected }

	for i := 0; i < 10; i++ {
		_, err := s.Update(ctx, fmt.Sprintf("ghost-%d", i), leaderboard.CategoryGlobal, reject)
		require.ErrorIs(t, err, rejected)
	}

	_, err := s.Update(ctx, "u1", leaderboard.CategoryGlobal, addScore(3))
	require.NoError(t, err)
	_, err = s.Update(ctx, "u1", leaderboard.CategoryGlobal, reject)
	require.ErrorIs(t, err, rejected)

	sh := s.shard(leaderboard.CategoryGlobal)
	sh.mu.RLock()
	assert.Len(t, sh.records, 1)
	assert.Contains(t, sh.records, "u1")
	sh.mu.RUnlock()

	got, err := s.Get(ctx, "u1", leaderboard.CategoryGlobal)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Score)
}

func TestPostgresStore_CommitLockedByAnotherInstance(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	s := NewPostgresStore(pool)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))
	_, err = pool.Exec(ctx, "DELETE FROM score_records")
	require.NoError(t, err)

	_, err = s.Update(ctx, "a", leaderboard.CategoryGlobal, addScore(1))
	require.NoError(t, err)
	pass := []ranking.Assignment{{UserID: "a", Rank: 1, Percentile: 0}}

	other, err := pool.Begin(ctx)
	require.NoError(t, err)
	_, err = other.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, commitLockKey(leaderboard.CategoryGlobal))
	require.NoError(t, err)

	err = s.CommitRanks(ctx, leaderboard.CategoryGlobal, pass, applyAssignment)
	assert.ErrorIs(t, err, ErrCommitInProgress)

	require.NoError(t, other.Rollback(ctx))
	assert.NoError(t, s.CommitRanks(ctx, leaderboard.CategoryGlobal, pass, applyAssignment))
}
