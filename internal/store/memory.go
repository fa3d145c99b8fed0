package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"rankingEngineAPI/internal/ranking"
	"rankingEngineAPI/internal/types/leaderboard"
)

// MemoryStore keeps records in process. Each category is a shard whose
// RWMutex is held shared by record updates and readers and exclusively by a
// rank commit; each record has its own mutex so updates to different users
// never wait on each other.
type MemoryStore struct {
	mu     sync.Mutex
	shards map[leaderboard.Category]*memoryShard
}

type memoryShard struct {
	mu      sync.RWMutex
	records map[string]*memoryEntry
}

type memoryEntry struct {
	mu sync.Mutex
	// rec stays nil until the first successful update.
	rec *leaderboard.ScoreRecord
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{shards: make(map[leaderboard.Category]*memoryShard, len(leaderboard.Categories))}
	for _, c := range leaderboard.Categories {
		s.shards[c] = newMemoryShard()
	}
	return s
}

func newMemoryShard() *memoryShard {
	return &memoryShard{records: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) shard(category leaderboard.Category) *memoryShard {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[category]
	if !ok {
		sh = newMemoryShard()
		s.shards[category] = sh
	}
	return sh
}

func (e *memoryEntry) snapshot() *leaderboard.ScoreRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone()
}

func (s *MemoryStore) Get(ctx context.Context, userID string, category leaderboard.Category) (*leaderboard.ScoreRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shard(category)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.records[userID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	rec := e.snapshot()
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, rec *leaderboard.ScoreRecord) error {
	if rec == nil {
		return fmt.Errorf("upsert: nil record")
	}
	_, err := s.Update(ctx, rec.UserID, rec.Category, func(current *leaderboard.ScoreRecord) error {
		*current = *rec.Clone()
		return nil
	})
	return err
}

func (s *MemoryStore) ListByCategory(ctx context.Context, category leaderboard.Category) ([]*leaderboard.ScoreRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shard(category)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	out := make([]*leaderboard.ScoreRecord, 0, len(sh.records))
	for _, e := range sh.records {
		if rec := e.snapshot(); rec != nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, userID string, category leaderboard.Category, fn UpdateFunc) (*leaderboard.ScoreRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shard(category)

	sh.mu.RLock()
	e, ok := sh.records[userID]
	if !ok {
		sh.mu.RUnlock()
		sh.mu.Lock()
		e, ok = sh.records[userID]
		if !ok {
			e = &memoryEntry{}
			sh.records[userID] = e
		}
		sh.mu.Unlock()
		sh.mu.RLock()
	}
	rec, err := e.update(userID, category, fn)
	sh.mu.RUnlock()

	if err != nil {
		sh.dropIfEmpty(userID, e)
		return nil, err
	}
	return rec, nil
}

func (e *memoryEntry) update(userID string, category leaderboard.Category, fn UpdateFunc) (*leaderboard.ScoreRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.rec.Clone()
	if working == nil {
		working = &leaderboard.ScoreRecord{UserID: userID, Category: category}
	}
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UserID = userID
	working.Category = category

	e.rec = working
	return working.Clone(), nil
}

// dropIfEmpty removes a seed entry whose first update failed, so rejected
// writes for unknown users leave nothing behind.
func (sh *memoryShard) dropIfEmpty(userID string, e *memoryEntry) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.records[userID] != e {
		return
	}
	e.mu.Lock()
	empty := e.rec == nil
	e.mu.Unlock()
	if empty {
		delete(sh.records, userID)
	}
}

func (s *MemoryStore) CommitRanks(ctx context.Context, category leaderboard.Category, assignments []ranking.Assignment, apply ApplyFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shard(category)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// Stage every change before touching shared state so a bad assignment
	// leaves the previous pass intact.
	staged := make(map[*memoryEntry]*leaderboard.ScoreRecord, len(assignments))
	for _, a := range assignments {
		e, ok := sh.records[a.UserID]
		if !ok || e.rec == nil {
			return fmt.Errorf("%w: user %q in %s", ErrUnknownAssignment, a.UserID, category)
		}
		working := e.rec.Clone()
		apply(working, a)
		staged[e] = working
	}

	for e, rec := range staged {
		e.rec = rec
	}
	return nil
}

func (s *MemoryStore) Page(ctx context.Context, category leaderboard.Category, offset, limit int) ([]*leaderboard.ScoreRecord, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	sh := s.shard(category)
	sh.mu.RLock()
	ranked := make([]*leaderboard.ScoreRecord, 0, len(sh.records))
	for _, e := range sh.records {
		if rec := e.snapshot(); rec != nil && rec.Rank != nil {
			ranked = append(ranked, rec)
		}
	}
	sh.mu.RUnlock()

	sort.Slice(ranked, func(i, j int) bool { return *ranked[i].Rank < *ranked[j].Rank })

	total := len(ranked)
	if offset < 0 {
		offset = 0
	}
	if offset >= total || limit <= 0 {
		return []*leaderboard.ScoreRecord{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return ranked[offset:end], total, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}
