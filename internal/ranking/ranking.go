package ranking

import (
	"math"
	"sort"
	"time"
)

type Change string

const (
	ChangeNew  Change = "new"
	ChangeUp   Change = "up"
	ChangeDown Change = "down"
	ChangeSame Change = "same"
)

// Entry is the part of a score record the recalculator looks at.
type Entry struct {
	UserID       string
	Score        int64
	LastActivity time.Time
}

// Assignment is the rank and percentile computed for one user in a pass.
type Assignment struct {
	UserID     string
	Rank       int
	Percentile int
}

// Less reports whether a ranks above b: higher score first, then the more
// recently active user, then the lexically smaller user ID.
func Less(a, b Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.LastActivity.Equal(b.LastActivity) {
		return a.LastActivity.After(b.LastActivity)
	}
	return a.UserID < b.UserID
}

// Rank orders a category snapshot and assigns dense ranks 1..N together with
// percentiles. The input slice is not modified.
func Rank(entries []Entry) []Assignment {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return Less(sorted[i], sorted[j])
	})

	percentiles := Percentiles(len(sorted))
	out := make([]Assignment, len(sorted))
	for idx, e := range sorted {
		out[idx] = Assignment{
			UserID:     e.UserID,
			Rank:       idx + 1,
			Percentile: percentiles[idx],
		}
	}
	return out
}

// Percentiles returns the percentile for each position of a category of n
// records listed in rank order (best first). The record at ascending index i
// gets round(i / n * 100); rank order is the reverse of ascending order.
func Percentiles(n int) []int {
	out := make([]int, n)
	for idx := range out {
		ascending := n - 1 - idx
		out[idx] = Percentile(ascending, n)
	}
	return out
}

// Percentile computes round(index / count * 100) for an ascending index.
func Percentile(index, count int) int {
	if count <= 0 || index <= 0 {
		return 0
	}
	return int(math.Round(float64(index) * 100 / float64(count)))
}

// ChangeOf classifies the movement between two passes.
func ChangeOf(rank, previousRank *int) Change {
	if previousRank == nil || rank == nil {
		return ChangeNew
	}
	switch {
	case *rank < *previousRank:
		return ChangeUp
	case *rank > *previousRank:
		return ChangeDown
	default:
		return ChangeSame
	}
}
