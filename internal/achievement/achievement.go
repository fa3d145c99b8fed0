package achievement

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Badge string

const (
	BadgeTop10    Badge = "top10"
	BadgeTop100   Badge = "top100"
	BadgeRising   Badge = "rising"
	BadgeStreak   Badge = "streak"
	BadgeChampion Badge = "champion"
)

// Thresholds for rank and streak based badges.
const (
	Top10Rank         = 10
	Top100Rank        = 100
	StreakBadgeDays   = 7
	ChampionBadgeDays = 30
)

// allBadges fixes the canonical order badges are listed and serialised in.
var allBadges = []Badge{BadgeTop10, BadgeTop100, BadgeRising, BadgeStreak, BadgeChampion}

func (b Badge) bit() BadgeSet {
	for i, known := range allBadges {
		if known == b {
			return 1 << uint(i)
		}
	}
	return 0
}

// ParseBadge maps the wire name of a badge to its value.
func ParseBadge(raw string) (Badge, error) {
	b := Badge(strings.ToLower(strings.TrimSpace(raw)))
	if b.bit() == 0 {
		return "", fmt.Errorf("unknown badge %q", raw)
	}
	return b, nil
}

// BadgeSet is a set of badges. The zero value is the empty set.
type BadgeSet uint8

func NewBadgeSet(badges ...Badge) BadgeSet {
	var s BadgeSet
	for _, b := range badges {
		s = s.With(b)
	}
	return s
}

func (s BadgeSet) With(b Badge) BadgeSet {
	return s | b.bit()
}

func (s BadgeSet) Has(b Badge) bool {
	bit := b.bit()
	return bit != 0 && s&bit != 0
}

func (s BadgeSet) Len() int {
	n := 0
	for _, b := range allBadges {
		if s.Has(b) {
			n++
		}
	}
	return n
}

// List returns the badges in canonical order.
func (s BadgeSet) List() []Badge {
	out := make([]Badge, 0, len(allBadges))
	for _, b := range allBadges {
		if s.Has(b) {
			out = append(out, b)
		}
	}
	return out
}

// Strings returns the badge names in canonical order.
func (s BadgeSet) Strings() []string {
	list := s.List()
	out := make([]string, len(list))
	for i, b := range list {
		out[i] = string(b)
	}
	return out
}

// ParseBadgeSet builds a set from badge names, ignoring duplicates.
func ParseBadgeSet(names []string) (BadgeSet, error) {
	var s BadgeSet
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		b, err := ParseBadge(name)
		if err != nil {
			return 0, err
		}
		s = s.With(b)
	}
	return s, nil
}

func (s BadgeSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *BadgeSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseBadgeSet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Evaluate derives the full badge set from a record's own rank, streak length
// and previous rank. The result replaces whatever the record held before, so
// badges whose condition no longer holds are dropped.
func Evaluate(rank *int, streakDays int, previousRank *int) BadgeSet {
	var s BadgeSet

	if rank != nil {
		if *rank <= Top10Rank {
			s = s.With(BadgeTop10)
		}
		if *rank <= Top100Rank {
			s = s.With(BadgeTop100)
		}
		if previousRank != nil && *rank < *previousRank {
			s = s.With(BadgeRising)
		}
	}

	if streakDays >= StreakBadgeDays {
		s = s.With(BadgeStreak)
	}
	if streakDays >= ChampionBadgeDays {
		s = s.With(BadgeChampion)
	}

	return s
}
