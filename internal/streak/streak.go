package streak

import "time"

// Day is the granularity streaks are counted in.
const Day = 24 * time.Hour

type Status string

const (
	StatusActive   Status = "active"
	StatusExpiring Status = "expiring"
	StatusBroken   Status = "broken"
)

type Streak struct {
	Days        int        `json:"days"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// DayDiff returns the number of whole days elapsed between lastUpdated and now.
// Timestamps in the future relative to now count as zero days.
func DayDiff(lastUpdated, now time.Time) int {
	elapsed := now.Sub(lastUpdated)
	if elapsed < 0 {
		return 0
	}
	return int(elapsed / Day)
}

// Advance returns the streak after a score increase at now. It must only be
// called for genuine increases; decreases and no-op updates leave the streak
// untouched.
func Advance(prev Streak, now time.Time) Streak {
	next := Streak{Days: prev.Days}

	if prev.LastUpdated == nil {
		next.Days = 1
		next.LastUpdated = timePtr(now)
		return next
	}

	switch diff := DayDiff(*prev.LastUpdated, now); {
	case diff == 0:
		if next.Days < 1 {
			next.Days = 1
		}
	case diff == 1:
		next.Days++
	default:
		next.Days = 1
	}

	// A clock running behind the stored timestamp must not rewind it.
	if now.Before(*prev.LastUpdated) {
		next.LastUpdated = timePtr(*prev.LastUpdated)
	} else {
		next.LastUpdated = timePtr(now)
	}
	return next
}

// StatusAt derives the read-time status of s relative to now.
func StatusAt(s Streak, now time.Time) Status {
	if s.LastUpdated == nil {
		return StatusBroken
	}
	switch DayDiff(*s.LastUpdated, now) {
	case 0:
		return StatusActive
	case 1:
		return StatusExpiring
	default:
		return StatusBroken
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
