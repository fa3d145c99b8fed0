package leaderboard

import "encoding/json"

type RecordActivityRequest struct {
	UserID     string      `json:"user_id"`
	ScoreDelta json.Number `json:"score_delta"`
}

// ActivityEvent is the payload published by upstream event sources.
type ActivityEvent struct {
	UserID     string      `json:"user_id"`
	Category   string      `json:"category"`
	ScoreDelta json.Number `json:"score_delta"`
}
