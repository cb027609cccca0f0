package stats

import (
	"math"

	"qms/token-service/internal/models"
)

// Stats is a derived rollup of one queue's tokens for the current day.
type Stats struct {
	QueueID         string `json:"queue_id"`
	Waiting         int    `json:"waiting"`
	Called          int    `json:"called"`
	Serving         int    `json:"serving"`
	Served          int    `json:"served"`
	Skipped         int    `json:"skipped"`
	Cancelled       int    `json:"cancelled"`
	Total           int    `json:"total"`
	AverageWaitTime int    `json:"average_wait_time"`
}

// Compute counts tokens per status. AverageWaitTime is the mean of
// completed_at minus created_at in whole minutes over tokens that carry both.
func Compute(queueID string, tokens []models.Token) Stats {
	result := Stats{QueueID: queueID}
	var totalMinutes float64
	completed := 0
	for _, token := range tokens {
		switch token.Status {
		case models.StatusWaiting:
			result.Waiting++
		case models.StatusCalled:
			result.Called++
		case models.StatusServing:
			result.Serving++
		case models.StatusServed:
			result.Served++
		case models.StatusSkipped:
			result.Skipped++
		case models.StatusCancelled:
			result.Cancelled++
		default:
			continue
		}
		result.Total++

		if token.CompletedAt == nil || token.CreatedAt.IsZero() {
			continue
		}
		totalMinutes += token.CompletedAt.Sub(token.CreatedAt).Minutes()
		completed++
	}
	if completed > 0 {
		result.AverageWaitTime = int(math.Round(totalMinutes / float64(completed)))
	}
	return result
}
