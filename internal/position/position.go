// Package position derives a token's place in its queue from a snapshot of
// the day's tokens.
package position

import (
	"qms/token-service/internal/models"
	"qms/token-service/internal/store"
)

// AlmostReadyThreshold is the largest people-ahead count, above zero, that
// counts as almost ready.
const AlmostReadyThreshold = 2

type Position struct {
	TokenID              string        `json:"token_id"`
	TokenNumber          int           `json:"token_number"`
	Status               models.Status `json:"status"`
	Active               bool          `json:"active"`
	CurrentPosition      int           `json:"current_position"`
	PeopleAhead          int           `json:"people_ahead"`
	EstimatedWaitMinutes int           `json:"estimated_wait_minutes"`
	IsNextUp             bool          `json:"is_next_up"`
	IsCalled             bool          `json:"is_called"`
	IsServing            bool          `json:"is_serving"`
	AlmostReady          bool          `json:"almost_ready"`
}

// Calculate is pure: the same snapshot always yields the same Position.
// A token missing from the snapshot returns store.ErrTokenNotFound.
func Calculate(tokens []models.Token, tokenID string, perTokenMinutes int) (Position, error) {
	index := -1
	for i := range tokens {
		if tokens[i].TokenID == tokenID {
			index = i
			break
		}
	}
	if index < 0 {
		return Position{}, store.ErrTokenNotFound
	}
	target := tokens[index]
	pos := Position{
		TokenID:     target.TokenID,
		TokenNumber: target.TokenNumber,
		Status:      target.Status,
	}

	switch target.Status {
	case models.StatusCalled:
		pos.Active = true
		pos.IsCalled = true
		return pos, nil
	case models.StatusServing:
		pos.Active = true
		pos.IsServing = true
		return pos, nil
	case models.StatusWaiting:
	default:
		return pos, nil
	}

	ahead := 0
	for i := range tokens {
		if i == index || tokens[i].Status != models.StatusWaiting {
			continue
		}
		if models.ServesBefore(tokens[i], target) {
			ahead++
		}
	}

	pos.Active = true
	pos.PeopleAhead = ahead
	pos.CurrentPosition = ahead + 1
	pos.EstimatedWaitMinutes = ahead * perTokenMinutes
	pos.IsNextUp = ahead == 0
	pos.AlmostReady = ahead > 0 && ahead <= AlmostReadyThreshold
	return pos, nil
}
