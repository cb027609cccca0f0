package store

import (
	"time"

	"qms/token-service/internal/models"
)

type Action string

const (
	ActionCall         Action = "call"
	ActionStartServing Action = "start_serving"
	ActionRecall       Action = "recall"
	ActionComplete     Action = "complete"
	ActionSkip         Action = "skip"
	ActionCancel       Action = "cancel"
)

type transition struct {
	from []models.Status
	to   models.Status
}

// Calling an already called token is accepted and refreshes called_at, so
// two consoles racing on the same token both succeed.
var transitionMap = map[Action]transition{
	ActionCall:         {from: []models.Status{models.StatusWaiting, models.StatusCalled}, to: models.StatusCalled},
	ActionStartServing: {from: []models.Status{models.StatusCalled}, to: models.StatusServing},
	ActionRecall:       {from: []models.Status{models.StatusCalled}, to: models.StatusCalled},
	ActionComplete:     {from: []models.Status{models.StatusServing}, to: models.StatusServed},
	ActionSkip:         {from: []models.Status{models.StatusWaiting, models.StatusCalled}, to: models.StatusSkipped},
	ActionCancel:       {from: []models.Status{models.StatusWaiting, models.StatusCalled}, to: models.StatusCancelled},
}

func ParseAction(value string) (Action, bool) {
	action := Action(value)
	_, ok := transitionMap[action]
	return action, ok
}

func ValidTransition(action Action, fromStatus models.Status) bool {
	t, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range t.from {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// Resolve returns the status action moves a token in fromStatus into. noop is
// true when the token already sits in the terminal target of action, in which
// case the request is an idempotent repeat and nothing should be written.
func Resolve(action Action, fromStatus models.Status) (models.Status, bool, error) {
	t, ok := transitionMap[action]
	if !ok {
		return "", false, ErrUnknownAction
	}
	if fromStatus == t.to && t.to.Terminal() {
		return t.to, true, nil
	}
	if !ValidTransition(action, fromStatus) {
		return "", false, ErrInvalidTransition
	}
	return t.to, false, nil
}

// Apply returns a copy of token with action applied at the given time. The
// input token is never modified.
func Apply(token models.Token, action Action, at time.Time, reason string) (models.Token, bool, error) {
	to, noop, err := Resolve(action, token.Status)
	if err != nil {
		return token, false, err
	}
	if noop {
		return token, true, nil
	}

	next := token
	next.Status = to
	stamp := at.UTC()
	switch action {
	case ActionCall, ActionRecall:
		next.CalledAt = &stamp
	case ActionStartServing:
		next.ServingStartedAt = &stamp
	case ActionComplete:
		next.CompletedAt = &stamp
	case ActionCancel:
		next.CancelReason = reason
	}
	return next, false, nil
}
