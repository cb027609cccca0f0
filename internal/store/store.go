package store

import (
	"context"
	"time"

	"qms/token-service/internal/models"
)

type IssueTokenInput struct {
	RequestID   string
	QueueID     string
	HolderName  string
	HolderPhone string
	HolderAge   *int
	Purpose     string
	Priority    int
	IssuedAt    time.Time
	DayStart    time.Time
}

// TransitionInput carries a token already advanced by Apply. The write only
// lands when the stored status still equals From.
type TransitionInput struct {
	Action Action
	From   models.Status
	Token  models.Token
}

type QueueReader interface {
	GetQueue(ctx context.Context, queueID string) (models.Queue, error)
	ListTokens(ctx context.Context, queueID string, since time.Time) ([]models.Token, error)
}

type TokenStore interface {
	QueueReader
	SetQueueActive(ctx context.Context, queueID string, active bool) (models.Queue, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	IssueToken(ctx context.Context, input IssueTokenInput) (models.Token, bool, error)
	TransitionToken(ctx context.Context, input TransitionInput) (models.Token, error)
	ListTokenEvents(ctx context.Context, tokenID string) ([]TokenEvent, error)
}
