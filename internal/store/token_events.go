package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/token-service/internal/models"
)

type TokenEvent struct {
	TokenID   string          `json:"token_id"`
	TokenSeq  int             `json:"token_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// EventType names the history entry written for an action.
func EventType(action Action) string {
	switch action {
	case ActionCall:
		return "token.called"
	case ActionStartServing:
		return "token.serving"
	case ActionRecall:
		return "token.recalled"
	case ActionComplete:
		return "token.served"
	case ActionSkip:
		return "token.skipped"
	case ActionCancel:
		return "token.cancelled"
	default:
		return "token." + string(action)
	}
}

func ComputeTokenEventHash(prevHash, tokenID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, tokenID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyChain reports the first sequence number whose hash does not match
// its content or predecessor, or 0 when the chain is intact.
func VerifyChain(events []TokenEvent) int {
	prev := ""
	for _, event := range events {
		if event.PrevHash != prev {
			return event.TokenSeq
		}
		if ComputeTokenEventHash(prev, event.TokenID, event.Type, event.Payload, event.CreatedAt, event.TokenSeq) != event.Hash {
			return event.TokenSeq
		}
		prev = event.Hash
	}
	return 0
}

// RehydrateToken replays history payloads, each a full token image, onto an
// empty token.
func RehydrateToken(events []TokenEvent) (models.Token, error) {
	var token models.Token
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload models.Token
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Token{}, err
		}
		if payload.TokenID != "" {
			token.TokenID = payload.TokenID
		}
		if payload.QueueID != "" {
			token.QueueID = payload.QueueID
		}
		if payload.BusinessID != "" {
			token.BusinessID = payload.BusinessID
		}
		if payload.TokenNumber != 0 {
			token.TokenNumber = payload.TokenNumber
		}
		if payload.HolderName != "" {
			token.HolderName = payload.HolderName
		}
		if payload.Status != "" {
			token.Status = payload.Status
		}
		if !payload.CreatedAt.IsZero() {
			token.CreatedAt = payload.CreatedAt
		}
		if payload.CalledAt != nil {
			token.CalledAt = payload.CalledAt
		}
		if payload.ServingStartedAt != nil {
			token.ServingStartedAt = payload.ServingStartedAt
		}
		if payload.CompletedAt != nil {
			token.CompletedAt = payload.CompletedAt
		}
		if payload.CancelReason != "" {
			token.CancelReason = payload.CancelReason
		}
		token.Priority = payload.Priority
	}
	return token, nil
}
