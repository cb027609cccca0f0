package store

import (
	"encoding/json"
	"testing"
	"time"

	"qms/token-service/internal/models"
)

func buildChain(t *testing.T, tokens []models.Token, types []string) []TokenEvent {
	t.Helper()
	var events []TokenEvent
	prev := ""
	base := time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)
	for i, token := range tokens {
		payload, err := json.Marshal(token)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		createdAt := base.Add(time.Duration(i) * time.Minute)
		hash := ComputeTokenEventHash(prev, token.TokenID, types[i], payload, createdAt, i+1)
		events = append(events, TokenEvent{
			TokenID:   token.TokenID,
			TokenSeq:  i + 1,
			Type:      types[i],
			Payload:   payload,
			CreatedAt: createdAt,
			PrevHash:  prev,
			Hash:      hash,
		})
		prev = hash
	}
	return events
}

func TestRehydrateToken(t *testing.T) {
	createdAt := time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)
	calledAt := createdAt.Add(10 * time.Minute)
	events := buildChain(t, []models.Token{
		{TokenID: "t-1", QueueID: "q-1", TokenNumber: 4, HolderName: "Ana", Status: models.StatusWaiting, CreatedAt: createdAt},
		{TokenID: "t-1", QueueID: "q-1", TokenNumber: 4, Status: models.StatusCalled, CreatedAt: createdAt, CalledAt: &calledAt},
	}, []string{"token.issued", EventType(ActionCall)})

	token, err := RehydrateToken(events)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if token.TokenID != "t-1" || token.TokenNumber != 4 || token.HolderName != "Ana" {
		t.Fatalf("unexpected identity: %+v", token)
	}
	if token.Status != models.StatusCalled || token.CalledAt == nil || !token.CalledAt.Equal(calledAt) {
		t.Fatalf("unexpected state: %+v", token)
	}
}

func TestVerifyChain(t *testing.T) {
	events := buildChain(t, []models.Token{
		{TokenID: "t-1", Status: models.StatusWaiting},
		{TokenID: "t-1", Status: models.StatusCalled},
		{TokenID: "t-1", Status: models.StatusSkipped},
	}, []string{"token.issued", "token.called", "token.skipped"})

	if seq := VerifyChain(events); seq != 0 {
		t.Fatalf("expected intact chain, broken at %d", seq)
	}

	events[1].Payload = json.RawMessage(`{"id":"t-1","status":"served"}`)
	if seq := VerifyChain(events); seq != 2 {
		t.Fatalf("expected break at seq 2, got %d", seq)
	}
}
